package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testOpts() []Option {
	return []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetries(0, time.Millisecond),
		WithClock(func() time.Time { return fixedNow }),
	}
}

func serve(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for path, body := range routes {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func bySymbol(quotes []model.ExchangeQuote) map[string]model.ExchangeQuote {
	out := make(map[string]model.ExchangeQuote, len(quotes))
	for _, q := range quotes {
		out[q.Symbol] = q
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestUpbitClient_FetchAll(t *testing.T) {
	srv := serve(t, map[string]string{
		"/v1/market/all": `[
			{"market":"KRW-BTC","korean_name":"비트코인","english_name":"Bitcoin","market_warning":"NONE"},
			{"market":"KRW-XYZ","korean_name":"엑스","english_name":"Xyz","market_warning":"CAUTION"},
			{"market":"BTC-ETH","korean_name":"이더리움","english_name":"Ethereum"}
		]`,
		"/v1/ticker": `[
			{"market":"KRW-BTC","trade_price":95000000.5,"high_price":96000000,"low_price":94000000,
			 "acc_trade_volume_24h":1234.5,"acc_trade_price_24h":117000000000,"signed_change_rate":0.0125,"timestamp":1714564800000},
			{"market":"KRW-XYZ","trade_price":{},"high_price":1},
			{"market":"KRW-ZERO","trade_price":0}
		]`,
		"/v1/orderbook": `[{"market":"KRW-BTC","orderbook_units":[{"ask_price":95010000,"bid_price":94990000}]}]`,
	})

	c := NewUpbitClient(srv.URL, testOpts()...)
	quotes := c.FetchAll(context.Background())
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, "BTC", q.Symbol)
	assert.Equal(t, "upbit", q.Exchange)
	assert.Equal(t, model.Domestic, q.Category)
	assert.Equal(t, model.KRW, q.Currency)
	assert.True(t, dec("95000000.5").Equal(q.Price))
	assert.True(t, dec("1.25").Equal(q.ChangeRate24h))
	assert.True(t, dec("20000").Equal(q.Spread))
	assert.True(t, q.SpreadRate.IsPositive())
	assert.Equal(t, model.WarningNone, q.Warning)
	assert.Equal(t, model.StatusTrading, q.Status)
	assert.Equal(t, time.UnixMilli(1714564800000), q.Timestamp)

	names := c.CoinNames(context.Background())
	assert.Equal(t, "비트코인", names["BTC"].KoreanName)
	assert.Equal(t, "Xyz", names["XYZ"].EnglishName)
	assert.NotContains(t, names, "ETH")
	assert.Equal(t, []string{"BTC", "XYZ"}, c.SupportedSymbols(context.Background()))
}

func TestUpbitClient_CautionAndMissingBook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/market/all", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"market":"KRW-XYZ","korean_name":"엑스","english_name":"Xyz","market_warning":"CAUTION"}]`)
	})
	mux.HandleFunc("/v1/ticker", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"market":"KRW-XYZ","trade_price":100,"acc_trade_volume_24h":10}]`)
	})
	mux.HandleFunc("/v1/orderbook", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	quotes := NewUpbitClient(srv.URL, testOpts()...).FetchAll(context.Background())
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, model.WarningCaution, q.Warning)
	assert.True(t, q.Bid.IsZero())
	assert.True(t, q.Ask.IsZero())
	assert.True(t, q.Spread.IsZero())
	assert.Equal(t, fixedNow, q.Timestamp)
	// no book -10, caution -20
	assert.Equal(t, 70, q.Reliability)
}

func TestBithumbClient_FetchAll(t *testing.T) {
	srv := serve(t, map[string]string{
		"/public/ticker/ALL_KRW": `{"status":"0000","data":{
			"BTC":{"closing_price":"95000000","min_price":"94000000","max_price":"96000000",
			       "units_traded_24H":"100.5","acc_trade_value_24H":"9500000000","fluctate_rate_24H":"-0.52"},
			"BAD":"oops",
			"NOPRICE":{"closing_price":""},
			"date":"1714564800000"}}`,
		"/public/ticker/ETH_KRW": `{"status":"0000","data":{"closing_price":"4500000","date":"1714564800000"}}`,
	})

	c := NewBithumbClient(srv.URL, testOpts()...)
	quotes := bySymbol(c.FetchAll(context.Background()))
	require.Len(t, quotes, 1)

	btc := quotes["BTC"]
	assert.True(t, dec("95000000").Equal(btc.Price))
	assert.True(t, dec("-0.52").Equal(btc.ChangeRate24h))
	assert.True(t, dec("9500000000").Equal(btc.QuoteVolume24h))
	assert.Equal(t, time.UnixMilli(1714564800000), btc.Timestamp)

	eth, ok := c.FetchOne(context.Background(), "eth")
	require.True(t, ok)
	assert.Equal(t, "ETH", eth.Symbol)
	assert.True(t, dec("4500000").Equal(eth.Price))
}

func TestBithumbClient_ErrorStatus(t *testing.T) {
	srv := serve(t, map[string]string{
		"/public/ticker/ALL_KRW": `{"status":"5600","message":"maintenance"}`,
	})
	assert.Empty(t, NewBithumbClient(srv.URL, testOpts()...).FetchAll(context.Background()))
}

func TestCoinoneClient_FetchAll(t *testing.T) {
	srv := serve(t, map[string]string{
		"/public/v2/ticker_new/KRW": `{"result":"success","error_code":"0","tickers":[
			{"quote_currency":"krw","target_currency":"btc","timestamp":1714564800000,"high":"96000000","low":"94000000",
			 "first":"94000000","last":"94940000","quote_volume":"1000000000","target_volume":"10.5",
			 "best_asks":[{"price":"94950000","qty":"0.1"}],"best_bids":[{"price":"94930000","qty":"0.2"}]},
			{"quote_currency":"krw","target_currency":"eth","last":"abc"},
			12
		]}`,
	})

	quotes := NewCoinoneClient(srv.URL, testOpts()...).FetchAll(context.Background())
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, "BTC", q.Symbol)
	assert.True(t, dec("1").Equal(q.ChangeRate24h))
	assert.True(t, dec("94930000").Equal(q.Bid))
	assert.True(t, dec("94950000").Equal(q.Ask))
	assert.True(t, dec("20000").Equal(q.Spread))
	assert.Equal(t, 100, q.Reliability)
}

func TestKorbitClient_FetchAll(t *testing.T) {
	srv := serve(t, map[string]string{
		"/v1/ticker/detailed/all": `{
			"btc_krw":{"timestamp":1714564800000,"last":"95000000","bid":"94990000","ask":"95010000",
			           "low":"94000000","high":"96000000","volume":"12.3","changePercent":"0.8"},
			"eth_btc":{"last":"0.05"},
			"xrp_krw":[]
		}`,
	})

	quotes := bySymbol(NewKorbitClient(srv.URL, testOpts()...).FetchAll(context.Background()))
	require.Len(t, quotes, 1)
	btc := quotes["BTC"]
	assert.True(t, dec("0.8").Equal(btc.ChangeRate24h))
	assert.True(t, btc.QuoteVolume24h.IsZero())
	assert.True(t, dec("12.3").Equal(btc.Volume24h))
}

func TestBinanceClient_FetchAll(t *testing.T) {
	srv := serve(t, map[string]string{
		"/api/v3/ticker/24hr": `[
			{"symbol":"BTCUSDT","priceChangePercent":"1.5","lastPrice":"65000.12","bidPrice":"65000.00","askPrice":"65000.20",
			 "highPrice":"66000","lowPrice":"64000","volume":"1000","quoteVolume":"65000000","closeTime":1714564800000},
			{"symbol":"ETHBTC","lastPrice":"0.05"},
			{"symbol":"BADUSDT","lastPrice":"-1"}
		]`,
		"/api/v3/ping": `{}`,
	})

	c := NewBinanceClient(srv.URL, testOpts()...)
	quotes := c.FetchAll(context.Background())
	require.Len(t, quotes, 1)
	assert.Equal(t, "BTC", quotes[0].Symbol)
	assert.Equal(t, model.USD, quotes[0].Currency)
	assert.Equal(t, model.Foreign, quotes[0].Category)
	assert.True(t, dec("65000.12").Equal(quotes[0].Price))
	assert.True(t, c.HealthCheck(context.Background()))
}

func TestKrakenSymbol(t *testing.T) {
	tests := []struct {
		pair string
		want string
		ok   bool
	}{
		{"XXBTZUSD", "BTC", true},
		{"XETHZUSD", "ETH", true},
		{"XDGUSD", "DOGE", true},
		{"SOLUSD", "SOL", true},
		{"XTZUSD", "XTZ", true},
		{"ZECUSD", "ZEC", true},
		{"XZECZUSD", "ZEC", true},
		{"ALGOUSD", "ALGO", true},
		{"XXBTZEUR", "", false},
		{"USD", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.pair, func(t *testing.T) {
			got, ok := krakenSymbol(tt.pair)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKrakenClient_Fetch(t *testing.T) {
	srv := serve(t, map[string]string{
		"/0/public/Ticker": `{"error":[],"result":{
			"XXBTZUSD":{"a":["65010.0","1","1.000"],"b":["65000.0","2","2.000"],"c":["65005.0","0.1"],
			            "v":["100","2500"],"h":["65500","66000"],"l":["64500","64000"],"o":"64005.0"},
			"XXBTZEUR":{"c":["60000.0","0.1"]},
			"SOLUSD":{"c":["notanumber"]}
		}}`,
		"/0/public/SystemStatus": `{"error":[],"result":{"status":"online"}}`,
	})

	c := NewKrakenClient(srv.URL, testOpts()...)
	quotes := c.FetchAll(context.Background())
	require.Len(t, quotes, 1)
	btc := quotes[0]
	assert.Equal(t, "BTC", btc.Symbol)
	assert.True(t, dec("65005").Equal(btc.Price))
	assert.True(t, dec("2500").Equal(btc.Volume24h))
	assert.True(t, dec("10").Equal(btc.Spread))

	one, ok := c.FetchOne(context.Background(), "btc")
	require.True(t, ok)
	assert.Equal(t, "BTC", one.Symbol)
	assert.True(t, c.HealthCheck(context.Background()))
}

func TestKrakenClient_ErrorEnvelope(t *testing.T) {
	srv := serve(t, map[string]string{
		"/0/public/Ticker": `{"error":["EQuery:Unknown asset pair"],"result":{}}`,
	})
	_, ok := NewKrakenClient(srv.URL, testOpts()...).FetchOne(context.Background(), "NOPE")
	assert.False(t, ok)
}

func TestCoinGeckoClient_FetchAll(t *testing.T) {
	var perPage atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/coins/markets", func(w http.ResponseWriter, r *http.Request) {
		perPage.Store(r.URL.Query().Get("per_page"))
		_, _ = io.WriteString(w, `[
			{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":65000.5,"high_24h":66000,"low_24h":64000,
			 "total_volume":30000000000,"price_change_percentage_24h":1.2,"last_updated":"2024-05-01T11:59:00.000Z"},
			{"id":"bitcoin-wrapped-fake","symbol":"btc","name":"Fake","current_price":1},
			{"id":"nulls","symbol":"nul","name":"Null","current_price":null}
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCoinGeckoClient(srv.URL, append(testOpts(), WithTopN(25))...)
	quotes := c.FetchAll(context.Background())
	require.Len(t, quotes, 1)
	assert.Equal(t, "25", perPage.Load())

	btc := quotes[0]
	assert.True(t, dec("65000.5").Equal(btc.Price))
	assert.True(t, btc.Volume24h.IsZero())
	assert.True(t, dec("30000000000").Equal(btc.QuoteVolume24h))
	assert.Equal(t, time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC), btc.Timestamp)
	// aggregator: no book -10
	assert.Equal(t, 90, btc.Reliability)

	names := c.CoinNames(context.Background())
	assert.Equal(t, "Bitcoin", names["BTC"].EnglishName)
}

func TestRESTClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[{"symbol":"ETHUSDT","lastPrice":"3000"}]`)
	}))
	defer srv.Close()

	opts := append(testOpts(), WithRetries(2, time.Millisecond))
	quotes := NewBinanceClient(srv.URL, opts...).FetchAll(context.Background())
	require.Len(t, quotes, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRESTClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	opts := append(testOpts(), WithRetries(3, time.Millisecond))
	assert.Empty(t, NewBinanceClient(srv.URL, opts...).FetchAll(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
}

func TestAdapters_ServerErrorYieldsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	for _, kind := range Kinds() {
		a, err := NewClient(string(kind), nil, &config.ExchangeConfig{BaseURL: srv.URL}, testOpts()...)
		require.NoError(t, err)
		assert.Empty(t, a.FetchAll(context.Background()), kind)
		_, ok := a.FetchOne(context.Background(), "BTC")
		assert.False(t, ok, kind)
		assert.False(t, a.HealthCheck(context.Background()), kind)
	}
}

func TestPricePrecisionIsPreserved(t *testing.T) {
	srv := serve(t, map[string]string{
		"/api/v3/ticker/24hr": `[{"symbol":"SHIBUSDT","lastPrice":"0.000012345678901234","bidPrice":"0.000012345678901233","askPrice":"0.000012345678901235"}]`,
	})
	quotes := NewBinanceClient(srv.URL, testOpts()...).FetchAll(context.Background())
	require.Len(t, quotes, 1)
	assert.Equal(t, "0.000012345678901234", quotes[0].Price.String())
}

func TestReliability(t *testing.T) {
	base := model.ExchangeQuote{
		Price:     dec("100"),
		Bid:       dec("99.99"),
		Ask:       dec("100.01"),
		Volume24h: dec("1"),
		Status:    model.StatusTrading,
		Warning:   model.WarningNone,
	}

	tests := []struct {
		name   string
		modify func(q *model.ExchangeQuote)
		want   int
	}{
		{"tight book", func(q *model.ExchangeQuote) {}, 100},
		{"no book", func(q *model.ExchangeQuote) { q.Bid, q.Ask = decimal.Zero, decimal.Zero }, 90},
		{"wide spread", func(q *model.ExchangeQuote) { q.Bid, q.Ask = dec("99"), dec("101") }, 70},
		{"no volume", func(q *model.ExchangeQuote) { q.Volume24h = decimal.Zero }, 80},
		{"caution", func(q *model.ExchangeQuote) { q.Warning = model.WarningCaution }, 80},
		{"halted", func(q *model.ExchangeQuote) { q.Status = model.StatusHalted }, 60},
		{"unknown status", func(q *model.ExchangeQuote) { q.Status = "" }, 95},
		{"everything wrong", func(q *model.ExchangeQuote) {
			q.Bid, q.Ask = dec("90"), dec("110")
			q.Volume24h = decimal.Zero
			q.Warning = model.WarningCaution
			q.Status = model.StatusHalted
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			tt.modify(&q)
			finalize(&q)
			assert.Equal(t, tt.want, q.Reliability)
		})
	}
}

func TestNewAdapters(t *testing.T) {
	cfgs := map[string]config.ExchangeConfig{
		"upbit":     {Enabled: true, BaseURL: "http://upbit"},
		"binance":   {Enabled: true, BaseURL: "http://binance", Timeout: time.Second},
		"korbit":    {Enabled: false, BaseURL: "http://korbit"},
		"coingecko": {Enabled: true, BaseURL: "http://gecko"},
	}
	adapters, err := NewAdapters(cfgs, nil)
	require.NoError(t, err)

	var names []string
	for _, a := range adapters {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"upbit", "binance", "coingecko"}, names)
	assert.Len(t, ByCategory(adapters, model.Domestic), 1)
	assert.Len(t, Select(adapters, "coingecko"), 1)

	cfgs["bitfinex"] = config.ExchangeConfig{Enabled: true, BaseURL: "http://x"}
	_, err = NewAdapters(cfgs, nil)
	assert.Error(t, err)
}

type stubAdapter struct {
	name    string
	healthy bool
	release chan struct{}
}

func (s *stubAdapter) Name() string                                  { return s.name }
func (s *stubAdapter) Category() model.Category                      { return model.Domestic }
func (s *stubAdapter) SupportedSymbols(ctx context.Context) []string { return nil }
func (s *stubAdapter) FetchAll(ctx context.Context) []model.ExchangeQuote {
	return nil
}
func (s *stubAdapter) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	return model.ExchangeQuote{}, false
}
func (s *stubAdapter) HealthCheck(ctx context.Context) bool {
	if s.release != nil {
		<-s.release
	}
	return s.healthy
}

func TestHealthReport(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	adapters := []Adapter{
		&stubAdapter{name: "up", healthy: true},
		&stubAdapter{name: "down"},
		&stubAdapter{name: "hung", healthy: true, release: release},
	}

	start := time.Now()
	report := HealthReport(context.Background(), adapters, 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"down", "hung", "up"}, keys)
	assert.True(t, report["up"])
	assert.False(t, report["down"])
	assert.False(t, report["hung"])
}
