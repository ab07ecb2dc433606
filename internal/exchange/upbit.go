package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/model"
)

type upbitMarket struct {
	Market        string `json:"market"`
	KoreanName    string `json:"korean_name"`
	EnglishName   string `json:"english_name"`
	MarketWarning string `json:"market_warning"`
}

type upbitTicker struct {
	Market            string      `json:"market"`
	TradePrice        json.Number `json:"trade_price"`
	HighPrice         json.Number `json:"high_price"`
	LowPrice          json.Number `json:"low_price"`
	AccTradeVolume24h json.Number `json:"acc_trade_volume_24h"`
	AccTradePrice24h  json.Number `json:"acc_trade_price_24h"`
	SignedChangeRate  json.Number `json:"signed_change_rate"`
	Timestamp         int64       `json:"timestamp"`
}

type upbitOrderbook struct {
	Market string `json:"market"`
	Units  []struct {
		AskPrice json.Number `json:"ask_price"`
		BidPrice json.Number `json:"bid_price"`
	} `json:"orderbook_units"`
}

// UpbitClient polls the Upbit KRW market.
type UpbitClient struct {
	rest *restClient
	now  func() time.Time

	mu      sync.RWMutex
	markets map[string]upbitMarket // keyed by symbol
}

// NewUpbitClient creates a new UpbitClient.
func NewUpbitClient(baseURL string, opts ...Option) *UpbitClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &UpbitClient{
		rest:    newRESTClient(string(KindUpbit), baseURL, o),
		now:     o.now,
		markets: make(map[string]upbitMarket),
	}
}

func (u *UpbitClient) Name() string { return string(KindUpbit) }

func (u *UpbitClient) Category() model.Category { return model.Domestic }

// SupportedSymbols lists the KRW markets from the market catalogue.
func (u *UpbitClient) SupportedSymbols(ctx context.Context) []string {
	markets := u.loadMarkets(ctx)
	out := make([]string, 0, len(markets))
	for sym := range markets {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// CoinNames returns Korean and English names for every KRW market.
func (u *UpbitClient) CoinNames(ctx context.Context) map[string]model.CoinName {
	markets := u.loadMarkets(ctx)
	out := make(map[string]model.CoinName, len(markets))
	for sym, m := range markets {
		out[sym] = model.CoinName{Symbol: sym, KoreanName: m.KoreanName, EnglishName: m.EnglishName}
	}
	return out
}

// FetchAll requests tickers and top-of-book for every KRW market in one
// batch each.
func (u *UpbitClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	markets := u.loadMarkets(ctx)
	if len(markets) == 0 {
		return nil
	}
	codes := make([]string, 0, len(markets))
	for _, m := range markets {
		codes = append(codes, m.Market)
	}
	sort.Strings(codes)
	return u.fetch(ctx, codes, markets)
}

func (u *UpbitClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	symbol = strings.ToUpper(symbol)
	u.mu.RLock()
	markets := u.markets
	u.mu.RUnlock()

	quotes := u.fetch(ctx, []string{"KRW-" + symbol}, markets)
	if len(quotes) == 0 {
		return model.ExchangeQuote{}, false
	}
	return quotes[0], true
}

// HealthCheck probes the market catalogue endpoint.
func (u *UpbitClient) HealthCheck(ctx context.Context) bool {
	var rows []json.RawMessage
	if err := u.rest.getJSON(ctx, "/v1/market/all", nil, &rows); err != nil {
		u.rest.fail("health", err)
		return false
	}
	return len(rows) > 0
}

// loadMarkets refreshes the KRW market catalogue, keeping the previous one
// when the refresh fails.
func (u *UpbitClient) loadMarkets(ctx context.Context) map[string]upbitMarket {
	var rows []json.RawMessage
	err := u.rest.getJSON(ctx, "/v1/market/all", url.Values{"isDetails": {"true"}}, &rows)
	if err != nil {
		u.rest.fail("market/all", err)
		u.mu.RLock()
		defer u.mu.RUnlock()
		return u.markets
	}

	markets := make(map[string]upbitMarket, len(rows))
	for _, raw := range rows {
		var m upbitMarket
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		sym, ok := strings.CutPrefix(m.Market, "KRW-")
		if !ok || sym == "" {
			continue
		}
		markets[sym] = m
	}

	if len(markets) > 0 {
		u.mu.Lock()
		u.markets = markets
		u.mu.Unlock()
	}
	return markets
}

func (u *UpbitClient) fetch(ctx context.Context, codes []string, markets map[string]upbitMarket) []model.ExchangeQuote {
	start := time.Now()
	query := url.Values{"markets": {strings.Join(codes, ",")}}

	var rows []json.RawMessage
	if err := u.rest.getJSON(ctx, "/v1/ticker", query, &rows); err != nil {
		u.rest.fail("ticker", err)
		return nil
	}
	latency := time.Since(start)
	books := u.orderbooks(ctx, query)
	received := u.now()

	quotes := make([]model.ExchangeQuote, 0, len(rows))
	for _, raw := range rows {
		var t upbitTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			u.rest.logger.Debug("skipping malformed ticker row", "error", err)
			continue
		}
		sym, ok := strings.CutPrefix(t.Market, "KRW-")
		if !ok {
			continue
		}
		price, ok := requirePrice(num(t.TradePrice))
		if !ok {
			continue
		}

		q := model.ExchangeQuote{
			Symbol:         sym,
			Exchange:       u.Name(),
			Category:       model.Domestic,
			Currency:       model.KRW,
			Price:          price,
			High24h:        optDecimal(num(t.HighPrice)),
			Low24h:         optDecimal(num(t.LowPrice)),
			Volume24h:      optDecimal(num(t.AccTradeVolume24h)),
			QuoteVolume24h: optDecimal(num(t.AccTradePrice24h)),
			ChangeRate24h:  optDecimal(num(t.SignedChangeRate)).Mul(hundred),
			Status:         model.StatusTrading,
			Latency:        latency,
			Timestamp:      timeOrNow(t.Timestamp, received),
		}
		if m, ok := markets[sym]; ok && m.MarketWarning == "CAUTION" {
			q.Warning = model.WarningCaution
		}
		if b, ok := books[t.Market]; ok {
			q.Bid, q.Ask = b[0], b[1]
		}
		finalize(&q)
		quotes = append(quotes, q)
	}
	return quotes
}

// orderbooks returns best bid/ask per market code. A failure only loses the
// book fields, never the tickers.
func (u *UpbitClient) orderbooks(ctx context.Context, query url.Values) map[string][2]decimal.Decimal {
	var rows []json.RawMessage
	if err := u.rest.getJSON(ctx, "/v1/orderbook", query, &rows); err != nil {
		u.rest.fail("orderbook", err)
		return nil
	}
	out := make(map[string][2]decimal.Decimal, len(rows))
	for _, raw := range rows {
		var ob upbitOrderbook
		if err := json.Unmarshal(raw, &ob); err != nil || len(ob.Units) == 0 {
			continue
		}
		out[ob.Market] = [2]decimal.Decimal{
			optDecimal(num(ob.Units[0].BidPrice)),
			optDecimal(num(ob.Units[0].AskPrice)),
		}
	}
	return out
}
