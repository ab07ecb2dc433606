package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"kimchiwatch/internal/model"
)

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// BinanceClient implements the Adapter interface for Binance spot USDT
// markets. USDT prices are treated as USD.
type BinanceClient struct {
	rest    *restClient
	now     func() time.Time
	symbols symbolCache
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(baseURL string, opts ...Option) *BinanceClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &BinanceClient{
		rest: newRESTClient(string(KindBinance), baseURL, o),
		now:  o.now,
	}
}

func (b *BinanceClient) Name() string { return string(KindBinance) }

func (b *BinanceClient) Category() model.Category { return model.Foreign }

func (b *BinanceClient) SupportedSymbols(ctx context.Context) []string {
	return cachedSymbols(&b.symbols, func() []model.ExchangeQuote { return b.FetchAll(ctx) })
}

// FetchAll reads the 24h rolling ticker for every pair and keeps the USDT ones.
func (b *BinanceClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	start := time.Now()
	var rows []json.RawMessage
	if err := b.rest.getJSON(ctx, "/api/v3/ticker/24hr", nil, &rows); err != nil {
		b.rest.fail("ticker/24hr", err)
		return nil
	}
	latency := time.Since(start)
	received := b.now()

	quotes := make([]model.ExchangeQuote, 0, len(rows)/4)
	for _, raw := range rows {
		var t binanceTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			b.rest.logger.Debug("skipping malformed ticker row", "error", err)
			continue
		}
		if q, ok := b.toQuote(t, received, latency); ok {
			quotes = append(quotes, q)
		}
	}
	b.symbols.store(quotes)
	return quotes
}

func (b *BinanceClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	start := time.Now()
	var t binanceTicker
	query := url.Values{"symbol": {strings.ToUpper(symbol) + "USDT"}}
	if err := b.rest.getJSON(ctx, "/api/v3/ticker/24hr", query, &t); err != nil {
		b.rest.fail("ticker/24hr", err)
		return model.ExchangeQuote{}, false
	}
	return b.toQuote(t, b.now(), time.Since(start))
}

func (b *BinanceClient) HealthCheck(ctx context.Context) bool {
	var pong struct{}
	if err := b.rest.getJSON(ctx, "/api/v3/ping", nil, &pong); err != nil {
		b.rest.fail("health", err)
		return false
	}
	return true
}

func (b *BinanceClient) toQuote(t binanceTicker, received time.Time, latency time.Duration) (model.ExchangeQuote, bool) {
	sym, ok := strings.CutSuffix(t.Symbol, "USDT")
	if !ok || sym == "" {
		return model.ExchangeQuote{}, false
	}
	price, ok := requirePrice(t.LastPrice)
	if !ok {
		return model.ExchangeQuote{}, false
	}
	q := model.ExchangeQuote{
		Symbol:         sym,
		Exchange:       b.Name(),
		Category:       model.Foreign,
		Currency:       model.USD,
		Price:          price,
		High24h:        optDecimal(t.HighPrice),
		Low24h:         optDecimal(t.LowPrice),
		Volume24h:      optDecimal(t.Volume),
		QuoteVolume24h: optDecimal(t.QuoteVolume),
		Bid:            optDecimal(t.BidPrice),
		Ask:            optDecimal(t.AskPrice),
		ChangeRate24h:  optDecimal(t.PriceChangePercent),
		Status:         model.StatusTrading,
		Latency:        latency,
		Timestamp:      timeOrNow(t.CloseTime, received),
	}
	finalize(&q)
	return q, true
}
