package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kimchiwatch/internal/model"
)

type bithumbEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type bithumbTicker struct {
	ClosingPrice     string `json:"closing_price"`
	MinPrice         string `json:"min_price"`
	MaxPrice         string `json:"max_price"`
	UnitsTraded24H   string `json:"units_traded_24H"`
	AccTradeValue24H string `json:"acc_trade_value_24H"`
	FluctateRate24H  string `json:"fluctate_rate_24H"`
	Date             string `json:"date"`
}

// BithumbClient polls the Bithumb public ticker API.
type BithumbClient struct {
	rest    *restClient
	now     func() time.Time
	symbols symbolCache
}

// NewBithumbClient creates a new BithumbClient.
func NewBithumbClient(baseURL string, opts ...Option) *BithumbClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &BithumbClient{
		rest: newRESTClient(string(KindBithumb), baseURL, o),
		now:  o.now,
	}
}

func (b *BithumbClient) Name() string { return string(KindBithumb) }

func (b *BithumbClient) Category() model.Category { return model.Domestic }

func (b *BithumbClient) SupportedSymbols(ctx context.Context) []string {
	return cachedSymbols(&b.symbols, func() []model.ExchangeQuote { return b.FetchAll(ctx) })
}

// FetchAll reads every KRW ticker from /public/ticker/ALL_KRW. The data
// object mixes ticker rows with a "date" string; anything that does not
// decode as a ticker is skipped.
func (b *BithumbClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	start := time.Now()
	data, err := b.get(ctx, "/public/ticker/ALL_KRW")
	if err != nil {
		b.rest.fail("ticker/ALL_KRW", err)
		return nil
	}
	latency := time.Since(start)

	var rows map[string]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		b.rest.fail("ticker/ALL_KRW", fmt.Errorf("decode data: %w", err))
		return nil
	}

	batchTime := b.now()
	if raw, ok := rows["date"]; ok {
		var ms string
		if json.Unmarshal(raw, &ms) == nil {
			if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
				batchTime = timeOrNow(v, batchTime)
			}
		}
	}

	quotes := make([]model.ExchangeQuote, 0, len(rows))
	for sym, raw := range rows {
		if sym == "date" {
			continue
		}
		var t bithumbTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			b.rest.logger.Debug("skipping malformed ticker row", "symbol", sym, "error", err)
			continue
		}
		if q, ok := b.toQuote(sym, t, batchTime, latency); ok {
			quotes = append(quotes, q)
		}
	}
	b.symbols.store(quotes)
	return quotes
}

func (b *BithumbClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	symbol = strings.ToUpper(symbol)
	start := time.Now()
	data, err := b.get(ctx, "/public/ticker/"+symbol+"_KRW")
	if err != nil {
		b.rest.fail("ticker", err)
		return model.ExchangeQuote{}, false
	}

	var t bithumbTicker
	if err := json.Unmarshal(data, &t); err != nil {
		b.rest.fail("ticker", fmt.Errorf("decode data: %w", err))
		return model.ExchangeQuote{}, false
	}
	ts := b.now()
	if v, err := strconv.ParseInt(t.Date, 10, 64); err == nil {
		ts = timeOrNow(v, ts)
	}
	return b.toQuote(symbol, t, ts, time.Since(start))
}

func (b *BithumbClient) HealthCheck(ctx context.Context) bool {
	_, err := b.get(ctx, "/public/ticker/BTC_KRW")
	if err != nil {
		b.rest.fail("health", err)
		return false
	}
	return true
}

// get unwraps the Bithumb envelope; status "0000" is success.
func (b *BithumbClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	var env bithumbEnvelope
	if err := b.rest.getJSON(ctx, path, nil, &env); err != nil {
		return nil, err
	}
	if env.Status != "0000" {
		return nil, fmt.Errorf("bithumb status %s: %s", env.Status, env.Message)
	}
	return env.Data, nil
}

func (b *BithumbClient) toQuote(sym string, t bithumbTicker, ts time.Time, latency time.Duration) (model.ExchangeQuote, bool) {
	price, ok := requirePrice(t.ClosingPrice)
	if !ok {
		return model.ExchangeQuote{}, false
	}
	q := model.ExchangeQuote{
		Symbol:         strings.ToUpper(sym),
		Exchange:       b.Name(),
		Category:       model.Domestic,
		Currency:       model.KRW,
		Price:          price,
		High24h:        optDecimal(t.MaxPrice),
		Low24h:         optDecimal(t.MinPrice),
		Volume24h:      optDecimal(t.UnitsTraded24H),
		QuoteVolume24h: optDecimal(t.AccTradeValue24H),
		ChangeRate24h:  optDecimal(t.FluctateRate24H),
		Status:         model.StatusTrading,
		Latency:        latency,
		Timestamp:      ts,
	}
	finalize(&q)
	return q, true
}
