package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"kimchiwatch/internal/model"
)

type korbitTicker struct {
	Timestamp     int64  `json:"timestamp"`
	Last          string `json:"last"`
	Bid           string `json:"bid"`
	Ask           string `json:"ask"`
	Low           string `json:"low"`
	High          string `json:"high"`
	Volume        string `json:"volume"`
	ChangePercent string `json:"changePercent"`
}

// KorbitClient polls the Korbit detailed ticker API.
type KorbitClient struct {
	rest    *restClient
	now     func() time.Time
	symbols symbolCache
}

// NewKorbitClient creates a new KorbitClient.
func NewKorbitClient(baseURL string, opts ...Option) *KorbitClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &KorbitClient{
		rest: newRESTClient(string(KindKorbit), baseURL, o),
		now:  o.now,
	}
}

func (k *KorbitClient) Name() string { return string(KindKorbit) }

func (k *KorbitClient) Category() model.Category { return model.Domestic }

func (k *KorbitClient) SupportedSymbols(ctx context.Context) []string {
	return cachedSymbols(&k.symbols, func() []model.ExchangeQuote { return k.FetchAll(ctx) })
}

// FetchAll reads /v1/ticker/detailed/all, keyed by pairs such as "btc_krw".
func (k *KorbitClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	start := time.Now()
	var rows map[string]json.RawMessage
	if err := k.rest.getJSON(ctx, "/v1/ticker/detailed/all", nil, &rows); err != nil {
		k.rest.fail("ticker/detailed/all", err)
		return nil
	}
	latency := time.Since(start)
	received := k.now()

	quotes := make([]model.ExchangeQuote, 0, len(rows))
	for pair, raw := range rows {
		sym, ok := strings.CutSuffix(pair, "_krw")
		if !ok || sym == "" {
			continue
		}
		var t korbitTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			k.rest.logger.Debug("skipping malformed ticker row", "pair", pair, "error", err)
			continue
		}
		if q, ok := k.toQuote(sym, t, received, latency); ok {
			quotes = append(quotes, q)
		}
	}
	k.symbols.store(quotes)
	return quotes
}

func (k *KorbitClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	start := time.Now()
	pair := strings.ToLower(symbol) + "_krw"
	var t korbitTicker
	if err := k.rest.getJSON(ctx, "/v1/ticker/detailed", url.Values{"currency_pair": {pair}}, &t); err != nil {
		k.rest.fail("ticker/detailed", err)
		return model.ExchangeQuote{}, false
	}
	return k.toQuote(symbol, t, k.now(), time.Since(start))
}

func (k *KorbitClient) HealthCheck(ctx context.Context) bool {
	var t korbitTicker
	if err := k.rest.getJSON(ctx, "/v1/ticker", url.Values{"currency_pair": {"btc_krw"}}, &t); err != nil {
		k.rest.fail("health", err)
		return false
	}
	return t.Last != ""
}

func (k *KorbitClient) toQuote(sym string, t korbitTicker, received time.Time, latency time.Duration) (model.ExchangeQuote, bool) {
	price, ok := requirePrice(t.Last)
	if !ok {
		return model.ExchangeQuote{}, false
	}
	q := model.ExchangeQuote{
		Symbol:        strings.ToUpper(sym),
		Exchange:      k.Name(),
		Category:      model.Domestic,
		Currency:      model.KRW,
		Price:         price,
		High24h:       optDecimal(t.High),
		Low24h:        optDecimal(t.Low),
		Volume24h:     optDecimal(t.Volume),
		Bid:           optDecimal(t.Bid),
		Ask:           optDecimal(t.Ask),
		ChangeRate24h: optDecimal(t.ChangePercent),
		Status:        model.StatusTrading,
		Latency:       latency,
		Timestamp:     timeOrNow(t.Timestamp, received),
	}
	// No quote volume in the Korbit ticker; QuoteVolume24h stays zero.
	finalize(&q)
	return q, true
}
