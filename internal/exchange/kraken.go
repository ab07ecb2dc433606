package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"kimchiwatch/internal/model"
)

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// krakenTicker fields are arrays: a/b = [price, wholeLotVolume, lotVolume],
// c = [price, lotVolume], v/h/l = [today, last24h].
type krakenTicker struct {
	A []string `json:"a"`
	B []string `json:"b"`
	C []string `json:"c"`
	V []string `json:"v"`
	H []string `json:"h"`
	L []string `json:"l"`
	O string   `json:"o"`
}

// Kraken uses legacy asset codes for a few coins.
var krakenAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// KrakenClient implements the Adapter interface for Kraken USD markets.
type KrakenClient struct {
	rest    *restClient
	now     func() time.Time
	symbols symbolCache
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(baseURL string, opts ...Option) *KrakenClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &KrakenClient{
		rest: newRESTClient(string(KindKraken), baseURL, o),
		now:  o.now,
	}
}

func (k *KrakenClient) Name() string { return string(KindKraken) }

func (k *KrakenClient) Category() model.Category { return model.Foreign }

func (k *KrakenClient) SupportedSymbols(ctx context.Context) []string {
	return cachedSymbols(&k.symbols, func() []model.ExchangeQuote { return k.FetchAll(ctx) })
}

// FetchAll reads every ticker and keeps the USD-quoted pairs.
func (k *KrakenClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	quotes := k.fetch(ctx, nil)
	k.symbols.store(quotes)
	return quotes
}

func (k *KrakenClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	symbol = strings.ToUpper(symbol)
	pair := symbol
	for code, sym := range krakenAliases {
		if sym == symbol {
			pair = code
		}
	}
	for _, q := range k.fetch(ctx, url.Values{"pair": {pair + "USD"}}) {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return model.ExchangeQuote{}, false
}

func (k *KrakenClient) HealthCheck(ctx context.Context) bool {
	var status struct {
		Status string `json:"status"`
	}
	if err := k.get(ctx, "/0/public/SystemStatus", nil, &status); err != nil {
		k.rest.fail("health", err)
		return false
	}
	return status.Status == "online"
}

func (k *KrakenClient) get(ctx context.Context, path string, query url.Values, result any) error {
	var env krakenEnvelope
	if err := k.rest.getJSON(ctx, path, query, &env); err != nil {
		return err
	}
	if len(env.Error) > 0 {
		return fmt.Errorf("kraken error: %s", strings.Join(env.Error, "; "))
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (k *KrakenClient) fetch(ctx context.Context, query url.Values) []model.ExchangeQuote {
	start := time.Now()
	var rows map[string]json.RawMessage
	if err := k.get(ctx, "/0/public/Ticker", query, &rows); err != nil {
		k.rest.fail("ticker", err)
		return nil
	}
	latency := time.Since(start)
	received := k.now()

	quotes := make([]model.ExchangeQuote, 0, len(rows))
	for pair, raw := range rows {
		sym, ok := krakenSymbol(pair)
		if !ok {
			continue
		}
		var t krakenTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			k.rest.logger.Debug("skipping malformed ticker row", "pair", pair, "error", err)
			continue
		}
		if len(t.C) == 0 {
			continue
		}
		price, ok := requirePrice(t.C[0])
		if !ok {
			continue
		}

		q := model.ExchangeQuote{
			Symbol:    sym,
			Exchange:  k.Name(),
			Category:  model.Foreign,
			Currency:  model.USD,
			Price:     price,
			High24h:   optDecimal(at(t.H, 1)),
			Low24h:    optDecimal(at(t.L, 1)),
			Volume24h: optDecimal(at(t.V, 1)),
			Bid:       optDecimal(at(t.B, 0)),
			Ask:       optDecimal(at(t.A, 0)),
			Status:    model.StatusTrading,
			Latency:   latency,
			Timestamp: received,
		}
		if open, ok := requirePrice(t.O); ok {
			q.ChangeRate24h = price.Sub(open).Div(open).Mul(hundred).Round(4)
		}
		finalize(&q)
		quotes = append(quotes, q)
	}
	return quotes
}

// krakenSymbol maps pair keys such as "XXBTZUSD" or "SOLUSD" to a base symbol.
// Only the legacy eight-character form carries the X and Z asset prefixes, so
// "XTZUSD" stays XTZ.
func krakenSymbol(pair string) (string, bool) {
	var base string
	if len(pair) == 8 && pair[0] == 'X' && strings.HasSuffix(pair, "ZUSD") {
		base = pair[1:4]
	} else {
		var ok bool
		base, ok = strings.CutSuffix(pair, "USD")
		if !ok || base == "" {
			return "", false
		}
	}
	if alias, ok := krakenAliases[base]; ok {
		base = alias
	}
	return base, true
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
