package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kimchiwatch/internal/model"
)

type coingeckoMarket struct {
	ID                       string      `json:"id"`
	Symbol                   string      `json:"symbol"`
	Name                     string      `json:"name"`
	CurrentPrice             json.Number `json:"current_price"`
	High24h                  json.Number `json:"high_24h"`
	Low24h                   json.Number `json:"low_24h"`
	TotalVolume              json.Number `json:"total_volume"`
	PriceChangePercentage24h json.Number `json:"price_change_percentage_24h"`
	LastUpdated              string      `json:"last_updated"`
}

// CoinGeckoClient reads the top coins by market capitalisation. It is an
// aggregator rather than an exchange and reports no order book.
type CoinGeckoClient struct {
	rest    *restClient
	now     func() time.Time
	topN    int
	symbols symbolCache
}

// NewCoinGeckoClient creates a client covering the top coins by market cap
// (100 unless WithTopN is given).
func NewCoinGeckoClient(baseURL string, opts ...Option) *CoinGeckoClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CoinGeckoClient{
		rest: newRESTClient(string(KindCoinGecko), baseURL, o),
		now:  o.now,
		topN: o.topN,
	}
}

func (c *CoinGeckoClient) Name() string { return string(KindCoinGecko) }

func (c *CoinGeckoClient) Category() model.Category { return model.Foreign }

func (c *CoinGeckoClient) SupportedSymbols(ctx context.Context) []string {
	return cachedSymbols(&c.symbols, func() []model.ExchangeQuote { return c.FetchAll(ctx) })
}

// FetchAll returns the top N coins ordered by market cap. When two coins share
// a ticker symbol the larger one wins.
func (c *CoinGeckoClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	quotes, _ := c.fetch(ctx, url.Values{
		"vs_currency": {"usd"},
		"order":       {"market_cap_desc"},
		"per_page":    {strconv.Itoa(c.topN)},
		"page":        {"1"},
	})
	c.symbols.store(quotes)
	return quotes
}

func (c *CoinGeckoClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	quotes, _ := c.fetch(ctx, url.Values{
		"vs_currency": {"usd"},
		"order":       {"market_cap_desc"},
		"symbols":     {strings.ToLower(symbol)},
	})
	if len(quotes) == 0 {
		return model.ExchangeQuote{}, false
	}
	return quotes[0], true
}

// CoinNames returns English names for the covered coins.
func (c *CoinGeckoClient) CoinNames(ctx context.Context) map[string]model.CoinName {
	_, names := c.fetch(ctx, url.Values{
		"vs_currency": {"usd"},
		"order":       {"market_cap_desc"},
		"per_page":    {strconv.Itoa(c.topN)},
		"page":        {"1"},
	})
	return names
}

func (c *CoinGeckoClient) HealthCheck(ctx context.Context) bool {
	var pong struct {
		GeckoSays string `json:"gecko_says"`
	}
	if err := c.rest.getJSON(ctx, "/api/v3/ping", nil, &pong); err != nil {
		c.rest.fail("health", err)
		return false
	}
	return true
}

func (c *CoinGeckoClient) fetch(ctx context.Context, query url.Values) ([]model.ExchangeQuote, map[string]model.CoinName) {
	start := time.Now()
	var rows []json.RawMessage
	if err := c.rest.getJSON(ctx, "/api/v3/coins/markets", query, &rows); err != nil {
		c.rest.fail("coins/markets", err)
		return nil, nil
	}
	latency := time.Since(start)
	received := c.now()

	quotes := make([]model.ExchangeQuote, 0, len(rows))
	names := make(map[string]model.CoinName, len(rows))
	for _, raw := range rows {
		var m coingeckoMarket
		if err := json.Unmarshal(raw, &m); err != nil {
			c.rest.logger.Debug("skipping malformed market row", "error", err)
			continue
		}
		sym := strings.ToUpper(m.Symbol)
		if sym == "" {
			continue
		}
		if _, dup := names[sym]; dup {
			continue
		}
		price, ok := requirePrice(num(m.CurrentPrice))
		if !ok {
			continue
		}

		ts := received
		if parsed, err := time.Parse(time.RFC3339, m.LastUpdated); err == nil {
			ts = parsed
		}
		q := model.ExchangeQuote{
			Symbol:         sym,
			Exchange:       c.Name(),
			Category:       model.Foreign,
			Currency:       model.USD,
			Price:          price,
			High24h:        optDecimal(num(m.High24h)),
			Low24h:         optDecimal(num(m.Low24h)),
			QuoteVolume24h: optDecimal(num(m.TotalVolume)),
			ChangeRate24h:  optDecimal(num(m.PriceChangePercentage24h)),
			Status:         model.StatusTrading,
			Latency:        latency,
			Timestamp:      ts,
		}
		finalize(&q)
		quotes = append(quotes, q)
		names[sym] = model.CoinName{Symbol: sym, EnglishName: m.Name}
	}
	return quotes, names
}
