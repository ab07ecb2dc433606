package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kimchiwatch/internal/model"
)

type coinoneResponse struct {
	Result    string            `json:"result"`
	ErrorCode string            `json:"error_code"`
	Tickers   []json.RawMessage `json:"tickers"`
}

type coinoneLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type coinoneTicker struct {
	QuoteCurrency  string         `json:"quote_currency"`
	TargetCurrency string         `json:"target_currency"`
	Timestamp      int64          `json:"timestamp"`
	High           string         `json:"high"`
	Low            string         `json:"low"`
	First          string         `json:"first"`
	Last           string         `json:"last"`
	QuoteVolume    string         `json:"quote_volume"`
	TargetVolume   string         `json:"target_volume"`
	BestAsks       []coinoneLevel `json:"best_asks"`
	BestBids       []coinoneLevel `json:"best_bids"`
}

// CoinoneClient polls the Coinone v2 public ticker API.
type CoinoneClient struct {
	rest    *restClient
	now     func() time.Time
	symbols symbolCache
}

// NewCoinoneClient creates a new CoinoneClient.
func NewCoinoneClient(baseURL string, opts ...Option) *CoinoneClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CoinoneClient{
		rest: newRESTClient(string(KindCoinone), baseURL, o),
		now:  o.now,
	}
}

func (c *CoinoneClient) Name() string { return string(KindCoinone) }

func (c *CoinoneClient) Category() model.Category { return model.Domestic }

func (c *CoinoneClient) SupportedSymbols(ctx context.Context) []string {
	return cachedSymbols(&c.symbols, func() []model.ExchangeQuote { return c.FetchAll(ctx) })
}

func (c *CoinoneClient) FetchAll(ctx context.Context) []model.ExchangeQuote {
	quotes := c.fetch(ctx, "/public/v2/ticker_new/KRW")
	c.symbols.store(quotes)
	return quotes
}

func (c *CoinoneClient) FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool) {
	quotes := c.fetch(ctx, "/public/v2/ticker_new/KRW/"+strings.ToUpper(symbol))
	if len(quotes) == 0 {
		return model.ExchangeQuote{}, false
	}
	return quotes[0], true
}

func (c *CoinoneClient) HealthCheck(ctx context.Context) bool {
	var resp coinoneResponse
	if err := c.rest.getJSON(ctx, "/public/v2/ticker_new/KRW/BTC", nil, &resp); err != nil {
		c.rest.fail("health", err)
		return false
	}
	return resp.Result == "success"
}

func (c *CoinoneClient) fetch(ctx context.Context, path string) []model.ExchangeQuote {
	start := time.Now()
	var resp coinoneResponse
	if err := c.rest.getJSON(ctx, path, nil, &resp); err != nil {
		c.rest.fail("ticker_new", err)
		return nil
	}
	if resp.Result != "success" {
		c.rest.fail("ticker_new", fmt.Errorf("coinone result %q error_code %s", resp.Result, resp.ErrorCode))
		return nil
	}
	latency := time.Since(start)
	received := c.now()

	quotes := make([]model.ExchangeQuote, 0, len(resp.Tickers))
	for _, raw := range resp.Tickers {
		var t coinoneTicker
		if err := json.Unmarshal(raw, &t); err != nil {
			c.rest.logger.Debug("skipping malformed ticker row", "error", err)
			continue
		}
		price, ok := requirePrice(t.Last)
		if !ok || t.TargetCurrency == "" {
			continue
		}

		q := model.ExchangeQuote{
			Symbol:         strings.ToUpper(t.TargetCurrency),
			Exchange:       c.Name(),
			Category:       model.Domestic,
			Currency:       model.KRW,
			Price:          price,
			High24h:        optDecimal(t.High),
			Low24h:         optDecimal(t.Low),
			Volume24h:      optDecimal(t.TargetVolume),
			QuoteVolume24h: optDecimal(t.QuoteVolume),
			Status:         model.StatusTrading,
			Latency:        latency,
			Timestamp:      timeOrNow(t.Timestamp, received),
		}
		if first, ok := requirePrice(t.First); ok {
			q.ChangeRate24h = price.Sub(first).Div(first).Mul(hundred).Round(4)
		}
		if len(t.BestBids) > 0 {
			q.Bid = optDecimal(t.BestBids[0].Price)
		}
		if len(t.BestAsks) > 0 {
			q.Ask = optDecimal(t.BestAsks[0].Price)
		}
		finalize(&q)
		quotes = append(quotes, q)
	}
	return quotes
}
