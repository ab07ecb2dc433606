package arbitrage

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/cache"
	"kimchiwatch/internal/config"
	"kimchiwatch/internal/fx"
	"kimchiwatch/internal/model"
)

// QuoteReader is the read side of the price cache.
type QuoteReader interface {
	BySymbol(symbol string) []cache.Entry
}

var hundred = decimal.NewFromInt(100)

// Reliability weights of a comparison.
const (
	countWeight     = 40
	recencyWeight   = 30
	agreementWeight = 30
	fullCount       = 6
)

// maxAgreementCV is the coefficient of variation at which agreement scores 0.
const maxAgreementCV = 0.05

// Engine computes cross-exchange statistics and the kimchi premium from the
// price cache. It holds no state of its own; every call recomputes.
type Engine struct {
	logger     *slog.Logger
	quotes     QuoteReader
	rates      fx.RateSource
	cfg        config.AggregationConfig
	staleAfter time.Duration
	now        func() time.Time
}

// NewEngine creates a new instance of the Engine.
func NewEngine(logger *slog.Logger, quotes QuoteReader, rates fx.RateSource, cfg config.AggregationConfig, staleAfter time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger.With("component", "aggregation"),
		quotes:     quotes,
		rates:      rates,
		cfg:        cfg,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

type pricedQuote struct {
	model.PricePoint
	category model.Category
	age      time.Duration
	stale    bool
	quote    model.ExchangeQuote
}

// krwQuotes returns every cached quote of symbol priced in KRW. USD quotes are
// converted with the current rate and dropped when no rate is known.
func (e *Engine) krwQuotes(symbol string) ([]pricedQuote, decimal.Decimal, bool) {
	rate, haveRate := e.rates.USDKRW()
	entries := e.quotes.BySymbol(strings.ToUpper(symbol))

	out := make([]pricedQuote, 0, len(entries))
	for _, en := range entries {
		q := en.Quote
		if !q.Price.IsPositive() {
			continue
		}
		price := q.Price
		switch q.Currency {
		case model.KRW:
		case model.USD:
			if !haveRate {
				continue
			}
			price = price.Mul(rate)
		default:
			continue
		}
		out = append(out, pricedQuote{
			PricePoint: model.PricePoint{Exchange: q.Exchange, Price: price},
			category:   q.Category,
			age:        en.Age,
			stale:      en.Stale,
			quote:      q,
		})
	}
	return out, rate, haveRate
}

// CompareAcrossExchanges summarises every cached quote of symbol in KRW. It
// reports false when no quote can be priced.
func (e *Engine) CompareAcrossExchanges(symbol string) (*model.ComparisonResult, bool) {
	quotes, rate, haveRate := e.krwQuotes(symbol)
	if len(quotes) == 0 {
		return nil, false
	}

	sort.Slice(quotes, func(i, j int) bool {
		if c := quotes[i].Price.Cmp(quotes[j].Price); c != 0 {
			return c < 0
		}
		return quotes[i].Exchange < quotes[j].Exchange
	})

	res := &model.ComparisonResult{
		Symbol:       strings.ToUpper(symbol),
		Quotes:       make([]model.PricePoint, len(quotes)),
		Sources:      make([]model.ExchangeQuote, len(quotes)),
		CalculatedAt: e.now(),
	}
	prices := make([]decimal.Decimal, len(quotes))
	ages := make([]time.Duration, len(quotes))
	for i, q := range quotes {
		res.Quotes[i] = q.PricePoint
		res.Sources[i] = q.quote
		prices[i] = q.Price
		ages[i] = q.age
		if q.category == model.Domestic {
			res.DomesticCount++
		} else {
			res.ForeignCount++
		}
	}
	if haveRate {
		res.USDKRW = rate
	}

	res.Lowest = res.Quotes[0]
	res.Highest = highest(res.Quotes)
	res.Mean = clampDecimal(mean(prices), res.Lowest.Price, res.Highest.Price)
	res.Median = median(prices)
	res.StdDev = stdDev(prices, res.Mean)
	res.MaxDifference = res.Highest.Price.Sub(res.Lowest.Price)
	res.MaxDifferenceRate = res.MaxDifference.Div(res.Lowest.Price).Mul(hundred).Round(4)
	res.Reliability = e.reliability(len(prices), ages, res.StdDev, res.Mean)

	return res, true
}

// ComputeKimchiPremium compares the mean domestic KRW price with one foreign
// price converted to KRW. Only fresh quotes count on either side. When base
// has no fresh quote, the fresh foreign exchange first by name is used
// instead. It reports false without an FX rate, a fresh domestic quote or a
// fresh foreign quote.
func (e *Engine) ComputeKimchiPremium(symbol, base string) (*model.KimchiPremiumResult, bool) {
	if base == "" {
		base = e.cfg.BaseForeignExchange
	}
	quotes, rate, haveRate := e.krwQuotes(symbol)
	if !haveRate {
		e.logger.Debug("premium skipped, no fx rate", "symbol", symbol)
		return nil, false
	}

	var domestic []model.PricePoint
	foreign := make(map[string]decimal.Decimal)
	for _, q := range quotes {
		if q.stale {
			continue
		}
		if q.category == model.Domestic {
			domestic = append(domestic, q.PricePoint)
		} else {
			foreign[q.Exchange] = q.Price
		}
	}
	if len(domestic) == 0 || len(foreign) == 0 {
		return nil, false
	}

	used := base
	foreignPrice, ok := foreign[base]
	if !ok {
		names := make([]string, 0, len(foreign))
		for name := range foreign {
			names = append(names, name)
		}
		sort.Strings(names)
		used = names[0]
		foreignPrice = foreign[used]
	}

	sort.Slice(domestic, func(i, j int) bool {
		if c := domestic[i].Price.Cmp(domestic[j].Price); c != 0 {
			return c < 0
		}
		return domestic[i].Exchange < domestic[j].Exchange
	})
	domesticPrices := make(map[string]decimal.Decimal, len(domestic))
	values := make([]decimal.Decimal, len(domestic))
	for i, d := range domestic {
		domesticPrices[d.Exchange] = d.Price
		values[i] = d.Price
	}
	domesticPrice := mean(values)

	amount := domesticPrice.Sub(foreignPrice)
	return &model.KimchiPremiumResult{
		Symbol:          strings.ToUpper(symbol),
		DomesticPrices:  domesticPrices,
		ForeignPrices:   foreign,
		DomesticPrice:   domesticPrice,
		ForeignPrice:    foreignPrice,
		PremiumRate:     amount.Div(foreignPrice).Mul(hundred).Round(4),
		PremiumAmount:   amount,
		BaseExchange:    used,
		HighestDomestic: highest(domestic),
		LowestDomestic:  domestic[0],
		USDKRW:          rate,
		CalculatedAt:    e.now(),
	}, true
}

// reliability combines how many exchanges report, how fresh they are and how
// closely they agree. Each part only grows as its input improves.
func (e *Engine) reliability(n int, ages []time.Duration, std, avg decimal.Decimal) int {
	count := float64(countWeight) * float64(min(n, fullCount)) / fullCount

	var freshness float64
	for _, age := range ages {
		freshness += recency(age, e.staleAfter)
	}
	recent := float64(recencyWeight) * freshness / float64(len(ages))

	agreement := float64(agreementWeight)
	if avg.IsPositive() {
		cv := std.Div(avg).InexactFloat64()
		agreement *= math.Max(0, 1-cv/maxAgreementCV)
	}

	score := int(math.Round(count + recent + agreement))
	return max(1, min(100, score))
}

// recency is 1 for a brand-new quote and halves when age reaches staleAfter.
func recency(age, staleAfter time.Duration) float64 {
	if age <= 0 || staleAfter <= 0 {
		return 1
	}
	return float64(staleAfter) / float64(staleAfter+age)
}

// highest returns the highest price, preferring the first exchange by name
// on ties. points must be sorted by price then exchange.
func highest(points []model.PricePoint) model.PricePoint {
	top := points[len(points)-1]
	for _, p := range points {
		if p.Price.Equal(top.Price) {
			return p
		}
	}
	return top
}

var half = decimal.RequireFromString("0.5")

func mean(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// median expects values sorted ascending. Halving is exact.
func median(values []decimal.Decimal) decimal.Decimal {
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return values[n/2-1].Add(values[n/2]).Mul(half)
}

// clampDecimal keeps a rounded division inside the range it came from.
func clampDecimal(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// stdDev is the population standard deviation.
func stdDev(values []decimal.Decimal, avg decimal.Decimal) decimal.Decimal {
	variance := decimal.Zero
	for _, v := range values {
		d := v.Sub(avg)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(values))))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64())).Round(8)
}
