package exchange

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/model"
)

var hundred = decimal.NewFromInt(100)

// parseDecimal parses a string or json.Number field. Empty and malformed
// values report false.
func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// optDecimal parses an optional field, defaulting to zero.
func optDecimal(s string) decimal.Decimal {
	d, _ := parseDecimal(s)
	return d
}

// requirePrice parses a mandatory price; non-positive prices are rejected.
func requirePrice(s string) (decimal.Decimal, bool) {
	d, ok := parseDecimal(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func num(n json.Number) string { return n.String() }

// finalize fills the derived fields of a quote from the fields the exchange
// actually reported.
func finalize(q *model.ExchangeQuote) {
	if q.Status == "" {
		q.Status = model.StatusUnknown
	}
	if q.Warning == "" {
		q.Warning = model.WarningNone
	}
	q.Spread = decimal.Zero
	q.SpreadRate = decimal.Zero
	if q.Bid.IsPositive() && q.Ask.IsPositive() && q.Ask.GreaterThanOrEqual(q.Bid) {
		q.Spread = q.Ask.Sub(q.Bid)
		q.SpreadRate = q.Spread.Div(q.Price).Mul(hundred).Round(6)
	}
	q.Reliability = reliability(*q)
}

// reliability scores how much a single quote can be trusted, 0-100.
func reliability(q model.ExchangeQuote) int {
	score := 100

	switch {
	case q.Spread.IsZero():
		score -= 10
	case q.SpreadRate.GreaterThan(decimal.NewFromInt(1)):
		score -= 30
	case q.SpreadRate.GreaterThan(decimal.RequireFromString("0.5")):
		score -= 20
	case q.SpreadRate.GreaterThan(decimal.RequireFromString("0.1")):
		score -= 10
	}

	if !q.Volume24h.IsPositive() && !q.QuoteVolume24h.IsPositive() {
		score -= 20
	}
	if q.Warning == model.WarningCaution {
		score -= 20
	}
	switch q.Status {
	case model.StatusHalted:
		score -= 40
	case model.StatusUnknown:
		score -= 5
	}

	return clamp(score, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// timeOrNow converts a millisecond timestamp, falling back to the receive time.
func timeOrNow(ms int64, now time.Time) time.Time {
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(ms)
}

// symbolCache remembers the symbols seen in the last successful batch fetch.
type symbolCache struct {
	mu      sync.RWMutex
	symbols []string
}

func (s *symbolCache) store(quotes []model.ExchangeQuote) {
	if len(quotes) == 0 {
		return
	}
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q.Symbol)
	}
	sort.Strings(out)
	s.mu.Lock()
	s.symbols = out
	s.mu.Unlock()
}

func (s *symbolCache) load() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// cachedSymbols returns the remembered symbol set, fetching once if empty.
func cachedSymbols(cache *symbolCache, fetch func() []model.ExchangeQuote) []string {
	if syms := cache.load(); len(syms) > 0 {
		return syms
	}
	cache.store(fetch())
	return cache.load()
}
