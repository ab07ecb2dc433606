// Package cache holds the latest quote per (symbol, exchange).
package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"kimchiwatch/internal/model"
)

const shardCount = 32

// Entry is a cached quote with its staleness derived at read time.
type Entry struct {
	Quote model.ExchangeQuote
	Age   time.Duration
	Stale bool
}

type shard struct {
	mu sync.RWMutex
	// symbol -> exchange -> quote
	quotes map[string]map[string]model.ExchangeQuote
}

// PriceCache is a sharded in-memory store. All quotes of one symbol live in
// the same shard so per-symbol reads take a single read lock. Entries are
// never removed; a quote that stops arriving simply goes stale.
type PriceCache struct {
	shards     [shardCount]*shard
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a PriceCache.
type Option func(*PriceCache)

// WithClock replaces time.Now for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) { c.now = now }
}

// New creates a PriceCache whose entries turn stale after staleAfter.
func New(staleAfter time.Duration, opts ...Option) *PriceCache {
	c := &PriceCache{
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{quotes: make(map[string]map[string]model.ExchangeQuote)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *PriceCache) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return c.shards[h.Sum32()%shardCount]
}

// Merge overwrites the entry of every quote's (symbol, exchange) and returns
// how many quotes were stored.
func (c *PriceCache) Merge(quotes []model.ExchangeQuote) int {
	stored := 0
	for _, q := range quotes {
		if q.Symbol == "" || q.Exchange == "" {
			continue
		}
		s := c.shardFor(q.Symbol)
		s.mu.Lock()
		byExchange, ok := s.quotes[q.Symbol]
		if !ok {
			byExchange = make(map[string]model.ExchangeQuote)
			s.quotes[q.Symbol] = byExchange
		}
		byExchange[q.Exchange] = q
		s.mu.Unlock()
		stored++
	}
	return stored
}

// Get returns the entry for one (symbol, exchange).
func (c *PriceCache) Get(symbol, exchange string) (Entry, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	q, ok := s.quotes[symbol][exchange]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return c.entry(q, c.now()), true
}

// BySymbol returns every exchange's entry for symbol, ordered by exchange.
func (c *PriceCache) BySymbol(symbol string) []Entry {
	s := c.shardFor(symbol)
	s.mu.RLock()
	quotes := make([]model.ExchangeQuote, 0, len(s.quotes[symbol]))
	for _, q := range s.quotes[symbol] {
		quotes = append(quotes, q)
	}
	s.mu.RUnlock()

	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Exchange < quotes[j].Exchange })
	now := c.now()
	out := make([]Entry, len(quotes))
	for i, q := range quotes {
		out[i] = c.entry(q, now)
	}
	return out
}

// Symbols lists every cached symbol in ascending order.
func (c *PriceCache) Symbols() []string {
	var out []string
	for _, s := range c.shards {
		s.mu.RLock()
		for sym := range s.quotes {
			out = append(out, sym)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every entry ordered by symbol then exchange. Shards are
// read one at a time, so the result is not a single point-in-time view.
func (c *PriceCache) Snapshot() []Entry {
	var out []Entry
	for _, sym := range c.Symbols() {
		out = append(out, c.BySymbol(sym)...)
	}
	return out
}

// Len returns the number of cached (symbol, exchange) entries.
func (c *PriceCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, byExchange := range s.quotes {
			n += len(byExchange)
		}
		s.mu.RUnlock()
	}
	return n
}

func (c *PriceCache) entry(q model.ExchangeQuote, now time.Time) Entry {
	age := now.Sub(q.Timestamp)
	if age < 0 {
		age = 0
	}
	return Entry{Quote: q, Age: age, Stale: age > c.staleAfter}
}
