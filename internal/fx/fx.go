// Package fx provides the USD/KRW rate used to convert foreign quotes.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/exchange"
)

// RateSource provides the current USD/KRW rate. A false result means no
// usable rate is known and conversions must not happen.
type RateSource interface {
	USDKRW() (decimal.Decimal, bool)
}

// Static is a fixed rate. The zero value has no rate.
type Static decimal.Decimal

func (s Static) USDKRW() (decimal.Decimal, bool) {
	d := decimal.Decimal(s)
	return d, d.IsPositive()
}

type latestResponse struct {
	Result string                 `json:"result"`
	Base   string                 `json:"base_code"`
	Rates  map[string]json.Number `json:"rates"`
}

// HTTPSource polls an open exchange-rate endpoint returning
// {"rates":{"KRW":...}} for a USD base.
type HTTPSource struct {
	url      string
	rest     []exchange.Option
	logger   *slog.Logger
	maxAge   time.Duration
	fallback decimal.Decimal
	now      func() time.Time

	mu        sync.RWMutex
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Option configures an HTTPSource.
type Option func(*HTTPSource)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *HTTPSource) { s.rest = append(s.rest, exchange.WithHTTPClient(hc)) }
}

// WithRetries sets how often a failed 5xx or 429 fetch is retried.
func WithRetries(max int, backoff time.Duration) Option {
	return func(s *HTTPSource) { s.rest = append(s.rest, exchange.WithRetries(max, backoff)) }
}

// WithFallback sets the rate served when no fresh rate is known.
func WithFallback(rate decimal.Decimal) Option {
	return func(s *HTTPSource) { s.fallback = rate }
}

// WithMaxAge sets how long a fetched rate stays usable.
func WithMaxAge(d time.Duration) Option {
	return func(s *HTTPSource) { s.maxAge = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *HTTPSource) { s.now = now }
}

// NewHTTPSource creates a new HTTPSource. Call Refresh to load the first rate.
func NewHTTPSource(url string, logger *slog.Logger, opts ...Option) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPSource{
		url:    url,
		logger: logger.With("component", "fx"),
		maxAge: time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rest = append(s.rest, exchange.WithLogger(logger))
	return s
}

// Refresh fetches the latest rate. On failure the previous rate is kept.
func (s *HTTPSource) Refresh(ctx context.Context) error {
	rate, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("fx refresh failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.rate = rate
	s.fetchedAt = s.now()
	s.mu.Unlock()

	s.logger.Debug("fx rate refreshed", "usdkrw", rate.String())
	return nil
}

// USDKRW returns the last fetched rate while it is younger than the max age,
// then the fallback rate if one is configured.
func (s *HTTPSource) USDKRW() (decimal.Decimal, bool) {
	s.mu.RLock()
	rate, at := s.rate, s.fetchedAt
	s.mu.RUnlock()

	if rate.IsPositive() && s.now().Sub(at) <= s.maxAge {
		return rate, true
	}
	if s.fallback.IsPositive() {
		return s.fallback, true
	}
	return decimal.Zero, false
}

func (s *HTTPSource) fetch(ctx context.Context) (decimal.Decimal, error) {
	var latest latestResponse
	if err := exchange.FetchJSON(ctx, "fx", s.url, &latest, s.rest...); err != nil {
		return decimal.Zero, err
	}
	if latest.Result != "" && latest.Result != "success" {
		return decimal.Zero, fmt.Errorf("fx api result %q", latest.Result)
	}

	krw, ok := latest.Rates["KRW"]
	if !ok {
		return decimal.Zero, errors.New("no KRW rate in response")
	}
	rate, err := decimal.NewFromString(krw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse KRW rate: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive KRW rate %s", rate)
	}
	return rate, nil
}
