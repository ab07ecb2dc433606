// Package poller drives the exchange adapters on fixed cadences and feeds the
// price cache.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"kimchiwatch/internal/cache"
	"kimchiwatch/internal/config"
	"kimchiwatch/internal/exchange"
	"kimchiwatch/internal/model"
)

// Cycle names.
const (
	FastCycle = "fast"
	SlowCycle = "slow"
)

// QuoteSink receives merged quotes after every cycle, e.g. a database or a
// Redis mirror.
type QuoteSink interface {
	Name() string
	SaveQuotes(ctx context.Context, quotes []model.ExchangeQuote) error
}

// Publisher pushes market-wide price updates to connected sessions.
type Publisher interface {
	PublishPriceUpdate(ev model.Event) int
}

// CycleListener is called synchronously after each merge.
type CycleListener interface {
	OnCycle(ctx context.Context, cycle string, quotes []model.ExchangeQuote)
}

// CycleListenerFunc is a function adapter for CycleListener.
type CycleListenerFunc func(ctx context.Context, cycle string, quotes []model.ExchangeQuote)

func (f CycleListenerFunc) OnCycle(ctx context.Context, cycle string, quotes []model.ExchangeQuote) {
	f(ctx, cycle, quotes)
}

// RateRefresher reloads the FX rate.
type RateRefresher interface {
	Refresh(ctx context.Context) error
}

// Poller owns the scheduler and the two polling cycles.
type Poller struct {
	cfg   config.PollerConfig
	fast  Cycle
	slow  Cycle
	cache *cache.PriceCache

	sinks     []QuoteSink
	publisher Publisher
	listeners []CycleListener
	fx        RateRefresher
	namers    []exchange.Namer
	logger    *slog.Logger

	namesMu sync.RWMutex
	names   map[string]model.CoinName

	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	sinkWG    sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithSinks adds quote sinks.
func WithSinks(sinks ...QuoteSink) Option {
	return func(p *Poller) { p.sinks = append(p.sinks, sinks...) }
}

// WithPublisher sets the price-update publisher.
func WithPublisher(pub Publisher) Option {
	return func(p *Poller) { p.publisher = pub }
}

// WithListeners adds cycle listeners, called in order.
func WithListeners(listeners ...CycleListener) Option {
	return func(p *Poller) { p.listeners = append(p.listeners, listeners...) }
}

// WithRateRefresher schedules FX refreshes.
func WithRateRefresher(fx RateRefresher) Option {
	return func(p *Poller) { p.fx = fx }
}

// New creates a new Poller. The fast cycle covers cfg.FastSymbols; the slow
// cycle keeps everything its adapters return. Adapters of either cycle that
// can list coin names are used for price_update display names.
func New(cfg config.PollerConfig, c *cache.PriceCache, fast, slow []exchange.Adapter, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:    cfg,
		fast:   NewCycle(FastCycle, fast, cfg.FastSymbols...),
		slow:   NewCycle(SlowCycle, slow),
		cache:  c,
		logger: logger.With("component", "poller"),
		names:  make(map[string]model.CoinName),
	}
	for _, a := range append(append([]exchange.Adapter{}, fast...), slow...) {
		if n, ok := a.(exchange.Namer); ok {
			p.namers = append(p.namers, n)
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start loads the FX rate and coin names once, then schedules the fast, slow,
// name and FX jobs. The cycles run immediately; no job overlaps with itself.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if p.fx != nil {
		p.refreshFX()
	}
	p.RefreshNames(p.ctx)

	p.scheduler = gocron.NewScheduler(time.UTC)
	p.scheduler.SingletonModeAll()

	if _, err := p.scheduler.Every(p.cfg.FastInterval).Do(p.runFast); err != nil {
		return fmt.Errorf("schedule fast cycle: %w", err)
	}
	if len(p.slow.Adapters) > 0 {
		if _, err := p.scheduler.Every(p.cfg.SlowInterval).Do(p.runSlow); err != nil {
			return fmt.Errorf("schedule slow cycle: %w", err)
		}
	}
	if len(p.namers) > 0 {
		if _, err := p.scheduler.Every(p.cfg.SlowInterval).WaitForSchedule().Do(p.refreshNames); err != nil {
			return fmt.Errorf("schedule name refresh: %w", err)
		}
	}
	if p.fx != nil && p.cfg.FXInterval > 0 {
		if _, err := p.scheduler.Every(p.cfg.FXInterval).WaitForSchedule().Do(p.refreshFX); err != nil {
			return fmt.Errorf("schedule fx refresh: %w", err)
		}
	}
	p.scheduler.StartAsync()

	p.logger.Info("poller started",
		"fast_interval", p.cfg.FastInterval,
		"slow_interval", p.cfg.SlowInterval,
		"fast_adapters", len(p.fast.Adapters),
		"slow_adapters", len(p.slow.Adapters),
		"fast_symbols", len(p.cfg.FastSymbols),
	)
	return nil
}

// Stop halts the scheduler and waits for in-flight sink writes.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.scheduler != nil {
		p.scheduler.Stop()
	}

	done := make(chan struct{})
	go func() {
		p.sinkWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) runFast() {
	p.RunCycle(p.ctx, p.fast)
}

func (p *Poller) runSlow() {
	p.RunCycle(p.ctx, p.slow)
}

func (p *Poller) refreshNames() {
	p.RefreshNames(p.ctx)
}

func (p *Poller) refreshFX() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AdapterTimeout)
	defer cancel()
	_ = p.fx.Refresh(ctx)
}

// RefreshNames reloads coin display names. Earlier adapters win; later ones
// only fill names that are still empty.
func (p *Poller) RefreshNames(ctx context.Context) {
	merged := make(map[string]model.CoinName)
	for _, n := range p.namers {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
		names := n.CoinNames(callCtx)
		cancel()

		for sym, name := range names {
			cur := merged[sym]
			cur.Symbol = sym
			if cur.KoreanName == "" {
				cur.KoreanName = name.KoreanName
			}
			if cur.EnglishName == "" {
				cur.EnglishName = name.EnglishName
			}
			merged[sym] = cur
		}
	}
	if len(merged) == 0 {
		return
	}

	p.namesMu.Lock()
	p.names = merged
	p.namesMu.Unlock()
}

func (p *Poller) coinNames() map[string]model.CoinName {
	p.namesMu.RLock()
	defer p.namesMu.RUnlock()
	return p.names
}

// Fast returns the fast cycle definition.
func (p *Poller) Fast() Cycle { return p.fast }

// Slow returns the slow cycle definition.
func (p *Poller) Slow() Cycle { return p.slow }
