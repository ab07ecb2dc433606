// Package alert evaluates user price rules against the price cache.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/cache"
	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
)

// DomesticAverage is the exchange label of alerts checked against the mean
// domestic price.
const DomesticAverage = "domestic"

var hundred = decimal.NewFromInt(100)

// RuleStore is the persistence collaborator that owns rule definitions.
type RuleStore interface {
	ActiveAlertRules(ctx context.Context) ([]model.AlertRule, error)
	UpdateAlertRule(ctx context.Context, rule model.AlertRule) error
}

// Dispatcher delivers a triggered rule to its owner, subject to the owner's
// notification preferences. It returns the number of sessions reached.
type Dispatcher interface {
	SendIfAllowed(ctx context.Context, userID string, ev model.Event) int
}

// QuoteReader is the read side of the price cache.
type QuoteReader interface {
	BySymbol(symbol string) []cache.Entry
}

// tracked holds the current state of one rule. Every transition swaps in a
// new immutable AlertRule.
type tracked struct {
	state atomic.Pointer[model.AlertRule]
}

// Evaluator runs the PENDING -> TRIGGERED -> COMPLETED|PENDING state machine
// of every active rule.
type Evaluator struct {
	store      RuleStore
	quotes     QuoteReader
	dispatcher Dispatcher
	debounce   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	rules map[int64]*tracked

	// serialises Sync; the fast and slow cycles both call it
	syncMu sync.Mutex
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates a new Evaluator. store may be nil, in which case rules
// are only those added with Track.
func NewEvaluator(store RuleStore, quotes QuoteReader, dispatcher Dispatcher, cfg config.AlertConfig, logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		store:      store,
		quotes:     quotes,
		dispatcher: dispatcher,
		debounce:   cfg.Debounce,
		logger:     logger.With("component", "alert"),
		now:        time.Now,
		rules:      make(map[int64]*tracked),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Track starts evaluating rule, replacing any state held for the same ID.
func (e *Evaluator) Track(rule model.AlertRule) {
	rule.Symbol = strings.ToUpper(rule.Symbol)
	t := &tracked{}
	t.state.Store(&rule)

	e.mu.Lock()
	e.rules[rule.ID] = t
	e.mu.Unlock()
}

// Rule returns the current state of a tracked rule.
func (e *Evaluator) Rule(id int64) (model.AlertRule, bool) {
	t := e.get(id)
	if t == nil {
		return model.AlertRule{}, false
	}
	return *t.state.Load(), true
}

// trackIfAbsent adds rule unless its ID is already tracked. It returns the
// tracked state and whether it was added.
func (e *Evaluator) trackIfAbsent(rule model.AlertRule) (*tracked, bool) {
	rule.Symbol = strings.ToUpper(rule.Symbol)

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.rules[rule.ID]; ok {
		return t, false
	}
	t := &tracked{}
	t.state.Store(&rule)
	e.rules[rule.ID] = t
	return t, true
}

func (e *Evaluator) get(id int64) *tracked {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[id]
}

// Sync reads the active rules through from the store. New rules start in the
// state the store reports. Known rules take the store's definition but keep
// their in-memory status, reference and last trigger, which are written back
// when the store disagrees. Rules the store no longer lists are dropped.
func (e *Evaluator) Sync(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	rules, err := e.store.ActiveAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}

	active := make(map[int64]bool, len(rules))
	for _, r := range rules {
		active[r.ID] = true

		// a rule left TRIGGERED was interrupted mid-dispatch; finish it
		// without sending again
		initial := r
		if initial.Status == model.AlertTriggered {
			initial.Status = model.AlertCompleted
			if initial.Repeat {
				initial.Status = model.AlertPending
			}
		}
		t, added := e.trackIfAbsent(initial)
		if added {
			if initial.Status != r.Status {
				e.persist(ctx, initial)
			}
			continue
		}
		for {
			cur := t.state.Load()
			next := r
			next.Symbol = strings.ToUpper(r.Symbol)
			next.Status = cur.Status
			next.LastTriggeredAt = cur.LastTriggeredAt
			if !cur.ReferencePrice.IsZero() {
				next.ReferencePrice = cur.ReferencePrice
			}
			if t.state.CompareAndSwap(cur, &next) {
				if diverged(r, next) {
					e.persist(ctx, next)
				}
				break
			}
		}
	}

	e.mu.Lock()
	for id := range e.rules {
		if !active[id] {
			delete(e.rules, id)
		}
	}
	e.mu.Unlock()
	return nil
}

func diverged(stored, mem model.AlertRule) bool {
	if stored.Status != mem.Status || !stored.ReferencePrice.Equal(mem.ReferencePrice) {
		return true
	}
	if (stored.LastTriggeredAt == nil) != (mem.LastTriggeredAt == nil) {
		return true
	}
	return mem.LastTriggeredAt != nil && !stored.LastTriggeredAt.Equal(*mem.LastTriggeredAt)
}

// OnCycle implements poller.CycleListener. Only rules on symbols the cycle
// refreshed are checked.
func (e *Evaluator) OnCycle(ctx context.Context, cycle string, quotes []model.ExchangeQuote) {
	if err := e.Sync(ctx); err != nil {
		e.logger.Warn("alert rules not refreshed", "error", err)
	}
	symbols := make(map[string]bool)
	for _, q := range quotes {
		symbols[q.Symbol] = true
	}
	if n := e.evaluate(ctx, symbols); n > 0 {
		e.logger.Info("alerts triggered", "count", n, "cycle", cycle)
	}
}

// Evaluate checks every tracked rule against the cache and returns the
// number of rules that triggered.
func (e *Evaluator) Evaluate(ctx context.Context) int {
	return e.evaluate(ctx, nil)
}

func (e *Evaluator) evaluate(ctx context.Context, symbols map[string]bool) int {
	e.mu.RLock()
	ids := make([]int64, 0, len(e.rules))
	for id, t := range e.rules {
		if symbols == nil || symbols[t.state.Load().Symbol] {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	triggered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rule, ok := e.Rule(id)
		if !ok || rule.Status != model.AlertPending {
			continue
		}
		price, exchange, ok := e.priceFor(rule)
		if !ok {
			continue
		}
		if e.Check(ctx, id, price, exchange) {
			triggered++
		}
	}
	return triggered
}

// priceFor returns the price a rule is checked against: the quote of its
// exchange, or the mean of fresh domestic KRW quotes. Stale quotes are
// ignored.
func (e *Evaluator) priceFor(rule model.AlertRule) (decimal.Decimal, string, bool) {
	entries := e.quotes.BySymbol(rule.Symbol)
	if rule.Exchange != "" {
		for _, en := range entries {
			if en.Quote.Exchange == rule.Exchange && !en.Stale && en.Quote.Price.IsPositive() {
				return en.Quote.Price, en.Quote.Exchange, true
			}
		}
		return decimal.Zero, "", false
	}

	sum := decimal.Zero
	n := 0
	for _, en := range entries {
		q := en.Quote
		if en.Stale || q.Category != model.Domestic || q.Currency != model.KRW || !q.Price.IsPositive() {
			continue
		}
		sum = sum.Add(q.Price)
		n++
	}
	if n == 0 {
		return decimal.Zero, "", false
	}
	return sum.Div(decimal.NewFromInt(int64(n))), DomesticAverage, true
}

// Check feeds one observed price to a rule and reports whether this call
// triggered it. Of any number of concurrent calls at most one triggers per
// debounce window.
func (e *Evaluator) Check(ctx context.Context, id int64, price decimal.Decimal, exchange string) bool {
	t := e.get(id)
	if t == nil {
		return false
	}
	now := e.now()

	cur := t.state.Load()
	if cur.Status != model.AlertPending {
		return false
	}

	if cur.Kind.IsPercent() && !cur.ReferencePrice.IsPositive() {
		seeded := *cur
		seeded.ReferencePrice = price
		if t.state.CompareAndSwap(cur, &seeded) {
			e.logger.Debug("alert reference seeded", "rule_id", id, "reference", price.String())
			e.persist(ctx, seeded)
		}
		return false
	}

	if cur.Repeat && cur.LastTriggeredAt != nil && now.Sub(*cur.LastTriggeredAt) < e.debounce {
		return false
	}
	if !conditionMet(*cur, price) {
		return false
	}

	fired := *cur
	fired.Status = model.AlertTriggered
	fired.LastTriggeredAt = &now
	if !t.state.CompareAndSwap(cur, &fired) {
		return false
	}

	delivered := 0
	if e.dispatcher != nil {
		delivered = e.dispatcher.SendIfAllowed(ctx, fired.UserID, model.NewPriceAlertEvent(fired, price, exchange, now))
	}

	var final model.AlertRule
	for {
		latest := t.state.Load()
		final = *latest
		if final.Repeat {
			final.Status = model.AlertPending
		} else {
			final.Status = model.AlertCompleted
		}
		if final.Kind.IsPercent() {
			final.ReferencePrice = price
		}
		if t.state.CompareAndSwap(latest, &final) {
			break
		}
	}

	e.logger.Info("alert triggered",
		"rule_id", id,
		"user_id", final.UserID,
		"symbol", final.Symbol,
		"kind", final.Kind,
		"price", price.String(),
		"exchange", exchange,
		"delivered", delivered,
		"status", final.Status,
	)
	e.persist(ctx, final)
	return true
}

func (e *Evaluator) persist(ctx context.Context, rule model.AlertRule) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateAlertRule(ctx, rule); err != nil {
		e.logger.Warn("alert state not saved", "rule_id", rule.ID, "status", rule.Status, "error", err)
	}
}

// conditionMet applies the rule's comparison. Percent rules need a positive
// reference price.
func conditionMet(rule model.AlertRule, price decimal.Decimal) bool {
	switch rule.Kind {
	case model.AlertAbove:
		return price.GreaterThanOrEqual(rule.TargetPrice)
	case model.AlertBelow:
		return price.LessThanOrEqual(rule.TargetPrice)
	case model.AlertPercentUp, model.AlertPercentDown:
		ref := rule.ReferencePrice
		if !ref.IsPositive() {
			return false
		}
		change := price.Sub(ref).Div(ref).Mul(hundred)
		if rule.Kind == model.AlertPercentDown {
			change = change.Neg()
		}
		return change.GreaterThanOrEqual(rule.PercentThreshold)
	}
	return false
}
