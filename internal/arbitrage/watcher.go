package arbitrage

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/model"
)

// ClassExtremePremium is the cooldown class of premium alerts.
const ClassExtremePremium = "extreme_premium"

// MarketNotifier broadcasts a market condition at most once per cooldown.
type MarketNotifier interface {
	NotifyMarketCondition(ctx context.Context, symbol, class string, ev model.Event) bool
}

// PremiumWatcher checks the kimchi premium of every symbol refreshed by a
// cycle and raises a premium_alert when its magnitude reaches the threshold.
type PremiumWatcher struct {
	engine    *Engine
	notifier  MarketNotifier
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewPremiumWatcher creates a PremiumWatcher using the engine's extreme
// premium rate and base exchange.
func NewPremiumWatcher(engine *Engine, notifier MarketNotifier) *PremiumWatcher {
	return &PremiumWatcher{
		engine:    engine,
		notifier:  notifier,
		threshold: decimal.NewFromFloat(engine.cfg.ExtremePremiumRate),
		logger:    engine.logger,
	}
}

// OnCycle implements poller.CycleListener.
func (w *PremiumWatcher) OnCycle(ctx context.Context, cycle string, quotes []model.ExchangeQuote) {
	seen := make(map[string]bool)
	for _, q := range quotes {
		if seen[q.Symbol] {
			continue
		}
		seen[q.Symbol] = true
		if ctx.Err() != nil {
			return
		}

		res, ok := w.engine.ComputeKimchiPremium(q.Symbol, "")
		if !ok || res.PremiumRate.Abs().LessThan(w.threshold) {
			continue
		}
		if w.notifier.NotifyMarketCondition(ctx, res.Symbol, ClassExtremePremium, model.NewPremiumAlertEvent(*res)) {
			w.logger.Info("extreme premium",
				"symbol", res.Symbol,
				"rate", res.PremiumRate.String(),
				"base", res.BaseExchange,
				"cycle", cycle,
			)
		}
	}
}
