package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kimchiwatch/internal/exchange"
	"kimchiwatch/internal/model"
)

// Cycle is one polling cadence: the adapters it drives and, optionally, the
// symbols it keeps.
type Cycle struct {
	Name     string
	Adapters []exchange.Adapter
	Symbols  map[string]bool // nil keeps every symbol
}

// NewCycle builds a cycle restricted to symbols; no symbols keeps everything.
func NewCycle(name string, adapters []exchange.Adapter, symbols ...string) Cycle {
	c := Cycle{Name: name, Adapters: adapters}
	if len(symbols) > 0 {
		c.Symbols = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			c.Symbols[strings.ToUpper(s)] = true
		}
	}
	return c
}

// AdapterResult is the outcome of one adapter call within a cycle.
type AdapterResult struct {
	Exchange string
	Quotes   int
	TimedOut bool
	Panicked bool
	Duration time.Duration
}

// Failed reports whether the adapter produced nothing usable.
func (r AdapterResult) Failed() bool {
	return r.Quotes == 0
}

// CycleReport summarises a completed cycle.
type CycleReport struct {
	Cycle    string
	Results  []AdapterResult
	Merged   int
	Duration time.Duration
}

// Succeeded counts adapters that returned at least one quote.
func (r CycleReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if !res.Failed() {
			n++
		}
	}
	return n
}

type outcome struct {
	result AdapterResult
	quotes []model.ExchangeQuote
}

// RunCycle fetches from every adapter of the cycle concurrently, merges what
// arrived within the adapter timeout, then fans the merged quotes out to
// sinks, the publisher and cycle listeners. It never panics and never
// returns an error; failures are reported and logged.
func (p *Poller) RunCycle(ctx context.Context, cycle Cycle) CycleReport {
	start := time.Now()
	report := CycleReport{Cycle: cycle.Name}

	outcomes := make(chan outcome, len(cycle.Adapters))
	for _, a := range cycle.Adapters {
		go func(a exchange.Adapter) {
			outcomes <- p.callAdapter(ctx, a, cycle.Symbols)
		}(a)
	}

	var fresh []model.ExchangeQuote
	for range cycle.Adapters {
		o := <-outcomes
		report.Results = append(report.Results, o.result)
		fresh = append(fresh, o.quotes...)
	}

	report.Duration = time.Since(start)
	if len(fresh) == 0 {
		p.logZeroData(report)
		return report
	}

	report.Merged = p.cache.Merge(fresh)
	p.persist(ctx, fresh)
	p.publish(fresh)
	p.notifyListeners(ctx, cycle.Name, fresh)

	report.Duration = time.Since(start)
	p.logger.Info("poll cycle complete",
		"cycle", cycle.Name,
		"adapters", len(cycle.Adapters),
		"succeeded", report.Succeeded(),
		"merged", report.Merged,
		"duration", report.Duration,
	)
	return report
}

// callAdapter runs FetchAll under the adapter timeout. A call that overruns is
// abandoned; its result is drained by the buffered channel and discarded.
func (p *Poller) callAdapter(ctx context.Context, a exchange.Adapter, symbols map[string]bool) outcome {
	start := time.Now()
	res := AdapterResult{Exchange: a.Name()}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
	defer cancel()

	type fetched struct {
		quotes []model.ExchangeQuote
		err    error
	}
	done := make(chan fetched, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetched{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		done <- fetched{quotes: a.FetchAll(callCtx)}
	}()

	var quotes []model.ExchangeQuote
	select {
	case f := <-done:
		if f.err != nil {
			res.Panicked = true
			p.logger.Error("adapter panicked", "exchange", a.Name(), "error", f.err)
		}
		quotes = f.quotes
	case <-callCtx.Done():
		res.TimedOut = true
		p.logger.Warn("adapter call abandoned", "exchange", a.Name(), "timeout", p.cfg.AdapterTimeout, "error", callCtx.Err())
	}

	if symbols != nil {
		kept := quotes[:0:0]
		for _, q := range quotes {
			if symbols[q.Symbol] {
				kept = append(kept, q)
			}
		}
		quotes = kept
	}

	res.Quotes = len(quotes)
	res.Duration = time.Since(start)
	return outcome{result: res, quotes: quotes}
}

func (p *Poller) logZeroData(report CycleReport) {
	failed := make([]string, 0, len(report.Results))
	for _, res := range report.Results {
		failed = append(failed, res.Exchange)
	}
	if len(report.Results) > 0 {
		p.logger.Error("every adapter failed, keeping cached prices",
			"cycle", report.Cycle,
			"exchanges", failed,
			"duration", report.Duration,
		)
		return
	}
	p.logger.Info("poll cycle had no adapters", "cycle", report.Cycle)
}

// persist hands the quotes to every sink without waiting. Sink failures are
// logged and not retried.
func (p *Poller) persist(ctx context.Context, quotes []model.ExchangeQuote) {
	for _, sink := range p.sinks {
		p.sinkWG.Add(1)
		go func(sink QuoteSink) {
			defer p.sinkWG.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("quote sink panicked", "sink", sink.Name(), "panic", r)
				}
			}()

			sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SinkTimeout)
			defer cancel()
			if err := sink.SaveQuotes(sinkCtx, quotes); err != nil {
				p.logger.Warn("quote sink failed", "sink", sink.Name(), "quotes", len(quotes), "error", err)
			}
		}(sink)
	}
}

func (p *Poller) publish(quotes []model.ExchangeQuote) {
	if p.publisher == nil {
		return
	}
	names := p.coinNames()
	for _, q := range quotes {
		name, ok := names[q.Symbol]
		if !ok {
			name = model.CoinName{Symbol: q.Symbol}
		}
		p.publisher.PublishPriceUpdate(model.NewPriceUpdateEvent(q, name))
	}
}

func (p *Poller) notifyListeners(ctx context.Context, cycle string, quotes []model.ExchangeQuote) {
	for _, l := range p.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("cycle listener panicked", "cycle", cycle, "panic", r)
				}
			}()
			l.OnCycle(ctx, cycle, quotes)
		}()
	}
}
