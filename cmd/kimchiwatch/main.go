package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"kimchiwatch/internal/alert"
	"kimchiwatch/internal/arbitrage"
	"kimchiwatch/internal/cache"
	"kimchiwatch/internal/config"
	"kimchiwatch/internal/database"
	"kimchiwatch/internal/exchange"
	"kimchiwatch/internal/fx"
	"kimchiwatch/internal/model"
	"kimchiwatch/internal/notify"
	"kimchiwatch/internal/poller"
	"kimchiwatch/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("kimchiwatch stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapters, err := exchange.NewAdapters(cfg.Exchanges, logger, exchange.WithTopN(cfg.Poller.SlowTopN))
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	slow := exchange.Select(adapters, string(exchange.KindCoinGecko))
	fast := append(exchange.ByCategory(adapters, model.Domestic),
		exchange.Select(exchange.ByCategory(adapters, model.Foreign), string(exchange.KindBinance), string(exchange.KindKraken))...)

	priceCache := cache.New(cfg.Cache.StaleAfter)
	rates := fx.NewHTTPSource(cfg.FX.URL, logger,
		fx.WithMaxAge(cfg.FX.MaxAge),
		fx.WithFallback(decimal.NewFromFloat(cfg.FX.FallbackRate)),
	)

	var (
		sinks      []poller.QuoteSink
		store      alert.RuleStore
		notifyOpts []notify.Option
	)
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		repo := &database.PostgresRepository{Pool: pool}
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, repo)
		store = repo
		notifyOpts = append(notifyOpts, notify.WithPreferences(repo), notify.WithNotificationLog(repo))
	}
	if cfg.Redis.Enabled {
		rdb, err := cache.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		sinks = append(sinks, cache.NewRedisMirror(cache.NewRedisClient(rdb)))
	}

	dispatcher := notify.NewDispatcher(cfg.Notify, logger, notifyOpts...)
	engine := arbitrage.NewEngine(logger, priceCache, rates, cfg.Aggregation, cfg.Cache.StaleAfter)
	evaluator := alert.NewEvaluator(store, priceCache, dispatcher, cfg.Alert, logger)
	watcher := arbitrage.NewPremiumWatcher(engine, dispatcher)

	p := poller.New(cfg.Poller, priceCache, fast, slow, logger,
		poller.WithSinks(sinks...),
		poller.WithPublisher(dispatcher),
		poller.WithListeners(evaluator, watcher),
		poller.WithRateRefresher(rates),
	)

	health := func(ctx context.Context) map[string]bool {
		return exchange.HealthReport(ctx, adapters, cfg.Poller.AdapterTimeout)
	}
	srv := server.New(cfg.Server, cfg.Notify, engine, dispatcher, health, logger)

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	logger.Info("kimchiwatch started",
		"fast_adapters", len(fast),
		"slow_adapters", len(slow),
		"sinks", len(sinks),
		"addr", cfg.Server.Addr,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	dispatcher.CloseAll()
	if err := p.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop poller: %w", err))
	}
	return errors.Join(append([]error{runErr}, errs...)...)
}
