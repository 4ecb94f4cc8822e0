package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/allocbot/internal/config"
	"github.com/alanyoungcy/allocbot/internal/dispatch"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/intake"
	"github.com/alanyoungcy/allocbot/internal/ledger"
	"github.com/alanyoungcy/allocbot/internal/notify"
	"github.com/alanyoungcy/allocbot/internal/pipeline"
	"github.com/alanyoungcy/allocbot/internal/risk"
	"github.com/alanyoungcy/allocbot/internal/scheduler"
	"github.com/alanyoungcy/allocbot/internal/scoring"
	"github.com/alanyoungcy/allocbot/internal/server"
	"github.com/alanyoungcy/allocbot/internal/server/handler"
	"github.com/alanyoungcy/allocbot/internal/server/ws"
)

// core bundles the in-process allocation engine: the capital ledger, the
// metrics book, the scorer, and the risk service. The scheduler and
// dispatcher are built per mode on top of it because their wiring (emitter,
// sink) differs.
type core struct {
	ledger *ledger.Ledger
	book   *scoring.Book
	scorer *scoring.Scorer
	risk   *risk.Service
}

// buildCore constructs the engine pieces shared by paper and full mode.
func (a *App) buildCore() (*core, error) {
	total, err := decimal.NewFromString(strings.TrimSpace(a.cfg.Capital.Total))
	if err != nil {
		return nil, fmt.Errorf("app: parse capital total %q: %w", a.cfg.Capital.Total, err)
	}

	led, err := ledger.New(ledger.Config{
		TotalCapital:   total,
		ReservationTTL: a.cfg.Capital.ReservationTTL.Duration,
		SweepInterval:  a.cfg.Capital.SweepInterval.Duration,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: build ledger: %w", err)
	}

	scorer, err := scoring.NewScorer(scoring.Weights{
		Profit:            a.cfg.Scoring.ProfitWeight,
		Risk:              a.cfg.Scoring.RiskWeight,
		CapitalEfficiency: a.cfg.Scoring.CapitalEfficiencyWeight,
		StrategyBonus:     a.cfg.Scoring.StrategyBonusWeight,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build scorer: %w", err)
	}

	riskCfg := risk.Config{
		MaxLeverageRatio:   a.cfg.Risk.MaxLeverageRatio,
		PortfolioHeatLimit: a.cfg.Risk.PortfolioHeatLimit,
		Breaker: risk.BreakerConfig{
			ConsecutiveLossLimit: a.cfg.Risk.ConsecutiveLossLimit,
			Cooldown:             a.cfg.Risk.BreakerCooldown.Duration,
		},
	}
	if s := strings.TrimSpace(a.cfg.Risk.MaxStrategyExposure); s != "" {
		exposure, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("app: parse max strategy exposure %q: %w", s, err)
		}
		riskCfg.MaxStrategyExposure = exposure
	}
	if s := strings.TrimSpace(a.cfg.Risk.MaxDrawdown); s != "" {
		drawdown, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("app: parse max drawdown %q: %w", s, err)
		}
		riskCfg.Breaker.MaxDrawdown = drawdown
	}

	return &core{
		ledger: led,
		book:   scoring.NewBook(a.cfg.Scoring.WindowSize),
		scorer: scorer,
		risk:   risk.NewService(riskCfg, led, a.logger),
	}, nil
}

// schedulerConfig maps the config section onto the scheduler's own Config.
func schedulerConfig(cfg config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		TickInterval:    cfg.TickInterval.Duration,
		MaxConcurrent:   cfg.MaxConcurrent,
		QueueCapacity:   cfg.QueueCapacity,
		MaxResidency:    cfg.MaxResidency.Duration,
		DeniedPolicy:    domain.DeniedPolicy(strings.ToLower(cfg.DeniedPolicy)),
		RequeueCooldown: cfg.RequeueCooldown.Duration,
		MaxRequeues:     cfg.MaxRequeues,
	}
}

// resolverProxy defers binding the dispatcher so the paper executor, which
// resolves through the dispatcher, can be constructed before it.
type resolverProxy struct {
	d *dispatch.Dispatcher
}

func (r *resolverProxy) Resolve(res domain.ExecutionResult) bool {
	if r.d == nil {
		return false
	}
	return r.d.Resolve(res)
}

// PaperMode runs the engine entirely in process: a synthetic opportunity
// generator feeds the scheduler and a simulated executor resolves every
// dispatched command. No Postgres, Redis, or S3 required.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Duration("latency", a.cfg.Paper.Latency.Duration),
		slog.Float64("win_rate", a.cfg.Paper.WinRate),
	)

	c, err := a.buildCore()
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	proxy := &resolverProxy{}
	paper := dispatch.NewPaperExecutor(dispatch.PaperConfig{
		Latency: a.cfg.Paper.Latency.Duration,
		WinRate: a.cfg.Paper.WinRate,
		Seed:    a.cfg.Paper.Seed,
	}, proxy, a.logger)
	dispatcher := dispatch.New(paper, a.cfg.Scheduler.ExecutionTimeout.Duration, a.logger)
	proxy.d = dispatcher

	sched, err := scheduler.New(schedulerConfig(a.cfg.Scheduler),
		c.ledger, c.risk, c.scorer, c.book, dispatcher, scheduler.NopSink{}, a.logger)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.ledger.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	// Synthetic load: each generated opportunity may request up to a quarter
	// of the pool.
	gen := intake.NewGenerator(intake.GeneratorConfig{
		Interval:   a.cfg.Paper.OpportunityInterval.Duration,
		MaxCapital: c.ledger.Snapshot().Total.Div(decimal.NewFromInt(4)),
		Seed:       a.cfg.Paper.Seed,
	}, sched, a.logger)
	g.Go(func() error { return gen.Run(ctx) })

	if a.cfg.Reweigh.Enabled {
		rw := scoring.NewReweighter(a.reweighConfig(), c.book, a.logger)
		g.Go(func() error { return rw.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		started := time.Now().UTC()
		handlers := server.Handlers{
			Health:  a.healthHandler(deps),
			Status:  handler.NewStatusHandler(sched, c.risk, a.cfg.Mode, started, a.logger),
			Pool:    handler.NewPoolHandler(c.ledger, nil, a.logger),
			Metrics: handler.NewMetricsHandler(c.book, nil, c.scorer, a.logger),
		}
		a.serveHTTP(ctx, g, handlers, nil, nil)
	}

	return g.Wait()
}

// FullMode runs the complete deployment: Redis intake feeding the scheduler,
// bus-emitted execution commands for external executors, Postgres persistence
// through the pipeline sink, S3 archiving, status publishing, operator
// notifications, and the HTTP/WebSocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore()
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	// Warm the metrics book from the last persisted snapshots so win rates
	// and adaptive weights survive restarts.
	if deps.MetricsStore != nil {
		snaps, err := deps.MetricsStore.List(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "metrics restore failed, starting cold",
				slog.String("error", err.Error()),
			)
		} else if len(snaps) > 0 {
			c.book.Restore(snaps)
			a.logger.InfoContext(ctx, "metrics restored", slog.Int("strategies", len(snaps)))
		}
	}

	sink := pipeline.NewSink(
		deps.ExecutionStore, deps.MetricsStore, deps.AuditStore,
		deps.StatusCache, deps.EventBus, c.ledger, a.logger,
	)
	c.risk.Breaker().OnTrip(sink.BreakerTripped)
	c.risk.Breaker().OnReset(sink.BreakerReset)

	dispatcher := dispatch.New(
		dispatch.NewBusEmitter(deps.EventBus),
		a.cfg.Scheduler.ExecutionTimeout.Duration,
		a.logger,
	)

	sched, err := scheduler.New(schedulerConfig(a.cfg.Scheduler),
		c.ledger, c.risk, c.scorer, c.book, dispatcher, sink, a.logger)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sink.Run(ctx) })
	g.Go(func() error { return c.ledger.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	// Bus intake: opportunities in, execution results back.
	oppFeeder := intake.NewOpportunityFeeder(deps.EventBus, sched, a.logger)
	g.Go(func() error { return oppFeeder.Run(ctx) })
	resFeeder := intake.NewResultFeeder(deps.EventBus, dispatcher, a.logger)
	g.Go(func() error { return resFeeder.Run(ctx) })

	if a.cfg.Reweigh.Enabled {
		rw := scoring.NewReweighter(a.reweighConfig(), c.book, a.logger)
		g.Go(func() error { return rw.Run(ctx) })
	}

	// Periodic status-cache refresh for API-only replicas.
	statusPub := pipeline.NewStatusPublisher(
		deps.StatusCache, c.ledger, c.book,
		a.cfg.Archive.StatusInterval.Duration, a.logger,
	)
	g.Go(func() error { return statusPub.Run(ctx) })

	// History archiving on the configured cron schedule.
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		job := pipeline.NewArchiveJob(
			deps.Archiver, deps.ExecutionStore, deps.AuditStore,
			deps.LockManager, a.cfg.Archive.RetentionDays, a.logger,
		)
		g.Go(func() error { return job.RunCron(ctx, a.cfg.Archive.Cron) })
	}

	// Operator notifications from engine events.
	watcher := notify.NewWatcher(deps.EventBus, deps.Notifier, a.logger)
	g.Go(func() error { return watcher.Run(ctx) })

	if a.cfg.Server.Enabled {
		started := time.Now().UTC()
		handlers := server.Handlers{
			Health:     a.healthHandler(deps),
			Status:     handler.NewStatusHandler(sched, c.risk, a.cfg.Mode, started, a.logger),
			Pool:       handler.NewPoolHandler(c.ledger, deps.StatusCache, a.logger),
			Metrics:    handler.NewMetricsHandler(c.book, deps.StatusCache, c.scorer, a.logger),
			Executions: handler.NewExecutionsHandler(deps.ExecutionStore, a.logger),
			Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
		}
		if deps.BlobReader != nil {
			handlers.Archives = handler.NewArchivesHandler(deps.BlobReader, a.logger)
		}
		hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: started,
		})
		a.serveHTTP(ctx, g, handlers, hub, deps.RateLimiter)
	}

	return g.Wait()
}

// ServerMode serves the observability API without running the engine. Pool
// and metrics reads fall back to the status cache published by a full-mode
// replica; breaker control is unavailable.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if !a.cfg.Server.Enabled {
		return fmt.Errorf("server mode: server.enabled must be true")
	}

	g, ctx := errgroup.WithContext(ctx)

	started := time.Now().UTC()
	handlers := server.Handlers{
		Health:     a.healthHandler(deps),
		Status:     handler.NewStatusHandler(nil, nil, a.cfg.Mode, started, a.logger),
		Pool:       handler.NewPoolHandler(nil, deps.StatusCache, a.logger),
		Metrics:    handler.NewMetricsHandler(nil, deps.StatusCache, nil, a.logger),
		Executions: handler.NewExecutionsHandler(deps.ExecutionStore, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchivesHandler(deps.BlobReader, a.logger)
	}
	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: started,
	})
	a.serveHTTP(ctx, g, handlers, hub, deps.RateLimiter)

	return g.Wait()
}

// reweighConfig maps the config section onto the scoring package's own type.
func (a *App) reweighConfig() scoring.ReweighConfig {
	return scoring.ReweighConfig{
		Enabled:         a.cfg.Reweigh.Enabled,
		Interval:        a.cfg.Reweigh.Interval.Duration,
		BaselineWinRate: a.cfg.Reweigh.BaselineWinRate,
		Gain:            a.cfg.Reweigh.Gain,
		MinWeight:       a.cfg.Reweigh.MinWeight,
		MaxWeight:       a.cfg.Reweigh.MaxWeight,
		MinSamples:      a.cfg.Reweigh.MinSamples,
	}
}

// healthHandler builds the health endpoint with every wired dependency probe.
func (a *App) healthHandler(deps *Dependencies) *handler.HealthHandler {
	h := handler.NewHealthHandler(a.logger)
	for name, check := range deps.HealthChecks {
		h = h.WithCheck(name, check)
	}
	return h
}

// serveHTTP adds the HTTP server (and hub, when given) to the errgroup and
// arranges a graceful shutdown on context cancellation.
func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group, handlers server.Handlers, hub *ws.Hub, limiter domain.RateLimiter) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, limiter, a.logger)

	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
