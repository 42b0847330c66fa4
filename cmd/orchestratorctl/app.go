package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/basket/agentorch/internal/alerts"
	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/config"
	"github.com/basket/agentorch/internal/cron"
	"github.com/basket/agentorch/internal/dispatch"
	"github.com/basket/agentorch/internal/embeddings"
	"github.com/basket/agentorch/internal/eventstream"
	"github.com/basket/agentorch/internal/lease"
	"github.com/basket/agentorch/internal/metrics"
	"github.com/basket/agentorch/internal/notify"
	"github.com/basket/agentorch/internal/otel"
	"github.com/basket/agentorch/internal/projector"
	"github.com/basket/agentorch/internal/recovery"
	"github.com/basket/agentorch/internal/rpcclient"
	"github.com/basket/agentorch/internal/runtimepool"
	"github.com/basket/agentorch/internal/secrets"
	"github.com/basket/agentorch/internal/store"
	"github.com/basket/agentorch/internal/workflow"
)

// App wires every SPEC_FULL component (C1-C9) into one running process.
// Every field is exported so CLI one-shot subcommands can drive the same
// instances the daemon loop drives, without a second wiring path.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store       *store.Store
	bus         *bus.Bus
	metrics     *metrics.Registry
	otel        *otel.Provider
	otelMetrics *otel.Metrics

	crypto   *secrets.AESGCM
	rpc      *rpcclient.Client
	provis   *runtimepool.DockerProvisioner
	reaper   *runtimepool.DockerReaper
	breaker  *runtimepool.Breaker
	pool     *runtimepool.Pool
	heartbts *runtimepool.Heartbeats

	leases *lease.Coordinator

	dispatcher *dispatch.Dispatcher
	projector  *projector.Projector
	embed      *embeddings.Queue
	handler    *eventstream.Handler
	waiter     *workflow.RunWaiter
	executor   *workflow.Executor
	recov      *recovery.Service
	notifier   alerts.Notifier
	checker    *alerts.Checker
	cronSched  *cron.Scheduler

	streams *streamSupervisor
}

func newApp(ctx context.Context, cfg config.Config) (*App, error) {
	logLevel := slog.LevelInfo
	_ = logLevel.UnmarshalText([]byte(cfg.Observability.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	s, err := store.Open(ctx, filepath.Join(cfg.HomeDir, "agentorch.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Observability.OTLPEndpoint != "",
		Exporter:    "otlp-http",
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: "agentorch",
	})
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	otelMetrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init otel metrics: %w", err)
	}

	key, err := secretKey()
	if err != nil {
		return nil, fmt.Errorf("load secret key: %w", err)
	}
	crypto, err := secrets.NewAESGCM(key)
	if err != nil {
		return nil, fmt.Errorf("init secret crypto: %w", err)
	}

	b := bus.NewWithLogger(logger)
	reg := metrics.New()

	provisioner, err := runtimepool.NewDockerProvisioner(2048, "bridge", "8080")
	if err != nil {
		return nil, fmt.Errorf("init docker provisioner: %w", err)
	}
	reaper := runtimepool.NewDockerReaper(provisioner.Client(), s)

	breaker := runtimepool.NewBreaker(
		cfg.RuntimePool.BreakerFailureThreshold,
		time.Duration(cfg.RuntimePool.BreakerCooldownSeconds)*time.Second,
		b,
	)
	pool := runtimepool.New(runtimepool.Config{
		Store:       s,
		Provisioner: provisioner,
		Bus:         b,
		Breaker:     breaker,
		Logger:      logger,
	})
	heartbeats := runtimepool.NewHeartbeats(pool, logger)

	replicaID := fmt.Sprintf("%s-%d", hostnameOrDefault(), os.Getpid())
	leases := lease.New(s, replicaID, 60*time.Second, logger)

	rpc := rpcclient.New(30 * time.Second)

	dispatcher := dispatch.New(s, pool, rpc, crypto, b, dispatch.Limits{
		MaxGlobalConcurrentRuns:    cfg.MaxGlobalConcurrentRuns,
		PerProjectConcurrencyLimit: cfg.PerProjectConcurrencyLimit,
		EnablePerProjectLimit:      cfg.EnablePerProjectLimit,
		PerRepoConcurrencyLimit:    cfg.PerRepoConcurrencyLimit,
	}, logger)

	proj := projector.New(s, b)
	embedQueue := embeddings.New(ctx, 256, embeddings.LogWorker(logger), logger)
	handler := eventstream.NewHandler(s, proj, b, dispatcher, pool, embedQueue, logger)

	waiter := workflow.NewRunWaiter(s, b)
	approvalTimeout := time.Duration(cfg.StageTimeout.DefaultApprovalStageTimeoutHours) * time.Hour
	executor := workflow.NewExecutor(s, b, dispatcher, waiter, approvalTimeout, logger)

	recov := recovery.New(s, leases, reaper, pool, recovery.Thresholds{
		Stale:              time.Duration(cfg.DeadRunDetection.StaleRunThresholdMinutes) * time.Minute,
		Zombie:             time.Duration(cfg.DeadRunDetection.ZombieRunThresholdMinutes) * time.Minute,
		MaxRunAge:          time.Duration(cfg.DeadRunDetection.MaxRunAgeHours) * time.Hour,
		ForceKillOnTimeout: cfg.DeadRunDetection.ForceKillOnTimeout,
		AutoTerminate:      cfg.DeadRunDetection.EnableAutoTermination,
	}, logger)

	var notifier alerts.Notifier
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram notifier: %w", err)
		}
		notifier = tg
	}
	checker := alerts.NewChecker(s, breaker, notifier)

	cronSched := cron.NewScheduler(cron.Config{
		Store:   s,
		Runner:  cronTaskRunner{dispatcher: dispatcher},
		Trigger: cronWorkflowTrigger{store: s, executor: executor},
		Logger:  logger,
	})

	streams := newStreamSupervisor(s, handler, heartbeats, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		bus:         b,
		metrics:     reg,
		otel:        otelProvider,
		otelMetrics: otelMetrics,
		crypto:      crypto,
		rpc:         rpc,
		provis:     provisioner,
		reaper:     reaper,
		breaker:    breaker,
		pool:       pool,
		heartbts:   heartbeats,
		leases:     leases,
		dispatcher: dispatcher,
		projector:  proj,
		embed:      embedQueue,
		handler:    handler,
		waiter:     waiter,
		executor:   executor,
		recov:      recov,
		notifier:   notifier,
		checker:    checker,
		cronSched:  cronSched,
		streams:    streams,
	}, nil
}

// cronTaskRunner adapts dispatch.Dispatcher.DispatchRunForTask to cron.TaskRunner.
type cronTaskRunner struct {
	dispatcher *dispatch.Dispatcher
}

func (r cronTaskRunner) CreateCronRun(ctx context.Context, taskID string) error {
	_, err := r.dispatcher.DispatchRunForTask(ctx, taskID, nil)
	return err
}

// cronWorkflowTrigger adapts workflow.LoadDefinition+Executor.Execute to
// cron.WorkflowTrigger.
type cronWorkflowTrigger struct {
	store    *store.Store
	executor *workflow.Executor
}

func (t cronWorkflowTrigger) StartExecution(ctx context.Context, workflowID string) error {
	def, err := workflow.LoadDefinition(ctx, t.store, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	_, err = t.executor.Execute(ctx, def, nil)
	return err
}

// Run starts every background loop and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	dispatchTicker := time.NewTicker(5 * time.Second)
	recoveryTicker := time.NewTicker(time.Duration(a.cfg.DeadRunDetection.CheckIntervalSeconds) * time.Second)
	alertTicker := time.NewTicker(30 * time.Second)
	streamTicker := time.NewTicker(10 * time.Second)
	defer dispatchTicker.Stop()
	defer recoveryTicker.Stop()
	defer alertTicker.Stop()
	defer streamTicker.Stop()

	if _, err := a.recov.ReapOrphans(ctx); err != nil {
		a.logger.Error("startup_orphan_reap_failed", "error", err)
	}

	a.cronSched.Start(ctx)
	defer a.cronSched.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.streams.run(ctx, streamTicker.C)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-dispatchTicker.C:
			a.timedTick(ctx, "dispatch_tick", a.otelMetrics.DispatchDuration, a.dispatcher.Tick)
		case <-recoveryTicker.C:
			a.timedTick(ctx, "recovery_tick", nil, a.recov.Tick)
		case <-alertTicker.C:
			a.timedTick(ctx, "alert_tick", a.otelMetrics.AlertEvalDuration, a.checker.Tick)
		}
	}
}

// Shutdown releases every held resource. Safe to call once, after Run
// returns or is about to be abandoned.
func (a *App) Shutdown(ctx context.Context) {
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Error("otel_shutdown_failed", "error", err)
		}
	}
	if err := a.provis.Close(); err != nil {
		a.logger.Error("docker_provisioner_close_failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store_close_failed", "error", err)
	}
}

// timedTick runs fn inside an internal span and, when hist is non-nil,
// records its duration in seconds. A tick error is logged, never returned
// to the caller, so one slow component never stalls the others' tickers.
func (a *App) timedTick(ctx context.Context, name string, hist otelmetric.Float64Histogram, fn func(context.Context) error) {
	ctx, span := otel.StartSpan(ctx, a.otel.Tracer, name)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()
	if hist != nil {
		hist.Record(ctx, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		a.logger.Error(name+"_failed", "error", err)
	}
	span.End()
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "agentorch"
	}
	return h
}
