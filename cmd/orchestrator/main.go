// Command orchestrator runs the substrate orchestrator: the durable event bus, the
// work queue workers for every pipeline stage, the cascade coordinator, the
// pipeline dispatcher, and the external actor-surface HTTP server, all wired from
// one OrchestratorConfig (internal/config). Grounded on the teacher's cmd/manager
// main.go: load config, build the logger, construct every component by explicit
// dependency injection, start background loops, serve, shut down on signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/logging"
	"github.com/kvknd/substrated/internal/metrics"
	"github.com/kvknd/substrated/internal/notify"
	"github.com/kvknd/substrated/internal/statusapi"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/internal/store/pg"
	"github.com/kvknd/substrated/internal/telemetry"
	"github.com/kvknd/substrated/pkg/basketcontext"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/capture"
	"github.com/kvknd/substrated/pkg/cascade"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance"
	"github.com/kvknd/substrated/pkg/governance/policy"
	"github.com/kvknd/substrated/pkg/idempotency"
	"github.com/kvknd/substrated/pkg/pipeline"
	"github.com/kvknd/substrated/pkg/pipeline/stageagents/p1substrate"
	"github.com/kvknd/substrated/pkg/pipeline/stageagents/p2graph"
	"github.com/kvknd/substrated/pkg/pipeline/stageagents/p3reflection"
	"github.com/kvknd/substrated/pkg/pipeline/stageagents/p4compose"
	"github.com/kvknd/substrated/pkg/reasoner"
	"github.com/kvknd/substrated/pkg/reasoner/anthropic"
	"github.com/kvknd/substrated/pkg/worker"
	"github.com/kvknd/substrated/pkg/workqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator: fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, err := logging.Build(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel := telemetry.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	db, err := pg.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := pg.Migrate(db.DB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	repo := pg.New(db, logger)
	var st store.Store = repo

	eventBus, err := bus.New(ctx, cfg.Database.DSN, st, logger.Named("bus"))
	if err != nil {
		return fmt.Errorf("build event bus: %w", err)
	}
	defer eventBus.Close()
	go eventBus.ReplaySweep(ctx, 30*time.Second, 5*time.Minute, 500)

	var workspaceSem *notify.WorkspaceSemaphore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		workspaceSem = notify.NewWorkspaceSemaphore(rdb, int64(cfg.WorkspaceConcurrencyCap), 5*time.Minute)
	}

	projection := basketcontext.New(st, st)
	policyEngine := policy.NewEngine(cfg.PolicyTable, policy.NewGojqEvaluator())
	validator := governance.NewValidator(st, st, policyEngine, cfg.DedupSimilarityThreshold)
	govEngine := governance.NewEngine(st, validator, eventBus, reg, logger.Named("governance"))
	idempotencyGuard := idempotency.New(st)

	queue := workqueue.New(st, cfg, reg, logger.Named("workqueue"))
	go queue.ReclaimSweep(ctx, 30*time.Second, 500)

	cascadeCoord := cascade.New(queue, reg, logger.Named("cascade"))

	var baseReasoner reasoner.Reasoner
	switch cfg.Reasoner.Backend {
	case "anthropic", "":
		baseReasoner = anthropic.New(cfg.Reasoner.AnthropicAPIKey, anthropicsdk.Model(cfg.Reasoner.AnthropicModel))
	default:
		return fmt.Errorf("unsupported reasoner backend %q", cfg.Reasoner.Backend)
	}
	reasonerBackend := reasoner.NewBreaker("reasoner", baseReasoner, cfg.Reasoner.BreakerMaxFailures, cfg.Reasoner.BreakerOpenDuration)

	captureService := capture.New(st, idempotencyGuard, eventBus)

	p1 := p1substrate.New(st, projection, reasonerBackend, govEngine, cfg)
	p2 := p2graph.New(projection, reasonerBackend, govEngine)
	p3 := p3reflection.New(st, projection, reasonerBackend, eventBus, logger.Named("p3reflection"))
	p4 := p4compose.New(st, projection, reasonerBackend, eventBus, logger.Named("p4compose"))

	workerLogger := logger.Named("worker")
	pool := worker.New(queue, cascadeCoord, workerLogger, 0)

	specs := []worker.TypeSpec{
		{WorkType: domain.WorkP1Substrate, WorkerCount: cfg.WorkTypes[domain.WorkP1Substrate].WorkerCount, PollInterval: pollInterval(cfg, domain.WorkP1Substrate), Handler: semaphoreWrap(workspaceSem, p1.Handle)},
		{WorkType: domain.WorkP3Reflection, WorkerCount: cfg.WorkTypes[domain.WorkP3Reflection].WorkerCount, PollInterval: pollInterval(cfg, domain.WorkP3Reflection), Handler: semaphoreWrap(workspaceSem, p3.Handle)},
		{WorkType: domain.WorkP4Compose, WorkerCount: cfg.WorkTypes[domain.WorkP4Compose].WorkerCount, PollInterval: pollInterval(cfg, domain.WorkP4Compose), Handler: semaphoreWrap(workspaceSem, p4.Handle)},
	}
	if cfg.EnableP2Graph {
		specs = append(specs, worker.TypeSpec{
			WorkType: domain.WorkP2Graph, WorkerCount: cfg.WorkTypes[domain.WorkP2Graph].WorkerCount,
			PollInterval: pollInterval(cfg, domain.WorkP2Graph), Handler: semaphoreWrap(workspaceSem, p2.Handle),
		})
	}

	dispatcher := pipeline.New(eventBus, queue, cfg, logger.Named("pipeline"))

	apiServer := statusapi.New(captureService, govEngine, cascadeCoord, idempotencyGuard, eventBus, cfg.Status, logger.Named("statusapi"))

	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              cfg.Status.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Status.ReadHeaderTimeout,
	}

	g := newGroup(ctx)
	g.spawn(func(ctx context.Context) error { return pool.Run(ctx, specs) })
	g.spawn(func(ctx context.Context) error { return dispatcher.Run(ctx, domain.ID{}) })
	g.spawn(func(ctx context.Context) error {
		logger.Info("statusapi: listening", zap.String("addr", cfg.Status.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	logger.Info("orchestrator: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = tel.Shutdown(shutdownCtx)

	return g.wait()
}

func pollInterval(cfg config.OrchestratorConfig, wt domain.WorkType) time.Duration {
	if spec, ok := cfg.WorkTypes[wt]; ok && spec.DebounceWindow > 0 {
		return spec.DebounceWindow
	}
	return 2 * time.Second
}

// semaphoreWrap reserves a per-workspace slot (spec §5 shared-resource policy)
// around a stage handler's reasoner/embedder call when Redis is configured; without
// Redis, stage handlers run unthrottled beyond the worker pool's own concurrency cap.
func semaphoreWrap(sem *notify.WorkspaceSemaphore, h worker.Handler) worker.Handler {
	if sem == nil {
		return h
	}
	return func(ctx context.Context, item domain.WorkItem) (domain.WorkResult, *domain.CascadeMetadata, error) {
		release, err := sem.Acquire(ctx, item.WorkspaceID.String())
		if err != nil {
			return domain.WorkResult{}, nil, err
		}
		defer release()
		return h(ctx, item)
	}
}

// group runs a set of goroutines and collects the first non-nil error, cancelling
// the shared context so siblings unwind, mirroring worker.Pool's own errgroup use
// at the process-supervision level.
type group struct {
	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error
	n      int
}

func newGroup(ctx context.Context) *group {
	ctx, cancel := context.WithCancel(ctx)
	return &group{ctx: ctx, cancel: cancel, errs: make(chan error)}
}

func (g *group) spawn(fn func(ctx context.Context) error) {
	g.n++
	go func() {
		err := fn(g.ctx)
		if err != nil {
			g.cancel()
		}
		g.errs <- err
	}()
}

func (g *group) wait() error {
	var first error
	for i := 0; i < g.n; i++ {
		if err := <-g.errs; err != nil && first == nil && !errors.Is(err, context.Canceled) {
			first = err
		}
	}
	return first
}
