// Package michi is the public API for embedding the Michi agent execution
// service.
//
// Embedders import this package to supply their agent, team and workflow
// factories and extend the server without forking it:
//
//	app, err := michi.New(ctx,
//	    michi.WithVersion(version),
//	    michi.WithLogger(logger),
//	    michi.WithAgents(myAgentFactory),
//	    michi.WithRules(michi.Rule{Name: "billing", SourcePattern: "^billing", Target: billingAgent}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: michi (root) imports
// internal/*, but internal/* never imports michi (root). Public types are
// aliases of the internal ones, declared in types.go and interfaces.go.
package michi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/michi/internal/config"
	"github.com/ashita-ai/michi/internal/eventrouter"
	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/mcp"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/routing"
	"github.com/ashita-ai/michi/internal/secrets"
	"github.com/ashita-ai/michi/internal/server"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/storage/sqlite"
	"github.com/ashita-ai/michi/internal/stream"
	"github.com/ashita-ai/michi/internal/telemetry"
	"github.com/ashita-ai/michi/internal/tools"
	"github.com/ashita-ai/michi/migrations"
)

// App is the Michi service lifecycle. Construct with New(), run with Run().
// App has no public fields; configure it with New() options.
type App struct {
	cfg          config.Config
	db           *storage.DB
	snapshots    *sqlite.Store // nil unless MICHI_ROUTER_SNAPSHOT_PATH is set
	routing      *routing.Manager
	tools        *tools.Registry
	engine       *execution.Engine
	router       *eventrouter.Router
	redis        *stream.RedisLog // nil unless a worker or the redis rate limiter needs it
	limiter      ratelimit.Limiter
	consumer     *stream.Consumer // nil in api mode
	srv          *server.Server   // nil in worker mode
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	closeOnce sync.Once
	closeErr  error
}

// New initialises the service. It connects to the database, runs
// migrations, loads the routing table and wires every component for the
// configured mode. It does NOT start any goroutines or accept HTTP
// connections; call Run() for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("michi starting", "version", version, "mode", cfg.Mode, "port", cfg.Port)

	a := &App{cfg: cfg, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	a.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := a.openStorage(ctx, o); err != nil {
		return fail(err)
	}

	if err := a.buildRouting(ctx, o); err != nil {
		return fail(err)
	}

	a.tools = tools.NewRegistry(logger, tools.WithClientInfo("michi", version))
	for name, fn := range o.functionTools {
		if err := a.tools.RegisterFunction(name, fn); err != nil {
			return fail(fmt.Errorf("function tool %q: %w", name, err))
		}
	}

	var engineOpts []execution.Option
	if o.agents != nil {
		engineOpts = append(engineOpts, execution.WithAgents(o.agents))
	}
	if o.teams != nil {
		engineOpts = append(engineOpts, execution.WithTeams(o.teams))
	}
	if o.workflows != nil {
		engineOpts = append(engineOpts, execution.WithWorkflows(o.workflows))
	}
	a.engine = execution.NewEngine(a.db, logger, engineOpts...)

	routerOpts := []eventrouter.Option{
		eventrouter.WithRules(o.rules...),
		eventrouter.WithLogger(logger),
	}
	if o.defaultRoutes != nil {
		routerOpts = append(routerOpts, eventrouter.WithDefaultRoutes(o.defaultRoutes))
	}
	a.router, err = eventrouter.New(a.engine, routerOpts...)
	if err != nil {
		return fail(err)
	}

	needsRedis := cfg.RunsWorker() || (cfg.RunsAPI() && cfg.RateLimitEnabled && cfg.RateLimitBackend == config.RateLimitRedis)
	if needsRedis {
		a.redis, err = stream.NewRedisLog(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
	}

	if cfg.RunsWorker() {
		a.consumer = stream.NewConsumer(a.redis, a.router, stream.Config{
			Stream:         cfg.StreamKey,
			Group:          cfg.ConsumerGroup,
			Consumer:       cfg.ConsumerName,
			ResponseStream: cfg.ResponseStreamKey,
			BatchSize:      int64(cfg.WorkerBatchSize),
			Block:          cfg.WorkerBlock,
			RetryDelay:     cfg.ReadRetryDelay,
		}, logger)
		logger.Info("stream consumer: enabled",
			"stream", cfg.StreamKey, "group", cfg.ConsumerGroup, "dlq", a.consumer.DeadLetterStream())
	}

	if cfg.RunsAPI() {
		a.limiter = a.buildLimiter()
		a.srv = a.buildServer(o)
	}

	return a, nil
}

// loadConfig reads the environment and applies option overrides.
func loadConfig(o resolvedOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *App) openStorage(ctx context.Context, o resolvedOptions) error {
	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db
	if err := db.RegisterPoolMetrics(); err != nil {
		a.logger.Warn("storage: pool metrics unavailable", "error", err)
	}

	if a.cfg.SkipMigrations {
		a.logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'executions')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return errors.New("schema verification: table 'executions' does not exist; run migrations or unset MICHI_SKIP_MIGRATIONS")
	}
	return nil
}

func (a *App) buildRouting(ctx context.Context, o resolvedOptions) error {
	seed := model.DefaultRoutingConfig()
	switch {
	case o.routerConfig != nil:
		seed = *o.routerConfig
	case a.cfg.RouterConfigFile != "":
		var err error
		seed, err = routing.LoadConfigFile(a.cfg.RouterConfigFile)
		if err != nil {
			return err
		}
		a.logger.Info("routing: seed config loaded", "path", a.cfg.RouterConfigFile)
	}

	var store routing.Store = a.db
	if a.cfg.RouterSnapshotPath != "" {
		snapshots, err := sqlite.Open(ctx, a.cfg.RouterSnapshotPath)
		if err != nil {
			return fmt.Errorf("routing snapshots: %w", err)
		}
		a.snapshots = snapshots
		store = snapshots
		a.logger.Info("routing: snapshots stored in sqlite", "path", a.cfg.RouterSnapshotPath)
	}

	var resolver secrets.Resolver = secrets.EnvResolver{}
	if o.secretResolver != nil {
		resolver = o.secretResolver
	}
	materializer := secrets.NewMaterializer(secrets.NewCachedResolver(resolver, a.cfg.SecretCacheTTL), a.logger)

	a.routing = routing.NewManager(a.cfg.RouterName, seed, store, materializer, a.logger)
	if err := a.routing.Initialize(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) buildLimiter() ratelimit.Limiter {
	if !a.cfg.RateLimitEnabled {
		a.logger.Info("rate limiting: disabled")
		return nil
	}
	if a.cfg.RateLimitBackend == config.RateLimitRedis {
		a.logger.Info("rate limiting: redis (fixed window, shared across replicas)", "rps", a.cfg.RateLimitRPS)
		return ratelimit.NewRedisLimiter(a.redis.Client(), "michi:ratelimit:", a.cfg.RateLimitRPS, time.Second)
	}
	a.logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", a.cfg.RateLimitRPS, "burst", a.cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(float64(a.cfg.RateLimitRPS), a.cfg.RateLimitBurst)
}

func (a *App) buildServer(o resolvedOptions) *server.Server {
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	cfg := server.ServerConfig{
		Executor:            a.engine,
		Router:              a.routing,
		Logger:              a.logger,
		DB:                  a.db,
		MCPServer:           mcp.New(a.engine, a.routing, a.logger, a.version).MCPServer(),
		Port:                a.cfg.Port,
		ReadTimeout:         a.cfg.ReadTimeout,
		WriteTimeout:        a.cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: a.cfg.MaxRequestBodyBytes,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	}
	if a.redis != nil {
		cfg.Redis = a.redis
	}
	if a.limiter != nil {
		cfg.RateLimiter = a.limiter
	}
	return server.New(cfg)
}

// Run starts the stream consumer and the HTTP server for the configured
// mode, then blocks until ctx is cancelled or one of them fails. On return,
// Close is called automatically, and a later Close is a no-op.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Run(gctx); err != nil {
				return fmt.Errorf("stream consumer: %w", err)
			}
			return nil
		})
	}

	if a.cfg.ExecutionRetention > 0 {
		g.Go(func() error {
			a.retentionLoop(gctx)
			return nil
		})
	}

	if a.srv != nil {
		g.Go(func() error {
			if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Drain in-flight requests even though the parent context is gone.
			shutdownCtx, cancel := contextWithOptionalTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout)
			defer cancel()
			if err := a.srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("http shutdown error", "error", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	return errors.Join(runErr, a.Close())
}

// retentionLoop purges finished executions older than the retention window
// until ctx is cancelled.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cfg.ExecutionRetention)
			n, err := a.db.PurgeExecutions(ctx, cutoff, 0)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("retention: purge failed", "error", err, "purged", n)
				}
				continue
			}
			if n > 0 {
				a.logger.Info("retention: purged executions", "count", n, "before", cutoff)
			}
		}
	}
}

// Close releases every resource New acquired: MCP client connections, the
// stream connection, the snapshot store, the database pool and the OTEL
// providers. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.logger.Info("michi shutting down")
		var errs []error
		if a.consumer != nil {
			a.consumer.RequestShutdown()
		}
		if a.limiter != nil {
			_ = a.limiter.Close()
		}
		if a.tools != nil {
			if err := a.tools.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close tool connections: %w", err))
			}
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		if a.snapshots != nil {
			if err := a.snapshots.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close routing snapshots: %w", err))
			}
		}
		if a.db != nil {
			a.db.Close()
		}
		if a.otelShutdown != nil {
			_ = a.otelShutdown(context.Background())
		}
		a.closeErr = errors.Join(errs...)
		a.logger.Info("michi stopped")
	})
	return a.closeErr
}

// Handler returns the root HTTP handler, or nil in worker mode.
func (a *App) Handler() http.Handler {
	if a.srv == nil {
		return nil
	}
	return a.srv.Handler()
}

// Execute runs one agent, team or workflow synchronously and returns its
// finished record. A target that fails still yields a record with status
// FAILED; only persistence problems are returned as errors.
func (a *App) Execute(ctx context.Context, kind TargetKind, id uuid.UUID, input string, opts RunOptions) (ExecutionRecord, error) {
	return a.engine.Run(ctx, execution.RunRequest{
		Kind:      kind,
		TargetID:  id,
		Input:     input,
		SessionID: opts.SessionID,
		UserID:    opts.UserID,
		Metadata:  opts.Metadata,
	})
}

// HandleEvent routes a request event and runs it, exactly as the stream
// consumer would, without going through the stream.
func (a *App) HandleEvent(ctx context.Context, ev RequestEvent) (ResponseEvent, error) {
	return a.router.HandleEvent(ctx, ev)
}

// Tools returns the App's tool registry.
func (a *App) Tools() ToolRegistry {
	return toolRegistryAdapter{r: a.tools}
}

// toolRegistryAdapter narrows *tools.Connection to the public ToolConnection.
type toolRegistryAdapter struct {
	r *tools.Registry
}

func (t toolRegistryAdapter) Function(name string) (ToolFunc, error) { return t.r.Function(name) }

func (t toolRegistryAdapter) Functions() []string { return t.r.Functions() }

func (t toolRegistryAdapter) MCP(ctx context.Context, cfg MCPServerConfig) (ToolConnection, error) {
	conn, err := t.r.MCP(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
