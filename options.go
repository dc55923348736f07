package michi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	redisURL        string
	mode            string
	logger          *slog.Logger
	version         string
	agents          AgentFactory
	teams           TeamFactory
	workflows       WorkflowFactory
	rules           []Rule
	defaultRoutes   DefaultRouteLookup
	secretResolver  SecretResolver
	routerConfig    *RoutingConfig
	functionTools   map[string]ToolFunc
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (MICHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the stream connection string from config (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithMode overrides the run mode from config (MICHI_MODE env var): "api"
// serves HTTP and MCP, "worker" consumes the request stream, "all" does both.
func WithMode(mode string) Option {
	return func(o *resolvedOptions) { o.mode = mode }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgents sets the factory that builds agents for execution.
func WithAgents(f AgentFactory) Option {
	return func(o *resolvedOptions) { o.agents = f }
}

// WithTeams sets the factory that builds teams for execution.
func WithTeams(f TeamFactory) Option {
	return func(o *resolvedOptions) { o.teams = f }
}

// WithWorkflows sets the factory that builds workflows for execution.
func WithWorkflows(f WorkflowFactory) Option {
	return func(o *resolvedOptions) { o.workflows = f }
}

// WithRules adds event routing rules. Rules with invalid patterns make New fail.
// May be called multiple times; rules accumulate.
func WithRules(rules ...Rule) Option {
	return func(o *resolvedOptions) { o.rules = append(o.rules, rules...) }
}

// WithDefaultRoutes sets the lookup consulted when an event names no target
// and no rule matches.
func WithDefaultRoutes(lookup DefaultRouteLookup) Option {
	return func(o *resolvedOptions) { o.defaultRoutes = lookup }
}

// WithSecretResolver replaces the environment as the source of
// os.environ/NAME references in deployment parameters. Lookups are cached
// for MICHI_SECRET_CACHE_TTL either way.
func WithSecretResolver(r SecretResolver) Option {
	return func(o *resolvedOptions) { o.secretResolver = r }
}

// WithRouterConfig sets the routing table used when no snapshot has been
// stored yet. It takes precedence over MICHI_ROUTER_CONFIG_FILE.
func WithRouterConfig(cfg RoutingConfig) Option {
	return func(o *resolvedOptions) {
		c := cfg.Clone()
		o.routerConfig = &c
	}
}

// WithFunctionTool registers a Go function tool, reachable through App.Tools.
func WithFunctionTool(name string, fn ToolFunc) Option {
	return func(o *resolvedOptions) {
		if o.functionTools == nil {
			o.functionTools = make(map[string]ToolFunc)
		}
		o.functionTools[name] = fn
	}
}

// WithExtraRoutes registers additional HTTP routes on the server mux.
// May be called multiple times; registrars run in order.
func WithExtraRoutes(r RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, r) }
}

// WithMiddleware adds an HTTP middleware applied outermost in the chain.
// May be called multiple times; first-registered is outermost.
func WithMiddleware(m Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, m) }
}

// WithExtraMigrations adds a migration filesystem applied after the built-in
// schema, in the order given.
func WithExtraMigrations(migrations fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrations) }
}
