package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/model"
)

// Executor runs and looks up executions.
type Executor interface {
	Run(ctx context.Context, req execution.RunRequest) (model.ExecutionRecord, error)
	Get(ctx context.Context, id uuid.UUID) (model.ExecutionRecord, error)
}

// Router is the routing table management surface.
type Router interface {
	Config() model.RoutingConfig
	ListDeployments() []model.Deployment
	HealthInfo() model.RoutingHealth
	Replace(ctx context.Context, cfg model.RoutingConfig) error
	AddDeployment(ctx context.Context, d model.Deployment) error
	RemoveDeployment(ctx context.Context, modelName, deploymentID string) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	executor            Executor
	router              Router
	db                  Pinger
	redis               Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Redis.
type HandlersDeps struct {
	Executor            Executor
	Router              Router
	DB                  Pinger
	Redis               Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		executor:            d.Executor,
		router:              d.Router,
		db:                  d.DB,
		redis:               d.Redis,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health. It always answers 200 while the process
// is serving; dependency state is reported in the body.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.health(r.Context())
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleReady handles GET /health/ready. It answers 503 until the database is
// reachable and the router has built its dispatcher.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := h.health(r.Context())
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

func (h *Handlers) health(ctx context.Context) model.HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "disabled",
		Router:   "initialized",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.db != nil {
		resp.Postgres = "connected"
		if err := h.db.Ping(ctx); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
		}
	}
	if h.redis != nil {
		resp.Redis = "connected"
		if err := h.redis.Ping(ctx); err != nil {
			resp.Redis = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	if !h.router.HealthInfo().Initialized {
		resp.Router = "uninitialized"
		resp.Status = "unhealthy"
	}
	return resp
}

func parseUUIDPath(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}
