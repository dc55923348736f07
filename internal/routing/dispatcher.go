package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/michi/internal/model"
)

// latencyAlpha weights the newest observation in the latency moving average.
const latencyAlpha = 0.3

// Backend is a resolved deployment with its secret references materialized.
type Backend struct {
	Model        string         `json:"model"`
	DeploymentID string         `json:"deployment_id"`
	Params       map[string]any `json:"-"`
	Info         map[string]any `json:"model_info,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// Request describes one dispatch: the logical model plus optional tag and
// context-window constraints.
type Request struct {
	Model       string
	Tags        []string
	InputTokens int
}

// Usage is reported by a CallFunc so usage-based routing can rank deployments.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CallFunc performs one attempt against a backend.
type CallFunc func(ctx context.Context, b Backend) (Usage, error)

// deployment is the dispatcher's live view of one backend.
type deployment struct {
	backend      Backend
	weight       float64
	costPerToken float64
	hasCost      bool
	maxInput     int
	hasMaxInput  bool

	inFlight atomic.Int64

	mu            sync.Mutex
	failures      []time.Time
	cooldownUntil time.Time
	latency       time.Duration
	tokensUsed    int64
}

func newDeployment(d model.Deployment, params map[string]any) *deployment {
	dep := &deployment{
		backend: Backend{
			Model:        d.ModelName,
			DeploymentID: d.ID(),
			Params:       params,
			Info:         d.ModelInfo,
			Tags:         d.AllTags(),
		},
		weight: 1,
	}
	if w, ok := number(params["weight"]); ok && w > 0 {
		dep.weight = w
	}
	for _, src := range []map[string]any{d.ModelInfo, params} {
		if c, ok := number(src["input_cost_per_token"]); ok {
			dep.costPerToken, dep.hasCost = c, true
			break
		}
	}
	dep.maxInput, dep.hasMaxInput = d.MaxInputTokens()
	return dep
}

func (d *deployment) key() string {
	return d.backend.Model + "\x00" + d.backend.DeploymentID
}

func (d *deployment) coolingAt(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return now.Before(d.cooldownUntil)
}

func (d *deployment) hasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(d.backend.Tags, t) {
			return false
		}
	}
	return true
}

func (d *deployment) snapshot() (latency time.Duration, tokens int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latency, d.tokensUsed
}

// Dispatcher selects deployments for a model name according to the configured
// strategy and tracks per-deployment health. Settings are fixed at construction;
// only the deployment list can change, via SetModelList.
type Dispatcher struct {
	strategy               string
	numRetries             int
	timeout                time.Duration
	allowedFails           int
	cooldown               time.Duration
	preCallChecks          bool
	tagFiltering           bool
	fallbacks              []FallbackEntry
	contextWindowFallbacks map[string][]string
	guardrails             []model.Guardrail
	now                    func() time.Time

	mu      sync.RWMutex
	byModel map[string][]*deployment
	all     []*deployment
}

// NewDispatcher builds a dispatcher from cfg. params holds the materialized
// parameters for each entry of cfg.ModelList, index-aligned.
func NewDispatcher(cfg model.RoutingConfig, params []map[string]any) *Dispatcher {
	d := &Dispatcher{
		strategy:               model.NormalizeStrategy(cfg.RoutingStrategy),
		numRetries:             cfg.NumRetries,
		timeout:                cfg.TimeoutDuration(),
		allowedFails:           cfg.AllowedFails,
		cooldown:               cfg.CooldownDuration(),
		preCallChecks:          cfg.EnablePreCallChecks,
		tagFiltering:           cfg.EnableTagFiltering,
		fallbacks:              formatFallbacks(cfg),
		contextWindowFallbacks: cloneStringSlices(cfg.ContextWindowFallbacks),
		guardrails:             cfg.Guardrails,
		now:                    time.Now,
	}
	d.SetModelList(cfg.ModelList, params)
	return d
}

// SetModelList swaps the deployment list in place. Health and usage state is
// carried over for deployments whose (model, id) survives the swap.
func (d *Dispatcher) SetModelList(deployments []model.Deployment, params []map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous := make(map[string]*deployment, len(d.all))
	for _, dep := range d.all {
		previous[dep.key()] = dep
	}

	all := make([]*deployment, 0, len(deployments))
	byModel := make(map[string][]*deployment)
	for i, src := range deployments {
		var p map[string]any
		if i < len(params) {
			p = params[i]
		}
		dep := newDeployment(src, p)
		if prev, ok := previous[dep.key()]; ok {
			dep = carryState(prev, dep)
		}
		all = append(all, dep)
		byModel[src.ModelName] = append(byModel[src.ModelName], dep)
	}
	d.all = all
	d.byModel = byModel
}

// carryState moves health counters from prev onto the rebuilt entry next.
// In-flight calls keep their reference to prev and finish against it, so the
// in-flight gauge starts from zero.
func carryState(prev, next *deployment) *deployment {
	prev.mu.Lock()
	defer prev.mu.Unlock()
	next.failures = slices.Clone(prev.failures)
	next.cooldownUntil = prev.cooldownUntil
	next.latency = prev.latency
	next.tokensUsed = prev.tokensUsed
	return next
}

// Strategy returns the normalized routing strategy.
func (d *Dispatcher) Strategy() string { return d.strategy }

// Fallbacks returns the formatted fallback list the dispatcher walks.
func (d *Dispatcher) Fallbacks() []FallbackEntry {
	out := make([]FallbackEntry, len(d.fallbacks))
	for i, e := range d.fallbacks {
		out[i] = FallbackEntry{Model: e.Model, Targets: slices.Clone(e.Targets)}
	}
	return out
}

// Guardrails returns the guardrails with secret references materialized.
func (d *Dispatcher) Guardrails() []model.Guardrail { return d.guardrails }

// CoolingCount returns how many deployments are currently cooling down.
func (d *Dispatcher) CoolingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.now()
	n := 0
	for _, dep := range d.all {
		if dep.coolingAt(now) {
			n++
		}
	}
	return n
}

// Pick selects a backend for req.Model without calling it.
func (d *Dispatcher) Pick(req Request) (Backend, error) {
	dep, err := d.pick(req)
	if err != nil {
		return Backend{}, err
	}
	return dep.backend, nil
}

func (d *Dispatcher) pick(req Request) (*deployment, error) {
	d.mu.RLock()
	candidates := d.byModel[req.Model]
	d.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoDeployment, req.Model)
	}

	now := d.now()
	var (
		eligible       []*deployment
		windowExceeded bool
	)
	for _, dep := range candidates {
		if dep.coolingAt(now) {
			continue
		}
		if d.tagFiltering && len(req.Tags) > 0 && !dep.hasTags(req.Tags) {
			continue
		}
		if d.preCallChecks && req.InputTokens > 0 && dep.hasMaxInput && req.InputTokens > dep.maxInput {
			windowExceeded = true
			continue
		}
		eligible = append(eligible, dep)
	}
	if len(eligible) == 0 {
		if windowExceeded {
			return nil, fmt.Errorf("%w: %q needs %d input tokens", ErrContextWindowExceeded, req.Model, req.InputTokens)
		}
		return nil, fmt.Errorf("%w: %q has no available deployment", ErrNoDeployment, req.Model)
	}
	return d.choose(eligible), nil
}

func (d *Dispatcher) choose(eligible []*deployment) *deployment {
	if len(eligible) == 1 {
		return eligible[0]
	}
	switch d.strategy {
	case model.StrategyLeastBusy:
		return minBy(eligible, func(dep *deployment) float64 { return float64(dep.inFlight.Load()) })
	case model.StrategyLatencyBased:
		return minBy(eligible, func(dep *deployment) float64 {
			latency, _ := dep.snapshot()
			return float64(latency)
		})
	case model.StrategyUsageBased, model.StrategyUsageBasedV2:
		return minBy(eligible, func(dep *deployment) float64 {
			_, tokens := dep.snapshot()
			return float64(tokens)
		})
	case model.StrategyCostBased:
		return minBy(eligible, func(dep *deployment) float64 {
			if !dep.hasCost {
				return math.Inf(1)
			}
			return dep.costPerToken
		})
	default:
		return weightedRandom(eligible)
	}
}

// minBy returns the first deployment with the lowest score.
func minBy(deps []*deployment, score func(*deployment) float64) *deployment {
	best, bestScore := deps[0], score(deps[0])
	for _, dep := range deps[1:] {
		if s := score(dep); s < bestScore {
			best, bestScore = dep, s
		}
	}
	return best
}

func weightedRandom(deps []*deployment) *deployment {
	var total float64
	for _, dep := range deps {
		total += dep.weight
	}
	r := rand.Float64() * total //nolint:gosec // load spreading does not need crypto randomness
	for _, dep := range deps {
		r -= dep.weight
		if r < 0 {
			return dep
		}
	}
	return deps[len(deps)-1]
}

// Dispatch runs call against a deployment of req.Model, retrying up to the
// configured number of times, and then walks the model's fallback chain.
// It returns the backend that succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, call CallFunc) (Backend, error) {
	chain := []string{req.Model}
	visited := make(map[string]bool)
	var lastErr error

	for i := 0; i < len(chain); i++ {
		name := chain[i]
		if visited[name] {
			continue
		}
		visited[name] = true

		attempt := req
		attempt.Model = name
		b, err := d.dispatchModel(ctx, attempt, call)
		if err == nil {
			return b, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Backend{}, ctxErr
		}
		lastErr = err

		if i == 0 {
			if errors.Is(err, ErrContextWindowExceeded) {
				chain = append(chain, d.contextWindowFallbacks[name]...)
			}
			chain = append(chain, d.fallbacksFor(name)...)
		}
	}
	return Backend{}, fmt.Errorf("routing: dispatch %q: %w", req.Model, lastErr)
}

func (d *Dispatcher) dispatchModel(ctx context.Context, req Request, call CallFunc) (Backend, error) {
	var lastErr error
	for attempt := 0; attempt <= d.numRetries; attempt++ {
		dep, err := d.pick(req)
		if err != nil {
			if lastErr != nil {
				return Backend{}, errors.Join(lastErr, err)
			}
			return Backend{}, err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		dep.inFlight.Add(1)
		start := d.now()
		usage, err := call(attemptCtx, dep.backend)
		elapsed := d.now().Sub(start)
		dep.inFlight.Add(-1)
		cancel()

		if err == nil {
			d.recordSuccess(dep, elapsed, usage)
			return dep.backend, nil
		}
		d.recordFailure(dep)
		lastErr = err
		if ctx.Err() != nil {
			return Backend{}, err
		}
	}
	return Backend{}, lastErr
}

func (d *Dispatcher) recordSuccess(dep *deployment, elapsed time.Duration, usage Usage) {
	dep.mu.Lock()
	defer dep.mu.Unlock()
	if dep.latency == 0 {
		dep.latency = elapsed
	} else {
		dep.latency = time.Duration(latencyAlpha*float64(elapsed) + (1-latencyAlpha)*float64(dep.latency))
	}
	dep.tokensUsed += int64(usage.PromptTokens + usage.CompletionTokens)
}

// recordFailure puts dep into cooldown once it fails more than allowedFails
// times within one cooldown window. A zero cooldown disables the mechanism.
func (d *Dispatcher) recordFailure(dep *deployment) {
	if d.cooldown <= 0 {
		return
	}
	now := d.now()
	dep.mu.Lock()
	defer dep.mu.Unlock()
	windowStart := now.Add(-d.cooldown)
	dep.failures = slices.DeleteFunc(dep.failures, func(t time.Time) bool { return t.Before(windowStart) })
	dep.failures = append(dep.failures, now)
	if len(dep.failures) > d.allowedFails {
		dep.cooldownUntil = now.Add(d.cooldown)
		dep.failures = nil
	}
}

func (d *Dispatcher) fallbacksFor(name string) []string {
	var wildcard []string
	for _, e := range d.fallbacks {
		if e.Model == name {
			return e.Targets
		}
		if e.Model == "*" {
			wildcard = e.Targets
		}
	}
	return wildcard
}

func cloneStringSlices(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
