// Package eventrouter decides which agent, team or workflow handles an
// inbound request event.
//
// Resolution order, first match wins:
//
//  1. the event's own agent_id
//  2. team_id, workflow_id, agent_id hints in metadata or payload
//  3. registered rules, highest priority first
//  4. the default route for the event's "source"
package eventrouter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

var (
	// ErrRouting is the parent of every routing failure.
	ErrRouting = errors.New("eventrouter: routing failed")

	// ErrNoRouteFound is returned when no step of the resolution order yields a target.
	ErrNoRouteFound = fmt.Errorf("%w: no route found", ErrRouting)

	// ErrUnsupportedTarget is returned by HandleEvent when the resolved kind is not an agent.
	ErrUnsupportedTarget = fmt.Errorf("%w: unsupported target", ErrRouting)
)

// Target is a resolved routing decision.
type Target struct {
	Kind model.TargetKind
	ID   uuid.UUID
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID.String()
}

// Executor runs an event that has been routed to an agent.
type Executor interface {
	RunFromEvent(ctx context.Context, ev model.RequestEvent) (model.ResponseEvent, error)
}

// DefaultRouteLookup resolves the fallback target for an event source.
// found=false is a miss, not an error.
type DefaultRouteLookup interface {
	DefaultRoute(ctx context.Context, source string) (target Target, found bool, err error)
}

// DefaultRouteFunc adapts a function to DefaultRouteLookup.
type DefaultRouteFunc func(ctx context.Context, source string) (Target, bool, error)

// DefaultRoute implements DefaultRouteLookup.
func (f DefaultRouteFunc) DefaultRoute(ctx context.Context, source string) (Target, bool, error) {
	return f(ctx, source)
}

// StaticRoutes is a DefaultRouteLookup backed by a fixed source → target map.
type StaticRoutes map[string]Target

// DefaultRoute implements DefaultRouteLookup.
func (s StaticRoutes) DefaultRoute(_ context.Context, source string) (Target, bool, error) {
	t, ok := s[source]
	return t, ok, nil
}

// Option configures a Router.
type Option func(*Router)

// WithRules registers rules at construction. Invalid patterns make New fail.
func WithRules(rules ...Rule) Option {
	return func(r *Router) {
		r.pending = append(r.pending, rules...)
	}
}

// WithDefaultRoutes sets the lookup consulted when nothing else matches.
func WithDefaultRoutes(lookup DefaultRouteLookup) Option {
	return func(r *Router) {
		r.defaults = lookup
	}
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Router resolves targets for request events and hands agent-bound events to
// the Executor. It is safe for concurrent use.
type Router struct {
	executor Executor
	defaults DefaultRouteLookup
	logger   *slog.Logger

	mu      sync.RWMutex
	rules   []*Rule // sorted by priority descending, insertion order within a priority
	pending []Rule
}

// New creates a Router. executor may be nil when only Route is used.
func New(executor Executor, opts ...Option) (*Router, error) {
	r := &Router{
		executor: executor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	pending := r.pending
	r.pending = nil
	for _, rule := range pending {
		if err := r.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddRule compiles rule's patterns and registers it.
func (r *Router) AddRule(rule Rule) error {
	compiled, err := rule.compile()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, compiled)
	// SortStableFunc keeps registration order among equal priorities.
	slices.SortStableFunc(r.rules, func(a, b *Rule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return nil
}

// Rules returns the registered rules in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = *rule
	}
	return out
}

// Route returns the target for ev, or an error wrapping ErrNoRouteFound.
func (r *Router) Route(ctx context.Context, ev model.RequestEvent) (Target, error) {
	if kind, id, ok := ev.ExplicitTarget(); ok {
		return Target{Kind: kind, ID: id}, nil
	}

	r.mu.RLock()
	for _, rule := range r.rules {
		if rule.matches(ev) {
			r.mu.RUnlock()
			r.logger.Debug("eventrouter: rule matched", "event_id", ev.EventID, "rule", rule.Name)
			return rule.Target, nil
		}
	}
	r.mu.RUnlock()

	if r.defaults != nil {
		if source, ok := model.LookupString(ev.Metadata, ev.Payload, "source"); ok {
			t, found, err := r.defaults.DefaultRoute(ctx, source)
			switch {
			case err != nil:
				r.logger.Warn("eventrouter: default route lookup failed",
					"event_id", ev.EventID, "source", source, "error", err)
			case found:
				return t, nil
			}
		}
	}

	return Target{}, fmt.Errorf("%w for event %s", ErrNoRouteFound, ev.EventID)
}

// HandleEvent routes ev and runs it. Only agent targets are accepted; the
// event's agent_id is rewritten to the routed agent before execution.
func (r *Router) HandleEvent(ctx context.Context, ev model.RequestEvent) (model.ResponseEvent, error) {
	if r.executor == nil {
		return model.ResponseEvent{}, errors.New("eventrouter: handle event: no executor configured")
	}
	target, err := r.Route(ctx, ev)
	if err != nil {
		return model.ResponseEvent{}, err
	}
	if target.Kind != model.TargetAgent {
		return model.ResponseEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	if ev.AgentID == nil || *ev.AgentID != target.ID {
		id := target.ID
		ev.AgentID = &id
	}
	return r.executor.RunFromEvent(ctx, ev)
}
