package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Routing strategies accepted by the dispatcher.
const (
	StrategySimpleShuffle = "simple-shuffle"
	StrategyLeastBusy     = "least-busy"
	StrategyLatencyBased  = "latency-based-routing"
	StrategyUsageBased    = "usage-based-routing"
	StrategyUsageBasedV2  = "usage-based-routing-v2"
	StrategyCostBased     = "cost-based-routing"
)

// NormalizeStrategy lower-cases and trims s, mapping unknown names to simple-shuffle.
func NormalizeStrategy(s string) string {
	switch n := strings.ToLower(strings.TrimSpace(s)); n {
	case StrategySimpleShuffle, StrategyLeastBusy, StrategyLatencyBased,
		StrategyUsageBased, StrategyUsageBasedV2, StrategyCostBased:
		return n
	default:
		return StrategySimpleShuffle
	}
}

// Deployment is one concrete backend serving a logical model name.
type Deployment struct {
	ModelName string         `json:"model_name" yaml:"model_name"`
	Params    map[string]any `json:"params" yaml:"params"`
	ModelInfo map[string]any `json:"model_info,omitempty" yaml:"model_info,omitempty"`
	Tags      []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// explicitIDs returns the deployment-scoped identifiers present in params or model info.
func (d Deployment) explicitIDs() []string {
	var ids []string
	for _, v := range []any{d.Params["deployment_id"], d.Params["id"], d.ModelInfo["id"]} {
		if v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// ID returns the deployment identifier used for cooldown and usage tracking:
// params deployment_id, then params id, then model info id, then the model name.
func (d Deployment) ID() string {
	if ids := d.explicitIDs(); len(ids) > 0 {
		return ids[0]
	}
	return d.ModelName
}

// MatchesID reports whether id identifies this deployment. Deployments without
// an explicit identifier match on model name.
func (d Deployment) MatchesID(id string) bool {
	ids := d.explicitIDs()
	if len(ids) == 0 {
		return d.ModelName == id
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// AllTags returns the deployment's tags merged with any string tags listed in params.
func (d Deployment) AllTags() []string {
	tags := append([]string(nil), d.Tags...)
	if raw, ok := d.Params["tags"].([]any); ok {
		for _, t := range raw {
			if s, isStr := t.(string); isStr {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

// MaxInputTokens returns the deployment's context window, if declared.
func (d Deployment) MaxInputTokens() (int, bool) {
	for _, src := range []map[string]any{d.ModelInfo, d.Params} {
		switch v := src["max_input_tokens"].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}

// Clone returns a deep copy of the deployment's maps and tags.
func (d Deployment) Clone() Deployment {
	out := Deployment{ModelName: d.ModelName}
	if d.Params != nil {
		out.Params = cloneMap(d.Params)
	}
	if d.ModelInfo != nil {
		out.ModelInfo = cloneMap(d.ModelInfo)
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	return out
}

// Guardrail is an opaque pre/post-call check attached to the router.
type Guardrail struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// RoutingConfig is the full declarative routing configuration.
// Durations are expressed in seconds to keep the stored form stable.
type RoutingConfig struct {
	ModelList              []Deployment        `json:"model_list" yaml:"model_list"`
	RoutingStrategy        string              `json:"routing_strategy" yaml:"routing_strategy"`
	NumRetries             int                 `json:"num_retries" yaml:"num_retries"`
	Timeout                *float64            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Fallbacks              map[string][]string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	DefaultFallbacks       []string            `json:"default_fallbacks,omitempty" yaml:"default_fallbacks,omitempty"`
	ContextWindowFallbacks map[string][]string `json:"context_window_fallbacks,omitempty" yaml:"context_window_fallbacks,omitempty"`
	AllowedFails           int                 `json:"allowed_fails" yaml:"allowed_fails"`
	CooldownTime           float64             `json:"cooldown_time" yaml:"cooldown_time"`
	EnablePreCallChecks    bool                `json:"enable_pre_call_checks" yaml:"enable_pre_call_checks"`
	EnableTagFiltering     bool                `json:"enable_tag_filtering" yaml:"enable_tag_filtering"`
	CacheResponses         bool                `json:"cache_responses" yaml:"cache_responses"`
	RedisHost              string              `json:"redis_host,omitempty" yaml:"redis_host,omitempty"`
	RedisPort              int                 `json:"redis_port" yaml:"redis_port"`
	RedisPassword          string              `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisURL               string              `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	Guardrails             []Guardrail         `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
}

// DefaultRoutingConfig returns a configuration with no deployments and default knobs.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		ModelList:           []Deployment{},
		RoutingStrategy:     StrategyUsageBasedV2,
		NumRetries:          3,
		AllowedFails:        3,
		CooldownTime:        30,
		EnablePreCallChecks: true,
		EnableTagFiltering:  true,
		RedisPort:           6379,
	}
}

// CooldownDuration returns CooldownTime as a duration.
func (c RoutingConfig) CooldownDuration() time.Duration {
	return time.Duration(c.CooldownTime * float64(time.Second))
}

// TimeoutDuration returns the per-attempt timeout, or zero when unset.
func (c RoutingConfig) TimeoutDuration() time.Duration {
	if c.Timeout == nil || *c.Timeout <= 0 {
		return 0
	}
	return time.Duration(*c.Timeout * float64(time.Second))
}

// RedisEnabled reports whether a shared Redis coordinator is configured.
func (c RoutingConfig) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

// Validate checks the fields that the dispatcher cannot operate without.
func (c RoutingConfig) Validate() error {
	if c.NumRetries < 0 {
		return fmt.Errorf("num_retries must be >= 0")
	}
	if c.AllowedFails < 0 {
		return fmt.Errorf("allowed_fails must be >= 0")
	}
	if c.CooldownTime < 0 {
		return fmt.Errorf("cooldown_time must be >= 0")
	}
	for i, d := range c.ModelList {
		if d.ModelName == "" {
			return fmt.Errorf("model_list[%d]: model_name is required", i)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing a live snapshot.
func (c RoutingConfig) Clone() RoutingConfig {
	out := c
	out.ModelList = make([]Deployment, len(c.ModelList))
	for i, d := range c.ModelList {
		out.ModelList[i] = d.Clone()
	}
	if c.Timeout != nil {
		t := *c.Timeout
		out.Timeout = &t
	}
	out.Fallbacks = cloneFallbacks(c.Fallbacks)
	out.ContextWindowFallbacks = cloneFallbacks(c.ContextWindowFallbacks)
	if c.DefaultFallbacks != nil {
		out.DefaultFallbacks = append([]string(nil), c.DefaultFallbacks...)
	}
	if c.Guardrails != nil {
		out.Guardrails = make([]Guardrail, len(c.Guardrails))
		for i, g := range c.Guardrails {
			out.Guardrails[i] = Guardrail{Name: g.Name}
			if g.Params != nil {
				out.Guardrails[i].Params = cloneMap(g.Params)
			}
		}
	}
	return out
}

func cloneFallbacks(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// RoutingHealth summarizes the live routing snapshot.
type RoutingHealth struct {
	RouterName          string     `json:"router_name"`
	Initialized         bool       `json:"initialized"`
	RoutingStrategy     string     `json:"routing_strategy"`
	TotalDeployments    int        `json:"total_deployments"`
	CoolingDeployments  int        `json:"cooling_deployments"`
	LastReloadAt        *time.Time `json:"last_reload_at"`
	RedisEnabled        bool       `json:"redis_enabled"`
	RedisURL            string     `json:"redis_url,omitempty"`
	AllowedFails        int        `json:"allowed_fails"`
	CooldownTime        float64    `json:"cooldown_time"`
	NumRetries          int        `json:"num_retries"`
	TagFilteringEnabled bool       `json:"tag_filtering_enabled"`
}

// RedactedRedisURL returns the configured Redis URL, or one built from host and
// port, with any password replaced.
func (c RoutingConfig) RedactedRedisURL() string {
	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil {
			return "redis://invalid"
		}
		if _, hasPw := u.User.Password(); hasPw {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}
	if c.RedisHost == "" {
		return ""
	}
	auth := ""
	if c.RedisPassword != "" {
		auth = ":xxxxx@"
	}
	return fmt.Sprintf("redis://%s%s:%d", auth, c.RedisHost, c.RedisPort)
}
