package routing

import (
	"fmt"
	"os"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/michi/internal/model"
)

// FallbackEntry maps one model name (or "*") to its ordered fallback models.
type FallbackEntry struct {
	Model   string
	Targets []string
}

// requiresRebuild reports whether moving from current to next changes any
// field the dispatcher was constructed with. Deployment list changes alone
// are applied in place.
func requiresRebuild(current, next model.RoutingConfig) bool {
	type structural struct {
		Strategy               string
		NumRetries             int
		Timeout                *float64
		AllowedFails           int
		CooldownTime           float64
		Fallbacks              map[string][]string
		DefaultFallbacks       []string
		ContextWindowFallbacks map[string][]string
		EnablePreCallChecks    bool
		EnableTagFiltering     bool
		CacheResponses         bool
		RedisHost              string
		RedisPort              int
		RedisPassword          string
		RedisURL               string
		Guardrails             []model.Guardrail
	}
	pick := func(c model.RoutingConfig) structural {
		return structural{
			Strategy:               model.NormalizeStrategy(c.RoutingStrategy),
			NumRetries:             c.NumRetries,
			Timeout:                c.Timeout,
			AllowedFails:           c.AllowedFails,
			CooldownTime:           c.CooldownTime,
			Fallbacks:              emptyAsNil(c.Fallbacks),
			DefaultFallbacks:       nilIfEmpty(c.DefaultFallbacks),
			ContextWindowFallbacks: emptyAsNil(c.ContextWindowFallbacks),
			EnablePreCallChecks:    c.EnablePreCallChecks,
			EnableTagFiltering:     c.EnableTagFiltering,
			CacheResponses:         c.CacheResponses,
			RedisHost:              c.RedisHost,
			RedisPort:              c.RedisPort,
			RedisPassword:          c.RedisPassword,
			RedisURL:               c.RedisURL,
			Guardrails:             nilIfEmpty(c.Guardrails),
		}
	}
	return !reflect.DeepEqual(pick(current), pick(next))
}

func emptyAsNil(m map[string][]string) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

// formatFallbacks builds the dispatcher's fallback list. Explicit entries win;
// every other model name in the deployment list gets the default fallbacks
// (minus itself) exactly once. A model whose only default is itself gets no
// entry. The wildcard entry carries the defaults only when there are no
// explicit entries and no deployments to attach them to.
func formatFallbacks(cfg model.RoutingConfig) []FallbackEntry {
	var entries []FallbackEntry
	seen := make(map[string]bool)

	explicit := make([]string, 0, len(cfg.Fallbacks))
	for name := range cfg.Fallbacks {
		explicit = append(explicit, name)
	}
	slices.Sort(explicit)
	for _, name := range explicit {
		targets := cfg.Fallbacks[name]
		if len(targets) == 0 {
			continue
		}
		entries = append(entries, FallbackEntry{Model: name, Targets: slices.Clone(targets)})
		seen[name] = true
	}

	if len(cfg.DefaultFallbacks) == 0 {
		return entries
	}
	for _, d := range cfg.ModelList {
		if seen[d.ModelName] {
			continue
		}
		seen[d.ModelName] = true
		targets := slices.DeleteFunc(slices.Clone(cfg.DefaultFallbacks), func(t string) bool {
			return t == d.ModelName
		})
		if len(targets) == 0 {
			continue
		}
		entries = append(entries, FallbackEntry{Model: d.ModelName, Targets: targets})
	}
	if len(entries) == 0 && len(cfg.ModelList) == 0 {
		entries = append(entries, FallbackEntry{Model: "*", Targets: slices.Clone(cfg.DefaultFallbacks)})
	}
	return entries
}

// LoadConfigFile reads a YAML routing config. Keys match the JSON form;
// omitted knobs keep their defaults.
func LoadConfigFile(path string) (model.RoutingConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.RoutingConfig{}, fmt.Errorf("routing: read config file: %w", err)
	}
	cfg := model.DefaultRoutingConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return model.RoutingConfig{}, fmt.Errorf("routing: parse config file %s: %w", path, err)
	}
	if cfg.ModelList == nil {
		cfg.ModelList = []model.Deployment{}
	}
	if err := cfg.Validate(); err != nil {
		return model.RoutingConfig{}, fmt.Errorf("routing: invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
