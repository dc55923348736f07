package eventrouter

import (
	"fmt"
	"regexp"

	"github.com/ashita-ai/michi/internal/model"
)

// Rule routes events whose extracted fields match every declared pattern.
// Empty patterns are not checked; a rule without patterns always matches.
type Rule struct {
	Name           string
	Priority       int
	SourcePattern  string
	ContentPattern string
	UserPattern    string
	Target         Target

	source  *regexp.Regexp
	content *regexp.Regexp
	user    *regexp.Regexp
}

func (r Rule) compile() (*Rule, error) {
	out := r
	for _, p := range []struct {
		field   string
		pattern string
		dst     **regexp.Regexp
	}{
		{"source", r.SourcePattern, &out.source},
		{"content", r.ContentPattern, &out.content},
		{"user", r.UserPattern, &out.user},
	} {
		if p.pattern == "" {
			*p.dst = nil
			continue
		}
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			return nil, fmt.Errorf("eventrouter: rule %q: invalid %s pattern: %w", r.Name, p.field, err)
		}
		*p.dst = re
	}
	if _, ok := model.ParseTargetKind(string(r.Target.Kind)); !ok {
		return nil, fmt.Errorf("eventrouter: rule %q: invalid target kind %q", r.Name, r.Target.Kind)
	}
	return &out, nil
}

// matches searches each compiled pattern anywhere in its field. A missing
// field is matched as ""; a field that is not a string never matches.
func (r *Rule) matches(ev model.RequestEvent) bool {
	if r.source != nil {
		s, ok := eventSource(ev)
		if !ok || !r.source.MatchString(s) {
			return false
		}
	}
	if r.content != nil {
		s, ok := eventContent(ev)
		if !ok || !r.content.MatchString(s) {
			return false
		}
	}
	if r.user != nil {
		if !r.user.MatchString(eventUser(ev)) {
			return false
		}
	}
	return true
}

// eventSource returns the source from metadata, then payload. Empty values
// fall through to the payload; both missing yields "".
func eventSource(ev model.RequestEvent) (string, bool) {
	for _, m := range []map[string]any{ev.Metadata, ev.Payload} {
		v, ok := m["source"]
		if !ok || v == nil {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			return "", false
		}
		if s != "" {
			return s, true
		}
	}
	return "", true
}

// eventContent returns payload content, falling back to input_text. Both
// missing yields an empty string; a non-string value yields ok=false.
func eventContent(ev model.RequestEvent) (string, bool) {
	for _, key := range []string{"content", "input_text"} {
		v, ok := ev.Payload[key]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s != "" {
			return s, true
		}
		if _, isStr := v.(string); !isStr {
			return "", false
		}
	}
	return "", true
}

// eventUser returns the event's user id, falling back to a metadata user_id.
// An event with neither yields "", which a pattern like "^$" can match.
func eventUser(ev model.RequestEvent) string {
	if ev.UserID != nil {
		return ev.UserID.String()
	}
	if v, ok := ev.Metadata["user_id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
