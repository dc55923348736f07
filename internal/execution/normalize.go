package execution

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/michi/internal/model"
)

// Output is a runnable result reduced to the fields an execution records.
type Output struct {
	Content        *string
	StructuredData any
	Metadata       map[string]any
	Tokens         map[string]int
}

// Payload returns the output as stored on the execution record.
func (o Output) Payload() model.OutputPayload {
	md := make(map[string]any, len(o.Metadata))
	for k, v := range o.Metadata {
		md[k] = v
	}
	return model.OutputPayload{Content: o.Content, StructuredData: o.StructuredData, Metadata: md}
}

// Normalize converts a raw runnable result into an Output:
//
//   - an Output (or *Output) is returned unchanged
//   - a model.OutputPayload keeps its fields
//   - a string becomes the content
//   - a map reads content (or text), structured_data, metadata and tokens
//   - nil yields empty metadata
//   - anything else is formatted into the content
//
// Normalize(Normalize(v)) equals Normalize(v).
func Normalize(v any) Output {
	switch t := v.(type) {
	case Output:
		return t
	case *Output:
		if t == nil {
			return Output{Metadata: map[string]any{}}
		}
		return *t
	case model.OutputPayload:
		return Output{Content: t.Content, StructuredData: t.StructuredData, Metadata: orEmpty(t.Metadata)}
	case string:
		return Output{Content: &t, Metadata: map[string]any{}}
	case []byte:
		s := string(t)
		return Output{Content: &s, Metadata: map[string]any{}}
	case map[string]any:
		return normalizeMap(t)
	case nil:
		return Output{Metadata: map[string]any{}}
	default:
		s := fmt.Sprint(t)
		return Output{Content: &s, Metadata: map[string]any{}}
	}
}

func normalizeMap(m map[string]any) Output {
	out := Output{
		StructuredData: m["structured_data"],
		Metadata:       map[string]any{},
		Tokens:         toTokens(m["tokens"]),
	}
	if md, ok := m["metadata"].(map[string]any); ok {
		out.Metadata = md
	}
	for _, key := range []string{"content", "text"} {
		if s, ok := contentString(m[key]); ok {
			out.Content = &s
			break
		}
	}
	return out
}

// contentString accepts non-empty strings and formats other non-nil values.
func contentString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	default:
		return fmt.Sprint(t), true
	}
}

func toTokens(v any) map[string]int {
	switch t := v.(type) {
	case map[string]int:
		if len(t) == 0 {
			return nil
		}
		return t
	case map[string]any:
		tokens := make(map[string]int, len(t))
		for k, raw := range t {
			switch n := raw.(type) {
			case int:
				tokens[k] = n
			case int64:
				tokens[k] = int(n)
			case float64:
				tokens[k] = int(n)
			case json.Number:
				if i, err := n.Int64(); err == nil {
					tokens[k] = int(i)
				}
			}
		}
		if len(tokens) == 0 {
			return nil
		}
		return tokens
	default:
		return nil
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
