package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/michi/internal/model"
)

// ErrDeserialization is returned when a message cannot be turned into a RequestEvent.
var ErrDeserialization = errors.New("stream: deserialization failed")

// DecodeFields converts message values to strings.
func DecodeFields(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		case []byte:
			out[k] = string(t)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// DecodeEvent locates the event body in decoded message fields and validates
// it. The body is the "event" field, else the "data" field, else the only
// field, else the whole field map. JSON-looking string values inside the body
// are decoded one level deep.
func DecodeEvent(fields map[string]any) (model.RequestEvent, error) {
	var candidate any
	if v, ok := fields["event"]; ok {
		candidate = maybeJSON(v)
	} else if v, ok := fields["data"]; ok {
		candidate = maybeJSON(v)
	} else if len(fields) == 1 {
		for _, v := range fields {
			candidate = maybeJSON(v)
		}
	} else {
		candidate = fields
	}

	body, ok := candidate.(map[string]any)
	if !ok {
		return model.RequestEvent{}, fmt.Errorf("%w: event payload must decode to an object", ErrDeserialization)
	}

	normalized := make(map[string]any, len(body))
	for k, v := range body {
		normalized[k] = maybeJSON(v)
	}

	ev, err := model.DecodeRequestEvent(normalized)
	if err != nil {
		return model.RequestEvent{}, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return ev, nil
}

// maybeJSON decodes strings that look like a JSON object, array or string.
// Anything that fails to parse is returned unchanged.
func maybeJSON(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || !strings.ContainsRune(`[{"`, rune(trimmed[0])) {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return v
	}
	return decoded
}
