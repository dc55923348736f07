package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned when a decoded message cannot be validated into a RequestEvent.
var ErrInvalidEvent = errors.New("invalid request event")

// RequestEvent asks for one execution. It is produced by an external
// publisher and consumed once logically (at least once physically).
type RequestEvent struct {
	EventID   string         `json:"event_id"`
	AgentID   *uuid.UUID     `json:"agent_id,omitempty"`
	SessionID *string        `json:"session_id,omitempty"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResponseEvent reports the outcome of a routed request, including failed executions.
type ResponseEvent struct {
	EventID     string          `json:"event_id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Output      *OutputPayload  `json:"output"`
	Error       *string         `json:"error"`
	Tokens      map[string]int  `json:"tokens"`
	Metadata    map[string]any  `json:"metadata"`
	Timestamp   time.Time       `json:"timestamp"`
}

// DeadLetter is the record published for a message that could not be processed.
// Payload holds the JSON-encoded decoded message fields.
type DeadLetter struct {
	MessageID string `json:"message_id"`
	Stream    string `json:"stream"`
	Error     string `json:"error"`
	Payload   string `json:"payload"`
}

// Values returns the flat field map written to the dead-letter stream.
func (d DeadLetter) Values() map[string]any {
	return map[string]any{
		"message_id": d.MessageID,
		"stream":     d.Stream,
		"error":      d.Error,
		"payload":    d.Payload,
	}
}

// DecodeRequestEvent validates a generic JSON object into a RequestEvent.
// A missing event_id is generated; a missing timestamp defaults to now.
func DecodeRequestEvent(raw map[string]any) (RequestEvent, error) {
	ev := RequestEvent{
		Payload:  map[string]any{},
		Metadata: map[string]any{},
	}

	switch v := raw["event_id"].(type) {
	case nil:
		ev.EventID = uuid.NewString()
	case string:
		if v == "" {
			ev.EventID = uuid.NewString()
		} else {
			ev.EventID = v
		}
	default:
		return RequestEvent{}, fmt.Errorf("%w: event_id must be a string", ErrInvalidEvent)
	}

	agentID, err := optionalUUID(raw, "agent_id")
	if err != nil {
		return RequestEvent{}, err
	}
	ev.AgentID = agentID

	userID, err := optionalUUID(raw, "user_id")
	if err != nil {
		return RequestEvent{}, err
	}
	ev.UserID = userID

	switch v := raw["session_id"].(type) {
	case nil:
	case string:
		ev.SessionID = &v
	default:
		return RequestEvent{}, fmt.Errorf("%w: session_id must be a string", ErrInvalidEvent)
	}

	for _, f := range []struct {
		key string
		dst *map[string]any
	}{{"payload", &ev.Payload}, {"metadata", &ev.Metadata}} {
		switch v := raw[f.key].(type) {
		case nil:
		case map[string]any:
			*f.dst = v
		default:
			return RequestEvent{}, fmt.Errorf("%w: %s must be an object", ErrInvalidEvent, f.key)
		}
	}

	switch v := raw["timestamp"].(type) {
	case nil:
		ev.Timestamp = time.Now().UTC()
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return RequestEvent{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidEvent, err)
		}
		ev.Timestamp = ts
	case float64:
		ev.Timestamp = time.Unix(0, int64(v*float64(time.Second))).UTC()
	default:
		return RequestEvent{}, fmt.Errorf("%w: timestamp must be a string or number", ErrInvalidEvent)
	}

	return ev, nil
}

func optionalUUID(raw map[string]any, key string) (*uuid.UUID, error) {
	switch v := raw[key].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, key, err)
		}
		return &id, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a UUID string", ErrInvalidEvent, key)
	}
}

// LookupUUID reads key from metadata then payload and returns it if it parses as a UUID.
// The first non-empty value wins, mirroring how publishers put hints in either map.
func LookupUUID(metadata, payload map[string]any, key string) (uuid.UUID, bool) {
	v, ok := firstPresent(metadata, payload, key)
	if !ok {
		return uuid.Nil, false
	}
	switch t := v.(type) {
	case uuid.UUID:
		return t, t != uuid.Nil
	case string:
		id, err := uuid.Parse(t)
		if err != nil {
			return uuid.Nil, false
		}
		return id, true
	default:
		return uuid.Nil, false
	}
}

// LookupString reads key from metadata then payload and returns it if it is a non-empty string.
func LookupString(metadata, payload map[string]any, key string) (string, bool) {
	v, ok := firstPresent(metadata, payload, key)
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	if !isStr || s == "" {
		return "", false
	}
	return s, true
}

// firstPresent treats empty values as absent so a blank metadata entry does not
// hide the payload entry.
func firstPresent(metadata, payload map[string]any, key string) (any, bool) {
	for _, m := range []map[string]any{metadata, payload} {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// ExplicitTarget returns the target named by the event itself: the agent_id
// field, then team_id, workflow_id and agent_id hints in metadata or payload.
// Hints only count when they parse as UUIDs.
func (e RequestEvent) ExplicitTarget() (TargetKind, uuid.UUID, bool) {
	if e.AgentID != nil {
		return TargetAgent, *e.AgentID, true
	}
	for _, hint := range []struct {
		key  string
		kind TargetKind
	}{
		{"team_id", TargetTeam},
		{"workflow_id", TargetWorkflow},
		{"agent_id", TargetAgent},
	} {
		if id, ok := LookupUUID(e.Metadata, e.Payload, hint.key); ok {
			return hint.kind, id, true
		}
	}
	return "", uuid.Nil, false
}
