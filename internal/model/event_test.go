package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestEvent(t *testing.T) {
	agent := uuid.New()
	user := uuid.New()

	ev, err := DecodeRequestEvent(map[string]any{
		"event_id":   "evt-1",
		"agent_id":   agent.String(),
		"user_id":    user.String(),
		"session_id": "s-1",
		"payload":    map[string]any{"content": "hi"},
		"metadata":   map[string]any{"source": "web"},
		"timestamp":  "2026-03-01T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.EventID)
	require.NotNil(t, ev.AgentID)
	assert.Equal(t, agent, *ev.AgentID)
	require.NotNil(t, ev.UserID)
	assert.Equal(t, user, *ev.UserID)
	require.NotNil(t, ev.SessionID)
	assert.Equal(t, "s-1", *ev.SessionID)
	assert.Equal(t, "hi", ev.Payload["content"])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp)
}

func TestDecodeRequestEvent_Defaults(t *testing.T) {
	ev, err := DecodeRequestEvent(map[string]any{"timestamp": float64(1_700_000_000)})
	require.NoError(t, err)
	_, err = uuid.Parse(ev.EventID)
	assert.NoError(t, err, "a missing event_id is generated")
	assert.NotNil(t, ev.Payload)
	assert.NotNil(t, ev.Metadata)
	assert.Nil(t, ev.AgentID)
	assert.Equal(t, int64(1_700_000_000), ev.Timestamp.Unix())

	ev, err = DecodeRequestEvent(map[string]any{"event_id": "", "agent_id": ""})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.Nil(t, ev.AgentID, "an empty agent_id is absent")
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Minute)
}

func TestDecodeRequestEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"numeric event id", map[string]any{"event_id": 7}},
		{"bad agent id", map[string]any{"agent_id": "not-a-uuid"}},
		{"non-string user id", map[string]any{"user_id": 12}},
		{"non-string session", map[string]any{"session_id": true}},
		{"payload not object", map[string]any{"payload": "text"}},
		{"metadata not object", map[string]any{"metadata": []any{}}},
		{"bad timestamp", map[string]any{"timestamp": "yesterday"}},
		{"bool timestamp", map[string]any{"timestamp": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequestEvent(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestLookupHelpers(t *testing.T) {
	id := uuid.New()
	metadata := map[string]any{"source": "", "team_id": id.String()}
	payload := map[string]any{"source": "payload-src", "workflow_id": "nope"}

	s, ok := LookupString(metadata, payload, "source")
	assert.True(t, ok)
	assert.Equal(t, "payload-src", s, "an empty metadata value does not hide the payload")

	got, ok := LookupUUID(metadata, payload, "team_id")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = LookupUUID(metadata, payload, "workflow_id")
	assert.False(t, ok, "unparseable UUIDs are ignored")

	_, ok = LookupString(map[string]any{"n": 3}, nil, "n")
	assert.False(t, ok)
}

func TestExplicitTarget(t *testing.T) {
	agent, team, workflow := uuid.New(), uuid.New(), uuid.New()

	kind, id, ok := RequestEvent{AgentID: &agent, Metadata: map[string]any{"team_id": team.String()}}.ExplicitTarget()
	assert.True(t, ok)
	assert.Equal(t, TargetAgent, kind)
	assert.Equal(t, agent, id, "the agent_id field wins over hints")

	kind, id, ok = RequestEvent{
		Metadata: map[string]any{"workflow_id": workflow.String()},
		Payload:  map[string]any{"team_id": team.String()},
	}.ExplicitTarget()
	assert.True(t, ok)
	assert.Equal(t, TargetTeam, kind)
	assert.Equal(t, team, id, "team hints are checked before workflow hints")

	_, _, ok = RequestEvent{Metadata: map[string]any{"agent_id": "bogus"}}.ExplicitTarget()
	assert.False(t, ok)
}

func TestDeadLetterValues(t *testing.T) {
	dl := DeadLetter{MessageID: "1-0", Stream: "s", Error: "boom", Payload: `{"a":"b"}`}
	assert.Equal(t, map[string]any{
		"message_id": "1-0",
		"stream":     "s",
		"error":      "boom",
		"payload":    `{"a":"b"}`,
	}, dl.Values())
}
