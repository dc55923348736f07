package execution

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
)

func strPtr(s string) *string { return &s }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Output
	}{
		{
			name: "string",
			in:   "hello",
			want: Output{Content: strPtr("hello"), Metadata: map[string]any{}},
		},
		{
			name: "nil",
			in:   nil,
			want: Output{Metadata: map[string]any{}},
		},
		{
			name: "map with content",
			in: map[string]any{
				"content":         "c",
				"structured_data": map[string]any{"a": 1},
				"metadata":        map[string]any{"m": "x"},
				"tokens":          map[string]any{"total_tokens": float64(7)},
			},
			want: Output{
				Content:        strPtr("c"),
				StructuredData: map[string]any{"a": 1},
				Metadata:       map[string]any{"m": "x"},
				Tokens:         map[string]int{"total_tokens": 7},
			},
		},
		{
			name: "map falls back to text when content is empty",
			in:   map[string]any{"content": "", "text": "t"},
			want: Output{Content: strPtr("t"), Metadata: map[string]any{}},
		},
		{
			name: "map without content",
			in:   map[string]any{"structured_data": []any{1.0}},
			want: Output{StructuredData: []any{1.0}, Metadata: map[string]any{}},
		},
		{
			name: "other values are formatted",
			in:   42,
			want: Output{Content: strPtr("42"), Metadata: map[string]any{}},
		},
		{
			name: "error value is formatted",
			in:   errors.New("oops"),
			want: Output{Content: strPtr("oops"), Metadata: map[string]any{}},
		},
		{
			name: "stored payload",
			in:   model.OutputPayload{Content: strPtr("p")},
			want: Output{Content: strPtr("p"), Metadata: map[string]any{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []any{
		"x",
		nil,
		7.5,
		map[string]any{"text": "t", "tokens": map[string]any{"prompt_tokens": float64(1)}},
		Output{Content: strPtr("already"), Metadata: map[string]any{"k": "v"}, Tokens: map[string]int{"total_tokens": 2}},
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once))
		assert.Equal(t, once, Normalize(&once))
	}
}

func TestNormalize_PayloadRoundTrip(t *testing.T) {
	out := Normalize(map[string]any{"content": "c", "metadata": map[string]any{"a": "b"}})
	payload := out.Payload()
	require.NotNil(t, payload.Content)
	assert.Equal(t, "c", *payload.Content)

	again := Normalize(payload)
	assert.Equal(t, out.Content, again.Content)
	assert.Equal(t, out.Metadata, again.Metadata)

	payload.Metadata["mutated"] = true
	assert.NotContains(t, out.Metadata, "mutated", "Payload copies metadata")
}
