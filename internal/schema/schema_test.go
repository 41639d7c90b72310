package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{
		Strategy: "breakout",
		Fields: []Field{
			{Name: "lookback", Type: Int, Min: 2, Max: 100, Default: 20, Optimize: true},
			{Name: "threshold", Type: Float, Min: 0, Max: 1, Optimize: true},
			{Name: "long_only", Type: Bool, Default: true},
			{Name: "mode", Type: String, Choices: []string{"close", "high"}, Default: "close"},
		},
	}
}

func TestDecodeTypesValues(t *testing.T) {
	s := testSchema()

	ps, err := s.Decode(map[string]any{"lookback": float64(30), "threshold": 0.5})
	require.NoError(t, err)

	assert.Equal(t, 30, ps["lookback"])
	assert.Equal(t, 0.5, ps["threshold"])
	assert.Equal(t, true, ps["long_only"])
	assert.Equal(t, "close", ps["mode"])
}

func TestDecodeJSONNumbers(t *testing.T) {
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"lookback": 12, "threshold": 0.25}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&raw))

	ps, err := testSchema().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 12, ps["lookback"])
	assert.Equal(t, 0.25, ps["threshold"])
}

func TestDecodeStrings(t *testing.T) {
	ps, err := testSchema().DecodeStrings(map[string]string{
		"lookback":  "7",
		"threshold": "0.1",
		"long_only": "false",
		"mode":      "high",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, ps["lookback"])
	assert.Equal(t, false, ps["long_only"])
	assert.Equal(t, "high", ps["mode"])
}

func TestDecodeRejects(t *testing.T) {
	s := testSchema()
	tests := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"unknown field", map[string]any{"threshold": 0.1, "extra": 1}, "extra"},
		{"missing without default", map[string]any{}, "threshold"},
		{"fractional int", map[string]any{"threshold": 0.1, "lookback": 2.5}, "lookback"},
		{"out of range", map[string]any{"threshold": 1.5}, "threshold"},
		{"untypeable", map[string]any{"threshold": []int{1}}, "threshold"},
		{"bad choice", map[string]any{"threshold": 0.1, "mode": "open"}, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Decode(tt.raw)
			var fe *FieldError
			require.True(t, errors.As(err, &fe), "expected FieldError, got %v", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(testSchema())

	s, err := r.Lookup("breakout")
	require.NoError(t, err)
	assert.Equal(t, "breakout", s.Strategy)

	_, err = r.Lookup("unknown")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	assert.Error(t, r.Register(testSchema()))
	assert.Equal(t, []string{"breakout"}, r.Strategies())
}
