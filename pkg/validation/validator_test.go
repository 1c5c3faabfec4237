package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "maxLength": 100},
		"count": {"type": "integer", "minimum": 1, "maximum": 10},
		"mode": {"type": "string", "enum": ["fast", "slow"]}
	},
	"required": ["message"],
	"additionalProperties": false
}`

func mustValidator(t *testing.T, restrictions *Restrictions) *Validator {
	t.Helper()
	v, err := NewValidator(restrictions)
	require.NoError(t, err)
	return v
}

func TestValidateSchemaHappyPath(t *testing.T) {
	t.Parallel()
	v := mustValidator(t, nil)

	result, err := v.Validate(map[string]any{
		"message": "hi",
		"count":   float64(3),
		"mode":    "fast",
	}, json.RawMessage(toolSchema))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "hi", result.SanitizedArgs["message"])
}

func TestValidateSchemaViolations(t *testing.T) {
	t.Parallel()
	v := mustValidator(t, nil)

	cases := map[string]map[string]any{
		"missing required":      {"count": float64(3)},
		"wrong type":            {"message": 42},
		"out of range":          {"message": "hi", "count": float64(99)},
		"enum violation":        {"message": "hi", "mode": "turbo"},
		"additional properties": {"message": "hi", "extra": true},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := v.Validate(args, json.RawMessage(toolSchema))
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.NotEmpty(t, result.Error)
			assert.Nil(t, result.SanitizedArgs)
		})
	}
}

func TestValidateStringLengthCap(t *testing.T) {
	t.Parallel()
	v := mustValidator(t, &Restrictions{MaxStringLength: 10})

	result, err := v.Validate(map[string]any{
		"nested": map[string]any{"values": []any{strings.Repeat("x", 11)}},
	}, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "maximum length")
}

func TestValidateDisallowPatterns(t *testing.T) {
	t.Parallel()
	v := mustValidator(t, &Restrictions{DisallowPatterns: []string{`(?i)drop\s+table`}})

	result, err := v.Validate(map[string]any{"query": "DROP TABLE users"}, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "disallowed pattern")

	result, err = v.Validate(map[string]any{"query": "select 1"}, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestNewValidatorRejectsBadPattern(t *testing.T) {
	t.Parallel()
	_, err := NewValidator(&Restrictions{DisallowPatterns: []string{"("}})
	require.Error(t, err)
}

func TestValidateRedaction(t *testing.T) {
	t.Parallel()
	v := mustValidator(t, &Restrictions{RedactFields: []string{"password", "api_key"}})

	args := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"config": map[string]any{
			"api_key": "sk-123",
			"region":  "us-east-1",
		},
	}
	result, err := v.Validate(args, nil)
	require.NoError(t, err)
	require.True(t, result.Valid)

	assert.Equal(t, RedactionSentinel, result.SanitizedArgs["password"])
	nested := result.SanitizedArgs["config"].(map[string]any)
	assert.Equal(t, RedactionSentinel, nested["api_key"])
	assert.Equal(t, "us-east-1", nested["region"])

	// Input is never mutated.
	assert.Equal(t, "hunter2", args["password"])
	assert.Equal(t, "sk-123", args["config"].(map[string]any)["api_key"])
}
