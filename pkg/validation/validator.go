// Package validation checks tool-call arguments against the downstream
// server's declared JSON schema and applies optional operator restrictions:
// a string length cap, disallow patterns over string leaves, and recursive
// field redaction before routing.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
)

// DefaultMaxStringLength caps string leaves when no restriction overrides it.
const DefaultMaxStringLength = 10000

// RedactionSentinel replaces redacted field values in sanitized arguments.
const RedactionSentinel = "[REDACTED]"

// Restrictions are operator-defined constraints applied on top of the
// schema. Patterns use Go's regexp engine, which is linear-time, so
// operator-supplied patterns cannot cause catastrophic backtracking.
type Restrictions struct {
	// MaxStringLength overrides DefaultMaxStringLength when positive.
	MaxStringLength int
	// DisallowPatterns are regular expressions matched against every string
	// leaf; a match rejects the call.
	DisallowPatterns []string
	// RedactFields names argument keys whose values are replaced with the
	// redaction sentinel, recursively, before routing and auditing.
	RedactFields []string
}

// Result is the outcome of validating one argument set.
type Result struct {
	// Valid reports whether the arguments passed schema and restrictions.
	Valid bool
	// Error is a single-line cause when Valid is false.
	Error string
	// SanitizedArgs is the argument set with redacted fields replaced.
	// Only set when Valid is true.
	SanitizedArgs map[string]any
}

// Validator validates arguments under a fixed set of restrictions. Disallow
// patterns are compiled once at construction.
type Validator struct {
	maxStringLength int
	disallow        []*regexp.Regexp
	redactFields    map[string]bool
}

// NewValidator compiles the restrictions into a Validator. A nil restrictions
// pointer yields a schema-only validator with the default string cap.
func NewValidator(restrictions *Restrictions) (*Validator, error) {
	v := &Validator{
		maxStringLength: DefaultMaxStringLength,
		redactFields:    make(map[string]bool),
	}
	if restrictions == nil {
		return v, nil
	}

	if restrictions.MaxStringLength > 0 {
		v.maxStringLength = restrictions.MaxStringLength
	}
	for _, pattern := range restrictions.DisallowPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("invalid disallow pattern %q", pattern), err)
		}
		v.disallow = append(v.disallow, re)
	}
	for _, field := range restrictions.RedactFields {
		v.redactFields[field] = true
	}
	return v, nil
}

// Validate checks args against schema and the validator's restrictions.
// A nil or empty schema skips schema validation but still applies
// restrictions. The returned result's SanitizedArgs is a deep copy; the
// input map is never mutated.
func (v *Validator) Validate(args map[string]any, schema json.RawMessage) (*Result, error) {
	if len(schema) > 0 && string(schema) != "null" {
		schemaLoader := gojsonschema.NewBytesLoader(schema)
		docLoader := gojsonschema.NewGoLoader(args)
		schemaResult, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return nil, errors.NewValidationError("schema validation failed", err)
		}
		if !schemaResult.Valid() {
			return &Result{Error: formatSchemaErrors(schemaResult)}, nil
		}
	}

	if reason := v.checkStrings(args); reason != "" {
		return &Result{Error: reason}, nil
	}

	return &Result{
		Valid:         true,
		SanitizedArgs: v.redact(args).(map[string]any),
	}, nil
}

// checkStrings walks all string leaves enforcing the length cap and disallow
// patterns. Returns a single-line reason on the first violation.
func (v *Validator) checkStrings(value any) string {
	switch val := value.(type) {
	case string:
		if len(val) > v.maxStringLength {
			return fmt.Sprintf("string value exceeds maximum length %d", v.maxStringLength)
		}
		for _, re := range v.disallow {
			if re.MatchString(val) {
				return fmt.Sprintf("string value matches disallowed pattern %q", re.String())
			}
		}
	case map[string]any:
		for _, child := range val {
			if reason := v.checkStrings(child); reason != "" {
				return reason
			}
		}
	case []any:
		for _, child := range val {
			if reason := v.checkStrings(child); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// redact returns a deep copy of value with redacted keys replaced by the
// sentinel at every nesting level.
func (v *Validator) redact(value any) any {
	switch val := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, child := range val {
			if v.redactFields[key] {
				out[key] = RedactionSentinel
				continue
			}
			out[key] = v.redact(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = v.redact(child)
		}
		return out
	default:
		return val
	}
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		parts = append(parts, desc.String())
	}
	return strings.Join(parts, "; ")
}
