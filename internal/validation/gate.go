// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package validation implements the rule-based gate that inbound feed
// records pass through before they are dispatched or cached.
//
// Rules are registered per schema name as an ordered list and evaluated
// per field in a fixed order: required check, type check, numeric range,
// pattern, custom predicate. A missing optional field short-circuits the
// remaining checks for that field only. Failures accumulate across fields so
// the resulting error list is complete, never just the first problem found.
//
// The gate never panics and never returns an error as a Go error: malformed
// input always yields a normal Result with OK=false.
package validation

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/metrics"
)

// FieldType is the expected dynamic type of a record field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
)

// Rule describes the constraints on a single record field.
type Rule struct {
	Field    string
	Type     FieldType
	Required bool

	// Min/Max bound numeric fields; nil means unbounded.
	Min *float64
	Max *float64

	// Pattern, when set, must match string fields in full.
	Pattern *regexp.Regexp

	// Check is an optional custom predicate, run last. It returns a
	// human-readable problem description, or "" when the value passes.
	Check func(value any) string
}

// FieldError is one validation failure, attributed to a field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of validating one record.
type Result struct {
	OK     bool
	Errors []FieldError
}

// Registry holds schemas and validates records against them. Schemas are
// normally registered once at startup; registration and validation are both
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string][]Rule
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string][]Rule)}
}

// Register installs the ordered rule list for a schema name, replacing any
// previous registration.
func (r *Registry) Register(schema string, rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema] = rules
}

// Validate checks record against the named schema. An unregistered schema
// fails validation rather than silently passing unchecked data downstream.
func (r *Registry) Validate(schema string, record map[string]any) Result {
	r.mu.RLock()
	rules, ok := r.schemas[schema]
	r.mu.RUnlock()

	if !ok {
		return Result{OK: false, Errors: []FieldError{
			{Field: "", Message: fmt.Sprintf("unknown schema %q", schema)},
		}}
	}
	if record == nil {
		return Result{OK: false, Errors: []FieldError{
			{Field: "", Message: "record is nil"},
		}}
	}

	var errs []FieldError
	for i := range rules {
		if fe, ok := checkField(&rules[i], record); !ok {
			errs = append(errs, fe)
		}
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

// ValidateStream is the hot-path wrapper used by the connection manager's
// drain loop: it returns only the keep/drop decision, logging and counting
// the failure.
func (r *Registry) ValidateStream(schema string, record map[string]any) bool {
	result := r.Validate(schema, record)
	if result.OK {
		return true
	}

	metrics.ValidationFailures.WithLabelValues(schema).Inc()
	logging.Warn().
		Str("schema", schema).
		Int("error_count", len(result.Errors)).
		Str("first_error", result.Errors[0].Message).
		Msg("validation_failed")

	return false
}

// checkField runs the per-field check sequence: required, type, range,
// pattern, custom predicate. The first failing check wins for that field.
func checkField(rule *Rule, record map[string]any) (FieldError, bool) {
	value, present := record[rule.Field]

	if !present || value == nil {
		if rule.Required {
			return FieldError{Field: rule.Field, Message: fmt.Sprintf("%s is required", rule.Field)}, false
		}
		// Missing optional field: skip the remaining checks for this field.
		return FieldError{}, true
	}

	switch rule.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return typeError(rule, value), false
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
			return FieldError{Field: rule.Field, Message: fmt.Sprintf("%s must match %s", rule.Field, rule.Pattern)}, false
		}

	case TypeNumber:
		n, ok := asFloat(value)
		if !ok {
			return typeError(rule, value), false
		}
		if rule.Min != nil && n < *rule.Min {
			return FieldError{Field: rule.Field, Message: fmt.Sprintf("%s must be >= %v", rule.Field, *rule.Min)}, false
		}
		if rule.Max != nil && n > *rule.Max {
			return FieldError{Field: rule.Field, Message: fmt.Sprintf("%s must be <= %v", rule.Field, *rule.Max)}, false
		}

	case TypeBool:
		if _, ok := value.(bool); !ok {
			return typeError(rule, value), false
		}
	}

	if rule.Check != nil {
		if msg := rule.Check(value); msg != "" {
			return FieldError{Field: rule.Field, Message: fmt.Sprintf("%s %s", rule.Field, msg)}, false
		}
	}

	return FieldError{}, true
}

func typeError(rule *Rule, value any) FieldError {
	return FieldError{
		Field:   rule.Field,
		Message: fmt.Sprintf("%s must be a %s, got %T", rule.Field, rule.Type, value),
	}
}

// asFloat accepts the numeric types a JSON decoder can produce.
func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Float is a convenience for building Min/Max rule bounds.
func Float(f float64) *float64 {
	return &f
}
