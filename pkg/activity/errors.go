package activity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a requested item does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an item with the same key already exists
	ErrConflict = errors.New("already exists")
)

// ValidationError reports malformed input with per-field detail
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a single-field validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// AuthorizationError reports that the caller lacks the privilege for an operation
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "forbidden: " + e.Reason
}

// TransientIngestionError wraps a failed telemetry write
type TransientIngestionError struct {
	Op  string
	Err error
}

func (e *TransientIngestionError) Error() string {
	return fmt.Sprintf("telemetry %s failed: %v", e.Op, e.Err)
}

func (e *TransientIngestionError) Unwrap() error {
	return e.Err
}

// AggregationError collects the units of work that failed in a run. Units that
// are absent from the map completed successfully.
type AggregationError struct {
	Units map[string]error
}

func (e *AggregationError) Error() string {
	keys := make([]string, 0, len(e.Units))
	for k := range e.Units {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Units[k]))
	}
	return fmt.Sprintf("%d unit(s) failed: %s", len(keys), strings.Join(parts, "; "))
}

// DestructiveOperationError is returned when a destructive operation is refused
type DestructiveOperationError struct {
	Reason string
}

func (e *DestructiveOperationError) Error() string {
	return "destructive operation refused: " + e.Reason
}
