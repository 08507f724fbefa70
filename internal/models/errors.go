package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCacheUnavailable marks a remote cache tier that cannot be reached. It is
// recorded in stats and never returned to search callers.
var ErrCacheUnavailable = errors.New("remote cache unavailable")

// ErrSourceNotFound is returned for operations on an unregistered source.
var ErrSourceNotFound = errors.New("source not found")

// ErrRunbookNotFound is returned when no eligible source knows a runbook.
var ErrRunbookNotFound = errors.New("runbook not found")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientSourceFailure is one adapter timing out or erroring during a
// fan-out. The query carries on with whatever the other sources returned.
type TransientSourceFailure struct {
	Source  string
	Timeout bool
	Err     error
}

func (e *TransientSourceFailure) Error() string {
	if e.Timeout {
		return fmt.Sprintf("source %s timed out: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("source %s failed: %v", e.Source, e.Err)
}

func (e *TransientSourceFailure) Unwrap() error {
	return e.Err
}

func NewTransientSourceFailure(source string, err error) *TransientSourceFailure {
	return &TransientSourceFailure{
		Source:  source,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// SourceConfigurationError means an adapter rejected its own configuration.
// Only that source is dropped.
type SourceConfigurationError struct {
	Source string
	Err    error
}

func (e *SourceConfigurationError) Error() string {
	return fmt.Sprintf("source %s misconfigured: %v", e.Source, e.Err)
}

func (e *SourceConfigurationError) Unwrap() error {
	return e.Err
}

type DecisionTreeCycleError struct {
	TreeID   string
	BranchID string
	Path     []string
}

func (e *DecisionTreeCycleError) Error() string {
	return fmt.Sprintf("decision tree %q has a cycle at branch %q (path %s)",
		e.TreeID, e.BranchID, strings.Join(append(append([]string{}, e.Path...), e.BranchID), " -> "))
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsCycleError(err error) bool {
	var c *DecisionTreeCycleError
	return errors.As(err, &c)
}
