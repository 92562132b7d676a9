package query

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before any I/O: a bad identifier, a
// malformed filter or aggregation shape.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// UnsupportedOperatorError is a ValidationError for an operator outside the
// supported set.
type UnsupportedOperatorError struct {
	Column   string
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("unsupported operator %q on column %q", e.Operator, e.Column)
}

// AuthError means no owner could be resolved for the request.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

// QueryExecutionError wraps a failure reported by the row store.
type QueryExecutionError struct {
	Table string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query on %s failed: %v", e.Table, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// IsValidation reports whether err rejects the request's shape.
func IsValidation(err error) bool {
	var ve *ValidationError
	var oe *UnsupportedOperatorError
	return errors.As(err, &ve) || errors.As(err, &oe)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsExecution reports whether err came from the row store.
func IsExecution(err error) bool {
	var qe *QueryExecutionError
	return errors.As(err, &qe)
}
