// Package apperrors provides the tagged-variant error type used across the
// market core, replacing loose sentinel errors with a machine-readable kind.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an Error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindDatabaseFailure     Kind = "database_failure"
	KindOnChainFailure      Kind = "on_chain_failure"
	KindDependency          Kind = "dependency"
	KindInternal            Kind = "internal"
)

// Error is the single tagged-variant result type used throughout the core
// instead of an enum of distinct error types or loose sentinel values.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As keep working.
func (e *Error) Unwrap() error {
	return e.Cause
}

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func NewValidation(msg string) *Error                { return new_(KindValidation, msg, nil) }
func NewValidationf(format string, a ...any) *Error   { return new_(KindValidation, fmt.Sprintf(format, a...), nil) }
func NewNotFound(msg string) *Error                   { return new_(KindNotFound, msg, nil) }
func NewUnauthorized(msg string) *Error               { return new_(KindUnauthorized, msg, nil) }
func NewInsufficientBalance(msg string) *Error        { return new_(KindInsufficientBalance, msg, nil) }
func NewDatabaseFailure(msg string, cause error) *Error { return new_(KindDatabaseFailure, msg, cause) }
func NewOnChainFailure(msg string, cause error) *Error  { return new_(KindOnChainFailure, msg, cause) }
func NewDependency(msg string, cause error) *Error      { return new_(KindDependency, msg, cause) }
func NewInternal(msg string, cause error) *Error        { return new_(KindInternal, msg, cause) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsValidation(err error) bool          { return Is(err, KindValidation) }
func IsNotFound(err error) bool            { return Is(err, KindNotFound) }
func IsUnauthorized(err error) bool        { return Is(err, KindUnauthorized) }
func IsInsufficientBalance(err error) bool { return Is(err, KindInsufficientBalance) }
func IsDatabaseFailure(err error) bool     { return Is(err, KindDatabaseFailure) }
func IsOnChainFailure(err error) bool      { return Is(err, KindOnChainFailure) }
func IsDependency(err error) bool          { return Is(err, KindDependency) }
func IsInternal(err error) bool            { return Is(err, KindInternal) }
