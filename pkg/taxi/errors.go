package taxi

import (
	"fmt"
	"maps"
	"sync"

	"github.com/hashicorp/go-multierror"
)

type ErrorType string

const (
	ErrorTypeConnectivity  ErrorType = "connectivity_error"
	ErrorTypePartialSource ErrorType = "partial_source_error"
	ErrorTypeVerification  ErrorType = "verification_error"
	ErrorTypeSchema        ErrorType = "schema_error"
	ErrorTypeDatabase      ErrorType = "database_error"
)

type Error struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error

	context   map[string]any
	contextMu sync.RWMutex
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed in %s: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed in %s: %s", e.Type, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by type and operation so that a contextualized copy of
// a sentinel still satisfies errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Operation == t.Operation && e.Message == t.Message
}

func NewError(errType ErrorType, operation, message string, cause error) *Error {
	return &Error{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		context:   make(map[string]any),
	}
}

func (e *Error) ContextMap() map[string]any {
	e.contextMu.RLock()
	defer e.contextMu.RUnlock()

	return maps.Clone(e.context)
}

func (e *Error) Context(key string) any {
	e.contextMu.RLock()
	defer e.contextMu.RUnlock()

	return e.context[key]
}

// WithContext returns a copy of e carrying key=value. The receiver is not modified.
func (e *Error) WithContext(key string, value any) *Error {
	e.contextMu.RLock()
	cloned := maps.Clone(e.context)
	e.contextMu.RUnlock()

	if cloned == nil {
		cloned = make(map[string]any)
	}
	cloned[key] = value
	return &Error{
		Type:      e.Type,
		Operation: e.Operation,
		Message:   e.Message,
		Cause:     e.Cause,
		context:   cloned,
	}
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Type:      e.Type,
		Operation: e.Operation,
		Message:   e.Message,
		Cause:     cause,
		context:   e.ContextMap(),
	}
}

// LogAttrs flattens the error into slog key/value pairs.
func (e *Error) LogAttrs() []any {
	attrs := []any{"error_type", string(e.Type), "operation", e.Operation, "error_message", e.Message}
	for k, v := range e.ContextMap() {
		attrs = append(attrs, k, v)
	}
	if e.Cause != nil {
		attrs = append(attrs, "cause", e.Cause.Error())
	}
	return attrs
}

func NewConnectivityError(operation, message string, cause error) *Error {
	return NewError(ErrorTypeConnectivity, operation, message, cause)
}

func NewPartialSourceError(operation, message string, cause error) *Error {
	return NewError(ErrorTypePartialSource, operation, message, cause)
}

func NewVerificationError(operation, message string, cause error) *Error {
	return NewError(ErrorTypeVerification, operation, message, cause)
}

func NewSchemaError(operation, message string, cause error) *Error {
	return NewError(ErrorTypeSchema, operation, message, cause)
}

func NewDatabaseError(operation, message string, cause error) *Error {
	return NewError(ErrorTypeDatabase, operation, message, cause)
}

var (
	ErrMissingEmissionFactor   = NewSchemaError("emission_factor_lookup", "no emission factor for vehicle type", nil)
	ErrDuplicateEmissionFactor = NewSchemaError("emission_factor_lookup", "more than one emission factor for vehicle type", nil)
	ErrSourceUnreachable       = NewConnectivityError("source_fetch", "remote source unreachable", nil)
	ErrCleaningUnverified      = NewVerificationError("clean_verify", "invalid rows remain after cleaning", nil)
	ErrDerivationUnverified    = NewVerificationError("derive_verify", "rows without CO2 remain after derivation", nil)
)

// IsType reports whether err, or any error it wraps or aggregates, is a *Error of
// type t.
func IsType(err error, t ErrorType) bool {
	switch x := err.(type) {
	case nil:
		return false
	case *Error:
		if x.Type == t {
			return true
		}
		return IsType(x.Cause, t)
	case *multierror.Error:
		for _, inner := range x.Errors {
			if IsType(inner, t) {
				return true
			}
		}
		return false
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if IsType(inner, t) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsType(x.Unwrap(), t)
	}
	return false
}

// IsVerification reports whether err carries a verification failure.
func IsVerification(err error) bool {
	return IsType(err, ErrorTypeVerification)
}
