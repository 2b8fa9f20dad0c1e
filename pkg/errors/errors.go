// Package errors provides the structured error taxonomy used across tabulify.
//
// Every error raised by the engine, the flow graph, the type registry and the
// connectors is an *Error carrying an ErrorType. Types are grouped into
// categories (construction, type, connector, execution) which decide how the
// executor reacts: construction errors stop a flow before it runs, type and
// connector errors are governed by a step's on-error policy, and anything
// without a category escalates to an aborted run.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the kind of error
type ErrorType string

const (
	// ErrorTypeConstruction is a generic flow construction error
	ErrorTypeConstruction ErrorType = "construction"
	// ErrorTypeCyclicFlow is raised when a flow graph contains a cycle
	ErrorTypeCyclicFlow ErrorType = "cyclic_flow"
	// ErrorTypeIncompleteFlow is raised when a flow has no source or no sink
	ErrorTypeIncompleteFlow ErrorType = "incomplete_flow"
	// ErrorTypeUnresolvedTemplate is raised when a template cannot be expanded
	ErrorTypeUnresolvedTemplate ErrorType = "unresolved_template"

	// ErrorTypeUnsupportedProjection is raised when a target has no type for a canonical type
	ErrorTypeUnsupportedProjection ErrorType = "unsupported_projection"
	// ErrorTypeLossyConversion is raised when a lossy value is not allowed
	ErrorTypeLossyConversion ErrorType = "lossy_conversion"
	// ErrorTypeConversion is raised when a value cannot be converted at all
	ErrorTypeConversion ErrorType = "conversion"

	// ErrorTypeConnectionLost is a transient connector failure
	ErrorTypeConnectionLost ErrorType = "connection_lost"
	// ErrorTypeSchemaMismatch is raised when data does not fit the schema
	ErrorTypeSchemaMismatch ErrorType = "schema_mismatch"
	// ErrorTypeAuthorizationDenied is raised when the backend refuses access
	ErrorTypeAuthorizationDenied ErrorType = "authorization_denied"
	// ErrorTypeConnector is any other classified connector failure
	ErrorTypeConnector ErrorType = "connector"

	// ErrorTypeExecution represents an uncaught node-level failure
	ErrorTypeExecution ErrorType = "execution"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCancelled represents a cancelled run or node
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeCapability represents capability/feature not supported errors
	ErrorTypeCapability ErrorType = "capability"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Category groups error types by how the executor handles them.
type Category string

const (
	CategoryConstruction Category = "construction"
	CategoryType         Category = "type"
	CategoryConnector    Category = "connector"
	CategoryExecution    Category = "execution"
	CategoryNone         Category = ""
)

// Category returns the category of the error type.
func (t ErrorType) Category() Category {
	switch t {
	case ErrorTypeConstruction, ErrorTypeCyclicFlow, ErrorTypeIncompleteFlow, ErrorTypeUnresolvedTemplate:
		return CategoryConstruction
	case ErrorTypeUnsupportedProjection, ErrorTypeLossyConversion, ErrorTypeConversion:
		return CategoryType
	case ErrorTypeConnectionLost, ErrorTypeSchemaMismatch, ErrorTypeAuthorizationDenied, ErrorTypeConnector,
		ErrorTypeNotFound, ErrorTypeCapability:
		return CategoryConnector
	case ErrorTypeTimeout, ErrorTypeCancelled:
		return CategoryExecution
	default:
		return CategoryNone
	}
}

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether the error chain contains a connection loss and
// nothing that makes it terminal.
func IsRetryable(err error) bool {
	if !Has(err, ErrorTypeConnectionLost) {
		return false
	}
	return !Has(err, ErrorTypeAuthorizationDenied) && !Has(err, ErrorTypeSchemaMismatch)
}

// IsType checks if the outermost structured error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// Has reports whether any structured error in the tree has the given type.
// Joined errors are searched branch by branch.
func Has(err error, errType ErrorType) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		return e.Type == errType || Has(e.Cause, errType)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if Has(inner, errType) {
				return true
			}
		}
		return false
	}
	return Has(errors.Unwrap(err), errType)
}

// Classify returns the first categorized type found in the chain, or ""
// when the error carries no category at all.
func Classify(err error) ErrorType {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Type.Category() != CategoryNone {
			return e.Type
		}
		err = e.Cause
	}
	return ""
}

// CategoryOf returns the category of the first categorized type in the chain.
func CategoryOf(err error) Category {
	return Classify(err).Category()
}

// Is, As and Join re-export the standard helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
