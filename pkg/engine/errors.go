package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: two definitions claiming the same resource with different parameters.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, unknown resource type, dependency cycle.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource reference that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeDefinitionConflict   = "DEFINITION_CONFLICT"
	ErrCodeUnresolvedDependency = "UNRESOLVED_DEPENDENCY"
	ErrCodeDependencyCycle      = "DEPENDENCY_CYCLE"
	ErrCodeUndefinedType        = "UNDEFINED_TYPE"
	ErrCodeInvalidParameter     = "INVALID_PARAMETER"
	ErrCodeHandlerFailed        = "HANDLER_FAILED"
	ErrCodeDependencyFailed     = "DEPENDENCY_FAILED"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodePolicyViolation      = "POLICY_VIOLATION"
	ErrCodeBackupFailed         = "BACKUP_FAILED"
	ErrCodeRegistryFrozen       = "REGISTRY_FROZEN"
)

// NewDefinitionConflictError reports two declarations of the same resource whose
// parameters differ.
func NewDefinitionConflictError(first, second Definition) *EngineError {
	ref := first.Ref()
	msg := fmt.Sprintf("definition conflict: %s is declared twice with different parameters", ref)
	if first.Source != "" || second.Source != "" {
		msg = fmt.Sprintf("%s (declared in %s and %s)", msg, sourceOrUnknown(first.Source), sourceOrUnknown(second.Source))
	}
	return NewConflictError(msg, nil).
		WithCode(ErrCodeDefinitionConflict).
		WithResource(ref.String()).
		WithDetail("first_source", first.Source).
		WithDetail("second_source", second.Source)
}

// NewUnresolvedDependencyError reports a dependency reference that matches no definition.
func NewUnresolvedDependencyError(from, to Ref) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("unresolved dependency: %s depends on %s, which is not declared", from, to),
		nil,
	).WithCode(ErrCodeUnresolvedDependency).
		WithResource(from.String()).
		WithDetail("dependent", from).
		WithDetail("missing", to)
}

// NewDependencyCycleError reports a dependency cycle. The path lists every node on the
// cycle exactly once, in dependency order.
func NewDependencyCycleError(path []Ref) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("dependency cycle detected: %s", formatCycle(path)),
		nil,
	).WithCode(ErrCodeDependencyCycle).
		WithDetail("cycle", append([]Ref(nil), path...))
}

// NewUndefinedTypeError reports a resource type with no registered handler.
func NewUndefinedTypeError(typeName string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("undefined resource type %q: no handler is registered", typeName),
		nil,
	).WithCode(ErrCodeUndefinedType).
		WithDetail("type", typeName)
}

// NewInvalidParameterError reports parameters rejected by a handler.
func NewInvalidParameterError(ref Ref, err error) *EngineError {
	return NewPermanentError("invalid parameters", err).
		WithCode(ErrCodeInvalidParameter).
		WithResource(ref.String()).
		WithOperation("validate")
}

// NewHandlerFailureError reports a handler that failed to converge a resource.
func NewHandlerFailureError(ref Ref, message string, err error) *EngineError {
	if message == "" {
		message = "handler failed"
	}
	return NewPermanentError(message, err).
		WithCode(ErrCodeHandlerFailed).
		WithResource(ref.String()).
		WithOperation("apply")
}

// IsDefinitionConflict reports whether err is a definition conflict.
func IsDefinitionConflict(err error) bool { return hasCode(err, ErrCodeDefinitionConflict) }

// IsUnresolvedDependency reports whether err is an unresolved dependency.
func IsUnresolvedDependency(err error) bool { return hasCode(err, ErrCodeUnresolvedDependency) }

// IsDependencyCycle reports whether err is a dependency cycle.
func IsDependencyCycle(err error) bool { return hasCode(err, ErrCodeDependencyCycle) }

// IsUndefinedType reports whether err is an undefined resource type.
func IsUndefinedType(err error) bool { return hasCode(err, ErrCodeUndefinedType) }

// IsInvalidParameter reports whether err is an invalid parameter error.
func IsInvalidParameter(err error) bool { return hasCode(err, ErrCodeInvalidParameter) }

// IsHandlerFailure reports whether err is a handler failure.
func IsHandlerFailure(err error) bool { return hasCode(err, ErrCodeHandlerFailed) }

// IsBuildError reports whether err is one of the graph build errors that abort a run
// before anything is mutated.
func IsBuildError(err error) bool {
	return IsDefinitionConflict(err) || IsUnresolvedDependency(err) || IsDependencyCycle(err)
}

// UndefinedTypeName returns the missing type carried by an undefined type error.
func UndefinedTypeName(err error) (string, bool) {
	e := codeError(err, ErrCodeUndefinedType)
	if e == nil {
		return "", false
	}
	name, ok := e.Details["type"].(string)
	return name, ok
}

// CyclePath returns the nodes named by a dependency cycle error.
func CyclePath(err error) []Ref {
	e := codeError(err, ErrCodeDependencyCycle)
	if e == nil {
		return nil
	}
	path, _ := e.Details["cycle"].([]Ref)
	return path
}

// UnresolvedRefs returns the dependent and the missing target of an unresolved
// dependency error.
func UnresolvedRefs(err error) (dependent, missing Ref, ok bool) {
	e := codeError(err, ErrCodeUnresolvedDependency)
	if e == nil {
		return Ref{}, Ref{}, false
	}
	dependent, _ = e.Details["dependent"].(Ref)
	missing, _ = e.Details["missing"].(Ref)
	return dependent, missing, true
}

// ErrorCode returns the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code string) bool {
	return codeError(err, code) != nil
}

func codeError(err error, code string) *EngineError {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return nil
		}
		if e.Code == code {
			return e
		}
		err = e.Err
	}
	return nil
}

// formatCycle formats a cycle path for error messages, closing the loop on the first node.
func formatCycle(cycle []Ref) string {
	if len(cycle) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cycle)+1)
	for _, r := range cycle {
		parts = append(parts, r.String())
	}
	parts = append(parts, cycle[0].String())
	return strings.Join(parts, " -> ")
}

func sourceOrUnknown(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}
