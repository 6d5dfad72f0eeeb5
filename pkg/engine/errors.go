package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for reporting and retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: engine socket refusing connections, registry timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a container name already taken.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, a failed role, a missing image.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling and exit codes.
	Code string `json:"code,omitempty"`

	// Service is the service being processed when the error occurred, if any.
	Service string `json:"service,omitempty"`

	// Role is the role being applied when the error occurred, if any.
	Role string `json:"role,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Status carries the engine's status code for ENGINE_ERROR.
	Status int `json:"status,omitempty"`

	// ExitCode carries the builder container's exit code for CONDUCTOR_FAILED.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	ctx := make([]string, 0, 3)
	if e.Service != "" {
		ctx = append(ctx, "service="+e.Service)
	}
	if e.Role != "" {
		ctx = append(ctx, "role="+e.Role)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		sb.WriteString(" (" + strings.Join(ctx, ", ") + ")")
	}

	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when their codes match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
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

// WithService adds service context to an error.
func (e *EngineError) WithService(service string) *EngineError {
	e.Service = service
	return e
}

// WithRole adds role context to an error.
func (e *EngineError) WithRole(role string) *EngineError {
	e.Role = role
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

// Error codes for every failure kind the tool surfaces.
const (
	ErrCodeNotInitialized          = "NOT_INITIALIZED"
	ErrCodeAlreadyInitialized      = "ALREADY_INITIALIZED"
	ErrCodeConfigInvalid           = "CONFIG_INVALID"
	ErrCodeEngine                  = "ENGINE_ERROR"
	ErrCodeEngineUnreachable       = "ENGINE_UNREACHABLE"
	ErrCodeConductorAlreadyRunning = "CONDUCTOR_ALREADY_RUNNING"
	ErrCodeConductorFailed         = "CONDUCTOR_FAILED"
	ErrCodeBuildFailed             = "BUILD_FAILED"
	ErrCodeMissingImage            = "MISSING_IMAGE"
	ErrCodeAuthenticationMissing   = "AUTHENTICATION_MISSING"
	ErrCodeCapabilityUnsupported   = "CAPABILITY_UNSUPPORTED"
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// ErrNotInitialized reports that no project file exists at path.
func ErrNotInitialized(path string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no project found at %s, run `rolecraft init` first", path), nil).
		WithCode(ErrCodeNotInitialized).
		WithDetail("path", path)
}

// ErrAlreadyInitialized reports that init would overwrite an existing project.
func ErrAlreadyInitialized(path string) *EngineError {
	return NewPermanentError(fmt.Sprintf("project already initialized at %s", path), nil).
		WithCode(ErrCodeAlreadyInitialized).
		WithDetail("path", path)
}

// ErrConfigInvalid reports a configuration problem at the given key path.
func ErrConfigInvalid(keyPath string, err error) *EngineError {
	msg := "invalid configuration"
	if keyPath != "" {
		msg = fmt.Sprintf("invalid configuration at %s", keyPath)
	}
	return NewPermanentError(msg, err).
		WithCode(ErrCodeConfigInvalid).
		WithDetail("key_path", keyPath)
}

// ErrEngine reports a failed engine API call, preserving its status code.
func ErrEngine(operation string, status int, err error) *EngineError {
	e := NewPermanentError("container engine request failed", err).
		WithCode(ErrCodeEngine).
		WithOperation(operation)
	e.Status = status
	return e
}

// ErrEngineUnreachable reports that the engine socket could not be reached.
func ErrEngineUnreachable(err error) *EngineError {
	return NewTransientError("container engine is unreachable", err).
		WithCode(ErrCodeEngineUnreachable)
}

// ErrConductorAlreadyRunning reports a builder container name collision.
func ErrConductorAlreadyRunning(name string, err error) *EngineError {
	return NewConflictError(fmt.Sprintf("builder container %s is already running", name), err).
		WithCode(ErrCodeConductorAlreadyRunning)
}

// ErrConductorFailed reports a non-zero exit of the builder container.
func ErrConductorFailed(exitCode int) *EngineError {
	e := NewPermanentError(fmt.Sprintf("builder container exited with code %d", exitCode), nil).
		WithCode(ErrCodeConductorFailed)
	e.ExitCode = exitCode
	return e
}

// ErrBuildFailed reports a role that failed inside its intermediate container.
func ErrBuildFailed(service, role string, err error) *EngineError {
	return NewPermanentError("role application failed", err).
		WithCode(ErrCodeBuildFailed).
		WithService(service).
		WithRole(role)
}

// ErrMissingImage reports that a service has no built image.
func ErrMissingImage(service string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no image found for service %s, run `rolecraft build` first", service), nil).
		WithCode(ErrCodeMissingImage).
		WithService(service)
}

// ErrAuthenticationMissing reports that no credentials exist for a registry.
func ErrAuthenticationMissing(url string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no credentials found for registry %s", url), nil).
		WithCode(ErrCodeAuthenticationMissing).
		WithDetail("registry", url)
}

// ErrCapabilityUnsupported reports a command the selected engine cannot perform.
func ErrCapabilityUnsupported(engineName, capability string) *EngineError {
	return NewPermanentError(fmt.Sprintf("engine %s does not support %s", engineName, capability), nil).
		WithCode(ErrCodeCapabilityUnsupported).
		WithDetail("engine", engineName).
		WithDetail("capability", capability)
}

// IsKind reports whether err, or any error it wraps, is an EngineError with the given code.
func IsKind(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
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

// ExitCode maps an error to the process exit code.
// A failed builder propagates its own exit code; every other failure exits 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code == ErrCodeConductorFailed && e.ExitCode != 0 {
		return e.ExitCode
	}
	return 1
}
