// Package errors provides structured error types for the sidecar supervisor.
//
// Startup failures are reported as typed errors so the host application can
// tell a missing sidecar binary (resolution) apart from an operating system
// refusal to create the process (spawn) and present a diagnostic instead of
// aborting.
package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/bebsworthy/sidecar/internal/protocol"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeResolution ErrorType = "resolution"
	ErrorTypeSpawn      ErrorType = "spawn"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeState      ErrorType = "state"
	ErrorTypeInternal   ErrorType = "internal"
)

// Error codes
const (
	CodeInvalidReference = "INVALID_REFERENCE"
	CodeNotFound         = "SIDECAR_NOT_FOUND"
	CodeNotExecutable    = "SIDECAR_NOT_EXECUTABLE"
	CodePermission       = "SPAWN_PERMISSION_DENIED"
	CodeExecFormat       = "SPAWN_EXEC_FORMAT"
	CodeResources        = "SPAWN_RESOURCES_EXHAUSTED"
	CodeSpawnFailed      = "SPAWN_FAILED"
	CodePipeFailed       = "PIPE_CREATION_FAILED"
	CodeInvalidPID       = "INVALID_PARENT_PID"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeAlreadyRunning   = "ALREADY_RUNNING"
	CodeShutdownTimeout  = "SHUTDOWN_TIMEOUT"
	CodePanic            = "PANIC_RECOVERED"
)

// SidecarError is the base error type for all supervisor errors
type SidecarError struct {
	Type       ErrorType
	Code       string
	Message    string
	Underlying error
	Details    map[string]interface{}
	Timestamp  time.Time
	StackTrace []string
}

// Error implements the error interface
func (e *SidecarError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *SidecarError) Unwrap() error {
	return e.Underlying
}

// Is matches on type and code so sentinel values work with errors.Is
func (e *SidecarError) Is(target error) bool {
	if t, ok := target.(*SidecarError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithDetails adds details to the error
func (e *SidecarError) WithDetails(key string, value interface{}) *SidecarError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Transient reports whether retrying the same operation may succeed
func (e *SidecarError) Transient() bool {
	return e.Type == ErrorTypeSpawn && e.Code == CodeResources
}

// ToErrorInfo converts the error for status and health reporting
func (e *SidecarError) ToErrorInfo() *protocol.ErrorInfo {
	return &protocol.ErrorInfo{
		Type:    string(e.Type),
		Code:    e.Code,
		Message: e.Error(),
	}
}

// LogAttrs returns slog attributes for the error
func (e *SidecarError) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.String("error_message", e.Message),
	}

	if e.Underlying != nil {
		attrs = append(attrs, slog.String("underlying_error", e.Underlying.Error()))
	}

	for key, value := range e.Details {
		attrs = append(attrs, slog.Any("error_detail_"+key, value))
	}

	if len(e.StackTrace) > 0 {
		maxFrames := min(3, len(e.StackTrace))
		attrs = append(attrs, slog.Any("error_stack", e.StackTrace[:maxFrames]))
	}

	return attrs
}

func newError(errorType ErrorType, code, message string, underlying error) *SidecarError {
	return &SidecarError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Timestamp:  time.Now(),
	}
}

// ResolutionError creates an error for a sidecar executable that cannot be located
func ResolutionError(code, message string, underlying error) *SidecarError {
	return newError(ErrorTypeResolution, code, message, underlying)
}

// SpawnError creates an error for an operating system refusal to start the child
func SpawnError(code, message string, underlying error) *SidecarError {
	return newError(ErrorTypeSpawn, code, message, underlying)
}

// ValidationError creates a validation error
func ValidationError(code, message string, underlying error) *SidecarError {
	return newError(ErrorTypeValidation, code, message, underlying)
}

// TimeoutError creates a timeout error
func TimeoutError(code, message string, underlying error) *SidecarError {
	return newError(ErrorTypeTimeout, code, message, underlying)
}

// StateError creates an error for an operation invalid in the current lifecycle state
func StateError(code, message string, underlying error) *SidecarError {
	return newError(ErrorTypeState, code, message, underlying)
}

// InternalError creates an internal error
func InternalError(code, message string, underlying error) *SidecarError {
	return newError(ErrorTypeInternal, code, message, underlying)
}

// Predefined error instances for matching with errors.Is
var (
	ErrNotFound        = ResolutionError(CodeNotFound, "Sidecar executable not found", nil)
	ErrNotExecutable   = ResolutionError(CodeNotExecutable, "Sidecar file is not executable", nil)
	ErrSpawnFailed     = SpawnError(CodeSpawnFailed, "Failed to start sidecar", nil)
	ErrAlreadyRunning  = StateError(CodeAlreadyRunning, "Sidecar process is already running", nil)
	ErrShutdownTimeout = TimeoutError(CodeShutdownTimeout, "Sidecar did not exit in time", nil)
)

// ClassifySpawnError converts an error returned by exec.Cmd.Start into a
// SpawnError whose code says whether a retry can help.
func ClassifySpawnError(err error) *SidecarError {
	if err == nil {
		return nil
	}

	var sidecarErr *SidecarError
	if stderrors.As(err, &sidecarErr) {
		return sidecarErr
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.ETXTBSY, syscall.EMFILE, syscall.ENFILE:
			return SpawnError(CodeResources, "Insufficient resources to start sidecar", err)
		case syscall.EACCES, syscall.EPERM:
			return SpawnError(CodePermission, "Permission denied starting sidecar", err)
		case syscall.ENOEXEC:
			return SpawnError(CodeExecFormat, "Sidecar is not a valid executable", err)
		case syscall.ENOENT:
			return SpawnError(CodeNotFound, "Sidecar executable disappeared before start", err)
		}
	}

	switch {
	case stderrors.Is(err, exec.ErrNotFound), os.IsNotExist(err):
		return SpawnError(CodeNotFound, "Sidecar executable disappeared before start", err)
	case os.IsPermission(err):
		return SpawnError(CodePermission, "Permission denied starting sidecar", err)
	default:
		return SpawnError(CodeSpawnFailed, "Failed to start sidecar", err)
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var sidecarErr *SidecarError
	if stderrors.As(err, &sidecarErr) {
		return sidecarErr.Type == errorType
	}
	return false
}

// IsCode checks if an error has a specific code
func IsCode(err error, code string) bool {
	var sidecarErr *SidecarError
	if stderrors.As(err, &sidecarErr) {
		return sidecarErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	var sidecarErr *SidecarError
	if stderrors.As(err, &sidecarErr) {
		return sidecarErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var sidecarErr *SidecarError
	if stderrors.As(err, &sidecarErr) {
		return sidecarErr.Type
	}
	return ErrorTypeInternal
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip int) []string {
	var stack []string
	pc := make([]uintptr, 16)
	n := runtime.Callers(skip+1, pc)

	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}

	return stack
}

// WithRecover runs fn and converts a panic into an internal error
func WithRecover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var underlying error
			if e, ok := r.(error); ok {
				underlying = e
			} else {
				underlying = fmt.Errorf("panic: %v", r)
			}
			recovered := InternalError(CodePanic, "Recovered from panic", underlying)
			recovered.StackTrace = captureStackTrace(3)
			err = recovered
		}
	}()

	return fn()
}
