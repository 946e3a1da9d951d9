package domain

import "fmt"

// Code identifies which failure class an engine error belongs to.
// Callers match on the code; they never inspect concrete error types.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeAlreadyAllocated   Code = "already_allocated"
	CodeNotAllocated       Code = "not_allocated"
	CodeIommuGroupUnsafe   Code = "iommu_group_unsafe"
	CodeDriverBindError    Code = "driver_bind_error"
	CodeVerificationFailed Code = "verification_failed"
	CodeQuotaExceeded      Code = "quota_exceeded"
	CodeSystemIoError      Code = "system_io_error"
)

// Error is the engine's structured error: a taxonomy code, the offending
// identifier (device id, group id or consumer id) and an optional cause.
type Error struct {
	Code     Code
	Resource string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Resource != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Resource)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinel comparisons
// with errors.Is work regardless of resource or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching against the taxonomy.
var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrAlreadyAllocated   = &Error{Code: CodeAlreadyAllocated}
	ErrNotAllocated       = &Error{Code: CodeNotAllocated}
	ErrIommuGroupUnsafe   = &Error{Code: CodeIommuGroupUnsafe}
	ErrDriverBindError    = &Error{Code: CodeDriverBindError}
	ErrVerificationFailed = &Error{Code: CodeVerificationFailed}
	ErrQuotaExceeded      = &Error{Code: CodeQuotaExceeded}
	ErrSystemIoError      = &Error{Code: CodeSystemIoError}
)

// E builds a taxonomy error for the given identifier.
func E(code Code, resource, format string, args ...any) *Error {
	return &Error{Code: code, Resource: resource, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a cause to a taxonomy error.
func WrapErr(code Code, resource string, cause error) *Error {
	return &Error{Code: code, Resource: resource, Cause: cause}
}
