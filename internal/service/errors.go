package service

import "fmt"

// Stable failure codes returned to API clients.
const (
	CodeRateLimited        = "RATE_LIMITED"
	CodeBlocked            = "BLOCKED"
	CodeExpiredOTP         = "EXPIRED_OTP"
	CodeInvalidOTP         = "INVALID_OTP"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNotFound           = "NOT_FOUND"
	CodeSystemError        = "SYSTEM_ERROR"
)

// Error is a client-facing failure with a stable code. RetryAfterMs is set
// for RATE_LIMITED and BLOCKED so callers can surface a countdown.
type Error struct {
	Code         string
	Message      string
	RetryAfterMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func newRetryError(code, message string, retryAfterMs int64) *Error {
	return &Error{Code: code, Message: message, RetryAfterMs: retryAfterMs}
}

// AsServiceError unwraps err into *Error when it carries a client code.
func AsServiceError(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
