package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrorUpstreamEmpty ErrorCode = "UPSTREAM_EMPTY"
	ErrorParse         ErrorCode = "PARSE_ERROR"
	ErrorPersistence   ErrorCode = "PERSISTENCE_ERROR"
	ErrorUnreachable   ErrorCode = "COLLABORATOR_UNREACHABLE"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// NewConfigurationError reports settings missing at startup.
func NewConfigurationError(err error) *Error {
	return newError(ErrorConfiguration, "missing_configuration", err)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// collaboratorError classifies a failed call to an external collaborator.
// source prefixes the reason, e.g. "openai" gives openai_rate_limited.
func collaboratorError(source string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, source+"_rate_limited", err)
	}
	return newError(ErrorUnreachable, source+"_error", err)
}
