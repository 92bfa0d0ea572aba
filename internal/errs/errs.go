// Package errs is the relay's error taxonomy. Handlers return coded errors and
// the response writer turns them into {"error", "code"} bodies; anything
// uncoded is reported as "internal error" so raw causes never reach callers.
package errs

import (
	"errors"
	"net/http"
)

// Code is the machine-readable "code" field of an error body.
type Code string

const (
	InvalidArgument     Code = "invalid_argument"
	Unauthenticated     Code = "unauthenticated"
	PermissionDenied    Code = "permission_denied"
	NotFound            Code = "not_found"
	Conflict            Code = "conflict"
	RateLimited         Code = "rate_limited"
	UpstreamUnavailable Code = "upstream_unavailable"
	UpstreamBusy        Code = "upstream_busy"
	Internal            Code = "internal"
)

// GenericUnauthorized is the only message ever returned for a rejected credential.
const GenericUnauthorized = "Authentication required"

var statusByCode = map[Code]int{
	InvalidArgument:  http.StatusBadRequest,
	Unauthenticated:  http.StatusUnauthorized,
	PermissionDenied: http.StatusForbidden,
	NotFound:         http.StatusNotFound,
	Conflict:         http.StatusConflict,
	RateLimited:      http.StatusTooManyRequests,
	UpstreamBusy:     http.StatusServiceUnavailable,
}

// Status is the HTTP status for c. Unknown codes, internal and
// upstream_unavailable are 500.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a coded application error. A 4xx Status overrides Code.Status(),
// which is how a provider's 4xx passes through unchanged.
type Error struct {
	Code    Code
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Unauthorized hides cause behind GenericUnauthorized.
func Unauthorized(cause error) error {
	return &Error{Code: Unauthenticated, Message: GenericUnauthorized, Err: cause}
}

// Busy is the retryable error for an overloaded provider.
func Busy(cause error) error {
	return &Error{Code: UpstreamBusy, Message: "Service busy, please retry later", Err: cause}
}

// Upstream translates a provider response. A 4xx keeps its status and
// message; anything else collapses to a generic upstream_unavailable.
func Upstream(status int, message string, cause error) error {
	if status < 400 || status >= 500 {
		return &Error{Code: UpstreamUnavailable, Message: "upstream service unavailable", Err: cause}
	}
	code := InvalidArgument
	for c, s := range statusByCode {
		if s == status {
			code = c
			break
		}
	}
	return &Error{Code: code, Message: message, Status: status, Err: cause}
}

func coded(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns err's code, or Internal when it has none.
func CodeOf(err error) Code {
	if e := coded(err); e != nil && e.Code != "" {
		return e.Code
	}
	return Internal
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	if e := coded(err); e != nil && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// StatusOf returns the HTTP status to answer err with.
func StatusOf(err error) int {
	if e := coded(err); e != nil && e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return CodeOf(err).Status()
}

// IsRetryable reports whether the same request may succeed later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case UpstreamBusy, RateLimited:
		return true
	}
	return false
}
