package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Network error codes.
const (
	CodeTimeout     = "timeout"
	CodeConnection  = "connection"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeCancelled   = "cancelled"
	CodeTruncated   = "truncated"
	CodeNoResponse  = "no_response"
	CodeOther       = "other"
)

// NetworkError is a transport-level failure reported as a (code, message) pair.
type NetworkError struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may be re-queued. Every transport
// failure qualifies except an abort requested by the caller.
func (e *NetworkError) Retryable() bool {
	return e.Code != CodeCancelled
}

// DestinationError indicates a destination file could not be created or
// written.
type DestinationError struct {
	Path string
	Err  error
}

func (e *DestinationError) Error() string {
	return fmt.Errorf("destination %q: %w", e.Path, e.Err).Error()
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

// Classify turns a transport error and/or HTTP status into a NetworkError.
// It returns nil when there is nothing to report.
func Classify(err error, statusCode int) error {
	if err == nil && statusCode < http.StatusBadRequest {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return &NetworkError{Code: CodeCancelled, Message: "operation cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Code: CodeTimeout, Message: err.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &NetworkError{Code: CodeTimeout, Message: err.Error(), Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &NetworkError{Code: CodeConnection, Message: err.Error(), Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &NetworkError{Code: CodeConnection, Message: err.Error(), Err: err}
	}

	if statusCode >= http.StatusBadRequest {
		msg := fmt.Sprintf("http status %d %s", statusCode, http.StatusText(statusCode))
		ne := &NetworkError{Status: statusCode, Message: msg, Err: err}
		switch statusCode {
		case http.StatusForbidden:
			ne.Code = CodeForbidden
		case http.StatusNotFound, http.StatusGone:
			ne.Code = CodeNotFound
		case http.StatusTooManyRequests:
			ne.Code = CodeRateLimited
		default:
			ne.Code = fmt.Sprintf("http_%d", statusCode)
		}
		return ne
	}

	return &NetworkError{Code: CodeOther, Message: err.Error(), Err: err}
}

// ErrorLabel returns a low-cardinality label for metrics.
func ErrorLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		if ne.Status >= http.StatusInternalServerError {
			return "server_error"
		}
		if ne.Status >= http.StatusBadRequest && ne.Code != CodeForbidden && ne.Code != CodeNotFound && ne.Code != CodeRateLimited {
			return "client_error"
		}
		return ne.Code
	}
	var de *DestinationError
	if errors.As(err, &de) {
		return "destination"
	}
	return CodeOther
}
