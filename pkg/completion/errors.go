package completion

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate-limit"
	KindTimeout   ErrorKind = "timeout"
	KindServer    ErrorKind = "server"
	KindRequest   ErrorKind = "request"
	KindCanceled  ErrorKind = "canceled"
	KindUnknown   ErrorKind = "unknown"
)

// ServiceError is a turn-level failure of the completion service.
// The session reports it and stays usable.
type ServiceError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func NewServiceError(kind ErrorKind, err error) *ServiceError {
	return &ServiceError{Kind: kind, Err: err}
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether reissuing the same request may succeed.
func (e *ServiceError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindTransport:
		return true
	default:
		return false
	}
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusPaymentRequired:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindRequest
	default:
		return KindUnknown
	}
}

// AsServiceError returns err as a *ServiceError, classifying errors that are
// not one already by their transport-level cause.
func AsServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) {
		return NewServiceError(KindCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewServiceError(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewServiceError(KindTimeout, err)
		}
		return NewServiceError(KindTransport, err)
	}
	return NewServiceError(KindUnknown, err)
}
