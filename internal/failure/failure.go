package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the closed set of failure classes surfaced by the pipeline.
type Kind int

const (
	// KindUnknown is never produced deliberately; it marks errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindNetwork covers timeouts and connection failures. Retryable.
	KindNetwork
	// KindRateLimited is an HTTP 429. Retryable with a forced cooldown.
	KindRateLimited
	// KindServer is an HTTP 5xx or an undecodable response. Retryable.
	KindServer
	// KindInvalidRequest is any other 4xx. Fatal, never retried.
	KindInvalidRequest
	// KindNoData means no provider resolved a price and no fresh cache exists.
	KindNoData
	// KindPersistence means the store rejected a write.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindInvalidRequest:
		return "invalid_request"
	case KindNoData:
		return "no_data"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind is worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// Error carries a classified failure.
type Error struct {
	Kind     Kind
	Op       string
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies a non-2xx HTTP status code.
func FromStatus(provider string, status int, err error) *Error {
	kind := KindInvalidRequest
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Err: err}
}

// FromTransport classifies an error returned by an http.Client.
// A cancelled parent context is reported as-is.
func FromTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindNetwork, Provider: provider, Err: err}
}

// KindOf extracts the kind of err. Deadline and net errors classify as network.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err should trigger another attempt.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
