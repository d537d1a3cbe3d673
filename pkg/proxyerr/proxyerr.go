// Package proxyerr defines the failure kinds that flow through the proxy
// pipeline and how each one maps onto a client-facing HTTP status.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindTransport covers network failures, timeouts and resets while fetching.
	KindTransport Kind = iota
	// KindUpstream means the remote server answered with a non-200 status.
	KindUpstream
	// KindInvalidTarget means the decoded path is not a usable absolute URL.
	KindInvalidTarget
	// KindNotFound means a local static resource is missing.
	KindNotFound
	// KindForbidden means the target host is outside the allowed domains.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindInvalidTarget:
		return "invalid_target"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a pipeline failure. Status is only meaningful for KindUpstream.
type Error struct {
	Kind   Kind
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status the client should see for this error.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindUpstream:
		if e.Status > 0 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindInvalidTarget:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Upstream reports a non-200 answer from the remote server.
func Upstream(status int, target string) *Error {
	return &Error{
		Kind:   KindUpstream,
		Status: status,
		Msg:    fmt.Sprintf("upstream %s returned %d %s", target, status, http.StatusText(status)),
	}
}

// As extracts an *Error from anywhere in err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// StatusCode maps any error to an HTTP status, defaulting to 500.
func StatusCode(err error) int {
	if pe, ok := As(err); ok {
		return pe.StatusCode()
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	pe, ok := As(err)
	return ok && pe.Kind == kind
}
