package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrAuth means the backend rejected the credentials.
	ErrAuth = errors.New("llm: authentication failed")
	// ErrRateLimited means the backend asked the caller to back off.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrTimeout means the call did not complete within its deadline.
	ErrTimeout = errors.New("llm: timeout")
	// ErrMalformedOutput means a response arrived but no payload conforming
	// to the requested structure could be extracted from it.
	ErrMalformedOutput = errors.New("llm: malformed output")
	// ErrUpstream covers every other backend failure.
	ErrUpstream = errors.New("llm: upstream error")
)

// Error is the failure type returned by every Provider.
type Error struct {
	Kind     error
	Provider string
	Status   int
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]", e.Kind, e.Provider)
	if e.Status != 0 {
		msg += fmt.Sprintf(" HTTP %d", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth one retry: rate limits and
// timeouts.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// KindOf returns the sentinel for err, or nil when err is not a provider
// error.
func KindOf(err error) error {
	for _, k := range []error{ErrAuth, ErrRateLimited, ErrTimeout, ErrMalformedOutput, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel is the metric label for an error kind.
func KindLabel(err error) string {
	switch KindOf(err) {
	case ErrAuth:
		return "auth"
	case ErrRateLimited:
		return "rate_limited"
	case ErrTimeout:
		return "timeout"
	case ErrMalformedOutput:
		return "malformed_output"
	case ErrUpstream:
		return "upstream"
	}
	if err == nil {
		return "ok"
	}
	return "other"
}

// statusError classifies a non-2xx HTTP response.
func statusError(provider string, status int, detail string) *Error {
	kind := ErrUpstream
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuth
	case status == http.StatusTooManyRequests || status == 529: // 529: Anthropic "overloaded"
		kind = ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Detail: detail}
}

// transportError classifies a failure to complete the HTTP exchange.
func transportError(provider string, err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: ErrTimeout, Provider: provider, Err: err}
	}
	return &Error{Kind: ErrUpstream, Provider: provider, Err: err}
}

func malformed(provider, detail string, err error) *Error {
	return &Error{Kind: ErrMalformedOutput, Provider: provider, Detail: detail, Err: err}
}
