package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a remote failure. Classification happens once, at the
// client boundary, and is never changed further up.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindUnauthorized
	KindNotFound
	KindRemoteUnavailable
	KindConflict
	KindInvalid
	// KindForbidden is a valid credential without permission for one
	// operation. Unlike KindUnauthorized it does not call for re-auth.
	KindForbidden
)

// Sentinel errors matched with errors.Is against any classified error.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrConflict          = errors.New("conflict")
	ErrInvalid           = errors.New("invalid request")
	ErrForbidden         = errors.New("forbidden")
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindRemoteUnavailable:
		return ErrRemoteUnavailable
	case KindConflict:
		return ErrConflict
	case KindInvalid:
		return ErrInvalid
	case KindForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind       Kind
	Provider   string
	Op         string
	StatusCode int
	// RetryAfter is the server-suggested wait for rate limited calls.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// FollowUpError reports a failed secondary call made after the primary
// change was already applied remotely. Repeating the call would apply the
// change twice, so it is never retried.
type FollowUpError struct {
	Op  string
	Err error
}

func (e *FollowUpError) Error() string {
	return e.Op + " after applied change: " + e.Err.Error()
}

func (e *FollowUpError) Unwrap() error {
	return e.Err
}

// IsFollowUp reports whether err only concerns a secondary step.
func IsFollowUp(err error) bool {
	var fe *FollowUpError
	return errors.As(err, &fe)
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	if IsFollowUp(err) {
		return false
	}
	switch KindOf(err) {
	case KindRateLimited, KindRemoteUnavailable:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the server-suggested wait carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return KindRemoteUnavailable
	case status >= 400:
		return KindInvalid
	default:
		return KindUnknown
	}
}

// FromStatus builds a classified error from an HTTP response status.
func FromStatus(providerName, op string, status int, header http.Header, cause error) *Error {
	e := &Error{
		Kind:       KindForStatus(status),
		Provider:   providerName,
		Op:         op,
		StatusCode: status,
		Err:        cause,
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = ParseRetryAfter(header, time.Now())
	}
	return e
}

// FromTransport classifies an error that happened before a response was received.
// Timeouts and network failures are transient; caller cancellation is not.
func FromTransport(providerName, op string, err error) *Error {
	kind := KindRemoteUnavailable
	if errors.Is(err, context.Canceled) {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Provider: providerName, Op: op, Err: err}
}

// ParseRetryAfter reads Retry-After (seconds) or a rate limit reset epoch
// (X-RateLimit-Reset on GitHub, RateLimit-Reset on GitLab).
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	for _, name := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		v := header.Get(name)
		if v == "" {
			continue
		}
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if d := time.Unix(epoch, 0).Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
