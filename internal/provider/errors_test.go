package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusUnprocessableEntity, KindConflict},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusRequestTimeout, KindRemoteUnavailable},
		{http.StatusBadGateway, KindRemoteUnavailable},
		{http.StatusBadRequest, KindInvalid},
	}

	for _, tt := range tests {
		if got := KindForStatus(tt.status); got != tt.want {
			t.Errorf("KindForStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestError_IsAndAs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("syncing: %w", FromStatus(GitHub, "list branches", http.StatusNotFound, nil, cause))

	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("errors.Is(err, ErrUnauthorized) = true, want false")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindNotFound)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(&Error{Kind: KindRateLimited}) {
		t.Error("RateLimited should be retryable")
	}
	if !Retryable(&Error{Kind: KindRemoteUnavailable}) {
		t.Error("RemoteUnavailable should be retryable")
	}
	if Retryable(&Error{Kind: KindNotFound}) {
		t.Error("NotFound should not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Error("unclassified errors should not be retryable")
	}
}

func TestForbiddenIsNotUnauthorized(t *testing.T) {
	err := fmt.Errorf("adding hook: %w", FromStatus(GitLab, "add project hook", http.StatusForbidden, nil, nil))

	if !errors.Is(err, ErrForbidden) {
		t.Error("errors.Is(err, ErrForbidden) = false, want true")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("errors.Is(err, ErrUnauthorized) = true, want false")
	}
	if Retryable(err) {
		t.Error("Forbidden should not be retryable")
	}
	if want := "gitlab add project hook: forbidden (status 403)"; err.Error() != "adding hook: "+want {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestFollowUpError(t *testing.T) {
	cause := FromStatus(GitHub, "request reviewers", http.StatusBadGateway, nil, nil)
	err := fmt.Errorf("creating: %w", &FollowUpError{Op: "request reviewers", Err: cause})

	if !IsFollowUp(err) {
		t.Error("IsFollowUp() = false, want true")
	}
	if Retryable(err) {
		t.Error("follow-up failures should not be retryable even when the cause is transient")
	}
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Error("errors.Is(err, ErrRemoteUnavailable) = false, want true")
	}
	if IsFollowUp(cause) {
		t.Error("IsFollowUp(plain error) = true, want false")
	}
}

func TestFromTransport(t *testing.T) {
	if got := FromTransport(GitLab, "op", context.DeadlineExceeded).Kind; got != KindRemoteUnavailable {
		t.Errorf("deadline kind = %v, want %v", got, KindRemoteUnavailable)
	}
	if got := FromTransport(GitLab, "op", context.Canceled).Kind; got != KindUnknown {
		t.Errorf("canceled kind = %v, want %v", got, KindUnknown)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)

	h := http.Header{}
	h.Set("Retry-After", "7")
	if got := ParseRetryAfter(h, now); got != 7*time.Second {
		t.Errorf("Retry-After = %v, want 7s", got)
	}

	h = http.Header{}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(30*time.Second).Unix(), 10))
	if got := ParseRetryAfter(h, now); got != 30*time.Second {
		t.Errorf("X-RateLimit-Reset = %v, want 30s", got)
	}

	if got := ParseRetryAfter(nil, now); got != 0 {
		t.Errorf("nil header = %v, want 0", got)
	}
}

func TestFromStatus_RateLimitedCarriesRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	err := FromStatus(Bitbucket, "get repository", http.StatusTooManyRequests, h, nil)

	if RetryAfterOf(err) != 2*time.Second {
		t.Errorf("RetryAfterOf() = %v, want 2s", RetryAfterOf(err))
	}
	if err.Error() != "bitbucket get repository: rate_limited (status 429)" {
		t.Errorf("Error() = %q", err.Error())
	}
}
