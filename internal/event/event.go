// Package event normalizes provider webhook payloads into a small set of
// provider-neutral event variants.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drewdunne/forgesync/internal/provider"
)

// ErrMalformedPayload is returned when a payload cannot be decoded.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Kind identifies an event variant.
type Kind string

const (
	KindPush         Kind = "push"
	KindMergeRequest Kind = "merge_request"
	KindUnknown      Kind = "unknown"
)

// Event is implemented by Push, MergeRequest and Unknown.
type Event interface {
	Kind() Kind
	DeliveryID() string
}

// Commit summarizes the head commit of a ref update.
type Commit struct {
	SHA       string
	Message   string
	Author    string
	Timestamp time.Time
}

// RefChange is one ref moved by a push.
type RefChange struct {
	Ref     string
	Branch  string // empty for tags
	IsTag   bool
	Before  string
	After   string
	Created bool
	Deleted bool
	Forced  bool    // non-fast-forward push
	Head    *Commit // nil when the provider sent no commit
}

// Push is a push of one or more refs.
type Push struct {
	Provider string
	Delivery string
	Pusher   string
	Changes  []RefChange
}

func (p *Push) Kind() Kind         { return KindPush }
func (p *Push) DeliveryID() string { return p.Delivery }

// Action is what happened to a merge request.
type Action string

const (
	ActionOpened   Action = "opened"
	ActionUpdated  Action = "updated"
	ActionClosed   Action = "closed"
	ActionMerged   Action = "merged"
	ActionReopened Action = "reopened"
	ActionOther    Action = "other"
)

// MergeRequest is a merge request lifecycle or update event.
type MergeRequest struct {
	Provider string
	Delivery string
	Action   Action
	Info     provider.MergeRequestInfo
}

func (m *MergeRequest) Kind() Kind         { return KindMergeRequest }
func (m *MergeRequest) DeliveryID() string { return m.Delivery }

// Reopen reports whether the event explicitly reopens the merge request.
func (m *MergeRequest) Reopen() bool { return m.Action == ActionReopened }

// Unknown is any event type this package does not interpret.
type Unknown struct {
	Provider  string
	Delivery  string
	EventType string
}

func (u *Unknown) Kind() Kind         { return KindUnknown }
func (u *Unknown) DeliveryID() string { return u.Delivery }

// Normalize decodes payload for the given provider and event type header.
// For GitLab eventType may be empty; object_kind decides.
func Normalize(providerName, eventType, deliveryID string, payload []byte) (Event, error) {
	switch providerName {
	case provider.GitHub:
		return normalizeGitHub(eventType, deliveryID, payload)
	case provider.GitLab:
		return normalizeGitLab(eventType, deliveryID, payload)
	case provider.Bitbucket:
		return normalizeBitbucket(eventType, deliveryID, payload)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}
}

func isZeroSHA(sha string) bool {
	return sha == "" || strings.Trim(sha, "0") == ""
}

// SplitRef returns the short name of a heads or tags ref.
func SplitRef(ref string) (name string, isTag bool) {
	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		return strings.TrimPrefix(ref, "refs/heads/"), false
	case strings.HasPrefix(ref, "refs/tags/"):
		return strings.TrimPrefix(ref, "refs/tags/"), true
	default:
		return ref, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05.999999-07:00",
}

// parseTime accepts the timestamp formats providers put in webhook payloads.
// Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func timePtr(s string) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func malformed(providerName string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, providerName, err)
}
