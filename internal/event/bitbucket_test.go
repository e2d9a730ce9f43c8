package event

import (
	"testing"

	"github.com/drewdunne/forgesync/internal/provider"
)

func TestNormalizeBitbucket_Push(t *testing.T) {
	raw := []byte(`{
		"actor": {"display_name": "Ada Lovelace", "nickname": "ada"},
		"push": {"changes": [
			{
				"new": {"type": "branch", "name": "feature", "target": {
					"hash": "ccc", "message": "Add widget", "date": "2024-05-01T12:00:00+00:00",
					"author": {"raw": "Ada Lovelace <ada@example.com>"}
				}},
				"old": {"type": "branch", "name": "feature", "target": {"hash": "bbb"}},
				"created": false,
				"closed": false,
				"forced": true
			},
			{
				"new": null,
				"old": {"type": "branch", "name": "stale", "target": {"hash": "ddd"}},
				"closed": true
			},
			{
				"new": {"type": "tag", "name": "v1", "target": {"hash": "eee"}},
				"old": null,
				"created": true
			}
		]}
	}`)

	e, err := Normalize(provider.Bitbucket, "repo:push", "req-1", raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	push := e.(*Push)
	if push.Pusher != "ada" {
		t.Errorf("Pusher = %q, want %q", push.Pusher, "ada")
	}
	if len(push.Changes) != 3 {
		t.Fatalf("len(Changes) = %d, want 3", len(push.Changes))
	}

	updated := push.Changes[0]
	if updated.Branch != "feature" || updated.Before != "bbb" || updated.After != "ccc" {
		t.Errorf("change[0] = %+v", updated)
	}
	if !updated.Forced {
		t.Error("change[0].Forced = false, want true")
	}
	if updated.Head == nil || updated.Head.Author != "Ada Lovelace" {
		t.Errorf("Head = %+v, want author Ada Lovelace", updated.Head)
	}

	deleted := push.Changes[1]
	if !deleted.Deleted || deleted.Branch != "stale" || deleted.Head != nil || deleted.Forced {
		t.Errorf("change[1] = %+v, want deleted stale branch", deleted)
	}

	tag := push.Changes[2]
	if !tag.IsTag || tag.Branch != "" || tag.Ref != "refs/tags/v1" {
		t.Errorf("change[2] = %+v, want tag v1", tag)
	}
}

func TestNormalizeBitbucket_PullRequest(t *testing.T) {
	raw := []byte(`{
		"actor": {"display_name": "Grace"},
		"pullrequest": {
			"id": 12,
			"title": "Widgets",
			"state": "MERGED",
			"source": {"branch": {"name": "feature"}},
			"destination": {"branch": {"name": "main"}},
			"author": {"display_name": "Ada"},
			"reviewers": [{"uuid": "{r-1}"}],
			"closed_by": {"display_name": "Grace"},
			"links": {"html": {"href": "https://bitbucket.org/acme/widgets/pull-requests/12"}},
			"updated_on": "2024-05-01T12:00:00.123456+00:00"
		}
	}`)

	e, err := Normalize(provider.Bitbucket, "pullrequest:fulfilled", "req-2", raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	mr := e.(*MergeRequest)
	if mr.Action != ActionMerged {
		t.Errorf("Action = %q, want %q", mr.Action, ActionMerged)
	}
	if mr.Info.State != provider.StateMerged {
		t.Errorf("State = %q, want %q", mr.Info.State, provider.StateMerged)
	}
	if mr.Info.MergedBy != "Grace" {
		t.Errorf("MergedBy = %q, want %q", mr.Info.MergedBy, "Grace")
	}
	if mr.Info.Labels != nil {
		t.Errorf("Labels = %v, want nil", mr.Info.Labels)
	}
	if len(mr.Info.ReviewerIDs) != 1 || mr.Info.ReviewerIDs[0] != "{r-1}" {
		t.Errorf("ReviewerIDs = %v, want [{r-1}]", mr.Info.ReviewerIDs)
	}
	if mr.Info.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
}

func TestNormalizeBitbucket_Unknown(t *testing.T) {
	e, err := Normalize(provider.Bitbucket, "repo:fork", "", []byte(`{}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if e.Kind() != KindUnknown {
		t.Errorf("Kind() = %q, want %q", e.Kind(), KindUnknown)
	}
}
