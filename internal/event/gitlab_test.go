package event

import (
	"testing"

	"github.com/drewdunne/forgesync/internal/provider"
)

func TestNormalizeGitLab_Push(t *testing.T) {
	raw := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/feature",
		"before": "0000000000000000000000000000000000000000",
		"after": "bbb",
		"user_username": "ada",
		"commits": [
			{"id": "aaa", "message": "first", "timestamp": "2024-05-01T10:00:00Z", "author": {"name": "Ada"}},
			{"id": "bbb", "message": "second", "timestamp": "2024-05-01T11:00:00Z", "author": {"name": "Ada"}}
		]
	}`)

	e, err := Normalize(provider.GitLab, "Push Hook", "uuid-1", raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	push := e.(*Push)
	c := push.Changes[0]
	if c.Branch != "feature" {
		t.Errorf("Branch = %q, want %q", c.Branch, "feature")
	}
	if !c.Created {
		t.Error("Created = false, want true")
	}
	if c.Head == nil || c.Head.SHA != "bbb" || c.Head.Message != "second" {
		t.Errorf("Head = %+v, want commit bbb", c.Head)
	}
	if push.Pusher != "ada" {
		t.Errorf("Pusher = %q, want %q", push.Pusher, "ada")
	}
}

func TestNormalizeGitLab_PushDeleted(t *testing.T) {
	raw := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/feature",
		"before": "bbb",
		"after": "0000000000000000000000000000000000000000",
		"commits": []
	}`)
	e, err := Normalize(provider.GitLab, "", "", raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	c := e.(*Push).Changes[0]
	if !c.Deleted {
		t.Error("Deleted = false, want true")
	}
	if c.Head != nil {
		t.Errorf("Head = %+v, want nil", c.Head)
	}
}

func TestNormalizeGitLab_MergeRequest(t *testing.T) {
	raw := []byte(`{
		"object_kind": "merge_request",
		"user": {"username": "grace"},
		"object_attributes": {
			"id": 77,
			"iid": 3,
			"title": "Draft: widgets",
			"state": "opened",
			"action": "update",
			"source_branch": "feature",
			"target_branch": "main",
			"draft": true,
			"updated_at": "2024-05-01 12:00:00 UTC"
		},
		"labels": []
	}`)

	e, err := Normalize(provider.GitLab, "Merge Request Hook", "uuid-2", raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	mr := e.(*MergeRequest)
	if mr.Info.State != provider.StateDraft {
		t.Errorf("State = %q, want %q", mr.Info.State, provider.StateDraft)
	}
	if mr.Action != ActionUpdated {
		t.Errorf("Action = %q, want %q", mr.Action, ActionUpdated)
	}
	if mr.Info.Number != 3 || mr.Info.RemoteID != "77" {
		t.Errorf("Number/RemoteID = %d/%q, want 3/77", mr.Info.Number, mr.Info.RemoteID)
	}
	if mr.Info.Labels == nil || len(mr.Info.Labels) != 0 {
		t.Errorf("Labels = %#v, want empty non-nil", mr.Info.Labels)
	}
	if mr.Info.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero, want parsed GitLab timestamp")
	}
}

func TestNormalizeGitLab_MergeRequestMerged(t *testing.T) {
	raw := []byte(`{
		"object_kind": "merge_request",
		"user": {"username": "grace"},
		"object_attributes": {"iid": 3, "state": "merged", "action": "merge", "updated_at": "2024-05-01T12:00:00Z"}
	}`)
	e, err := Normalize(provider.GitLab, "", "", raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	mr := e.(*MergeRequest)
	if mr.Action != ActionMerged {
		t.Errorf("Action = %q, want %q", mr.Action, ActionMerged)
	}
	if mr.Info.MergedBy != "grace" {
		t.Errorf("MergedBy = %q, want %q", mr.Info.MergedBy, "grace")
	}
	if mr.Info.MergedAt == nil {
		t.Error("MergedAt is nil")
	}
	if mr.Info.Labels != nil {
		t.Errorf("Labels = %v, want nil when not reported", mr.Info.Labels)
	}
}

func TestNormalizeGitLab_UnknownKind(t *testing.T) {
	e, err := Normalize(provider.GitLab, "Note Hook", "", []byte(`{"object_kind": "note"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	u, ok := e.(*Unknown)
	if !ok {
		t.Fatalf("Normalize() = %T, want *Unknown", e)
	}
	if u.EventType != "note" {
		t.Errorf("EventType = %q, want %q", u.EventType, "note")
	}
}
