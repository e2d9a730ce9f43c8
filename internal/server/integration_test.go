package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/drewdunne/forgesync/internal/metrics"
	"github.com/drewdunne/forgesync/internal/store"
	"github.com/drewdunne/forgesync/internal/store/memory"
	"github.com/drewdunne/forgesync/internal/webhook"
)

type client struct {
	t    *testing.T
	base string
}

func (c client) call(method, path string, body []byte, header http.Header) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("NewRequest(%s %s) error = %v", method, path, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func pushPayload(branch, sha string) []byte {
	return []byte(fmt.Sprintf(`{
		"ref": "refs/heads/%s",
		"before": "0000000000000000000000000000000000000000",
		"after": "%s",
		"created": true,
		"deleted": false,
		"head_commit": {
			"id": "%s",
			"message": "Start %s",
			"timestamp": "2024-05-01T12:00:00Z",
			"author": {"name": "Ada"}
		},
		"pusher": {"name": "ada"}
	}`, branch, sha, sha, branch))
}

func githubHeaders(secret, deliveryID string, payload []byte) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-GitHub-Event", "push")
	h.Set("X-GitHub-Delivery", deliveryID)
	h.Set("X-Hub-Signature-256", webhook.SignPayload(secret, payload))
	return h
}

// TestIntegration_FullServerLifecycle drives a repository through connect,
// sync, webhook delivery, merge and disconnect over a real listener.
func TestIntegration_FullServerLifecycle(t *testing.T) {
	metrics.Reset()

	mem := memory.New()
	srv, fake := newTestServer(t, mem)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe(context.Background())
	}()

	select {
	case <-srv.Ready():
	case err := <-serverErr:
		t.Fatalf("Server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Server failed to start within timeout")
	}

	c := client{t: t, base: "http://" + srv.Addr()}

	// Connect.
	status, body := c.call(http.MethodPost, "/repositories", []byte(connectWidgets), nil)
	if status != http.StatusCreated {
		t.Fatalf("POST /repositories status = %d, want %d: %s", status, http.StatusCreated, body)
	}
	var repo store.Repository
	if err := json.Unmarshal(body, &repo); err != nil {
		t.Fatalf("Failed to parse repository: %v", err)
	}

	// Full sync.
	status, body = c.call(http.MethodPost, "/repositories/"+repo.ID+"/sync", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("POST sync status = %d, want %d: %s", status, http.StatusOK, body)
	}
	var report struct {
		Branches struct {
			SyncedCount int `json:"synced_count"`
		} `json:"branches"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("Failed to parse sync report: %v", err)
	}
	if report.Branches.SyncedCount != 2 {
		t.Errorf("branches synced = %d, want 2", report.Branches.SyncedCount)
	}

	// Register the webhook.
	status, body = c.call(http.MethodPost, "/repositories/"+repo.ID+"/webhook", nil, nil)
	if status != http.StatusCreated {
		t.Fatalf("POST webhook status = %d, want %d: %s", status, http.StatusCreated, body)
	}
	hooks := fake.Webhooks()
	if len(hooks) != 1 {
		t.Fatalf("remote webhooks = %d, want 1", len(hooks))
	}
	if want := "https://forgesync.example.com/webhooks/" + repo.ID; hooks[0].URL != want {
		t.Errorf("webhook URL = %q, want %q", hooks[0].URL, want)
	}

	stored, err := mem.GetRepository(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("GetRepository() error = %v", err)
	}
	secret := stored.Webhook.Secret

	// A signed push creates a branch.
	payload := pushPayload("hotfix", "cccccccccccccccccccccccccccccccccccccccc")
	status, body = c.call(http.MethodPost, "/webhooks/"+repo.ID, payload, githubHeaders(secret, "delivery-1", payload))
	if status != http.StatusOK {
		t.Fatalf("POST /webhooks status = %d, want %d: %s", status, http.StatusOK, body)
	}

	// A redelivery is accepted and not applied twice.
	status, _ = c.call(http.MethodPost, "/webhooks/"+repo.ID, payload, githubHeaders(secret, "delivery-1", payload))
	if status != http.StatusOK {
		t.Errorf("redelivery status = %d, want %d", status, http.StatusOK)
	}

	// A forged signature is rejected.
	status, _ = c.call(http.MethodPost, "/webhooks/"+repo.ID, payload, githubHeaders("wrong-secret", "delivery-2", payload))
	if status != http.StatusUnauthorized {
		t.Errorf("forged delivery status = %d, want %d", status, http.StatusUnauthorized)
	}

	status, body = c.call(http.MethodGet, "/repositories/"+repo.ID+"/branches", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("GET branches status = %d, want %d", status, http.StatusOK)
	}
	var branchList []store.Branch
	if err := json.Unmarshal(body, &branchList); err != nil {
		t.Fatalf("Failed to parse branches: %v", err)
	}
	var found bool
	for _, b := range branchList {
		if b.Name == "hotfix" {
			found = true
			if b.LastCommitMessage != "Start hotfix" {
				t.Errorf("hotfix LastCommitMessage = %q, want %q", b.LastCommitMessage, "Start hotfix")
			}
		}
	}
	if !found {
		t.Error("GET branches missing 'hotfix' created by push")
	}

	// Open and merge a merge request.
	status, body = c.call(http.MethodPost, "/repositories/"+repo.ID+"/merge-requests",
		[]byte(`{"title":"Add login","source_branch":"feature","target_branch":"main"}`), nil)
	if status != http.StatusCreated {
		t.Fatalf("POST merge-requests status = %d, want %d: %s", status, http.StatusCreated, body)
	}
	var mr store.MergeRequest
	if err := json.Unmarshal(body, &mr); err != nil {
		t.Fatalf("Failed to parse merge request: %v", err)
	}

	status, body = c.call(http.MethodPost, fmt.Sprintf("/repositories/%s/merge-requests/%d/merge", repo.ID, mr.Number),
		[]byte(`{"actor_id":"user-7","delete_source_branch":true}`), nil)
	if status != http.StatusOK {
		t.Fatalf("POST merge status = %d, want %d: %s", status, http.StatusOK, body)
	}
	if err := json.Unmarshal(body, &mr); err != nil {
		t.Fatalf("Failed to parse merge request: %v", err)
	}
	if mr.Status != store.StatusMerged {
		t.Errorf("Status = %q, want %q", mr.Status, store.StatusMerged)
	}
	if mr.MergedBy != "user-7" {
		t.Errorf("MergedBy = %q, want %q", mr.MergedBy, "user-7")
	}

	status, body = c.call(http.MethodGet, "/repositories/"+repo.ID+"/merge-requests?status=MERGED", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("GET merge-requests status = %d, want %d", status, http.StatusOK)
	}
	var merged []store.MergeRequest
	if err := json.Unmarshal(body, &merged); err != nil {
		t.Fatalf("Failed to parse merge requests: %v", err)
	}
	if len(merged) != 1 {
		t.Errorf("merged merge requests = %d, want 1", len(merged))
	}

	// Metrics reflect the deliveries.
	m := metrics.Get()
	if m.WebhooksReceived != 3 {
		t.Errorf("WebhooksReceived = %d, want 3", m.WebhooksReceived)
	}
	if m.WebhooksRejected != 1 {
		t.Errorf("WebhooksRejected = %d, want 1", m.WebhooksRejected)
	}

	// Disconnect removes the webhook; later deliveries are unknown.
	status, _ = c.call(http.MethodDelete, "/repositories/"+repo.ID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("DELETE repository status = %d, want %d", status, http.StatusOK)
	}
	if n := len(fake.Webhooks()); n != 0 {
		t.Errorf("remote webhooks after disconnect = %d, want 0", n)
	}
	status, _ = c.call(http.MethodPost, "/webhooks/"+repo.ID, payload, githubHeaders(secret, "delivery-3", payload))
	if status != http.StatusNotFound {
		t.Errorf("delivery after disconnect status = %d, want %d", status, http.StatusNotFound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Server did not shut down in time")
	}
}
