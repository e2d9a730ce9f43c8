package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/drewdunne/forgesync/internal/event"
	"github.com/drewdunne/forgesync/internal/repos"
	"github.com/drewdunne/forgesync/internal/store"
)

type processorFunc func(ctx context.Context, repositoryID string, d Delivery) error

func (f processorFunc) ProcessInboundEvent(ctx context.Context, repositoryID string, d Delivery) error {
	return f(ctx, repositoryID, d)
}

func serve(t *testing.T, p Processor, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.Handle("/webhooks/{repositoryID}", NewHandler(p, nil)).Methods(http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ExtractsGitHubHeaders(t *testing.T) {
	payload := `{"ref":"refs/heads/main"}`
	var got Delivery
	var gotRepo string

	req := httptest.NewRequest(http.MethodPost, "/webhooks/repo-1", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", "sha256=abc")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d-1")

	rec := serve(t, processorFunc(func(ctx context.Context, id string, d Delivery) error {
		gotRepo, got = id, d
		return nil
	}), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if gotRepo != "repo-1" {
		t.Errorf("repositoryID = %q, want %q", gotRepo, "repo-1")
	}
	if got.Signature != "sha256=abc" || got.EventType != "push" || got.DeliveryID != "d-1" {
		t.Errorf("delivery = %+v", got)
	}
	if string(got.Payload) != payload {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
}

func TestHandler_ExtractsGitLabAndBitbucketHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-Gitlab-Token", "tok")
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Event-UUID", "u-1")
	d := DeliveryFromRequest(req, nil)
	if d.Signature != "tok" || d.EventType != "Push Hook" || d.DeliveryID != "u-1" {
		t.Errorf("gitlab delivery = %+v", d)
	}

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-Hub-Signature", "sha256=def")
	req.Header.Set("X-Event-Key", "repo:push")
	req.Header.Set("X-Request-UUID", "r-1")
	d = DeliveryFromRequest(req, nil)
	if d.Signature != "sha256=def" || d.EventType != "repo:push" || d.DeliveryID != "r-1" {
		t.Errorf("bitbucket delivery = %+v", d)
	}
}

func TestHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusOK},
		{"bad signature", ErrInvalidSignature, http.StatusUnauthorized},
		{"malformed", fmt.Errorf("%w: github: eof", event.ErrMalformedPayload), http.StatusBadRequest},
		{"unknown repository", store.ErrNotFound, http.StatusNotFound},
		{"inactive repository", repos.ErrInactive, http.StatusNotFound},
		{"other", errors.New("database down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/repo-1", strings.NewReader(`{}`))
			rec := serve(t, processorFunc(func(context.Context, string, Delivery) error { return tt.err }), req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
