package bitbucket_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewdunne/forgesync/internal/provider"
	bb "github.com/drewdunne/forgesync/internal/provider/bitbucket"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func repoBody() map[string]interface{} {
	return map[string]interface{}{
		"uuid":      "{repo-uuid}",
		"name":      "widgets",
		"full_name": "acme/widgets",
		"links": map[string]interface{}{
			"html":  map[string]string{"href": "https://bitbucket.org/acme/widgets"},
			"clone": []map[string]string{{"name": "https", "href": "https://bitbucket.org/acme/widgets.git"}},
		},
		"mainbranch": map[string]string{"name": "main"},
	}
}

func TestProvider_GetRepository(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repositories/acme/widgets", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, repoBody())
	}))
	defer ts.Close()

	p := bb.New("tok", bb.WithBaseURL(ts.URL))
	repo, err := p.GetRepository(context.Background(), "acme/widgets")

	require.NoError(t, err)
	assert.Equal(t, "{repo-uuid}", repo.RemoteID)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "https://bitbucket.org/acme/widgets.git", repo.CloneURL)
}

func TestProvider_GetBranches_follows_next(t *testing.T) {
	t.Parallel()

	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repositories/acme/widgets":
			writeJSON(t, w, http.StatusOK, repoBody())
		case r.URL.Path == "/repositories/acme/widgets/refs/branches" && r.URL.Query().Get("page") == "2":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"values": []map[string]interface{}{
					{"name": "dev", "target": map[string]string{"hash": "def"}},
				},
			})
		case r.URL.Path == "/repositories/acme/widgets/refs/branches":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"values": []map[string]interface{}{
					{"name": "main", "target": map[string]string{"hash": "abc"}},
				},
				"next": ts.URL + "/repositories/acme/widgets/refs/branches?page=2",
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	p := bb.New("tok", bb.WithBaseURL(ts.URL))
	branches, err := p.GetBranches(context.Background(), "acme/widgets")

	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.True(t, branches[0].IsDefault)
	assert.Equal(t, "abc", branches[0].SHA)
	assert.Equal(t, "dev", branches[1].Name)
	assert.False(t, branches[1].IsDefault)
}

func TestProvider_CreateBranch_resolves_source(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repositories/acme/widgets/refs/branches/main":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"name": "main", "target": map[string]string{"hash": "abc"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/repositories/acme/widgets/refs/branches":
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.JSONEq(t, `{"name":"feature","target":{"hash":"abc"}}`, string(body))
			writeJSON(t, w, http.StatusCreated, map[string]interface{}{
				"name": "feature", "target": map[string]string{"hash": "abc"},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	p := bb.New("tok", bb.WithBaseURL(ts.URL))
	branch, err := p.CreateBranch(context.Background(), "acme/widgets", "feature", "main")

	require.NoError(t, err)
	assert.Equal(t, "feature", branch.Name)
	assert.Equal(t, "abc", branch.SHA)
}

func TestProvider_GetMergeRequest_declined(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repositories/acme/widgets/pullrequests/7", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"id":          7,
			"title":       "Fix",
			"state":       "DECLINED",
			"author":      map[string]string{"nickname": "alice"},
			"source":      map[string]interface{}{"branch": map[string]string{"name": "fix"}},
			"destination": map[string]interface{}{"branch": map[string]string{"name": "main"}},
			"created_on":  "2024-01-01T10:00:00.000000+00:00",
			"updated_on":  "2024-01-02T10:00:00.000000+00:00",
		})
	}))
	defer ts.Close()

	p := bb.New("tok", bb.WithBaseURL(ts.URL))
	mr, err := p.GetMergeRequest(context.Background(), "acme/widgets", 7)

	require.NoError(t, err)
	assert.Equal(t, provider.StateClosed, mr.State)
	assert.Equal(t, "alice", mr.Author)
	assert.Equal(t, "fix", mr.SourceBranch)
	assert.Nil(t, mr.Labels)
	require.NotNil(t, mr.ClosedAt)
}

func TestProvider_errors_are_classified(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	p := bb.New("tok", bb.WithBaseURL(ts.URL))
	_, err := p.GetRepository(context.Background(), "acme/widgets")

	require.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Equal(t, "3s", provider.RetryAfterOf(err).String())
}

func TestProvider_invalid_repo_id(t *testing.T) {
	t.Parallel()

	p := bb.New("tok")
	_, err := p.GetRepository(context.Background(), "widgets")

	assert.ErrorIs(t, err, provider.ErrInvalid)
}

func TestProvider_Reopen_unsupported(t *testing.T) {
	t.Parallel()

	p := bb.New("tok")
	err := p.ReopenMergeRequest(context.Background(), "acme/widgets", 7)

	assert.ErrorIs(t, err, provider.ErrInvalid)
}

func TestProvider_CreateWebhook(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repositories/acme/widgets/hooks", r.URL.Path)

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "s3cret", body["secret"])

		writeJSON(t, w, http.StatusCreated, map[string]interface{}{
			"uuid":   "{hook-uuid}",
			"url":    body["url"],
			"events": body["events"],
		})
	}))
	defer ts.Close()

	p := bb.New("tok", bb.WithBaseURL(ts.URL))
	hook, err := p.CreateWebhook(context.Background(), "acme/widgets",
		"https://hooks.example.com/webhooks/1", "s3cret", []string{"repo:push"})

	require.NoError(t, err)
	assert.Equal(t, "{hook-uuid}", hook.ID)
	assert.Equal(t, []string{"repo:push"}, hook.Events)
}

func TestPullRequestState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, provider.StateOpen, bb.PullRequestState("OPEN", false))
	assert.Equal(t, provider.StateDraft, bb.PullRequestState("OPEN", true))
	assert.Equal(t, provider.StateMerged, bb.PullRequestState("MERGED", false))
	assert.Equal(t, provider.StateClosed, bb.PullRequestState("SUPERSEDED", false))
}
