package repos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/provider/providertest"
	"github.com/drewdunne/forgesync/internal/registry"
	"github.com/drewdunne/forgesync/internal/retry"
	"github.com/drewdunne/forgesync/internal/store"
	"github.com/drewdunne/forgesync/internal/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *providertest.Fake, *memory.Store) {
	t.Helper()

	fake := providertest.New(provider.GitHub, provider.RepositoryInfo{
		RemoteID:      "123",
		Name:          "widgets",
		FullName:      "acme/widgets",
		CloneURL:      "https://github.com/acme/widgets.git",
		WebURL:        "https://github.com/acme/widgets",
		DefaultBranch: "main",
	})
	exec := retry.New(retry.Config{MaxAttempts: 1})
	factory := registry.NewWithConstructors(exec, map[string]registry.Constructor{
		provider.GitHub: func(string) (provider.Provider, error) { return fake, nil },
	})

	s := memory.New()
	return New(s, factory, nil), fake, s
}

func connectWidgets(t *testing.T, r *Registry) *store.Repository {
	t.Helper()
	repo, err := r.Connect(context.Background(), ConnectRequest{
		ProjectID:    "project-1",
		Provider:     provider.GitHub,
		RemoteRepoID: "acme/widgets",
		Credential:   "ghp_token",
	})
	require.NoError(t, err)
	return repo
}

func TestRegistry_Connect(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	repo := connectWidgets(t, r)

	assert.NotEmpty(t, repo.ID)
	assert.True(t, repo.IsActive)
	assert.False(t, repo.NeedsReauth)
	assert.Equal(t, "acme/widgets", repo.FullName)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "https://github.com/acme/widgets.git", repo.RemoteURL)
	assert.Nil(t, repo.LastSyncAt)

	stored, err := r.Get(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "ghp_token", stored.AccessCredential.Reveal())
}

func TestRegistry_Connect_DuplicateConflicts(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	connectWidgets(t, r)

	_, err := r.Connect(context.Background(), ConnectRequest{
		ProjectID:    "project-1",
		Provider:     provider.GitHub,
		RemoteRepoID: "acme/widgets",
		Credential:   "other",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegistry_Connect_ReactivatesInactive(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	repo := connectWidgets(t, r)

	_, err := r.Disconnect(context.Background(), repo.ID)
	require.NoError(t, err)

	again, err := r.Connect(context.Background(), ConnectRequest{
		ProjectID:    "project-1",
		Provider:     provider.GitHub,
		RemoteRepoID: "acme/widgets",
		Credential:   "ghp_new",
	})
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)
	assert.True(t, again.IsActive)
	assert.Equal(t, "ghp_new", again.AccessCredential.Reveal())
}

func TestRegistry_Connect_RemoteFailureWritesNothing(t *testing.T) {
	t.Parallel()

	r, fake, s := newTestRegistry(t)
	fake.FailNext(providertest.GetRepository, fake.Error(provider.KindNotFound, "get repository"))

	_, err := r.Connect(context.Background(), ConnectRequest{
		ProjectID:    "project-1",
		Provider:     provider.GitHub,
		RemoteRepoID: "acme/widgets",
		Credential:   "ghp_token",
	})
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Zero(t, s.Writes())
}

func TestRegistry_Connect_Validation(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	_, err := r.Connect(context.Background(), ConnectRequest{Provider: provider.GitHub})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Connect(context.Background(), ConnectRequest{
		ProjectID:    "p",
		Provider:     "gitea",
		RemoteRepoID: "acme/widgets",
		Credential:   "x",
	})
	assert.ErrorIs(t, err, registry.ErrUnsupportedProvider)
}

func TestRegistry_Disconnect(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	repo := connectWidgets(t, r)

	got, err := r.Disconnect(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = r.Disconnect(context.Background(), repo.ID)
	assert.ErrorIs(t, err, ErrInactive)

	_, err = r.GetActive(context.Background(), repo.ID)
	assert.ErrorIs(t, err, ErrInactive)

	// The row is kept.
	all, err := r.List(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegistry_Resync(t *testing.T) {
	t.Parallel()

	r, fake, s := newTestRegistry(t)
	repo := connectWidgets(t, r)
	client, err := r.Client(repo)
	require.NoError(t, err)

	writes := s.Writes()
	_, err = r.Resync(context.Background(), repo, client)
	require.NoError(t, err)
	assert.Equal(t, writes, s.Writes(), "unchanged metadata should not be written")

	fake.SetRepository(provider.RepositoryInfo{Name: "widgets", FullName: "acme/widgets", DefaultBranch: "trunk"})
	updated, err := r.Resync(context.Background(), repo, client)
	require.NoError(t, err)
	assert.Equal(t, "trunk", updated.DefaultBranch)
}

func TestRegistry_FlagReauthAndStamp(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	repo := connectWidgets(t, r)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.StampSynced(context.Background(), repo.ID, at))
	require.NoError(t, r.FlagReauth(context.Background(), repo.ID))

	got, err := r.Get(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReauth)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))
}
