package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewdunne/forgesync/internal/store"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	t.Parallel()

	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	content, err := migrations.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"repositories", "branches", "merge_requests"} {
		assert.True(t, strings.Contains(string(content), "CREATE TABLE IF NOT EXISTS "+table), table)
	}
	assert.Contains(t, string(content), "UNIQUE (repository_id, name)")
	assert.Contains(t, string(content), "UNIQUE (repository_id, number)")
}

// openTestStore connects to FORGESYNC_TEST_DSN or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("FORGESYNC_TEST_DSN")
	if dsn == "" {
		t.Skip("FORGESYNC_TEST_DSN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.RunMigrations(ctx))
	// Migrations are idempotent.
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func TestStore_Integration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	repo := &store.Repository{
		ID:               uuid.NewString(),
		ProjectID:        uuid.NewString(),
		Provider:         "github",
		RemoteRepoID:     "acme/widgets",
		Name:             "widgets",
		FullName:         "acme/widgets",
		DefaultBranch:    "main",
		AccessCredential: store.Credential("token"),
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateRepository(ctx, repo))

	found, err := s.FindRepository(ctx, "github", "acme/widgets", repo.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, found.ID)
	assert.Equal(t, "token", found.AccessCredential.Reveal())
	assert.Nil(t, found.Webhook)

	found.Webhook = &store.WebhookRegistration{ID: "1", URL: "https://hooks", Secret: "s", Events: []string{"push"}}
	require.NoError(t, s.UpdateRepository(ctx, found))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Webhook)
	assert.Equal(t, []string{"push"}, got.Webhook.Events)

	branch := &store.Branch{
		ID: uuid.NewString(), RepositoryID: repo.ID, Name: "main", SHA: "abc",
		Status: store.BranchActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertBranch(ctx, branch))
	branch.SHA = "def"
	require.NoError(t, s.UpsertBranch(ctx, branch))
	branches, err := s.ListBranches(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "def", branches[0].SHA)

	mr := &store.MergeRequest{
		ID: uuid.NewString(), RepositoryID: repo.ID, Number: 1, Status: store.StatusOpen,
		TargetBranch: "main", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertMergeRequest(ctx, mr))
	gotMR, err := s.GetMergeRequest(ctx, repo.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, gotMR.Labels)

	_, err = s.GetMergeRequest(ctx, repo.ID, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
