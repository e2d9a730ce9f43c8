package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/store"
)

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// MigrationNames lists the embedded migrations in the order they run.
func MigrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RunMigrations executes all SQL migration files in order. Every migration
// is idempotent.
func (s *Store) RunMigrations(ctx context.Context) error {
	names, err := MigrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		content, err := migrations.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		s.logger.Info("applied migration", zap.String("name", name))
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const repositoryColumns = `id, project_id, provider, remote_repo_id, name, full_name, remote_url, web_url,
	default_branch, access_credential, webhook_id, webhook_url, webhook_secret, webhook_events,
	is_active, needs_reauth, last_sync_at, created_at, updated_at`

func scanRepository(row scanner) (*store.Repository, error) {
	var (
		r          store.Repository
		credential string
		hookID     sql.NullString
		hookURL    sql.NullString
		hookSecret sql.NullString
		hookEvents pq.StringArray
		lastSync   sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.Provider, &r.RemoteRepoID, &r.Name, &r.FullName,
		&r.RemoteURL, &r.WebURL, &r.DefaultBranch, &credential, &hookID, &hookURL, &hookSecret,
		&hookEvents, &r.IsActive, &r.NeedsReauth, &lastSync, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning repository: %w", err)
	}

	r.AccessCredential = store.Credential(credential)
	r.LastSyncAt = timePtr(lastSync)
	if hookID.Valid {
		r.Webhook = &store.WebhookRegistration{
			ID:     hookID.String,
			URL:    hookURL.String,
			Secret: hookSecret.String,
			Events: []string(hookEvents),
		}
	}
	return &r, nil
}

// webhookArgs flattens an optional registration into nullable columns.
func webhookArgs(w *store.WebhookRegistration) (sql.NullString, sql.NullString, sql.NullString, interface{}) {
	if w == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}, pq.Array([]string(nil))
	}
	return sql.NullString{String: w.ID, Valid: true},
		sql.NullString{String: w.URL, Valid: true},
		sql.NullString{String: w.Secret, Valid: true},
		pq.Array(w.Events)
}

func (s *Store) CreateRepository(ctx context.Context, r *store.Repository) error {
	hookID, hookURL, hookSecret, hookEvents := webhookArgs(r.Webhook)
	_, err := s.db.ExecContext(ctx, `INSERT INTO repositories (`+repositoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.ProjectID, r.Provider, r.RemoteRepoID, r.Name, r.FullName, r.RemoteURL, r.WebURL,
		r.DefaultBranch, r.AccessCredential.Reveal(), hookID, hookURL, hookSecret, hookEvents,
		r.IsActive, r.NeedsReauth, nullTime(r.LastSyncAt), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting repository: %w", err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id)
	return scanRepository(row)
}

func (s *Store) FindRepository(ctx context.Context, providerName, remoteRepoID, projectID string) (*store.Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories
		WHERE provider = $1 AND remote_repo_id = $2 AND project_id = $3`, providerName, remoteRepoID, projectID)
	return scanRepository(row)
}

func (s *Store) ListRepositories(ctx context.Context, activeOnly bool) ([]*store.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories
		WHERE is_active OR NOT $1 ORDER BY created_at, id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var out []*store.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRepository(ctx context.Context, r *store.Repository) error {
	hookID, hookURL, hookSecret, hookEvents := webhookArgs(r.Webhook)
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET
		name = $2, full_name = $3, remote_url = $4, web_url = $5, default_branch = $6,
		access_credential = $7, webhook_id = $8, webhook_url = $9, webhook_secret = $10,
		webhook_events = $11, is_active = $12, needs_reauth = $13, last_sync_at = $14, updated_at = $15
		WHERE id = $1`,
		r.ID, r.Name, r.FullName, r.RemoteURL, r.WebURL, r.DefaultBranch, r.AccessCredential.Reveal(),
		hookID, hookURL, hookSecret, hookEvents, r.IsActive, r.NeedsReauth, nullTime(r.LastSyncAt), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating repository: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const branchColumns = `id, repository_id, name, sha, is_protected, is_default, status,
	last_commit_message, last_commit_author, last_commit_at, created_at, updated_at`

func scanBranch(row scanner) (*store.Branch, error) {
	var (
		b            store.Branch
		lastCommitAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.RepositoryID, &b.Name, &b.SHA, &b.IsProtected, &b.IsDefault, &b.Status,
		&b.LastCommitMessage, &b.LastCommitAuthor, &lastCommitAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning branch: %w", err)
	}
	b.LastCommitAt = timePtr(lastCommitAt)
	return &b, nil
}

func (s *Store) GetBranch(ctx context.Context, repositoryID, name string) (*store.Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches
		WHERE repository_id = $1 AND name = $2`, repositoryID, name)
	return scanBranch(row)
}

func (s *Store) ListBranches(ctx context.Context, repositoryID string) ([]*store.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches
		WHERE repository_id = $1 ORDER BY name`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var out []*store.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBranch(ctx context.Context, b *store.Branch) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO branches (`+branchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (repository_id, name) DO UPDATE SET
			id = EXCLUDED.id,
			sha = EXCLUDED.sha,
			is_protected = EXCLUDED.is_protected,
			is_default = EXCLUDED.is_default,
			status = EXCLUDED.status,
			last_commit_message = EXCLUDED.last_commit_message,
			last_commit_author = EXCLUDED.last_commit_author,
			last_commit_at = EXCLUDED.last_commit_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		b.ID, b.RepositoryID, b.Name, b.SHA, b.IsProtected, b.IsDefault, b.Status,
		b.LastCommitMessage, b.LastCommitAuthor, nullTime(b.LastCommitAt), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting branch %s: %w", b.Name, err)
	}
	return nil
}

const mergeRequestColumns = `id, repository_id, number, remote_id, title, description, source_branch,
	target_branch, status, author, reviewer_ids, labels, web_url, merged_at, merged_by, closed_at,
	remote_updated_at, created_at, updated_at`

func scanMergeRequest(row scanner) (*store.MergeRequest, error) {
	var (
		mr              store.MergeRequest
		reviewers       pq.StringArray
		labels          pq.StringArray
		mergedAt        sql.NullTime
		closedAt        sql.NullTime
		remoteUpdatedAt sql.NullTime
	)
	err := row.Scan(&mr.ID, &mr.RepositoryID, &mr.Number, &mr.RemoteID, &mr.Title, &mr.Description,
		&mr.SourceBranch, &mr.TargetBranch, &mr.Status, &mr.Author, &reviewers, &labels, &mr.WebURL,
		&mergedAt, &mr.MergedBy, &closedAt, &remoteUpdatedAt, &mr.CreatedAt, &mr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning merge request: %w", err)
	}
	mr.ReviewerIDs = []string(reviewers)
	mr.Labels = []string(labels)
	mr.MergedAt = timePtr(mergedAt)
	mr.ClosedAt = timePtr(closedAt)
	mr.RemoteUpdatedAt = timePtr(remoteUpdatedAt)
	return &mr, nil
}

func (s *Store) GetMergeRequest(ctx context.Context, repositoryID string, number int) (*store.MergeRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mergeRequestColumns+` FROM merge_requests
		WHERE repository_id = $1 AND number = $2`, repositoryID, number)
	return scanMergeRequest(row)
}

func (s *Store) ListMergeRequests(ctx context.Context, repositoryID string, filter store.MergeRequestFilter) ([]*store.MergeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mergeRequestColumns+` FROM merge_requests
		WHERE repository_id = $1
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR target_branch = $3)
		ORDER BY number`, repositoryID, string(filter.Status), filter.TargetBranch)
	if err != nil {
		return nil, fmt.Errorf("listing merge requests: %w", err)
	}
	defer rows.Close()

	var out []*store.MergeRequest
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMergeRequest(ctx context.Context, mr *store.MergeRequest) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO merge_requests (`+mergeRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (repository_id, number) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			source_branch = EXCLUDED.source_branch,
			target_branch = EXCLUDED.target_branch,
			status = EXCLUDED.status,
			author = EXCLUDED.author,
			reviewer_ids = EXCLUDED.reviewer_ids,
			labels = EXCLUDED.labels,
			web_url = EXCLUDED.web_url,
			merged_at = EXCLUDED.merged_at,
			merged_by = EXCLUDED.merged_by,
			closed_at = EXCLUDED.closed_at,
			remote_updated_at = EXCLUDED.remote_updated_at,
			updated_at = EXCLUDED.updated_at`,
		mr.ID, mr.RepositoryID, mr.Number, mr.RemoteID, mr.Title, mr.Description, mr.SourceBranch,
		mr.TargetBranch, mr.Status, mr.Author, pq.Array(mr.ReviewerIDs), pq.Array(mr.Labels), mr.WebURL,
		nullTime(mr.MergedAt), mr.MergedBy, nullTime(mr.ClosedAt), nullTime(mr.RemoteUpdatedAt),
		mr.CreatedAt, mr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting merge request #%d: %w", mr.Number, err)
	}
	return nil
}
