// Package repos manages connected repositories: connecting, disconnecting and
// keeping their metadata in step with the remote.
package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/store"
)

var (
	// ErrConflict is returned when an active connection already exists.
	ErrConflict = errors.New("repository already connected")
	// ErrInactive is returned for operations on a disconnected repository.
	ErrInactive = errors.New("repository is inactive")
	// ErrInvalidRequest is returned when a connect request is incomplete.
	ErrInvalidRequest = errors.New("invalid connect request")
)

// ClientFactory builds provider clients.
type ClientFactory interface {
	Client(providerName, credential string) (provider.Provider, error)
}

// ConnectRequest describes a repository to connect.
type ConnectRequest struct {
	ProjectID    string           `json:"project_id"`
	Provider     string           `json:"provider"`
	RemoteRepoID string           `json:"remote_repo_id"`
	Credential   store.Credential `json:"-"`
}

// Registry owns the lifecycle of Repository rows.
type Registry struct {
	store   store.Store
	clients ClientFactory
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Registry.
func New(s store.Store, clients ClientFactory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   s,
		clients: clients,
		logger:  logger,
		now:     time.Now,
	}
}

// Client returns a client authenticated with repo's credential.
func (r *Registry) Client(repo *store.Repository) (provider.Provider, error) {
	return r.clients.Client(repo.Provider, repo.AccessCredential.Reveal())
}

// Connect verifies access to the remote repository and records it.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (*store.Repository, error) {
	if req.ProjectID == "" || req.Provider == "" || req.RemoteRepoID == "" || req.Credential == "" {
		return nil, fmt.Errorf("%w: project_id, provider, remote_repo_id and credential are required", ErrInvalidRequest)
	}

	existing, err := r.store.FindRepository(ctx, req.Provider, req.RemoteRepoID, req.ProjectID)
	switch {
	case err == nil && existing.IsActive:
		return nil, fmt.Errorf("%w: %s %s", ErrConflict, req.Provider, req.RemoteRepoID)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up repository: %w", err)
	}

	client, err := r.clients.Client(req.Provider, req.Credential.Reveal())
	if err != nil {
		return nil, err
	}

	info, err := client.GetRepository(ctx, req.RemoteRepoID)
	if err != nil {
		return nil, fmt.Errorf("fetching remote repository: %w", err)
	}

	now := r.now()
	if existing != nil {
		applyInfo(existing, info)
		existing.AccessCredential = req.Credential
		existing.IsActive = true
		existing.NeedsReauth = false
		existing.UpdatedAt = now
		if err := r.store.UpdateRepository(ctx, existing); err != nil {
			return nil, fmt.Errorf("reactivating repository: %w", err)
		}
		r.logger.Info("repository reconnected",
			zap.String("repository_id", existing.ID),
			zap.String("provider", existing.Provider),
			zap.String("remote_repo_id", existing.RemoteRepoID),
		)
		return existing, nil
	}

	repo := &store.Repository{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		Provider:         req.Provider,
		RemoteRepoID:     req.RemoteRepoID,
		AccessCredential: req.Credential,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	applyInfo(repo, info)

	if err := r.store.CreateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("creating repository: %w", err)
	}
	r.logger.Info("repository connected",
		zap.String("repository_id", repo.ID),
		zap.String("provider", repo.Provider),
		zap.String("remote_repo_id", repo.RemoteRepoID),
	)
	return repo, nil
}

// applyInfo copies remote metadata onto repo and reports whether anything changed.
func applyInfo(repo *store.Repository, info *provider.RepositoryInfo) bool {
	changed := repo.Name != info.Name ||
		repo.FullName != info.FullName ||
		repo.RemoteURL != info.CloneURL ||
		repo.WebURL != info.WebURL ||
		repo.DefaultBranch != info.DefaultBranch

	repo.Name = info.Name
	repo.FullName = info.FullName
	repo.RemoteURL = info.CloneURL
	repo.WebURL = info.WebURL
	repo.DefaultBranch = info.DefaultBranch
	return changed
}

// Get returns a repository regardless of its state.
func (r *Registry) Get(ctx context.Context, id string) (*store.Repository, error) {
	return r.store.GetRepository(ctx, id)
}

// GetActive returns a repository, failing with ErrInactive when disconnected.
func (r *Registry) GetActive(ctx context.Context, id string) (*store.Repository, error) {
	repo, err := r.store.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}
	if !repo.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactive, id)
	}
	return repo, nil
}

// List returns repositories, optionally only active ones.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]*store.Repository, error) {
	return r.store.ListRepositories(ctx, activeOnly)
}

// Disconnect marks the repository inactive. Mirror rows are kept.
func (r *Registry) Disconnect(ctx context.Context, id string) (*store.Repository, error) {
	repo, err := r.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}

	repo.IsActive = false
	repo.UpdatedAt = r.now()
	if err := r.store.UpdateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("disconnecting repository: %w", err)
	}
	r.logger.Info("repository disconnected", zap.String("repository_id", id))
	return repo, nil
}

// Resync refreshes name, URLs and default branch from the remote.
func (r *Registry) Resync(ctx context.Context, repo *store.Repository, client provider.Provider) (*store.Repository, error) {
	if !repo.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactive, repo.ID)
	}

	info, err := client.GetRepository(ctx, repo.RemoteRepoID)
	if err != nil {
		return nil, fmt.Errorf("fetching remote repository: %w", err)
	}

	if !applyInfo(repo, info) {
		return repo, nil
	}
	repo.UpdatedAt = r.now()
	if err := r.store.UpdateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("updating repository: %w", err)
	}
	return repo, nil
}

// FlagReauth marks the repository as needing a new credential and deactivates it.
func (r *Registry) FlagReauth(ctx context.Context, id string) error {
	repo, err := r.store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	if repo.NeedsReauth && !repo.IsActive {
		return nil
	}

	repo.NeedsReauth = true
	repo.IsActive = false
	repo.UpdatedAt = r.now()
	if err := r.store.UpdateRepository(ctx, repo); err != nil {
		return fmt.Errorf("flagging repository for re-authentication: %w", err)
	}
	r.logger.Warn("repository credential rejected, re-authentication required",
		zap.String("repository_id", id),
		zap.String("provider", repo.Provider),
	)
	return nil
}

// StampSynced records a successful reconciliation pass.
func (r *Registry) StampSynced(ctx context.Context, id string, at time.Time) error {
	repo, err := r.store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	repo.LastSyncAt = &at
	repo.UpdatedAt = r.now()
	if err := r.store.UpdateRepository(ctx, repo); err != nil {
		return fmt.Errorf("stamping sync time: %w", err)
	}
	return nil
}

// SaveWebhook replaces the repository's webhook registration (nil clears it).
func (r *Registry) SaveWebhook(ctx context.Context, id string, hook *store.WebhookRegistration) error {
	repo, err := r.store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	repo.Webhook = hook
	repo.UpdatedAt = r.now()
	if err := r.store.UpdateRepository(ctx, repo); err != nil {
		return fmt.Errorf("saving webhook registration: %w", err)
	}
	return nil
}
