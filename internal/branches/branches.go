// Package branches mirrors remote branches into the store.
package branches

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/forgesync/internal/event"
	"github.com/drewdunne/forgesync/internal/metrics"
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/store"
)

// ErrDefaultBranch is returned when deleting a repository's default branch.
var ErrDefaultBranch = errors.New("cannot delete the default branch")

// ErrInvalidName is returned for an empty branch name.
var ErrInvalidName = errors.New("branch name is required")

const defaultConcurrency = 8

// SyncResult reports a reconciliation pass.
type SyncResult struct {
	SyncedCount int     `json:"synced_count"`
	Errors      []error `json:"-"`
}

// Err combines the per-branch errors, or returns nil.
func (r SyncResult) Err() error {
	return multierr.Combine(r.Errors...)
}

// Synchronizer reconciles local branch rows with the remote.
type Synchronizer struct {
	store       store.Store
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Synchronizer. concurrency bounds parallel upserts in Sync.
func New(s store.Store, concurrency int, logger *zap.Logger) *Synchronizer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:       s,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// List returns the mirrored branches, tombstones included.
func (s *Synchronizer) List(ctx context.Context, repo *store.Repository) ([]*store.Branch, error) {
	return s.store.ListBranches(ctx, repo.ID)
}

// Sync pulls the full branch listing and upserts every branch. A failed
// listing fails the pass without writing. Local branches missing from the
// listing are left alone.
func (s *Synchronizer) Sync(ctx context.Context, repo *store.Repository, client provider.Provider) (SyncResult, error) {
	remote, err := client.GetBranches(ctx, repo.RemoteRepoID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("listing branches: %w", err)
	}

	var (
		mu     sync.Mutex
		result SyncResult
		writes int
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, info := range remote {
		g.Go(func() error {
			wrote, err := s.reconcile(ctx, repo, info)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("branch %s: %w", info.Name, err))
				return nil
			}
			result.SyncedCount++
			if wrote {
				writes++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.SyncItemErrors(len(result.Errors))
	s.logger.Info("branch sync complete",
		zap.String("repository_id", repo.ID),
		zap.Int("remote", len(remote)),
		zap.Int("synced", result.SyncedCount),
		zap.Int("written", writes),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// reconcile upserts one remote branch and reports whether it wrote.
func (s *Synchronizer) reconcile(ctx context.Context, repo *store.Repository, info provider.BranchInfo) (bool, error) {
	isDefault := info.IsDefault || info.Name == repo.DefaultBranch

	existing, err := s.store.GetBranch(ctx, repo.ID, info.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return false, err
	}

	if existing != nil && existing.Status == store.BranchActive {
		if existing.SHA == info.SHA && existing.IsProtected == info.IsProtected && existing.IsDefault == isDefault {
			return false, nil
		}
		existing.SHA = info.SHA
		existing.IsProtected = info.IsProtected
		existing.IsDefault = isDefault
		existing.UpdatedAt = s.now()
		return true, s.store.UpsertBranch(ctx, existing)
	}

	// Absent, or a tombstone being replaced by a new branch of the same name.
	b := s.newBranch(repo, info.Name)
	b.SHA = info.SHA
	b.IsProtected = info.IsProtected
	b.IsDefault = isDefault
	return true, s.store.UpsertBranch(ctx, b)
}

func (s *Synchronizer) newBranch(repo *store.Repository, name string) *store.Branch {
	now := s.now()
	return &store.Branch{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		Name:         name,
		Status:       store.BranchActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Create creates name from source on the remote, then records it. An empty
// source means the default branch.
func (s *Synchronizer) Create(ctx context.Context, repo *store.Repository, client provider.Provider, name, source string) (*store.Branch, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if source == "" {
		source = repo.DefaultBranch
	}

	info, err := client.CreateBranch(ctx, repo.RemoteRepoID, name, source)
	if err != nil {
		return nil, fmt.Errorf("creating branch %s: %w", name, err)
	}

	existing, err := s.store.GetBranch(ctx, repo.ID, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	b := existing
	if b == nil || b.Status == store.BranchDeleted {
		b = s.newBranch(repo, name)
	}
	b.SHA = info.SHA
	b.IsProtected = info.IsProtected
	b.IsDefault = name == repo.DefaultBranch
	b.Status = store.BranchActive
	b.UpdatedAt = s.now()
	if err := s.store.UpsertBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("recording branch %s: %w", name, err)
	}

	s.logger.Info("branch created",
		zap.String("repository_id", repo.ID),
		zap.String("branch", name),
		zap.String("source", source),
	)
	return b, nil
}

// Delete deletes name on the remote, then tombstones the local row.
func (s *Synchronizer) Delete(ctx context.Context, repo *store.Repository, client provider.Provider, name string) (*store.Branch, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if name == repo.DefaultBranch {
		return nil, fmt.Errorf("%w: %s", ErrDefaultBranch, name)
	}

	if err := client.DeleteBranch(ctx, repo.RemoteRepoID, name); err != nil {
		return nil, fmt.Errorf("deleting branch %s: %w", name, err)
	}

	b, err := s.store.GetBranch(ctx, repo.ID, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b = s.newBranch(repo, name)
	case err != nil:
		return nil, err
	}
	b.Status = store.BranchDeleted
	b.UpdatedAt = s.now()
	if err := s.store.UpsertBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("recording deleted branch %s: %w", name, err)
	}

	s.logger.Info("branch deleted", zap.String("repository_id", repo.ID), zap.String("branch", name))
	return b, nil
}

// ApplyPush folds a push into the mirror. Tags are ignored. An update is
// applied when its before SHA matches the recorded one or the push was
// forced; anything else arrived out of order and waits for the next sync.
// Replaying a push writes nothing.
func (s *Synchronizer) ApplyPush(ctx context.Context, repo *store.Repository, push *event.Push) error {
	var errs error
	for _, change := range push.Changes {
		if change.IsTag || change.Branch == "" {
			continue
		}
		if err := s.applyChange(ctx, repo, change); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("branch %s: %w", change.Branch, err))
		}
	}
	return errs
}

func (s *Synchronizer) applyChange(ctx context.Context, repo *store.Repository, change event.RefChange) error {
	existing, err := s.store.GetBranch(ctx, repo.ID, change.Branch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return err
	}

	if change.Deleted {
		if existing == nil || existing.Status == store.BranchDeleted {
			return nil
		}
		existing.Status = store.BranchDeleted
		existing.UpdatedAt = s.now()
		s.logger.Debug("branch deleted by push",
			zap.String("repository_id", repo.ID),
			zap.String("branch", change.Branch),
		)
		return s.store.UpsertBranch(ctx, existing)
	}

	b := existing
	switch {
	case b == nil:
		b = s.newBranch(repo, change.Branch)
		b.IsDefault = change.Branch == repo.DefaultBranch
	case b.Status == store.BranchDeleted:
		if !change.Created {
			// A late delivery for the branch before it was deleted.
			return nil
		}
		b = s.newBranch(repo, change.Branch)
		b.IsDefault = change.Branch == repo.DefaultBranch
	default:
		if !changed(b, change) {
			return nil
		}
		if !chains(b, change) {
			s.logger.Debug("ignoring out-of-order push",
				zap.String("repository_id", repo.ID),
				zap.String("branch", change.Branch),
				zap.String("before", change.Before),
				zap.String("after", change.After),
				zap.String("recorded", b.SHA),
			)
			return nil
		}
	}

	b.SHA = change.After
	if h := change.Head; h != nil {
		b.LastCommitMessage = h.Message
		b.LastCommitAuthor = h.Author
		if !h.Timestamp.IsZero() {
			ts := h.Timestamp
			b.LastCommitAt = &ts
		}
	}
	b.UpdatedAt = s.now()
	return s.store.UpsertBranch(ctx, b)
}

// chains reports whether change follows the recorded head. Commit
// timestamps say nothing about delivery order, so only SHAs are compared.
func chains(b *store.Branch, change event.RefChange) bool {
	if change.Forced || b.SHA == "" || change.Before == "" {
		return true
	}
	return change.Before == b.SHA || change.After == b.SHA
}

func changed(b *store.Branch, change event.RefChange) bool {
	if b.SHA != change.After {
		return true
	}
	h := change.Head
	if h == nil {
		return false
	}
	if b.LastCommitMessage != h.Message || b.LastCommitAuthor != h.Author {
		return true
	}
	if h.Timestamp.IsZero() {
		return false
	}
	return b.LastCommitAt == nil || !b.LastCommitAt.Equal(h.Timestamp)
}
