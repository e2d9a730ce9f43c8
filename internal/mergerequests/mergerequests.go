// Package mergerequests mirrors remote merge requests into the store and
// enforces their lifecycle.
package mergerequests

import (
	"context"
	"errors"
	"fmt"
	"slices"
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

var (
	// ErrInvalidTransition is returned when a lifecycle operation does not
	// apply to the merge request's current status.
	ErrInvalidTransition = errors.New("invalid merge request transition")
	// ErrInvalidRequest is returned when a create request is incomplete.
	ErrInvalidRequest = errors.New("invalid merge request")
)

const defaultConcurrency = 8

// SyncResult reports a reconciliation pass.
type SyncResult struct {
	SyncedCount int     `json:"synced_count"`
	Errors      []error `json:"-"`
}

// Err combines the per-item errors, or returns nil.
func (r SyncResult) Err() error {
	return multierr.Combine(r.Errors...)
}

// CreateRequest describes a merge request to open.
type CreateRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
	Draft        bool     `json:"draft"`
	ReviewerIDs  []string `json:"reviewer_ids"`
	Labels       []string `json:"labels"`
}

// Synchronizer reconciles local merge request rows with the remote.
type Synchronizer struct {
	store       store.Store
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Synchronizer.
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

// List returns mirrored merge requests matching filter.
func (s *Synchronizer) List(ctx context.Context, repo *store.Repository, filter store.MergeRequestFilter) ([]*store.MergeRequest, error) {
	return s.store.ListMergeRequests(ctx, repo.ID, filter)
}

// Sync pulls every merge request in every state and upserts it.
func (s *Synchronizer) Sync(ctx context.Context, repo *store.Repository, client provider.Provider) (SyncResult, error) {
	remote, err := client.GetMergeRequests(ctx, repo.RemoteRepoID, provider.MergeRequestFilter{})
	if err != nil {
		return SyncResult{}, fmt.Errorf("listing merge requests: %w", err)
	}

	var (
		mu     sync.Mutex
		result SyncResult
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, info := range remote {
		g.Go(func() error {
			_, err := s.apply(ctx, repo, info, false)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("merge request %d: %w", info.Number, err))
				return nil
			}
			result.SyncedCount++
			return nil
		})
	}
	_ = g.Wait()

	metrics.SyncItemErrors(len(result.Errors))
	s.logger.Info("merge request sync complete",
		zap.String("repository_id", repo.ID),
		zap.Int("remote", len(remote)),
		zap.Int("synced", result.SyncedCount),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// ApplyEvent folds a webhook event into the mirror.
func (s *Synchronizer) ApplyEvent(ctx context.Context, repo *store.Repository, e *event.MergeRequest) error {
	if e.Info.Number <= 0 {
		return fmt.Errorf("%w: event has no merge request number", ErrInvalidRequest)
	}
	_, err := s.apply(ctx, repo, e.Info, e.Reopen())
	return err
}

// apply upserts info and returns the resulting row. Remote data older than
// the stored RemoteUpdatedAt is ignored, and so is data that changes nothing.
func (s *Synchronizer) apply(ctx context.Context, repo *store.Repository, info provider.MergeRequestInfo, explicitReopen bool) (*store.MergeRequest, error) {
	existing, err := s.store.GetMergeRequest(ctx, repo.ID, info.Number)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, err
	}

	if existing == nil {
		now := s.now()
		mr := &store.MergeRequest{
			ID:           uuid.NewString(),
			RepositoryID: repo.ID,
			Number:       info.Number,
			CreatedAt:    now,
		}
		merge(mr, info, explicitReopen)
		mr.UpdatedAt = now
		if err := s.store.UpsertMergeRequest(ctx, mr); err != nil {
			return nil, err
		}
		return mr, nil
	}

	if existing.RemoteUpdatedAt != nil && !info.UpdatedAt.IsZero() && info.UpdatedAt.Before(*existing.RemoteUpdatedAt) {
		s.logger.Debug("ignoring stale merge request data",
			zap.String("repository_id", repo.ID),
			zap.Int("number", info.Number),
		)
		return existing, nil
	}

	updated := *existing
	merge(&updated, info, explicitReopen)
	if !differs(existing, &updated) {
		return existing, nil
	}
	updated.UpdatedAt = s.now()
	if err := s.store.UpsertMergeRequest(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// merge copies what the remote provided onto mr. Title and description are
// always part of a remote object, so an empty value clears the local one.
// Other absent fields keep their local values.
func merge(mr *store.MergeRequest, info provider.MergeRequestInfo, explicitReopen bool) {
	if info.RemoteID != "" {
		mr.RemoteID = info.RemoteID
	}
	mr.Title = info.Title
	mr.Description = info.Description
	if info.SourceBranch != "" {
		mr.SourceBranch = info.SourceBranch
	}
	if info.TargetBranch != "" {
		mr.TargetBranch = info.TargetBranch
	}
	if info.Author != "" {
		mr.Author = info.Author
	}
	if info.ReviewerIDs != nil {
		mr.ReviewerIDs = slices.Clone(info.ReviewerIDs)
	}
	if info.Labels != nil {
		mr.Labels = slices.Clone(info.Labels)
	}
	if info.URL != "" {
		mr.WebURL = info.URL
	}
	if info.MergedBy != "" {
		mr.MergedBy = info.MergedBy
	}
	if info.MergedAt != nil {
		t := *info.MergedAt
		mr.MergedAt = &t
	}
	if info.ClosedAt != nil {
		t := *info.ClosedAt
		mr.ClosedAt = &t
	}
	if !info.UpdatedAt.IsZero() {
		t := info.UpdatedAt
		mr.RemoteUpdatedAt = &t
	}

	previous := mr.Status
	mr.Status = Transition(previous, StatusFromState(info.State), explicitReopen)
	if previous == store.StatusClosed && !mr.Status.Terminal() {
		mr.ClosedAt = nil
	}
}

func differs(a, b *store.MergeRequest) bool {
	return a.RemoteID != b.RemoteID ||
		a.Title != b.Title ||
		a.Description != b.Description ||
		a.SourceBranch != b.SourceBranch ||
		a.TargetBranch != b.TargetBranch ||
		a.Status != b.Status ||
		a.Author != b.Author ||
		!slices.Equal(a.ReviewerIDs, b.ReviewerIDs) ||
		!slices.Equal(a.Labels, b.Labels) ||
		a.WebURL != b.WebURL ||
		a.MergedBy != b.MergedBy ||
		!sameTime(a.MergedAt, b.MergedAt) ||
		!sameTime(a.ClosedAt, b.ClosedAt) ||
		!sameTime(a.RemoteUpdatedAt, b.RemoteUpdatedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Create opens a merge request on the remote, then records it. An empty
// target means the default branch.
func (s *Synchronizer) Create(ctx context.Context, repo *store.Repository, client provider.Provider, req CreateRequest) (*store.MergeRequest, error) {
	if req.Title == "" || req.SourceBranch == "" {
		return nil, fmt.Errorf("%w: title and source_branch are required", ErrInvalidRequest)
	}
	if req.TargetBranch == "" {
		req.TargetBranch = repo.DefaultBranch
	}
	if req.SourceBranch == req.TargetBranch {
		return nil, fmt.Errorf("%w: source and target branch are both %s", ErrInvalidRequest, req.SourceBranch)
	}

	info, err := client.CreateMergeRequest(ctx, repo.RemoteRepoID, provider.CreateMergeRequestOptions{
		Title:        req.Title,
		Description:  req.Description,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		Draft:        req.Draft,
		ReviewerIDs:  req.ReviewerIDs,
		Labels:       req.Labels,
	})
	if err != nil {
		if info == nil || !provider.IsFollowUp(err) {
			return nil, fmt.Errorf("creating merge request: %w", err)
		}
		// The merge request exists remotely; record it regardless.
		s.logger.Warn("merge request created with incomplete follow-up",
			zap.String("repository_id", repo.ID),
			zap.Int("number", info.Number),
			zap.Error(err),
		)
	}

	mr, err := s.apply(ctx, repo, *info, false)
	if err != nil {
		return nil, fmt.Errorf("recording merge request %d: %w", info.Number, err)
	}
	s.logger.Info("merge request created",
		zap.String("repository_id", repo.ID),
		zap.Int("number", mr.Number),
		zap.String("source", mr.SourceBranch),
		zap.String("target", mr.TargetBranch),
	)
	return mr, nil
}

// local returns the stored merge request, fetching it from the remote when
// it has not been mirrored yet.
func (s *Synchronizer) local(ctx context.Context, repo *store.Repository, client provider.Provider, number int) (*store.MergeRequest, error) {
	mr, err := s.store.GetMergeRequest(ctx, repo.ID, number)
	if err == nil {
		return mr, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	info, err := client.GetMergeRequest(ctx, repo.RemoteRepoID, number)
	if err != nil {
		return nil, fmt.Errorf("fetching merge request %d: %w", number, err)
	}
	return s.apply(ctx, repo, *info, false)
}

// Merge merges an OPEN merge request on the remote and records actorID as
// the merger.
func (s *Synchronizer) Merge(ctx context.Context, repo *store.Repository, client provider.Provider, number int, actorID string, opts provider.MergeOptions) (*store.MergeRequest, error) {
	mr, err := s.local(ctx, repo, client, number)
	if err != nil {
		return nil, err
	}
	if mr.Status != store.StatusOpen {
		return nil, fmt.Errorf("%w: cannot merge %s merge request %d", ErrInvalidTransition, mr.Status, number)
	}

	if err := client.MergeMergeRequest(ctx, repo.RemoteRepoID, number, opts); err != nil {
		if !provider.IsFollowUp(err) {
			return nil, fmt.Errorf("merging merge request %d: %w", number, err)
		}
		s.logger.Warn("merge request merged with incomplete follow-up",
			zap.String("repository_id", repo.ID),
			zap.Int("number", number),
			zap.Error(err),
		)
	}

	now := s.now()
	mr.Status = store.StatusMerged
	mr.MergedAt = &now
	mr.MergedBy = actorID
	mr.UpdatedAt = now
	if err := s.store.UpsertMergeRequest(ctx, mr); err != nil {
		return nil, fmt.Errorf("recording merge of %d: %w", number, err)
	}
	s.logger.Info("merge request merged",
		zap.String("repository_id", repo.ID),
		zap.Int("number", number),
		zap.String("merged_by", actorID),
	)
	return mr, nil
}

// Close closes an OPEN or DRAFT merge request without merging.
func (s *Synchronizer) Close(ctx context.Context, repo *store.Repository, client provider.Provider, number int) (*store.MergeRequest, error) {
	mr, err := s.local(ctx, repo, client, number)
	if err != nil {
		return nil, err
	}
	if mr.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot close %s merge request %d", ErrInvalidTransition, mr.Status, number)
	}

	if err := client.CloseMergeRequest(ctx, repo.RemoteRepoID, number); err != nil {
		return nil, fmt.Errorf("closing merge request %d: %w", number, err)
	}

	now := s.now()
	mr.Status = store.StatusClosed
	mr.ClosedAt = &now
	mr.UpdatedAt = now
	if err := s.store.UpsertMergeRequest(ctx, mr); err != nil {
		return nil, fmt.Errorf("recording close of %d: %w", number, err)
	}
	s.logger.Info("merge request closed", zap.String("repository_id", repo.ID), zap.Int("number", number))
	return mr, nil
}

// Reopen reopens a CLOSED merge request.
func (s *Synchronizer) Reopen(ctx context.Context, repo *store.Repository, client provider.Provider, number int) (*store.MergeRequest, error) {
	mr, err := s.local(ctx, repo, client, number)
	if err != nil {
		return nil, err
	}
	if mr.Status != store.StatusClosed {
		return nil, fmt.Errorf("%w: cannot reopen %s merge request %d", ErrInvalidTransition, mr.Status, number)
	}

	if err := client.ReopenMergeRequest(ctx, repo.RemoteRepoID, number); err != nil {
		return nil, fmt.Errorf("reopening merge request %d: %w", number, err)
	}

	mr.Status = Transition(mr.Status, store.StatusOpen, true)
	mr.ClosedAt = nil
	mr.UpdatedAt = s.now()
	if err := s.store.UpsertMergeRequest(ctx, mr); err != nil {
		return nil, fmt.Errorf("recording reopen of %d: %w", number, err)
	}
	s.logger.Info("merge request reopened", zap.String("repository_id", repo.ID), zap.Int("number", number))
	return mr, nil
}
