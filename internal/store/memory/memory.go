package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drewdunne/forgesync/internal/store"
)

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)

type branchKey struct {
	repositoryID string
	name         string
}

type mrKey struct {
	repositoryID string
	number       int
}

// Store is a map-backed store.Store.
type Store struct {
	mu            sync.RWMutex
	repositories  map[string]*store.Repository
	branches      map[branchKey]*store.Branch
	mergeRequests map[mrKey]*store.MergeRequest
	writes        atomic.Int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		repositories:  make(map[string]*store.Repository),
		branches:      make(map[branchKey]*store.Branch),
		mergeRequests: make(map[mrKey]*store.MergeRequest),
	}
}

// Writes returns the number of successful write calls.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateRepository(ctx context.Context, repo *store.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.repositories[repo.ID]; exists {
		return fmt.Errorf("repository %s already exists", repo.ID)
	}
	s.repositories[repo.ID] = copyRepository(repo)
	s.writes.Add(1)
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, ok := s.repositories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRepository(repo), nil
}

func (s *Store) FindRepository(ctx context.Context, providerName, remoteRepoID, projectID string) (*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, repo := range s.repositories {
		if repo.Provider == providerName && repo.RemoteRepoID == remoteRepoID && repo.ProjectID == projectID {
			return copyRepository(repo), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRepositories(ctx context.Context, activeOnly bool) ([]*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Repository, 0, len(s.repositories))
	for _, repo := range s.repositories {
		if activeOnly && !repo.IsActive {
			continue
		}
		out = append(out, copyRepository(repo))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateRepository(ctx context.Context, repo *store.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repositories[repo.ID]; !ok {
		return store.ErrNotFound
	}
	s.repositories[repo.ID] = copyRepository(repo)
	s.writes.Add(1)
	return nil
}

func (s *Store) GetBranch(ctx context.Context, repositoryID, name string) (*store.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.branches[branchKey{repositoryID, name}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyBranch(b), nil
}

func (s *Store) ListBranches(ctx context.Context, repositoryID string) ([]*store.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Branch
	for k, b := range s.branches {
		if k.repositoryID == repositoryID {
			out = append(out, copyBranch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertBranch(ctx context.Context, branch *store.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.branches[branchKey{branch.RepositoryID, branch.Name}] = copyBranch(branch)
	s.writes.Add(1)
	return nil
}

func (s *Store) GetMergeRequest(ctx context.Context, repositoryID string, number int) (*store.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.mergeRequests[mrKey{repositoryID, number}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMergeRequest(mr), nil
}

func (s *Store) ListMergeRequests(ctx context.Context, repositoryID string, filter store.MergeRequestFilter) ([]*store.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.MergeRequest
	for k, mr := range s.mergeRequests {
		if k.repositoryID != repositoryID {
			continue
		}
		if filter.Status != "" && mr.Status != filter.Status {
			continue
		}
		if filter.TargetBranch != "" && mr.TargetBranch != filter.TargetBranch {
			continue
		}
		out = append(out, copyMergeRequest(mr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) UpsertMergeRequest(ctx context.Context, mr *store.MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeRequests[mrKey{mr.RepositoryID, mr.Number}] = copyMergeRequest(mr)
	s.writes.Add(1)
	return nil
}

func copyRepository(r *store.Repository) *store.Repository {
	c := *r
	if r.Webhook != nil {
		w := *r.Webhook
		w.Events = append([]string(nil), r.Webhook.Events...)
		c.Webhook = &w
	}
	c.LastSyncAt = copyTime(r.LastSyncAt)
	return &c
}

func copyBranch(b *store.Branch) *store.Branch {
	c := *b
	c.LastCommitAt = copyTime(b.LastCommitAt)
	return &c
}

func copyMergeRequest(mr *store.MergeRequest) *store.MergeRequest {
	c := *mr
	if mr.ReviewerIDs != nil {
		c.ReviewerIDs = append([]string{}, mr.ReviewerIDs...)
	}
	if mr.Labels != nil {
		c.Labels = append([]string{}, mr.Labels...)
	}
	c.MergedAt = copyTime(mr.MergedAt)
	c.ClosedAt = copyTime(mr.ClosedAt)
	c.RemoteUpdatedAt = copyTime(mr.RemoteUpdatedAt)
	return &c
}

func copyTime[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
