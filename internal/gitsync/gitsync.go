// Package gitsync is the single entry point for repository, branch, merge
// request and webhook operations. It resolves the repository, serializes work
// per repository and delegates to the synchronizers.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/forgesync/internal/branches"
	"github.com/drewdunne/forgesync/internal/event"
	"github.com/drewdunne/forgesync/internal/mergerequests"
	"github.com/drewdunne/forgesync/internal/metrics"
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/repolock"
	"github.com/drewdunne/forgesync/internal/repos"
	"github.com/drewdunne/forgesync/internal/store"
	"github.com/drewdunne/forgesync/internal/webhook"
)

// ErrNoCallbackURL is returned by SetupWebhook when no public base URL is configured.
var ErrNoCallbackURL = errors.New("webhook callback base URL is not configured")

// Options tunes a Facade.
type Options struct {
	// Concurrency bounds parallel upserts within a pass and parallel
	// repositories in SyncAll.
	Concurrency     int
	CallbackBaseURL string
	DeliveryTTL     time.Duration
}

// Facade is the surface the CLI and HTTP layers call.
type Facade struct {
	repos         *repos.Registry
	branches      *branches.Synchronizer
	mergeRequests *mergerequests.Synchronizer
	webhooks      *webhook.Gateway
	deliveries    *event.DeliveryCache
	locks         *repolock.Locker
	opts          Options
	logger        *zap.Logger
	now           func() time.Time
}

// New wires a Facade over s, obtaining provider clients from clients.
func New(s store.Store, clients repos.ClientFactory, opts Options, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.DeliveryTTL <= 0 {
		opts.DeliveryTTL = time.Hour
	}
	opts.CallbackBaseURL = strings.TrimRight(opts.CallbackBaseURL, "/")

	registry := repos.New(s, clients, logger.Named("repos"))
	b := branches.New(s, opts.Concurrency, logger.Named("branches"))
	mrs := mergerequests.New(s, opts.Concurrency, logger.Named("mergerequests"))
	deliveries := event.NewDeliveryCache(opts.DeliveryTTL)

	return &Facade{
		repos:         registry,
		branches:      b,
		mergeRequests: mrs,
		webhooks:      webhook.New(registry, b, mrs, deliveries, logger.Named("webhook")),
		deliveries:    deliveries,
		locks:         repolock.New(),
		opts:          opts,
		logger:        logger,
		now:           time.Now,
	}
}

// withRepo locks id, resolves the active repository and its client, and runs
// fn. An Unauthorized error from fn flags the repository for
// re-authentication before it is returned.
func (f *Facade) withRepo(ctx context.Context, id string, fn func(repo *store.Repository, client provider.Provider) error) error {
	unlock, err := f.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	repo, err := f.repos.GetActive(ctx, id)
	if err != nil {
		return err
	}
	client, err := f.repos.Client(repo)
	if err != nil {
		return err
	}

	err = fn(repo, client)
	if errors.Is(err, provider.ErrUnauthorized) {
		if ferr := f.repos.FlagReauth(ctx, repo.ID); ferr != nil {
			f.logger.Error("failed to flag repository for re-authentication",
				zap.String("repository_id", repo.ID),
				zap.Error(ferr),
			)
		}
	}
	return err
}

// ConnectRepository connects a remote repository.
func (f *Facade) ConnectRepository(ctx context.Context, req repos.ConnectRequest) (*store.Repository, error) {
	key := req.Provider + "/" + req.ProjectID + "/" + req.RemoteRepoID
	unlock, err := f.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return f.repos.Connect(ctx, req)
}

// DisconnectRepository removes the webhook best-effort and deactivates the
// repository. Mirror rows are kept.
func (f *Facade) DisconnectRepository(ctx context.Context, id string) (*store.Repository, error) {
	unlock, err := f.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	repo, err := f.repos.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if repo.Webhook != nil {
		client, err := f.repos.Client(repo)
		if err == nil {
			err = f.webhooks.Remove(ctx, repo, client)
		}
		if err != nil {
			f.logger.Warn("failed to remove webhook during disconnect",
				zap.String("repository_id", id),
				zap.Error(err),
			)
		}
	}
	return f.repos.Disconnect(ctx, id)
}

// GetRepository returns a repository in any state.
func (f *Facade) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	return f.repos.Get(ctx, id)
}

// ListRepositories returns repositories, optionally only active ones.
func (f *Facade) ListRepositories(ctx context.Context, activeOnly bool) ([]*store.Repository, error) {
	return f.repos.List(ctx, activeOnly)
}

// ResyncRepository refreshes repository metadata from the remote.
func (f *Facade) ResyncRepository(ctx context.Context, id string) (*store.Repository, error) {
	var out *store.Repository
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.repos.Resync(ctx, repo, client)
		return err
	})
	return out, err
}

// PassResult summarizes one synchronizer pass.
type PassResult struct {
	SyncedCount int      `json:"synced_count"`
	Errors      []string `json:"errors,omitempty"`
}

// NewPassResult converts a synchronizer result into its serializable form.
func NewPassResult(synced int, errs []error) PassResult {
	r := PassResult{SyncedCount: synced}
	for _, err := range errs {
		r.Errors = append(r.Errors, err.Error())
	}
	return r
}

// SyncReport summarizes a full repository reconciliation.
type SyncReport struct {
	RepositoryID  string     `json:"repository_id"`
	Branches      PassResult `json:"branches"`
	MergeRequests PassResult `json:"merge_requests"`
	SyncedAt      time.Time  `json:"synced_at"`
}

// SyncRepository reconciles metadata, branches and merge requests. A failed
// listing fails the pass and leaves LastSyncAt unchanged.
func (f *Facade) SyncRepository(ctx context.Context, id string) (*SyncReport, error) {
	var report *SyncReport
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		report, err = f.syncRepository(ctx, repo, client)
		return err
	})
	return report, err
}

func (f *Facade) syncRepository(ctx context.Context, repo *store.Repository, client provider.Provider) (*SyncReport, error) {
	repo, err := f.repos.Resync(ctx, repo, client)
	if err != nil {
		return nil, err
	}

	br, err := f.branches.Sync(ctx, repo, client)
	if err != nil {
		return nil, err
	}
	mr, err := f.mergeRequests.Sync(ctx, repo, client)
	if err != nil {
		return nil, err
	}

	at := f.now()
	if err := f.repos.StampSynced(ctx, repo.ID, at); err != nil {
		return nil, err
	}
	metrics.SyncPass()

	return &SyncReport{
		RepositoryID:  repo.ID,
		Branches:      NewPassResult(br.SyncedCount, br.Errors),
		MergeRequests: NewPassResult(mr.SyncedCount, mr.Errors),
		SyncedAt:      at,
	}, nil
}

// SyncBranches reconciles branches only.
func (f *Facade) SyncBranches(ctx context.Context, id string) (branches.SyncResult, error) {
	var result branches.SyncResult
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		if result, err = f.branches.Sync(ctx, repo, client); err != nil {
			return err
		}
		metrics.SyncPass()
		return f.repos.StampSynced(ctx, repo.ID, f.now())
	})
	return result, err
}

// SyncMergeRequests reconciles merge requests only.
func (f *Facade) SyncMergeRequests(ctx context.Context, id string) (mergerequests.SyncResult, error) {
	var result mergerequests.SyncResult
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		if result, err = f.mergeRequests.Sync(ctx, repo, client); err != nil {
			return err
		}
		metrics.SyncPass()
		return f.repos.StampSynced(ctx, repo.ID, f.now())
	})
	return result, err
}

// SyncAll reconciles every active repository. Failures of individual
// repositories are combined into the returned error.
func (f *Facade) SyncAll(ctx context.Context) ([]*SyncReport, error) {
	active, err := f.repos.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	var (
		mu      sync.Mutex
		reports []*SyncReport
		errs    error
		g       errgroup.Group
	)
	g.SetLimit(f.opts.Concurrency)
	for _, repo := range active {
		g.Go(func() error {
			report, err := f.SyncRepository(ctx, repo.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("repository %s: %w", repo.ID, err))
				return nil
			}
			reports = append(reports, report)
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Info("sync of all repositories complete",
		zap.Int("repositories", len(active)),
		zap.Int("succeeded", len(reports)),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return reports, errs
}

// ListBranches returns the mirrored branches.
func (f *Facade) ListBranches(ctx context.Context, id string) ([]*store.Branch, error) {
	repo, err := f.repos.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.branches.List(ctx, repo)
}

// CreateBranch creates a branch remotely, then mirrors it.
func (f *Facade) CreateBranch(ctx context.Context, id, name, source string) (*store.Branch, error) {
	var out *store.Branch
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.branches.Create(ctx, repo, client, name, source)
		return err
	})
	return out, err
}

// DeleteBranch deletes a branch remotely, then tombstones it.
func (f *Facade) DeleteBranch(ctx context.Context, id, name string) (*store.Branch, error) {
	var out *store.Branch
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.branches.Delete(ctx, repo, client, name)
		return err
	})
	return out, err
}

// ListMergeRequests returns mirrored merge requests matching filter.
func (f *Facade) ListMergeRequests(ctx context.Context, id string, filter store.MergeRequestFilter) ([]*store.MergeRequest, error) {
	repo, err := f.repos.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.mergeRequests.List(ctx, repo, filter)
}

// CreateMergeRequest opens a merge request remotely, then mirrors it.
func (f *Facade) CreateMergeRequest(ctx context.Context, id string, req mergerequests.CreateRequest) (*store.MergeRequest, error) {
	var out *store.MergeRequest
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.mergeRequests.Create(ctx, repo, client, req)
		return err
	})
	return out, err
}

// MergeMergeRequest merges an open merge request on behalf of actorID.
func (f *Facade) MergeMergeRequest(ctx context.Context, id string, number int, actorID string, opts provider.MergeOptions) (*store.MergeRequest, error) {
	var out *store.MergeRequest
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.mergeRequests.Merge(ctx, repo, client, number, actorID, opts)
		return err
	})
	return out, err
}

// CloseMergeRequest closes a merge request without merging.
func (f *Facade) CloseMergeRequest(ctx context.Context, id string, number int) (*store.MergeRequest, error) {
	var out *store.MergeRequest
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.mergeRequests.Close(ctx, repo, client, number)
		return err
	})
	return out, err
}

// ReopenMergeRequest reopens a closed merge request.
func (f *Facade) ReopenMergeRequest(ctx context.Context, id string, number int) (*store.MergeRequest, error) {
	var out *store.MergeRequest
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.mergeRequests.Reopen(ctx, repo, client, number)
		return err
	})
	return out, err
}

// GetCommits lists recent commits on ref straight from the remote.
func (f *Facade) GetCommits(ctx context.Context, id, ref string, limit int) ([]provider.CommitInfo, error) {
	var out []provider.CommitInfo
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		if ref == "" {
			ref = repo.DefaultBranch
		}
		var err error
		out, err = client.GetCommits(ctx, repo.RemoteRepoID, ref, limit)
		return err
	})
	return out, err
}

// GetCommit fetches a single commit straight from the remote.
func (f *Facade) GetCommit(ctx context.Context, id, sha string) (*provider.CommitInfo, error) {
	var out *provider.CommitInfo
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = client.GetCommit(ctx, repo.RemoteRepoID, sha)
		return err
	})
	return out, err
}

// CallbackURL returns the webhook endpoint for a repository.
func (f *Facade) CallbackURL(id string) string {
	return f.opts.CallbackBaseURL + "/webhooks/" + id
}

// SetupWebhook registers (or replaces) the repository's webhook.
func (f *Facade) SetupWebhook(ctx context.Context, id string) (*store.WebhookRegistration, error) {
	if f.opts.CallbackBaseURL == "" {
		return nil, ErrNoCallbackURL
	}
	var out *store.WebhookRegistration
	err := f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		var err error
		out, err = f.webhooks.Setup(ctx, repo, client, f.CallbackURL(id))
		return err
	})
	return out, err
}

// RemoveWebhook deletes the repository's webhook.
func (f *Facade) RemoveWebhook(ctx context.Context, id string) error {
	return f.withRepo(ctx, id, func(repo *store.Repository, client provider.Provider) error {
		return f.webhooks.Remove(ctx, repo, client)
	})
}

// ProcessInboundEvent verifies and applies a webhook delivery. The signature
// is checked before the repository lock is taken, and again under it in
// case the secret was rotated meanwhile.
func (f *Facade) ProcessInboundEvent(ctx context.Context, id string, d webhook.Delivery) error {
	repo, err := f.repos.GetActive(ctx, id)
	if err != nil {
		return err
	}
	if err := f.webhooks.Authenticate(repo, d); err != nil {
		return err
	}

	unlock, err := f.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	repo, err = f.repos.GetActive(ctx, id)
	if err != nil {
		return err
	}
	return f.webhooks.Process(ctx, repo, d)
}

// PruneDeliveries drops expired delivery IDs and returns how many.
func (f *Facade) PruneDeliveries() int {
	return f.deliveries.Cleanup()
}
