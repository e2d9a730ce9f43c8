package retry

import (
	"context"

	"github.com/drewdunne/forgesync/internal/provider"
)

// Ensure retryingProvider implements provider.Provider.
var _ provider.Provider = (*retryingProvider)(nil)

// retryingProvider runs every call of the wrapped client through an Executor.
type retryingProvider struct {
	next provider.Provider
	exec *Executor
}

// Wrap returns a provider whose calls are retried by exec.
func Wrap(next provider.Provider, exec *Executor) provider.Provider {
	return &retryingProvider{next: next, exec: exec}
}

// Unwrap returns the underlying client.
func (p *retryingProvider) Unwrap() provider.Provider {
	return p.next
}

func (p *retryingProvider) Name() string {
	return p.next.Name()
}

func (p *retryingProvider) GetRepository(ctx context.Context, remoteRepoID string) (*provider.RepositoryInfo, error) {
	return Call(ctx, p.exec, p.Name(), "get repository", func(ctx context.Context) (*provider.RepositoryInfo, error) {
		return p.next.GetRepository(ctx, remoteRepoID)
	})
}

func (p *retryingProvider) GetBranches(ctx context.Context, remoteRepoID string) ([]provider.BranchInfo, error) {
	return Call(ctx, p.exec, p.Name(), "list branches", func(ctx context.Context) ([]provider.BranchInfo, error) {
		return p.next.GetBranches(ctx, remoteRepoID)
	})
}

func (p *retryingProvider) GetBranch(ctx context.Context, remoteRepoID, name string) (*provider.BranchInfo, error) {
	return Call(ctx, p.exec, p.Name(), "get branch", func(ctx context.Context) (*provider.BranchInfo, error) {
		return p.next.GetBranch(ctx, remoteRepoID, name)
	})
}

func (p *retryingProvider) CreateBranch(ctx context.Context, remoteRepoID, name, sourceBranch string) (*provider.BranchInfo, error) {
	return CallMutation(ctx, p.exec, p.Name(), "create branch", func(ctx context.Context) (*provider.BranchInfo, error) {
		return p.next.CreateBranch(ctx, remoteRepoID, name, sourceBranch)
	})
}

func (p *retryingProvider) DeleteBranch(ctx context.Context, remoteRepoID, name string) error {
	return p.exec.DoMutation(ctx, p.Name(), "delete branch", func(ctx context.Context) error {
		return p.next.DeleteBranch(ctx, remoteRepoID, name)
	})
}

func (p *retryingProvider) GetMergeRequests(ctx context.Context, remoteRepoID string, filter provider.MergeRequestFilter) ([]provider.MergeRequestInfo, error) {
	return Call(ctx, p.exec, p.Name(), "list merge requests", func(ctx context.Context) ([]provider.MergeRequestInfo, error) {
		return p.next.GetMergeRequests(ctx, remoteRepoID, filter)
	})
}

func (p *retryingProvider) GetMergeRequest(ctx context.Context, remoteRepoID string, number int) (*provider.MergeRequestInfo, error) {
	return Call(ctx, p.exec, p.Name(), "get merge request", func(ctx context.Context) (*provider.MergeRequestInfo, error) {
		return p.next.GetMergeRequest(ctx, remoteRepoID, number)
	})
}

func (p *retryingProvider) CreateMergeRequest(ctx context.Context, remoteRepoID string, opts provider.CreateMergeRequestOptions) (*provider.MergeRequestInfo, error) {
	return CallMutation(ctx, p.exec, p.Name(), "create merge request", func(ctx context.Context) (*provider.MergeRequestInfo, error) {
		return p.next.CreateMergeRequest(ctx, remoteRepoID, opts)
	})
}

func (p *retryingProvider) MergeMergeRequest(ctx context.Context, remoteRepoID string, number int, opts provider.MergeOptions) error {
	return p.exec.DoMutation(ctx, p.Name(), "merge merge request", func(ctx context.Context) error {
		return p.next.MergeMergeRequest(ctx, remoteRepoID, number, opts)
	})
}

func (p *retryingProvider) CloseMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return p.exec.DoMutation(ctx, p.Name(), "close merge request", func(ctx context.Context) error {
		return p.next.CloseMergeRequest(ctx, remoteRepoID, number)
	})
}

func (p *retryingProvider) ReopenMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return p.exec.DoMutation(ctx, p.Name(), "reopen merge request", func(ctx context.Context) error {
		return p.next.ReopenMergeRequest(ctx, remoteRepoID, number)
	})
}

func (p *retryingProvider) GetCommits(ctx context.Context, remoteRepoID, ref string, limit int) ([]provider.CommitInfo, error) {
	return Call(ctx, p.exec, p.Name(), "list commits", func(ctx context.Context) ([]provider.CommitInfo, error) {
		return p.next.GetCommits(ctx, remoteRepoID, ref, limit)
	})
}

func (p *retryingProvider) GetCommit(ctx context.Context, remoteRepoID, sha string) (*provider.CommitInfo, error) {
	return Call(ctx, p.exec, p.Name(), "get commit", func(ctx context.Context) (*provider.CommitInfo, error) {
		return p.next.GetCommit(ctx, remoteRepoID, sha)
	})
}

func (p *retryingProvider) CreateWebhook(ctx context.Context, remoteRepoID, url, secret string, events []string) (*provider.WebhookInfo, error) {
	return CallMutation(ctx, p.exec, p.Name(), "create webhook", func(ctx context.Context) (*provider.WebhookInfo, error) {
		return p.next.CreateWebhook(ctx, remoteRepoID, url, secret, events)
	})
}

func (p *retryingProvider) DeleteWebhook(ctx context.Context, remoteRepoID, webhookID string) error {
	return p.exec.DoMutation(ctx, p.Name(), "delete webhook", func(ctx context.Context) error {
		return p.next.DeleteWebhook(ctx, remoteRepoID, webhookID)
	})
}
