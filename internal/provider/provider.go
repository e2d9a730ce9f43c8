package provider

import "context"

// Provider names.
const (
	GitHub    = "github"
	GitLab    = "gitlab"
	Bitbucket = "bitbucket"
)

// Provider defines the capability set every git hosting client implements.
// All methods operate on a remoteRepoID that is opaque to callers
// (owner/repo on GitHub, the project path on GitLab, workspace/slug on Bitbucket).
type Provider interface {
	// Name returns the provider name (github, gitlab, bitbucket).
	Name() string

	// GetRepository fetches repository metadata.
	GetRepository(ctx context.Context, remoteRepoID string) (*RepositoryInfo, error)

	// GetBranches lists every branch, following pagination to the end.
	GetBranches(ctx context.Context, remoteRepoID string) ([]BranchInfo, error)

	// GetBranch fetches a single branch.
	GetBranch(ctx context.Context, remoteRepoID, name string) (*BranchInfo, error)

	// CreateBranch creates name from the head of sourceBranch.
	CreateBranch(ctx context.Context, remoteRepoID, name, sourceBranch string) (*BranchInfo, error)

	// DeleteBranch deletes a branch.
	DeleteBranch(ctx context.Context, remoteRepoID, name string) error

	// GetMergeRequests lists merge requests matching filter.
	GetMergeRequests(ctx context.Context, remoteRepoID string, filter MergeRequestFilter) ([]MergeRequestInfo, error)

	// GetMergeRequest fetches a merge request by number.
	GetMergeRequest(ctx context.Context, remoteRepoID string, number int) (*MergeRequestInfo, error)

	// CreateMergeRequest opens a merge request.
	CreateMergeRequest(ctx context.Context, remoteRepoID string, opts CreateMergeRequestOptions) (*MergeRequestInfo, error)

	// MergeMergeRequest merges a merge request.
	MergeMergeRequest(ctx context.Context, remoteRepoID string, number int, opts MergeOptions) error

	// CloseMergeRequest closes a merge request without merging.
	CloseMergeRequest(ctx context.Context, remoteRepoID string, number int) error

	// ReopenMergeRequest reopens a closed merge request.
	ReopenMergeRequest(ctx context.Context, remoteRepoID string, number int) error

	// GetCommits lists the most recent commits on ref (the default branch when empty).
	GetCommits(ctx context.Context, remoteRepoID, ref string, limit int) ([]CommitInfo, error)

	// GetCommit fetches a commit by sha.
	GetCommit(ctx context.Context, remoteRepoID, sha string) (*CommitInfo, error)

	// CreateWebhook registers a webhook signed with secret.
	CreateWebhook(ctx context.Context, remoteRepoID, url, secret string, events []string) (*WebhookInfo, error)

	// DeleteWebhook removes a webhook.
	DeleteWebhook(ctx context.Context, remoteRepoID, webhookID string) error
}

// Supported returns the closed set of provider names.
func Supported() []string {
	return []string{GitHub, GitLab, Bitbucket}
}

// IsSupported reports whether name is a known provider.
func IsSupported(name string) bool {
	for _, n := range Supported() {
		if n == name {
			return true
		}
	}
	return false
}
