package provider

import "time"

// MergeRequestState is the provider-neutral state of a merge request.
type MergeRequestState string

const (
	StateOpen   MergeRequestState = "OPEN"
	StateDraft  MergeRequestState = "DRAFT"
	StateMerged MergeRequestState = "MERGED"
	StateClosed MergeRequestState = "CLOSED"
)

// RepositoryInfo represents a remote repository.
type RepositoryInfo struct {
	RemoteID      string
	Name          string
	FullName      string
	CloneURL      string
	WebURL        string
	DefaultBranch string
}

// BranchInfo represents a remote branch.
type BranchInfo struct {
	Name        string
	SHA         string
	IsProtected bool
	IsDefault   bool
}

// MergeRequestInfo represents a merge request/pull request.
type MergeRequestInfo struct {
	RemoteID     string
	Number       int // PR number (GitHub), MR IID (GitLab), PR id (Bitbucket)
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	State        MergeRequestState
	Author       string
	ReviewerIDs  []string
	Labels       []string // nil when the provider does not report labels
	URL          string
	MergedBy     string
	MergedAt     *time.Time
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MergeRequestFilter narrows a merge request listing.
type MergeRequestFilter struct {
	// State limits results to one state; empty means all states.
	State        MergeRequestState
	TargetBranch string
}

// CreateMergeRequestOptions describes a new merge request.
type CreateMergeRequestOptions struct {
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	Draft        bool
	ReviewerIDs  []string
	Labels       []string
}

// MergeOptions controls how a merge request is merged.
type MergeOptions struct {
	CommitMessage      string
	Squash             bool
	DeleteSourceBranch bool
	// SHA guards against merging if the head moved.
	SHA string
}

// CommitInfo represents a commit.
type CommitInfo struct {
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
	URL         string
	CommittedAt time.Time
}

// WebhookInfo represents a registered webhook.
type WebhookInfo struct {
	ID     string
	URL    string
	Events []string
}
