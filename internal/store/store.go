// Package store defines the persisted mirror of remote repositories and the
// interface every backend implements.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned by point reads when the row does not exist.
var ErrNotFound = errors.New("not found")

// Credential is an access token. It never prints or serializes its value.
type Credential string

const redacted = "[REDACTED]"

func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return redacted
}

// Format redacts the value for every verb, including %#v.
func (c Credential) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, c.String())
}

// MarshalJSON redacts the value.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Reveal returns the raw token for provider clients.
func (c Credential) Reveal() string {
	return string(c)
}

// WebhookRegistration is a webhook registered on the remote.
type WebhookRegistration struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events"`
}

// Repository is a connected remote repository.
type Repository struct {
	ID               string               `json:"id"`
	ProjectID        string               `json:"project_id"`
	Provider         string               `json:"provider"`
	RemoteRepoID     string               `json:"remote_repo_id"`
	Name             string               `json:"name"`
	FullName         string               `json:"full_name"`
	RemoteURL        string               `json:"remote_url"`
	WebURL           string               `json:"web_url"`
	DefaultBranch    string               `json:"default_branch"`
	AccessCredential Credential           `json:"access_credential"`
	Webhook          *WebhookRegistration `json:"webhook,omitempty"`
	IsActive         bool                 `json:"is_active"`
	NeedsReauth      bool                 `json:"needs_reauth"`
	LastSyncAt       *time.Time           `json:"last_sync_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// BranchStatus is the lifecycle state of a mirrored branch.
type BranchStatus string

const (
	BranchActive  BranchStatus = "ACTIVE"
	BranchDeleted BranchStatus = "DELETED"
)

// Branch is a mirrored branch, unique on (RepositoryID, Name).
type Branch struct {
	ID                string       `json:"id"`
	RepositoryID      string       `json:"repository_id"`
	Name              string       `json:"name"`
	SHA               string       `json:"sha"`
	IsProtected       bool         `json:"is_protected"`
	IsDefault         bool         `json:"is_default"`
	Status            BranchStatus `json:"status"`
	LastCommitMessage string       `json:"last_commit_message,omitempty"`
	LastCommitAuthor  string       `json:"last_commit_author,omitempty"`
	LastCommitAt      *time.Time   `json:"last_commit_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// MergeRequestStatus is the lifecycle state of a mirrored merge request.
type MergeRequestStatus string

const (
	StatusOpen   MergeRequestStatus = "OPEN"
	StatusDraft  MergeRequestStatus = "DRAFT"
	StatusMerged MergeRequestStatus = "MERGED"
	StatusClosed MergeRequestStatus = "CLOSED"
)

// Terminal reports whether no ordinary transition leaves s.
func (s MergeRequestStatus) Terminal() bool {
	return s == StatusMerged || s == StatusClosed
}

// MergeRequest is a mirrored merge request, unique on (RepositoryID, Number).
type MergeRequest struct {
	ID              string             `json:"id"`
	RepositoryID    string             `json:"repository_id"`
	Number          int                `json:"number"`
	RemoteID        string             `json:"remote_id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	SourceBranch    string             `json:"source_branch"`
	TargetBranch    string             `json:"target_branch"`
	Status          MergeRequestStatus `json:"status"`
	Author          string             `json:"author"`
	ReviewerIDs     []string           `json:"reviewer_ids"`
	Labels          []string           `json:"labels"`
	WebURL          string             `json:"web_url"`
	MergedAt        *time.Time         `json:"merged_at,omitempty"`
	MergedBy        string             `json:"merged_by,omitempty"`
	ClosedAt        *time.Time         `json:"closed_at,omitempty"`
	RemoteUpdatedAt *time.Time         `json:"remote_updated_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// MergeRequestFilter narrows ListMergeRequests.
type MergeRequestFilter struct {
	Status       MergeRequestStatus
	TargetBranch string
}

// Store persists the mirror. Each call is atomic on its own.
type Store interface {
	CreateRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	// FindRepository looks a repository up by its connection key.
	FindRepository(ctx context.Context, providerName, remoteRepoID, projectID string) (*Repository, error)
	ListRepositories(ctx context.Context, activeOnly bool) ([]*Repository, error)
	UpdateRepository(ctx context.Context, repo *Repository) error

	GetBranch(ctx context.Context, repositoryID, name string) (*Branch, error)
	ListBranches(ctx context.Context, repositoryID string) ([]*Branch, error)
	// UpsertBranch inserts or replaces the row keyed by (RepositoryID, Name).
	UpsertBranch(ctx context.Context, branch *Branch) error

	GetMergeRequest(ctx context.Context, repositoryID string, number int) (*MergeRequest, error)
	ListMergeRequests(ctx context.Context, repositoryID string, filter MergeRequestFilter) ([]*MergeRequest, error)
	// UpsertMergeRequest inserts or replaces the row keyed by (RepositoryID, Number).
	UpsertMergeRequest(ctx context.Context, mr *MergeRequest) error

	Close() error
}
