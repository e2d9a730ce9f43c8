package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/xanzy/go-gitlab"
)

const perPage = 100

// Ensure GitLabProvider implements provider.Provider.
var _ provider.Provider = (*GitLabProvider)(nil)

// GitLabProvider implements provider.Provider for GitLab.
type GitLabProvider struct {
	client  *gitlab.Client
	baseURL string
}

// Option configures the GitLab provider.
type Option func(*GitLabProvider)

// WithBaseURL sets a custom instance URL (self-managed GitLab or tests).
func WithBaseURL(baseURL string) Option {
	return func(p *GitLabProvider) {
		p.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// New creates a new GitLab provider. The client's own retry loop is
// disabled; retries belong to the caller.
func New(token string, opts ...Option) (*GitLabProvider, error) {
	p := &GitLabProvider{}
	for _, opt := range opts {
		opt(p)
	}

	clientOpts := []gitlab.ClientOptionFunc{gitlab.WithCustomRetryMax(0)}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, gitlab.WithBaseURL(p.baseURL+"/api/v4"))
	}

	client, err := gitlab.NewClient(token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	p.client = client

	return p, nil
}

// Name returns the provider name.
func (p *GitLabProvider) Name() string {
	return provider.GitLab
}

// classify converts a go-gitlab error into a provider.Error.
func classify(op string, resp *gitlab.Response, err error) error {
	if err == nil {
		return nil
	}

	var respErr *gitlab.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return provider.FromStatus(provider.GitLab, op, respErr.Response.StatusCode, respErr.Response.Header, err)
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		return provider.FromStatus(provider.GitLab, op, resp.StatusCode, resp.Header, err)
	}

	return provider.FromTransport(provider.GitLab, op, err)
}

// GetRepository fetches project metadata.
func (p *GitLabProvider) GetRepository(ctx context.Context, remoteRepoID string) (*provider.RepositoryInfo, error) {
	project, resp, err := p.client.Projects.GetProject(remoteRepoID, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("get project", resp, err)
	}

	return &provider.RepositoryInfo{
		RemoteID:      strconv.Itoa(project.ID),
		Name:          project.Name,
		FullName:      project.PathWithNamespace,
		CloneURL:      project.HTTPURLToRepo,
		WebURL:        project.WebURL,
		DefaultBranch: project.DefaultBranch,
	}, nil
}

// GetBranches lists all branches.
func (p *GitLabProvider) GetBranches(ctx context.Context, remoteRepoID string) ([]provider.BranchInfo, error) {
	var result []provider.BranchInfo
	opts := &gitlab.ListBranchesOptions{ListOptions: gitlab.ListOptions{PerPage: perPage, Page: 1}}
	for {
		branches, resp, err := p.client.Branches.ListBranches(remoteRepoID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, classify("list branches", resp, err)
		}
		for _, b := range branches {
			result = append(result, toBranchInfo(b))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// GetBranch fetches a single branch.
func (p *GitLabProvider) GetBranch(ctx context.Context, remoteRepoID, name string) (*provider.BranchInfo, error) {
	b, resp, err := p.client.Branches.GetBranch(remoteRepoID, name, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("get branch", resp, err)
	}
	info := toBranchInfo(b)
	return &info, nil
}

// CreateBranch creates name from sourceBranch.
func (p *GitLabProvider) CreateBranch(ctx context.Context, remoteRepoID, name, sourceBranch string) (*provider.BranchInfo, error) {
	b, resp, err := p.client.Branches.CreateBranch(remoteRepoID, &gitlab.CreateBranchOptions{
		Branch: gitlab.Ptr(name),
		Ref:    gitlab.Ptr(sourceBranch),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("create branch", resp, err)
	}
	info := toBranchInfo(b)
	return &info, nil
}

// DeleteBranch deletes a branch.
func (p *GitLabProvider) DeleteBranch(ctx context.Context, remoteRepoID, name string) error {
	resp, err := p.client.Branches.DeleteBranch(remoteRepoID, name, gitlab.WithContext(ctx))
	if err != nil {
		return classify("delete branch", resp, err)
	}
	return nil
}

func listState(s provider.MergeRequestState) string {
	switch s {
	case provider.StateOpen, provider.StateDraft:
		return "opened"
	case provider.StateMerged:
		return "merged"
	case provider.StateClosed:
		return "closed"
	default:
		return "all"
	}
}

// GetMergeRequests lists merge requests matching filter. The listing is
// decoded into full merge request objects so one conversion covers both
// list and point reads.
func (p *GitLabProvider) GetMergeRequests(ctx context.Context, remoteRepoID string, filter provider.MergeRequestFilter) ([]provider.MergeRequestInfo, error) {
	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage, Page: 1},
		State:       gitlab.Ptr(listState(filter.State)),
	}
	if filter.TargetBranch != "" {
		opts.TargetBranch = gitlab.Ptr(filter.TargetBranch)
	}

	path := fmt.Sprintf("projects/%s/merge_requests", url.PathEscape(remoteRepoID))
	var result []provider.MergeRequestInfo
	for {
		req, err := p.client.NewRequest(http.MethodGet, path, opts, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}

		var mrs []*gitlab.MergeRequest
		resp, err := p.client.Do(req, &mrs)
		if err != nil {
			return nil, classify("list merge requests", resp, err)
		}
		for _, mr := range mrs {
			info := toMergeRequestInfo(mr)
			if filter.State != "" && info.State != filter.State {
				continue
			}
			result = append(result, info)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// GetMergeRequest fetches a merge request by IID.
func (p *GitLabProvider) GetMergeRequest(ctx context.Context, remoteRepoID string, number int) (*provider.MergeRequestInfo, error) {
	mr, resp, err := p.client.MergeRequests.GetMergeRequest(remoteRepoID, number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("get merge request", resp, err)
	}
	info := toMergeRequestInfo(mr)
	return &info, nil
}

// CreateMergeRequest opens a merge request. Reviewer ids must be numeric
// GitLab user ids.
func (p *GitLabProvider) CreateMergeRequest(ctx context.Context, remoteRepoID string, opts provider.CreateMergeRequestOptions) (*provider.MergeRequestInfo, error) {
	title := opts.Title
	if opts.Draft && !strings.HasPrefix(title, "Draft:") {
		title = "Draft: " + title
	}

	create := &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(title),
		Description:  gitlab.Ptr(opts.Description),
		SourceBranch: gitlab.Ptr(opts.SourceBranch),
		TargetBranch: gitlab.Ptr(opts.TargetBranch),
	}
	if len(opts.Labels) > 0 {
		labels := gitlab.LabelOptions(opts.Labels)
		create.Labels = &labels
	}
	if len(opts.ReviewerIDs) > 0 {
		ids := make([]int, len(opts.ReviewerIDs))
		for i, r := range opts.ReviewerIDs {
			id, err := strconv.Atoi(r)
			if err != nil {
				return nil, &provider.Error{Kind: provider.KindInvalid, Provider: provider.GitLab, Op: "create merge request", Err: fmt.Errorf("reviewer id %q is not numeric", r)}
			}
			ids[i] = id
		}
		create.ReviewerIDs = &ids
	}

	mr, resp, err := p.client.MergeRequests.CreateMergeRequest(remoteRepoID, create, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("create merge request", resp, err)
	}
	info := toMergeRequestInfo(mr)
	return &info, nil
}

// MergeMergeRequest accepts a merge request.
func (p *GitLabProvider) MergeMergeRequest(ctx context.Context, remoteRepoID string, number int, opts provider.MergeOptions) error {
	accept := &gitlab.AcceptMergeRequestOptions{
		Squash:                   gitlab.Ptr(opts.Squash),
		ShouldRemoveSourceBranch: gitlab.Ptr(opts.DeleteSourceBranch),
	}
	if opts.CommitMessage != "" {
		accept.MergeCommitMessage = gitlab.Ptr(opts.CommitMessage)
	}
	if opts.SHA != "" {
		accept.SHA = gitlab.Ptr(opts.SHA)
	}

	_, resp, err := p.client.MergeRequests.AcceptMergeRequest(remoteRepoID, number, accept, gitlab.WithContext(ctx))
	if err != nil {
		// 405/406: not mergeable in its current state.
		if resp != nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotAcceptable) {
			return &provider.Error{Kind: provider.KindConflict, Provider: provider.GitLab, Op: "merge merge request", StatusCode: resp.StatusCode, Err: err}
		}
		return classify("merge merge request", resp, err)
	}
	return nil
}

// CloseMergeRequest closes a merge request.
func (p *GitLabProvider) CloseMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return p.stateEvent(ctx, remoteRepoID, number, "close")
}

// ReopenMergeRequest reopens a closed merge request.
func (p *GitLabProvider) ReopenMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return p.stateEvent(ctx, remoteRepoID, number, "reopen")
}

func (p *GitLabProvider) stateEvent(ctx context.Context, remoteRepoID string, number int, event string) error {
	_, resp, err := p.client.MergeRequests.UpdateMergeRequest(remoteRepoID, number, &gitlab.UpdateMergeRequestOptions{
		StateEvent: gitlab.Ptr(event),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify(event+" merge request", resp, err)
	}
	return nil
}

// GetCommits lists recent commits on ref.
func (p *GitLabProvider) GetCommits(ctx context.Context, remoteRepoID, ref string, limit int) ([]provider.CommitInfo, error) {
	if limit <= 0 || limit > perPage {
		limit = perPage
	}
	opts := &gitlab.ListCommitsOptions{ListOptions: gitlab.ListOptions{PerPage: limit, Page: 1}}
	if ref != "" {
		opts.RefName = gitlab.Ptr(ref)
	}

	commits, resp, err := p.client.Commits.ListCommits(remoteRepoID, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("list commits", resp, err)
	}

	result := make([]provider.CommitInfo, len(commits))
	for i, c := range commits {
		result[i] = toCommitInfo(c)
	}
	return result, nil
}

// GetCommit fetches a commit by sha.
func (p *GitLabProvider) GetCommit(ctx context.Context, remoteRepoID, sha string) (*provider.CommitInfo, error) {
	path := fmt.Sprintf("projects/%s/repository/commits/%s", url.PathEscape(remoteRepoID), url.PathEscape(sha))
	req, err := p.client.NewRequest(http.MethodGet, path, nil, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	var c gitlab.Commit
	resp, err := p.client.Do(req, &c)
	if err != nil {
		return nil, classify("get commit", resp, err)
	}
	info := toCommitInfo(&c)
	return &info, nil
}

// CreateWebhook registers a project hook. GitLab echoes secret back in the
// X-Gitlab-Token header of each delivery.
func (p *GitLabProvider) CreateWebhook(ctx context.Context, remoteRepoID, hookURL, secret string, events []string) (*provider.WebhookInfo, error) {
	opts := &gitlab.AddProjectHookOptions{
		URL:                   gitlab.Ptr(hookURL),
		Token:                 gitlab.Ptr(secret),
		EnableSSLVerification: gitlab.Ptr(true),
		PushEvents:            gitlab.Ptr(false),
		MergeRequestsEvents:   gitlab.Ptr(false),
	}
	for _, e := range events {
		switch e {
		case "push":
			opts.PushEvents = gitlab.Ptr(true)
		case "merge_requests":
			opts.MergeRequestsEvents = gitlab.Ptr(true)
		}
	}

	hook, resp, err := p.client.Projects.AddProjectHook(remoteRepoID, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("create webhook", resp, err)
	}

	return &provider.WebhookInfo{
		ID:     strconv.Itoa(hook.ID),
		URL:    hook.URL,
		Events: events,
	}, nil
}

// DeleteWebhook removes a project hook.
func (p *GitLabProvider) DeleteWebhook(ctx context.Context, remoteRepoID, webhookID string) error {
	id, err := strconv.Atoi(webhookID)
	if err != nil {
		return &provider.Error{Kind: provider.KindInvalid, Provider: provider.GitLab, Op: "delete webhook", Err: err}
	}

	resp, err := p.client.Projects.DeleteProjectHook(remoteRepoID, id, gitlab.WithContext(ctx))
	if err != nil {
		return classify("delete webhook", resp, err)
	}
	return nil
}

func toBranchInfo(b *gitlab.Branch) provider.BranchInfo {
	info := provider.BranchInfo{
		Name:        b.Name,
		IsProtected: b.Protected,
		IsDefault:   b.Default,
	}
	if b.Commit != nil {
		info.SHA = b.Commit.ID
	}
	return info
}

// MergeRequestState maps GitLab state and draft flag to the neutral state.
func MergeRequestState(state string, draft bool) provider.MergeRequestState {
	switch state {
	case "merged":
		return provider.StateMerged
	case "closed", "locked":
		return provider.StateClosed
	default:
		if draft {
			return provider.StateDraft
		}
		return provider.StateOpen
	}
}

func toMergeRequestInfo(mr *gitlab.MergeRequest) provider.MergeRequestInfo {
	info := provider.MergeRequestInfo{
		RemoteID:     strconv.Itoa(mr.ID),
		Number:       mr.IID,
		Title:        mr.Title,
		Description:  mr.Description,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		State:        MergeRequestState(mr.State, mr.Draft),
		URL:          mr.WebURL,
		Labels:       append([]string{}, mr.Labels...),
		MergedAt:     mr.MergedAt,
		ClosedAt:     mr.ClosedAt,
	}

	if mr.Author != nil {
		info.Author = mr.Author.Username
	}
	if mr.MergedBy != nil {
		info.MergedBy = mr.MergedBy.Username
	}
	for _, r := range mr.Reviewers {
		info.ReviewerIDs = append(info.ReviewerIDs, strconv.Itoa(r.ID))
	}
	if mr.CreatedAt != nil {
		info.CreatedAt = *mr.CreatedAt
	}
	if mr.UpdatedAt != nil {
		info.UpdatedAt = *mr.UpdatedAt
	}
	return info
}

func toCommitInfo(c *gitlab.Commit) provider.CommitInfo {
	info := provider.CommitInfo{
		SHA:         c.ID,
		Message:     c.Message,
		AuthorName:  c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		URL:         c.WebURL,
	}
	if c.CommittedDate != nil {
		info.CommittedAt = *c.CommittedDate
	}
	return info
}
