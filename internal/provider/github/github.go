package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/google/go-github/v60/github"
)

const perPage = 100

// Ensure GitHubProvider implements provider.Provider.
var _ provider.Provider = (*GitHubProvider)(nil)

// GitHubProvider implements provider.Provider for GitHub.
type GitHubProvider struct {
	client *github.Client
}

// Option configures the GitHub provider.
type Option func(*GitHubProvider)

// WithBaseURL sets a custom base URL (GitHub Enterprise or tests).
func WithBaseURL(url string) Option {
	return func(p *GitHubProvider) {
		p.client.BaseURL, _ = p.client.BaseURL.Parse(strings.TrimSuffix(url, "/") + "/")
	}
}

// New creates a new GitHub provider authenticated with token.
func New(token string, opts ...Option) *GitHubProvider {
	httpClient := &http.Client{
		Transport: &tokenTransport{token: token},
	}
	p := &GitHubProvider{client: github.NewClient(httpClient)}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// tokenTransport adds authorization header to requests.
type tokenTransport struct {
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// Name returns the provider name.
func (p *GitHubProvider) Name() string {
	return provider.GitHub
}

// splitRepoID splits owner/repo.
func splitRepoID(remoteRepoID string) (string, string, error) {
	parts := strings.SplitN(remoteRepoID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &provider.Error{
			Kind:     provider.KindInvalid,
			Provider: provider.GitHub,
			Op:       "parse repository id",
			Err:      fmt.Errorf("expected owner/repo, got %q", remoteRepoID),
		}
	}
	return parts[0], parts[1], nil
}

// classify converts a go-github error into a provider.Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		e := &provider.Error{Kind: provider.KindRateLimited, Provider: provider.GitHub, Op: op, Err: err}
		if rateErr.Response != nil {
			e.StatusCode = rateErr.Response.StatusCode
		}
		if d := time.Until(rateErr.Rate.Reset.Time); d > 0 {
			e.RetryAfter = d
		}
		return e
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		e := &provider.Error{Kind: provider.KindRateLimited, Provider: provider.GitHub, Op: op, Err: err}
		if abuseErr.Response != nil {
			e.StatusCode = abuseErr.Response.StatusCode
		}
		e.RetryAfter = abuseErr.GetRetryAfter()
		return e
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return provider.FromStatus(provider.GitHub, op, respErr.Response.StatusCode, respErr.Response.Header, err)
	}

	return provider.FromTransport(provider.GitHub, op, err)
}

// GetRepository fetches repository metadata.
func (p *GitHubProvider) GetRepository(ctx context.Context, remoteRepoID string) (*provider.RepositoryInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	r, _, err := p.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify("get repository", err)
	}

	return &provider.RepositoryInfo{
		RemoteID:      strconv.FormatInt(r.GetID(), 10),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		WebURL:        r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
	}, nil
}

// GetBranches lists all branches, marking the default one.
func (p *GitHubProvider) GetBranches(ctx context.Context, remoteRepoID string) ([]provider.BranchInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	r, _, err := p.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify("get repository", err)
	}
	defaultBranch := r.GetDefaultBranch()

	var result []provider.BranchInfo
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	for {
		branches, resp, err := p.client.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify("list branches", err)
		}
		for _, b := range branches {
			result = append(result, provider.BranchInfo{
				Name:        b.GetName(),
				SHA:         b.GetCommit().GetSHA(),
				IsProtected: b.GetProtected(),
				IsDefault:   b.GetName() == defaultBranch,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// GetBranch fetches a single branch.
func (p *GitHubProvider) GetBranch(ctx context.Context, remoteRepoID, name string) (*provider.BranchInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	req, err := p.client.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/branches/%s", owner, repo, url.PathEscape(name)), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	var b github.Branch
	if _, err := p.client.Do(ctx, req, &b); err != nil {
		return nil, classify("get branch", err)
	}

	return &provider.BranchInfo{
		Name:        b.GetName(),
		SHA:         b.GetCommit().GetSHA(),
		IsProtected: b.GetProtected(),
	}, nil
}

// CreateBranch creates a branch ref pointing at the head of sourceBranch.
func (p *GitHubProvider) CreateBranch(ctx context.Context, remoteRepoID, name, sourceBranch string) (*provider.BranchInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	source, _, err := p.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+sourceBranch)
	if err != nil {
		return nil, classify("get source ref", err)
	}

	ref, _, err := p.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: source.GetObject().SHA},
	})
	if err != nil {
		return nil, classify("create branch", err)
	}

	return &provider.BranchInfo{
		Name: name,
		SHA:  ref.GetObject().GetSHA(),
	}, nil
}

// DeleteBranch deletes a branch ref.
func (p *GitHubProvider) DeleteBranch(ctx context.Context, remoteRepoID, name string) error {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return err
	}

	if _, err := p.client.Git.DeleteRef(ctx, owner, repo, "refs/heads/"+name); err != nil {
		return classify("delete branch", err)
	}
	return nil
}

// listState maps a neutral filter state to the GitHub list state.
func listState(s provider.MergeRequestState) string {
	switch s {
	case provider.StateOpen, provider.StateDraft:
		return "open"
	case provider.StateMerged, provider.StateClosed:
		return "closed"
	default:
		return "all"
	}
}

// GetMergeRequests lists pull requests matching filter.
func (p *GitHubProvider) GetMergeRequests(ctx context.Context, remoteRepoID string, filter provider.MergeRequestFilter) ([]provider.MergeRequestInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	var result []provider.MergeRequestInfo
	opts := &github.PullRequestListOptions{
		State:       listState(filter.State),
		Base:        filter.TargetBranch,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		prs, resp, err := p.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify("list pull requests", err)
		}
		for _, pr := range prs {
			info := toMergeRequestInfo(pr)
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

// GetMergeRequest fetches a pull request by number.
func (p *GitHubProvider) GetMergeRequest(ctx context.Context, remoteRepoID string, number int) (*provider.MergeRequestInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify("get pull request", err)
	}

	info := toMergeRequestInfo(pr)
	return &info, nil
}

// CreateMergeRequest opens a pull request and applies reviewers and labels.
// Once the pull request exists, a failed reviewer or label call returns the
// created pull request together with a *provider.FollowUpError.
func (p *GitHubProvider) CreateMergeRequest(ctx context.Context, remoteRepoID string, opts provider.CreateMergeRequestOptions) (*provider.MergeRequestInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	pr, _, err := p.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(opts.Title),
		Head:  github.String(opts.SourceBranch),
		Base:  github.String(opts.TargetBranch),
		Body:  github.String(opts.Description),
		Draft: github.Bool(opts.Draft),
	})
	if err != nil {
		return nil, classify("create pull request", err)
	}

	var followUp error
	if len(opts.ReviewerIDs) > 0 {
		updated, _, err := p.client.PullRequests.RequestReviewers(ctx, owner, repo, pr.GetNumber(), github.ReviewersRequest{
			Reviewers: opts.ReviewerIDs,
		})
		if err != nil {
			followUp = &provider.FollowUpError{Op: "request reviewers", Err: classify("request reviewers", err)}
		} else {
			pr = updated
		}
	}

	info := toMergeRequestInfo(pr)
	if len(opts.Labels) > 0 && followUp == nil {
		labels, _, err := p.client.Issues.AddLabelsToIssue(ctx, owner, repo, pr.GetNumber(), opts.Labels)
		if err != nil {
			followUp = &provider.FollowUpError{Op: "add labels", Err: classify("add labels", err)}
		} else {
			info.Labels = make([]string, len(labels))
			for i, l := range labels {
				info.Labels[i] = l.GetName()
			}
		}
	}
	return &info, followUp
}

// MergeMergeRequest merges a pull request. A failure to delete the source
// branch after the merge is reported as a *provider.FollowUpError.
func (p *GitHubProvider) MergeMergeRequest(ctx context.Context, remoteRepoID string, number int, opts provider.MergeOptions) error {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return err
	}

	method := "merge"
	if opts.Squash {
		method = "squash"
	}
	result, _, err := p.client.PullRequests.Merge(ctx, owner, repo, number, opts.CommitMessage, &github.PullRequestOptions{
		MergeMethod: method,
		SHA:         opts.SHA,
	})
	if err != nil {
		return classify("merge pull request", err)
	}
	if !result.GetMerged() {
		return &provider.Error{
			Kind:     provider.KindConflict,
			Provider: provider.GitHub,
			Op:       "merge pull request",
			Err:      errors.New(result.GetMessage()),
		}
	}

	if opts.DeleteSourceBranch {
		pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return &provider.FollowUpError{Op: "get pull request", Err: classify("get pull request", err)}
		}
		if _, err := p.client.Git.DeleteRef(ctx, owner, repo, "refs/heads/"+pr.GetHead().GetRef()); err != nil {
			if cerr := classify("delete source branch", err); !errors.Is(cerr, provider.ErrNotFound) {
				return &provider.FollowUpError{Op: "delete source branch", Err: cerr}
			}
		}
	}
	return nil
}

// CloseMergeRequest closes a pull request.
func (p *GitHubProvider) CloseMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return p.setState(ctx, remoteRepoID, number, "closed", "close pull request")
}

// ReopenMergeRequest reopens a closed pull request.
func (p *GitHubProvider) ReopenMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return p.setState(ctx, remoteRepoID, number, "open", "reopen pull request")
}

func (p *GitHubProvider) setState(ctx context.Context, remoteRepoID string, number int, state, op string) error {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return err
	}

	if _, _, err := p.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		State: github.String(state),
	}); err != nil {
		return classify(op, err)
	}
	return nil
}

// GetCommits lists recent commits on ref.
func (p *GitHubProvider) GetCommits(ctx context.Context, remoteRepoID, ref string, limit int) ([]provider.CommitInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > perPage {
		limit = perPage
	}

	commits, _, err := p.client.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		SHA:         ref,
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, classify("list commits", err)
	}

	result := make([]provider.CommitInfo, len(commits))
	for i, c := range commits {
		result[i] = toCommitInfo(c)
	}
	return result, nil
}

// GetCommit fetches a commit by sha.
func (p *GitHubProvider) GetCommit(ctx context.Context, remoteRepoID, sha string) (*provider.CommitInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	c, _, err := p.client.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, classify("get commit", err)
	}

	info := toCommitInfo(c)
	return &info, nil
}

// hookRequest is the body of POST /repos/{owner}/{repo}/hooks.
type hookRequest struct {
	Name   string            `json:"name"`
	Active bool              `json:"active"`
	Events []string          `json:"events"`
	Config map[string]string `json:"config"`
}

// CreateWebhook registers a JSON webhook signed with secret.
func (p *GitHubProvider) CreateWebhook(ctx context.Context, remoteRepoID, hookURL, secret string, events []string) (*provider.WebhookInfo, error) {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return nil, err
	}

	req, err := p.client.NewRequest(http.MethodPost, fmt.Sprintf("repos/%s/%s/hooks", owner, repo), &hookRequest{
		Name:   "web",
		Active: true,
		Events: events,
		Config: map[string]string{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	var hook github.Hook
	if _, err := p.client.Do(ctx, req, &hook); err != nil {
		return nil, classify("create webhook", err)
	}

	return &provider.WebhookInfo{
		ID:     strconv.FormatInt(hook.GetID(), 10),
		URL:    hookURL,
		Events: hook.Events,
	}, nil
}

// DeleteWebhook removes a webhook.
func (p *GitHubProvider) DeleteWebhook(ctx context.Context, remoteRepoID, webhookID string) error {
	owner, repo, err := splitRepoID(remoteRepoID)
	if err != nil {
		return err
	}

	id, err := strconv.ParseInt(webhookID, 10, 64)
	if err != nil {
		return &provider.Error{Kind: provider.KindInvalid, Provider: provider.GitHub, Op: "delete webhook", Err: err}
	}

	if _, err := p.client.Repositories.DeleteHook(ctx, owner, repo, id); err != nil {
		return classify("delete webhook", err)
	}
	return nil
}

// toMergeRequestInfo converts a pull request to the neutral representation.
func toMergeRequestInfo(pr *github.PullRequest) provider.MergeRequestInfo {
	info := provider.MergeRequestInfo{
		RemoteID:     strconv.FormatInt(pr.GetID(), 10),
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		State:        pullRequestState(pr),
		Author:       pr.GetUser().GetLogin(),
		URL:          pr.GetHTMLURL(),
		MergedBy:     pr.GetMergedBy().GetLogin(),
		CreatedAt:    pr.GetCreatedAt().Time,
		UpdatedAt:    pr.GetUpdatedAt().Time,
		Labels:       make([]string, 0, len(pr.Labels)),
	}

	for _, l := range pr.Labels {
		info.Labels = append(info.Labels, l.GetName())
	}
	for _, u := range pr.RequestedReviewers {
		info.ReviewerIDs = append(info.ReviewerIDs, u.GetLogin())
	}
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		info.MergedAt = &t
	}
	if pr.ClosedAt != nil {
		t := pr.ClosedAt.Time
		info.ClosedAt = &t
	}
	return info
}

func pullRequestState(pr *github.PullRequest) provider.MergeRequestState {
	return PullRequestState(pr.GetState(), pr.GetMerged() || pr.MergedAt != nil, pr.GetDraft())
}

// PullRequestState maps GitHub's open/closed state plus the merged and draft
// flags onto the neutral state.
func PullRequestState(state string, merged, draft bool) provider.MergeRequestState {
	switch {
	case merged:
		return provider.StateMerged
	case state == "closed":
		return provider.StateClosed
	case draft:
		return provider.StateDraft
	default:
		return provider.StateOpen
	}
}

func toCommitInfo(c *github.RepositoryCommit) provider.CommitInfo {
	return provider.CommitInfo{
		SHA:         c.GetSHA(),
		Message:     c.GetCommit().GetMessage(),
		AuthorName:  c.GetCommit().GetAuthor().GetName(),
		AuthorEmail: c.GetCommit().GetAuthor().GetEmail(),
		URL:         c.GetHTMLURL(),
		CommittedAt: c.GetCommit().GetCommitter().GetDate().Time,
	}
}
