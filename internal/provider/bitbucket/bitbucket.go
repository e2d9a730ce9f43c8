package bitbucket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/drewdunne/forgesync/internal/provider"
)

const (
	defaultBaseURL = "https://api.bitbucket.org/2.0"
	pageLen        = 100
)

// Ensure BitbucketProvider implements provider.Provider.
var _ provider.Provider = (*BitbucketProvider)(nil)

// BitbucketProvider implements provider.Provider for Bitbucket Cloud.
type BitbucketProvider struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the Bitbucket provider.
type Option func(*BitbucketProvider)

// WithBaseURL sets a custom API base URL (tests).
func WithBaseURL(url string) Option {
	return func(p *BitbucketProvider) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *BitbucketProvider) {
		p.httpClient = c
	}
}

// New creates a new Bitbucket provider authenticated with token.
func New(token string, opts ...Option) *BitbucketProvider {
	p := &BitbucketProvider{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *BitbucketProvider) Name() string {
	return provider.Bitbucket
}

type link struct {
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

type repository struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Links    struct {
		HTML  link   `json:"html"`
		Clone []link `json:"clone"`
	} `json:"links"`
	MainBranch *struct {
		Name string `json:"name"`
	} `json:"mainbranch"`
}

type target struct {
	Hash string `json:"hash"`
}

type branch struct {
	Name   string `json:"name"`
	Target target `json:"target"`
}

type branchRef struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

type account struct {
	UUID        string `json:"uuid,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (a *account) login() string {
	if a == nil {
		return ""
	}
	if a.Nickname != "" {
		return a.Nickname
	}
	return a.DisplayName
}

type pullRequest struct {
	ID          int       `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Draft       bool      `json:"draft"`
	Author      *account  `json:"author"`
	ClosedBy    *account  `json:"closed_by"`
	Reviewers   []account `json:"reviewers"`
	Source      branchRef `json:"source"`
	Destination branchRef `json:"destination"`
	CreatedOn   time.Time `json:"created_on"`
	UpdatedOn   time.Time `json:"updated_on"`
	MergeCommit *target   `json:"merge_commit"`
	Links       struct {
		HTML link `json:"html"`
	} `json:"links"`
}

type commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
	Author  struct {
		Raw string `json:"raw"`
	} `json:"author"`
	Links struct {
		HTML link `json:"html"`
	} `json:"links"`
}

type hook struct {
	UUID   string   `json:"uuid"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// page is the Bitbucket paginated envelope.
type page[T any] struct {
	Values []T    `json:"values"`
	Next   string `json:"next"`
}

// repoPath returns the API path for workspace/slug.
func repoPath(remoteRepoID string) (string, error) {
	parts := strings.SplitN(remoteRepoID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", &provider.Error{
			Kind:     provider.KindInvalid,
			Provider: provider.Bitbucket,
			Op:       "parse repository id",
			Err:      fmt.Errorf("expected workspace/slug, got %q", remoteRepoID),
		}
	}
	return "/repositories/" + url.PathEscape(parts[0]) + "/" + url.PathEscape(parts[1]), nil
}

// do sends a request and decodes a JSON response into out (when non-nil).
// path may be absolute (pagination links) or relative to the base URL.
func (p *BitbucketProvider) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &provider.Error{Kind: provider.KindInvalid, Provider: provider.Bitbucket, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		endpoint = p.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &provider.Error{Kind: provider.KindInvalid, Provider: provider.Bitbucket, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return provider.FromTransport(provider.Bitbucket, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.FromStatus(provider.Bitbucket, op, resp.StatusCode, resp.Header,
			fmt.Errorf("%s", strings.TrimSpace(string(msg))))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.FromTransport(provider.Bitbucket, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// GetRepository fetches repository metadata.
func (p *BitbucketProvider) GetRepository(ctx context.Context, remoteRepoID string) (*provider.RepositoryInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	var r repository
	if err := p.do(ctx, "get repository", http.MethodGet, base, nil, &r); err != nil {
		return nil, err
	}

	info := &provider.RepositoryInfo{
		RemoteID: r.UUID,
		Name:     r.Name,
		FullName: r.FullName,
		WebURL:   r.Links.HTML.Href,
	}
	for _, c := range r.Links.Clone {
		if c.Name == "https" {
			info.CloneURL = c.Href
		}
	}
	if r.MainBranch != nil {
		info.DefaultBranch = r.MainBranch.Name
	}
	return info, nil
}

// GetBranches lists all branches, following the next links.
func (p *BitbucketProvider) GetBranches(ctx context.Context, remoteRepoID string) ([]provider.BranchInfo, error) {
	repo, err := p.GetRepository(ctx, remoteRepoID)
	if err != nil {
		return nil, err
	}
	base, _ := repoPath(remoteRepoID)

	var branches []provider.BranchInfo
	next := base + "/refs/branches?pagelen=" + strconv.Itoa(pageLen)
	for next != "" {
		var pg page[branch]
		if err := p.do(ctx, "list branches", http.MethodGet, next, nil, &pg); err != nil {
			return nil, err
		}
		for _, b := range pg.Values {
			branches = append(branches, toBranchInfo(b, repo.DefaultBranch))
		}
		next = pg.Next
	}
	return branches, nil
}

// GetBranch fetches a single branch.
func (p *BitbucketProvider) GetBranch(ctx context.Context, remoteRepoID, name string) (*provider.BranchInfo, error) {
	repo, err := p.GetRepository(ctx, remoteRepoID)
	if err != nil {
		return nil, err
	}
	base, _ := repoPath(remoteRepoID)

	var b branch
	if err := p.do(ctx, "get branch", http.MethodGet, base+"/refs/branches/"+url.PathEscape(name), nil, &b); err != nil {
		return nil, err
	}
	info := toBranchInfo(b, repo.DefaultBranch)
	return &info, nil
}

// CreateBranch creates name pointing at the head of sourceBranch.
func (p *BitbucketProvider) CreateBranch(ctx context.Context, remoteRepoID, name, sourceBranch string) (*provider.BranchInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	var src branch
	if err := p.do(ctx, "get source branch", http.MethodGet, base+"/refs/branches/"+url.PathEscape(sourceBranch), nil, &src); err != nil {
		return nil, err
	}

	req := branch{Name: name, Target: target{Hash: src.Target.Hash}}
	var created branch
	if err := p.do(ctx, "create branch", http.MethodPost, base+"/refs/branches", req, &created); err != nil {
		return nil, err
	}
	return &provider.BranchInfo{Name: created.Name, SHA: created.Target.Hash}, nil
}

// DeleteBranch deletes a branch.
func (p *BitbucketProvider) DeleteBranch(ctx context.Context, remoteRepoID, name string) error {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return err
	}
	return p.do(ctx, "delete branch", http.MethodDelete, base+"/refs/branches/"+url.PathEscape(name), nil, nil)
}

// listStates maps a filter state to Bitbucket query states.
func listStates(state provider.MergeRequestState) []string {
	switch state {
	case provider.StateOpen, provider.StateDraft:
		return []string{"OPEN"}
	case provider.StateMerged:
		return []string{"MERGED"}
	case provider.StateClosed:
		return []string{"DECLINED", "SUPERSEDED"}
	default:
		return []string{"OPEN", "MERGED", "DECLINED", "SUPERSEDED"}
	}
}

// GetMergeRequests lists pull requests matching filter.
func (p *BitbucketProvider) GetMergeRequests(ctx context.Context, remoteRepoID string, filter provider.MergeRequestFilter) ([]provider.MergeRequestInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("pagelen", "50")
	for _, s := range listStates(filter.State) {
		q.Add("state", s)
	}

	var mrs []provider.MergeRequestInfo
	next := base + "/pullrequests?" + q.Encode()
	for next != "" {
		var pg page[pullRequest]
		if err := p.do(ctx, "list pull requests", http.MethodGet, next, nil, &pg); err != nil {
			return nil, err
		}
		for i := range pg.Values {
			info := toMergeRequestInfo(&pg.Values[i])
			if filter.State != "" && info.State != filter.State {
				continue
			}
			if filter.TargetBranch != "" && info.TargetBranch != filter.TargetBranch {
				continue
			}
			mrs = append(mrs, *info)
		}
		next = pg.Next
	}
	return mrs, nil
}

// GetMergeRequest fetches a pull request by id.
func (p *BitbucketProvider) GetMergeRequest(ctx context.Context, remoteRepoID string, number int) (*provider.MergeRequestInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	var pr pullRequest
	if err := p.do(ctx, "get pull request", http.MethodGet, base+"/pullrequests/"+strconv.Itoa(number), nil, &pr); err != nil {
		return nil, err
	}
	return toMergeRequestInfo(&pr), nil
}

type createPullRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Draft       bool      `json:"draft,omitempty"`
	Source      branchRef `json:"source"`
	Destination branchRef `json:"destination"`
	Reviewers   []account `json:"reviewers,omitempty"`
}

// CreateMergeRequest opens a pull request. Bitbucket has no labels, so
// opts.Labels is ignored.
func (p *BitbucketProvider) CreateMergeRequest(ctx context.Context, remoteRepoID string, opts provider.CreateMergeRequestOptions) (*provider.MergeRequestInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	req := createPullRequest{
		Title:       opts.Title,
		Description: opts.Description,
		Draft:       opts.Draft,
	}
	req.Source.Branch.Name = opts.SourceBranch
	req.Destination.Branch.Name = opts.TargetBranch
	for _, id := range opts.ReviewerIDs {
		req.Reviewers = append(req.Reviewers, account{UUID: id})
	}

	var pr pullRequest
	if err := p.do(ctx, "create pull request", http.MethodPost, base+"/pullrequests", req, &pr); err != nil {
		return nil, err
	}
	return toMergeRequestInfo(&pr), nil
}

type mergeRequest struct {
	Type              string `json:"type"`
	Message           string `json:"message,omitempty"`
	MergeStrategy     string `json:"merge_strategy"`
	CloseSourceBranch bool   `json:"close_source_branch"`
}

// MergeMergeRequest merges a pull request.
func (p *BitbucketProvider) MergeMergeRequest(ctx context.Context, remoteRepoID string, number int, opts provider.MergeOptions) error {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return err
	}

	req := mergeRequest{
		Type:              "pullrequest",
		Message:           opts.CommitMessage,
		MergeStrategy:     "merge_commit",
		CloseSourceBranch: opts.DeleteSourceBranch,
	}
	if opts.Squash {
		req.MergeStrategy = "squash"
	}

	path := fmt.Sprintf("%s/pullrequests/%d/merge", base, number)
	return p.do(ctx, "merge pull request", http.MethodPost, path, req, nil)
}

// CloseMergeRequest declines a pull request.
func (p *BitbucketProvider) CloseMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/pullrequests/%d/decline", base, number)
	return p.do(ctx, "decline pull request", http.MethodPost, path, nil, nil)
}

// ReopenMergeRequest always fails: Bitbucket Cloud cannot reopen a
// declined pull request.
func (p *BitbucketProvider) ReopenMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return &provider.Error{
		Kind:     provider.KindInvalid,
		Provider: provider.Bitbucket,
		Op:       "reopen pull request",
		Err:      fmt.Errorf("declined pull request #%d cannot be reopened", number),
	}
}

// GetCommits lists the most recent commits on ref.
func (p *BitbucketProvider) GetCommits(ctx context.Context, remoteRepoID, ref string, limit int) ([]provider.CommitInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 30
	}

	next := base + "/commits"
	if ref != "" {
		next += "/" + url.PathEscape(ref)
	}
	next += "?pagelen=" + strconv.Itoa(min(limit, pageLen))

	var commits []provider.CommitInfo
	for next != "" && len(commits) < limit {
		var pg page[commit]
		if err := p.do(ctx, "list commits", http.MethodGet, next, nil, &pg); err != nil {
			return nil, err
		}
		for _, c := range pg.Values {
			if len(commits) == limit {
				break
			}
			commits = append(commits, toCommitInfo(c))
		}
		next = pg.Next
	}
	return commits, nil
}

// GetCommit fetches a commit by sha.
func (p *BitbucketProvider) GetCommit(ctx context.Context, remoteRepoID, sha string) (*provider.CommitInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	var c commit
	if err := p.do(ctx, "get commit", http.MethodGet, base+"/commit/"+url.PathEscape(sha), nil, &c); err != nil {
		return nil, err
	}
	info := toCommitInfo(c)
	return &info, nil
}

type createHook struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Active      bool     `json:"active"`
	Secret      string   `json:"secret,omitempty"`
	Events      []string `json:"events"`
}

// CreateWebhook registers a repository webhook.
func (p *BitbucketProvider) CreateWebhook(ctx context.Context, remoteRepoID, hookURL, secret string, events []string) (*provider.WebhookInfo, error) {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return nil, err
	}

	req := createHook{
		Description: "forgesync",
		URL:         hookURL,
		Active:      true,
		Secret:      secret,
		Events:      events,
	}
	var h hook
	if err := p.do(ctx, "create webhook", http.MethodPost, base+"/hooks", req, &h); err != nil {
		return nil, err
	}
	return &provider.WebhookInfo{ID: h.UUID, URL: h.URL, Events: h.Events}, nil
}

// DeleteWebhook removes a repository webhook.
func (p *BitbucketProvider) DeleteWebhook(ctx context.Context, remoteRepoID, webhookID string) error {
	base, err := repoPath(remoteRepoID)
	if err != nil {
		return err
	}
	return p.do(ctx, "delete webhook", http.MethodDelete, base+"/hooks/"+url.PathEscape(webhookID), nil, nil)
}

func toBranchInfo(b branch, defaultBranch string) provider.BranchInfo {
	return provider.BranchInfo{
		Name:      b.Name,
		SHA:       b.Target.Hash,
		IsDefault: b.Name == defaultBranch,
	}
}

// PullRequestState maps a Bitbucket pull request state to the shared state set.
func PullRequestState(state string, draft bool) provider.MergeRequestState {
	switch strings.ToUpper(state) {
	case "MERGED", "FULFILLED":
		return provider.StateMerged
	case "DECLINED", "SUPERSEDED":
		return provider.StateClosed
	default:
		if draft {
			return provider.StateDraft
		}
		return provider.StateOpen
	}
}

func toMergeRequestInfo(pr *pullRequest) *provider.MergeRequestInfo {
	info := &provider.MergeRequestInfo{
		RemoteID:     strconv.Itoa(pr.ID),
		Number:       pr.ID,
		Title:        pr.Title,
		Description:  pr.Description,
		SourceBranch: pr.Source.Branch.Name,
		TargetBranch: pr.Destination.Branch.Name,
		State:        PullRequestState(pr.State, pr.Draft),
		Author:       pr.Author.login(),
		URL:          pr.Links.HTML.Href,
		CreatedAt:    pr.CreatedOn,
		UpdatedAt:    pr.UpdatedOn,
	}
	for _, r := range pr.Reviewers {
		info.ReviewerIDs = append(info.ReviewerIDs, r.UUID)
	}

	switch info.State {
	case provider.StateMerged:
		info.MergedBy = pr.ClosedBy.login()
		at := pr.UpdatedOn
		info.MergedAt = &at
	case provider.StateClosed:
		at := pr.UpdatedOn
		info.ClosedAt = &at
	}
	return info
}

// splitAuthor parses "Name <email>".
func splitAuthor(raw string) (string, string) {
	open := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if open < 0 || end < open {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(raw[:open]), raw[open+1 : end]
}

func toCommitInfo(c commit) provider.CommitInfo {
	name, email := splitAuthor(c.Author.Raw)
	return provider.CommitInfo{
		SHA:         c.Hash,
		Message:     c.Message,
		AuthorName:  name,
		AuthorEmail: email,
		URL:         c.Links.HTML.Href,
		CommittedAt: c.Date,
	}
}
