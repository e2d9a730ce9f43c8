// Package providertest provides an in-memory provider.Provider with
// scripted failures for tests.
package providertest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/drewdunne/forgesync/internal/provider"
)

// Ensure Fake implements provider.Provider.
var _ provider.Provider = (*Fake)(nil)

// Method names accepted by FailNext and Calls.
const (
	GetRepository      = "GetRepository"
	GetBranches        = "GetBranches"
	GetBranch          = "GetBranch"
	CreateBranch       = "CreateBranch"
	DeleteBranch       = "DeleteBranch"
	GetMergeRequests   = "GetMergeRequests"
	GetMergeRequest    = "GetMergeRequest"
	CreateMergeRequest = "CreateMergeRequest"
	MergeMergeRequest  = "MergeMergeRequest"
	CloseMergeRequest  = "CloseMergeRequest"
	ReopenMergeRequest = "ReopenMergeRequest"
	GetCommits         = "GetCommits"
	GetCommit          = "GetCommit"
	CreateWebhook      = "CreateWebhook"
	DeleteWebhook      = "DeleteWebhook"
)

// Fake is a remote repository held in memory.
type Fake struct {
	mu sync.Mutex

	name     string
	repo     provider.RepositoryInfo
	branches map[string]provider.BranchInfo
	mrs      map[int]provider.MergeRequestInfo
	commits  []provider.CommitInfo
	hooks    map[string]provider.WebhookInfo
	nextHook int

	failures map[string][]error
	calls    map[string]int
	now      func() time.Time
}

// New creates a fake for providerName serving repo.
func New(providerName string, repo provider.RepositoryInfo) *Fake {
	return &Fake{
		name:     providerName,
		repo:     repo,
		branches: make(map[string]provider.BranchInfo),
		mrs:      make(map[int]provider.MergeRequestInfo),
		hooks:    make(map[string]provider.WebhookInfo),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// Error builds a classified error for kind as a client would.
func (f *Fake) Error(kind provider.Kind, op string) error {
	status := map[provider.Kind]int{
		provider.KindRateLimited:       http.StatusTooManyRequests,
		provider.KindUnauthorized:      http.StatusUnauthorized,
		provider.KindNotFound:          http.StatusNotFound,
		provider.KindRemoteUnavailable: http.StatusServiceUnavailable,
		provider.KindConflict:          http.StatusConflict,
		provider.KindInvalid:           http.StatusBadRequest,
		provider.KindForbidden:         http.StatusForbidden,
	}[kind]
	return &provider.Error{Kind: kind, Provider: f.name, Op: op, StatusCode: status}
}

// FailNext queues errs to be returned by the next calls of method. Create
// and merge calls given a *provider.FollowUpError still apply the change
// before returning it.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SetRepository replaces the remote repository metadata.
func (f *Fake) SetRepository(repo provider.RepositoryInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repo = repo
}

// PutBranch adds or replaces a remote branch.
func (f *Fake) PutBranch(b provider.BranchInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[b.Name] = b
}

// RemoveBranch deletes a remote branch without counting a call.
func (f *Fake) RemoveBranch(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, name)
}

// HasBranch reports whether the remote has branch name.
func (f *Fake) HasBranch(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.branches[name]
	return ok
}

// PutMergeRequest adds or replaces a remote merge request.
func (f *Fake) PutMergeRequest(mr provider.MergeRequestInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mrs[mr.Number] = mr
}

// PutCommit appends a commit to the remote history, newest last.
func (f *Fake) PutCommit(c provider.CommitInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, c)
}

// Webhooks returns the registered webhooks.
func (f *Fake) Webhooks() []provider.WebhookInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.WebhookInfo, 0, len(f.hooks))
	for _, h := range f.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// enter records a call and pops a scripted failure. Callers hold f.mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) Name() string {
	return f.name
}

func (f *Fake) GetRepository(ctx context.Context, remoteRepoID string) (*provider.RepositoryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetRepository); err != nil {
		return nil, err
	}
	repo := f.repo
	return &repo, nil
}

func (f *Fake) GetBranches(ctx context.Context, remoteRepoID string) ([]provider.BranchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetBranches); err != nil {
		return nil, err
	}
	out := make([]provider.BranchInfo, 0, len(f.branches))
	for _, b := range f.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) GetBranch(ctx context.Context, remoteRepoID, name string) (*provider.BranchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetBranch); err != nil {
		return nil, err
	}
	b, ok := f.branches[name]
	if !ok {
		return nil, f.Error(provider.KindNotFound, "get branch")
	}
	return &b, nil
}

func (f *Fake) CreateBranch(ctx context.Context, remoteRepoID, name, sourceBranch string) (*provider.BranchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(CreateBranch); err != nil {
		return nil, err
	}
	src, ok := f.branches[sourceBranch]
	if !ok {
		return nil, f.Error(provider.KindNotFound, "create branch")
	}
	if _, exists := f.branches[name]; exists {
		return nil, f.Error(provider.KindConflict, "create branch")
	}
	b := provider.BranchInfo{Name: name, SHA: src.SHA}
	f.branches[name] = b
	return &b, nil
}

func (f *Fake) DeleteBranch(ctx context.Context, remoteRepoID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(DeleteBranch); err != nil {
		return err
	}
	if _, ok := f.branches[name]; !ok {
		return f.Error(provider.KindNotFound, "delete branch")
	}
	delete(f.branches, name)
	return nil
}

func (f *Fake) GetMergeRequests(ctx context.Context, remoteRepoID string, filter provider.MergeRequestFilter) ([]provider.MergeRequestInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetMergeRequests); err != nil {
		return nil, err
	}
	var out []provider.MergeRequestInfo
	for _, mr := range f.mrs {
		if filter.State != "" && mr.State != filter.State {
			continue
		}
		if filter.TargetBranch != "" && mr.TargetBranch != filter.TargetBranch {
			continue
		}
		out = append(out, mr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *Fake) GetMergeRequest(ctx context.Context, remoteRepoID string, number int) (*provider.MergeRequestInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetMergeRequest); err != nil {
		return nil, err
	}
	mr, ok := f.mrs[number]
	if !ok {
		return nil, f.Error(provider.KindNotFound, "get merge request")
	}
	return &mr, nil
}

func (f *Fake) CreateMergeRequest(ctx context.Context, remoteRepoID string, opts provider.CreateMergeRequestOptions) (*provider.MergeRequestInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	followUp := f.enter(CreateMergeRequest)
	if followUp != nil && !provider.IsFollowUp(followUp) {
		return nil, followUp
	}
	if _, ok := f.branches[opts.SourceBranch]; !ok {
		return nil, f.Error(provider.KindInvalid, "create merge request")
	}

	number := 1
	for n := range f.mrs {
		if n >= number {
			number = n + 1
		}
	}
	state := provider.StateOpen
	if opts.Draft {
		state = provider.StateDraft
	}
	now := f.now()
	mr := provider.MergeRequestInfo{
		RemoteID:     strconv.Itoa(1000 + number),
		Number:       number,
		Title:        opts.Title,
		Description:  opts.Description,
		SourceBranch: opts.SourceBranch,
		TargetBranch: opts.TargetBranch,
		State:        state,
		Author:       "forgesync",
		ReviewerIDs:  opts.ReviewerIDs,
		Labels:       opts.Labels,
		URL:          fmt.Sprintf("https://example.com/%s/merge_requests/%d", f.repo.FullName, number),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.mrs[number] = mr
	return &mr, followUp
}

func (f *Fake) MergeMergeRequest(ctx context.Context, remoteRepoID string, number int, opts provider.MergeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	followUp := f.enter(MergeMergeRequest)
	if followUp != nil && !provider.IsFollowUp(followUp) {
		return followUp
	}
	mr, ok := f.mrs[number]
	if !ok {
		return f.Error(provider.KindNotFound, "merge merge request")
	}
	if mr.State != provider.StateOpen {
		return f.Error(provider.KindConflict, "merge merge request")
	}
	now := f.now()
	mr.State = provider.StateMerged
	mr.MergedAt = &now
	mr.UpdatedAt = now
	f.mrs[number] = mr
	if opts.DeleteSourceBranch && followUp == nil {
		delete(f.branches, mr.SourceBranch)
	}
	return followUp
}

func (f *Fake) CloseMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return f.setState(CloseMergeRequest, number, provider.StateClosed)
}

func (f *Fake) ReopenMergeRequest(ctx context.Context, remoteRepoID string, number int) error {
	return f.setState(ReopenMergeRequest, number, provider.StateOpen)
}

func (f *Fake) setState(method string, number int, state provider.MergeRequestState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(method); err != nil {
		return err
	}
	mr, ok := f.mrs[number]
	if !ok {
		return f.Error(provider.KindNotFound, method)
	}
	if mr.State == provider.StateMerged {
		return f.Error(provider.KindConflict, method)
	}
	now := f.now()
	mr.State = state
	mr.UpdatedAt = now
	if state == provider.StateClosed {
		mr.ClosedAt = &now
	} else {
		mr.ClosedAt = nil
	}
	f.mrs[number] = mr
	return nil
}

func (f *Fake) GetCommits(ctx context.Context, remoteRepoID, ref string, limit int) ([]provider.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetCommits); err != nil {
		return nil, err
	}
	var out []provider.CommitInfo
	for i := len(f.commits) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, f.commits[i])
	}
	return out, nil
}

func (f *Fake) GetCommit(ctx context.Context, remoteRepoID, sha string) (*provider.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(GetCommit); err != nil {
		return nil, err
	}
	for _, c := range f.commits {
		if c.SHA == sha {
			c := c
			return &c, nil
		}
	}
	return nil, f.Error(provider.KindNotFound, "get commit")
}

func (f *Fake) CreateWebhook(ctx context.Context, remoteRepoID, url, secret string, events []string) (*provider.WebhookInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(CreateWebhook); err != nil {
		return nil, err
	}
	f.nextHook++
	h := provider.WebhookInfo{ID: "hook-" + strconv.Itoa(f.nextHook), URL: url, Events: events}
	f.hooks[h.ID] = h
	return &h, nil
}

func (f *Fake) DeleteWebhook(ctx context.Context, remoteRepoID, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(DeleteWebhook); err != nil {
		return err
	}
	if _, ok := f.hooks[webhookID]; !ok {
		return f.Error(provider.KindNotFound, "delete webhook")
	}
	delete(f.hooks, webhookID)
	return nil
}
