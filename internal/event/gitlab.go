package event

import (
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/provider/gitlab"
)

type gitLabCommit struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		Name string `json:"name"`
	} `json:"author"`
}

type gitLabPayload struct {
	ObjectKind string `json:"object_kind"`

	// push and tag_push
	Ref          string         `json:"ref"`
	Before       string         `json:"before"`
	After        string         `json:"after"`
	UserUsername string         `json:"user_username"`
	Commits      []gitLabCommit `json:"commits"`

	// merge_request
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	ObjectAttributes struct {
		ID             int64  `json:"id"`
		IID            int    `json:"iid"`
		Title          string `json:"title"`
		Description    string `json:"description"`
		State          string `json:"state"`
		Action         string `json:"action"`
		SourceBranch   string `json:"source_branch"`
		TargetBranch   string `json:"target_branch"`
		URL            string `json:"url"`
		Draft          bool   `json:"draft"`
		WorkInProgress bool   `json:"work_in_progress"`
		CreatedAt      string `json:"created_at"`
		UpdatedAt      string `json:"updated_at"`
	} `json:"object_attributes"`
	Labels *[]struct {
		Title string `json:"title"`
	} `json:"labels"`
	Reviewers []struct {
		Username string `json:"username"`
	} `json:"reviewers"`
}

func normalizeGitLab(eventType, deliveryID string, payload []byte) (Event, error) {
	var p gitLabPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, malformed(provider.GitLab, err)
	}

	kind := p.ObjectKind
	if kind == "" {
		kind = gitLabKindFromHeader(eventType)
	}

	switch kind {
	case "push", "tag_push":
		name, isTag := SplitRef(p.Ref)
		change := RefChange{
			Ref:     p.Ref,
			IsTag:   isTag || kind == "tag_push",
			Before:  p.Before,
			After:   p.After,
			Created: isZeroSHA(p.Before),
			Deleted: isZeroSHA(p.After),
		}
		if !change.IsTag {
			change.Branch = name
		}
		if !change.Deleted {
			change.Head = gitLabHead(p.After, p.Commits)
		}
		return &Push{
			Provider: provider.GitLab,
			Delivery: deliveryID,
			Pusher:   p.UserUsername,
			Changes:  []RefChange{change},
		}, nil

	case "merge_request":
		attrs := p.ObjectAttributes
		info := provider.MergeRequestInfo{
			RemoteID:     strconv.FormatInt(attrs.ID, 10),
			Number:       attrs.IID,
			Title:        attrs.Title,
			Description:  attrs.Description,
			SourceBranch: attrs.SourceBranch,
			TargetBranch: attrs.TargetBranch,
			State:        gitlab.MergeRequestState(attrs.State, attrs.Draft || attrs.WorkInProgress),
			URL:          attrs.URL,
			CreatedAt:    parseTime(attrs.CreatedAt),
			UpdatedAt:    parseTime(attrs.UpdatedAt),
		}
		if p.Labels != nil {
			info.Labels = make([]string, 0, len(*p.Labels))
			for _, l := range *p.Labels {
				info.Labels = append(info.Labels, l.Title)
			}
		}
		for _, r := range p.Reviewers {
			info.ReviewerIDs = append(info.ReviewerIDs, r.Username)
		}
		switch info.State {
		case provider.StateMerged:
			info.MergedAt = timePtr(attrs.UpdatedAt)
			if attrs.Action == "merge" {
				info.MergedBy = p.User.Username
			}
		case provider.StateClosed:
			info.ClosedAt = timePtr(attrs.UpdatedAt)
		}
		return &MergeRequest{
			Provider: provider.GitLab,
			Delivery: deliveryID,
			Action:   gitLabAction(attrs.Action),
			Info:     info,
		}, nil

	default:
		if kind == "" {
			kind = eventType
		}
		return &Unknown{Provider: provider.GitLab, Delivery: deliveryID, EventType: kind}, nil
	}
}

func gitLabKindFromHeader(header string) string {
	switch header {
	case "Push Hook":
		return "push"
	case "Tag Push Hook":
		return "tag_push"
	case "Merge Request Hook":
		return "merge_request"
	default:
		return ""
	}
}

// gitLabHead picks the commit matching after, falling back to the last listed.
func gitLabHead(after string, commits []gitLabCommit) *Commit {
	if len(commits) == 0 {
		return nil
	}
	c := commits[len(commits)-1]
	for _, candidate := range commits {
		if candidate.ID == after {
			c = candidate
			break
		}
	}
	return &Commit{
		SHA:       c.ID,
		Message:   c.Message,
		Author:    c.Author.Name,
		Timestamp: parseTime(c.Timestamp),
	}
}

func gitLabAction(action string) Action {
	switch action {
	case "open":
		return ActionOpened
	case "reopen":
		return ActionReopened
	case "close":
		return ActionClosed
	case "merge":
		return ActionMerged
	case "update":
		return ActionUpdated
	default:
		return ActionOther
	}
}
