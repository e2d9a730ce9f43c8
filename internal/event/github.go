package event

import (
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/provider/github"
)

type gitHubUser struct {
	Login string `json:"login"`
}

type gitHubPush struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Created    bool   `json:"created"`
	Deleted    bool   `json:"deleted"`
	Forced     bool   `json:"forced"`
	HeadCommit *struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

type gitHubPullRequest struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		ID        int64       `json:"id"`
		Number    int         `json:"number"`
		Title     string      `json:"title"`
		Body      string      `json:"body"`
		State     string      `json:"state"`
		Draft     bool        `json:"draft"`
		Merged    bool        `json:"merged"`
		HTMLURL   string      `json:"html_url"`
		User      gitHubUser  `json:"user"`
		MergedBy  *gitHubUser `json:"merged_by"`
		MergedAt  string      `json:"merged_at"`
		ClosedAt  string      `json:"closed_at"`
		CreatedAt string      `json:"created_at"`
		UpdatedAt string      `json:"updated_at"`
		Head      struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		RequestedReviewers []gitHubUser `json:"requested_reviewers"`
	} `json:"pull_request"`
}

func normalizeGitHub(eventType, deliveryID string, payload []byte) (Event, error) {
	switch eventType {
	case "push":
		var p gitHubPush
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, malformed(provider.GitHub, err)
		}
		name, isTag := SplitRef(p.Ref)
		change := RefChange{
			Ref:     p.Ref,
			IsTag:   isTag,
			Before:  p.Before,
			After:   p.After,
			Created: p.Created || isZeroSHA(p.Before),
			Deleted: p.Deleted || isZeroSHA(p.After),
			Forced:  p.Forced,
		}
		if !isTag {
			change.Branch = name
		}
		if p.HeadCommit != nil && !change.Deleted {
			change.Head = &Commit{
				SHA:       p.HeadCommit.ID,
				Message:   p.HeadCommit.Message,
				Author:    p.HeadCommit.Author.Name,
				Timestamp: parseTime(p.HeadCommit.Timestamp),
			}
		}
		return &Push{
			Provider: provider.GitHub,
			Delivery: deliveryID,
			Pusher:   p.Pusher.Name,
			Changes:  []RefChange{change},
		}, nil

	case "pull_request":
		var p gitHubPullRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, malformed(provider.GitHub, err)
		}
		pr := p.PullRequest
		number := pr.Number
		if number == 0 {
			number = p.Number
		}
		info := provider.MergeRequestInfo{
			RemoteID:     strconv.FormatInt(pr.ID, 10),
			Number:       number,
			Title:        pr.Title,
			Description:  pr.Body,
			SourceBranch: pr.Head.Ref,
			TargetBranch: pr.Base.Ref,
			State:        github.PullRequestState(pr.State, pr.Merged || pr.MergedAt != "", pr.Draft),
			Author:       pr.User.Login,
			URL:          pr.HTMLURL,
			MergedAt:     timePtr(pr.MergedAt),
			ClosedAt:     timePtr(pr.ClosedAt),
			CreatedAt:    parseTime(pr.CreatedAt),
			UpdatedAt:    parseTime(pr.UpdatedAt),
		}
		if pr.MergedBy != nil {
			info.MergedBy = pr.MergedBy.Login
		}
		if pr.Labels != nil {
			info.Labels = make([]string, 0, len(pr.Labels))
			for _, l := range pr.Labels {
				info.Labels = append(info.Labels, l.Name)
			}
		}
		for _, r := range pr.RequestedReviewers {
			info.ReviewerIDs = append(info.ReviewerIDs, r.Login)
		}
		return &MergeRequest{
			Provider: provider.GitHub,
			Delivery: deliveryID,
			Action:   gitHubAction(p.Action, info.State),
			Info:     info,
		}, nil

	default:
		// ping and everything else.
		return &Unknown{Provider: provider.GitHub, Delivery: deliveryID, EventType: eventType}, nil
	}
}

func gitHubAction(action string, state provider.MergeRequestState) Action {
	switch action {
	case "opened":
		return ActionOpened
	case "reopened":
		return ActionReopened
	case "closed":
		if state == provider.StateMerged {
			return ActionMerged
		}
		return ActionClosed
	case "edited", "synchronize", "converted_to_draft", "ready_for_review",
		"labeled", "unlabeled", "review_requested", "review_request_removed":
		return ActionUpdated
	default:
		return ActionOther
	}
}
