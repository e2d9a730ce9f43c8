package event

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/provider/bitbucket"
)

type bitbucketAccount struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

func (a *bitbucketAccount) name() string {
	if a == nil {
		return ""
	}
	if a.Nickname != "" {
		return a.Nickname
	}
	return a.DisplayName
}

type bitbucketRef struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Target struct {
		Hash    string `json:"hash"`
		Message string `json:"message"`
		Date    string `json:"date"`
		Author  struct {
			Raw  string            `json:"raw"`
			User *bitbucketAccount `json:"user"`
		} `json:"author"`
	} `json:"target"`
}

type bitbucketPush struct {
	Actor bitbucketAccount `json:"actor"`
	Push  struct {
		Changes []struct {
			New     *bitbucketRef `json:"new"`
			Old     *bitbucketRef `json:"old"`
			Created bool          `json:"created"`
			Closed  bool          `json:"closed"`
			Forced  bool          `json:"forced"`
		} `json:"changes"`
	} `json:"push"`
}

type bitbucketPullRequest struct {
	Actor       bitbucketAccount `json:"actor"`
	PullRequest struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		State       string `json:"state"`
		Draft       bool   `json:"draft"`
		Source      struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"source"`
		Destination struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"destination"`
		Author    bitbucketAccount   `json:"author"`
		Reviewers []bitbucketAccount `json:"reviewers"`
		ClosedBy  *bitbucketAccount  `json:"closed_by"`
		Links     struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
		CreatedOn string `json:"created_on"`
		UpdatedOn string `json:"updated_on"`
	} `json:"pullrequest"`
}

func normalizeBitbucket(eventType, deliveryID string, payload []byte) (Event, error) {
	switch {
	case eventType == "repo:push":
		var p bitbucketPush
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, malformed(provider.Bitbucket, err)
		}
		push := &Push{
			Provider: provider.Bitbucket,
			Delivery: deliveryID,
			Pusher:   p.Actor.name(),
		}
		for _, c := range p.Push.Changes {
			ref := c.New
			if ref == nil {
				ref = c.Old
			}
			if ref == nil {
				continue
			}
			change := RefChange{
				IsTag:   ref.Type == "tag" || ref.Type == "annotated_tag",
				Created: c.Created || c.Old == nil,
				Deleted: c.Closed || c.New == nil,
				Forced:  c.Forced,
			}
			if change.IsTag {
				change.Ref = "refs/tags/" + ref.Name
			} else {
				change.Ref = "refs/heads/" + ref.Name
				change.Branch = ref.Name
			}
			if c.Old != nil {
				change.Before = c.Old.Target.Hash
			}
			if c.New != nil {
				change.After = c.New.Target.Hash
				change.Head = &Commit{
					SHA:       c.New.Target.Hash,
					Message:   c.New.Target.Message,
					Author:    bitbucketAuthor(c.New),
					Timestamp: parseTime(c.New.Target.Date),
				}
			}
			push.Changes = append(push.Changes, change)
		}
		return push, nil

	case strings.HasPrefix(eventType, "pullrequest:"):
		var p bitbucketPullRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, malformed(provider.Bitbucket, err)
		}
		pr := p.PullRequest
		info := provider.MergeRequestInfo{
			RemoteID:     strconv.Itoa(pr.ID),
			Number:       pr.ID,
			Title:        pr.Title,
			Description:  pr.Description,
			SourceBranch: pr.Source.Branch.Name,
			TargetBranch: pr.Destination.Branch.Name,
			State:        bitbucket.PullRequestState(pr.State, pr.Draft),
			Author:       pr.Author.name(),
			URL:          pr.Links.HTML.Href,
			CreatedAt:    parseTime(pr.CreatedOn),
			UpdatedAt:    parseTime(pr.UpdatedOn),
		}
		for _, r := range pr.Reviewers {
			info.ReviewerIDs = append(info.ReviewerIDs, r.UUID)
		}
		switch info.State {
		case provider.StateMerged:
			info.MergedAt = timePtr(pr.UpdatedOn)
			info.MergedBy = pr.ClosedBy.name()
		case provider.StateClosed:
			info.ClosedAt = timePtr(pr.UpdatedOn)
		}
		return &MergeRequest{
			Provider: provider.Bitbucket,
			Delivery: deliveryID,
			Action:   bitbucketAction(eventType),
			Info:     info,
		}, nil

	default:
		return &Unknown{Provider: provider.Bitbucket, Delivery: deliveryID, EventType: eventType}, nil
	}
}

func bitbucketAuthor(ref *bitbucketRef) string {
	if u := ref.Target.Author.User; u != nil && u.DisplayName != "" {
		return u.DisplayName
	}
	raw := ref.Target.Author.Raw
	if i := strings.Index(raw, " <"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func bitbucketAction(eventKey string) Action {
	switch strings.TrimPrefix(eventKey, "pullrequest:") {
	case "created":
		return ActionOpened
	case "updated":
		return ActionUpdated
	case "fulfilled":
		return ActionMerged
	case "rejected":
		return ActionClosed
	default:
		return ActionOther
	}
}
