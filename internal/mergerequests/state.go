package mergerequests

import (
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/store"
)

// Transition returns the status a merge request in current takes after the
// remote reports observed. MERGED never changes. CLOSED only returns to
// OPEN or DRAFT when explicitReopen is set. An empty current accepts
// observed as is.
func Transition(current, observed store.MergeRequestStatus, explicitReopen bool) store.MergeRequestStatus {
	if observed == "" {
		return current
	}
	switch current {
	case "":
		return observed
	case store.StatusMerged:
		return store.StatusMerged
	case store.StatusClosed:
		if explicitReopen && (observed == store.StatusOpen || observed == store.StatusDraft) {
			return observed
		}
		return store.StatusClosed
	default:
		return observed
	}
}

// StatusFromState maps the provider state onto the stored status.
func StatusFromState(s provider.MergeRequestState) store.MergeRequestStatus {
	switch s {
	case provider.StateOpen:
		return store.StatusOpen
	case provider.StateDraft:
		return store.StatusDraft
	case provider.StateMerged:
		return store.StatusMerged
	case provider.StateClosed:
		return store.StatusClosed
	default:
		return ""
	}
}
