package mergerequests

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/store"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		current  store.MergeRequestStatus
		observed store.MergeRequestStatus
		reopen   bool
		want     store.MergeRequestStatus
	}{
		{"new takes observed", "", store.StatusDraft, false, store.StatusDraft},
		{"open to merged", store.StatusOpen, store.StatusMerged, false, store.StatusMerged},
		{"open to closed", store.StatusOpen, store.StatusClosed, false, store.StatusClosed},
		{"open to draft", store.StatusOpen, store.StatusDraft, false, store.StatusDraft},
		{"draft to open", store.StatusDraft, store.StatusOpen, false, store.StatusOpen},
		{"draft to merged", store.StatusDraft, store.StatusMerged, false, store.StatusMerged},
		{"merged is sticky", store.StatusMerged, store.StatusOpen, false, store.StatusMerged},
		{"merged ignores reopen", store.StatusMerged, store.StatusOpen, true, store.StatusMerged},
		{"closed is sticky", store.StatusClosed, store.StatusOpen, false, store.StatusClosed},
		{"closed never merges", store.StatusClosed, store.StatusMerged, false, store.StatusClosed},
		{"explicit reopen", store.StatusClosed, store.StatusOpen, true, store.StatusOpen},
		{"empty observed keeps current", store.StatusOpen, "", false, store.StatusOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Transition(tt.current, tt.observed, tt.reopen))
		})
	}
}

func TestStatusFromState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, store.StatusOpen, StatusFromState(provider.StateOpen))
	assert.Equal(t, store.StatusDraft, StatusFromState(provider.StateDraft))
	assert.Equal(t, store.StatusMerged, StatusFromState(provider.StateMerged))
	assert.Equal(t, store.StatusClosed, StatusFromState(provider.StateClosed))
	assert.Equal(t, store.MergeRequestStatus(""), StatusFromState("weird"))
}
