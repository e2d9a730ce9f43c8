package store

import (
	"fmt"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredential_NeverPrinted(t *testing.T) {
	t.Parallel()

	c := Credential("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", c.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", c))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", c))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", c))
	assert.Equal(t, "ghp_supersecret", c.Reveal())

	repo := Repository{ID: "r1", AccessCredential: c}
	assert.NotContains(t, fmt.Sprintf("%+v", repo), "supersecret")

	data, err := json.Marshal(repo)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "supersecret"))
}

func TestWebhookSecret_NotSerialized(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Repository{Webhook: &WebhookRegistration{ID: "h1", Secret: "topsecret"}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "topsecret")
}

func TestMergeRequestStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusMerged.Terminal())
	assert.True(t, StatusClosed.Terminal())
	assert.False(t, StatusOpen.Terminal())
	assert.False(t, StatusDraft.Terminal())
}
