package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TGHUB_USER_HOME", home)
	t.Setenv("TGHUB_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "")
	return home
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		statsHours, statsJSON = 24, false
		indexRemove = nil
	})
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: "+version)
}

func TestMuteLifecycle(t *testing.T) {
	setupHome(t)

	out, err := execute(t, "mute", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No muted chats.")

	out, err = execute(t, "mute", "set", "-100123", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "-100123 muted until")

	out, err = execute(t, "mute", "set", "C42", "forever")
	require.NoError(t, err)
	assert.Contains(t, out, "C42 muted indefinitely")

	out, err = execute(t, "mute", "set", "C42")
	require.NoError(t, err)
	assert.Contains(t, out, "C42 unchanged")

	out, err = execute(t, "mute", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "-100123")
	assert.Contains(t, out, "C42")

	out, err = execute(t, "mute", "unset", "-100123")
	require.NoError(t, err)
	assert.Contains(t, out, "-100123 unmuted")

	out, err = execute(t, "mute", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "-100123")
	assert.Contains(t, out, "C42")
}

func TestMuteSetRejectsBadDuration(t *testing.T) {
	setupHome(t)
	_, err := execute(t, "mute", "set", "-1", "soon")
	assert.ErrorContains(t, err, "invalid mute duration")
}

func TestMuteAcceptsNegativeChatIDs(t *testing.T) {
	setupHome(t)

	out, err := execute(t, "mute", "set", "-1001", "forever")
	require.NoError(t, err)
	assert.Contains(t, out, "-1001 muted indefinitely")

	out, err = execute(t, "mute", "set", "--", "-1002", "30m")
	require.NoError(t, err)
	assert.Contains(t, out, "-1002 muted until")

	out, err = execute(t, "mute", "unset", "-1001")
	require.NoError(t, err)
	assert.Contains(t, out, "-1001 unmuted")

	_, err = execute(t, "mute", "unset", "-1001", "-1002")
	assert.ErrorContains(t, err, "accepts 1 arg(s)")

	out, err = execute(t, "mute", "set", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "set <chat-id> [duration|forever]")
}

func TestStatsJSON(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "stats", "--json", "--hours", "6")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, got, "by_source")
	assert.EqualValues(t, 0, got["drafts_created"])
	assert.EqualValues(t, 0, got["replies_sent"])
}

func TestStatsText(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Activity since")
	assert.Contains(t, out, "Drafts: 0 created, 0 accepted")
}

func TestStatsRejectsNonPositiveWindow(t *testing.T) {
	setupHome(t)
	_, err := execute(t, "stats", "--hours", "0")
	assert.ErrorContains(t, err, "--hours must be positive")
}

func TestStatus(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "status")
	require.NoError(t, err)
	// No hub chat or token configured.
	assert.Contains(t, out, "hub.chatId")
	assert.Contains(t, out, "Timeline")
	assert.Contains(t, out, "0 documents, 0 chunks")
	assert.Contains(t, out, "0 persisted")
}

func TestIndexRequiresPath(t *testing.T) {
	setupHome(t)
	_, err := execute(t, "index")
	assert.ErrorContains(t, err, "no knowledge path")
}

func TestAuditTailRequiresBrokers(t *testing.T) {
	setupHome(t)
	_, err := execute(t, "audit", "tail")
	assert.ErrorContains(t, err, "audit.brokers")
}
