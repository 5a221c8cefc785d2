package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TFCLAW_TOKEN", "tkn-abcdefghij0123")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws", cfg.RelayURL)
	assert.Equal(t, 24*time.Hour, cfg.ResultTimeout)
	assert.Equal(t, 350*time.Millisecond, cfg.ProgressRecallDelay)
	assert.Equal(t, 2*time.Minute, cfg.CaptureMenuTTL)
	assert.Empty(t, cfg.AllowedUsers)
	assert.True(t, cfg.UserAllowed("anyone"))
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TFCLAW_TOKEN", "tkn-abcdefghij0123")
	t.Setenv("TFCLAW_COMMAND_RESULT_TIMEOUT_MS", "60000")
	t.Setenv("TFCLAW_PROGRESS_RECALL_DELAY_MS", "100")
	t.Setenv("TFCLAW_ALLOWED_USERS", "alice, bob")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.ResultTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.ProgressRecallDelay)
	assert.Equal(t, []string{"alice", "bob"}, cfg.AllowedUsers)
	assert.True(t, cfg.UserAllowed("alice"))
	assert.False(t, cfg.UserAllowed("mallory"))
}

func TestLoadConfigRequiresToken(t *testing.T) {
	t.Setenv("TFCLAW_TOKEN", "")
	_, err := LoadConfig("")
	assert.Error(t, err)
}
