package src

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.BufferConfig.QuietWindow)
	assert.Equal(t, "queue", cfg.BufferConfig.BusyPolicy)
	assert.Equal(t, 100, cfg.ConversationConfig.Capacity)
	assert.Equal(t, 30*time.Minute, cfg.ConversationConfig.IdleTimeout)
	assert.Equal(t, 5, cfg.TransportConfig.ReconnectAttempts)
	assert.Equal(t, 3, cfg.RetryConfig.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.ConversationConfig.TurnTimeout)
	assert.Greater(t, cfg.LockConfig.MaxHold, cfg.ConversationConfig.TurnTimeout)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Lima", loc.String())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("BUSY_POLICY", "ignore")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "BUSY_POLICY")

	t.Setenv("BUSY_POLICY", "drop")
	t.Setenv("LOCK_BACKEND", "redis")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "REDIS_URL")

	t.Setenv("LOCK_BACKEND", "memory")
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "TIMEZONE")
}

func TestLoadConfigRequiresLockHoldAboveTurnTimeout(t *testing.T) {
	t.Setenv("LOCK_MAX_HOLD", "60s")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "LOCK_MAX_HOLD")

	t.Setenv("TURN_TIMEOUT", "45s")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ConversationConfig.TurnTimeout)

	t.Setenv("TURN_TIMEOUT", "0s")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "TURN_TIMEOUT")
}
