package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCronConfigDefaults(t *testing.T) {
	cfg, err := LoadCronConfig()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.LockLease)
	assert.Equal(t, 10*time.Second, cfg.LockHeartbeat)
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 50, cfg.BatchLimit)
	assert.Equal(t, 600, cfg.WindowSec)
	assert.Equal(t, 3, cfg.WatchdogAlertThreshold)
	assert.Equal(t, 10, cfg.WatchdogHaltThreshold)
}

func TestCronHeartbeatCappedToLeaseThird(t *testing.T) {
	t.Setenv("CRON_LOCK_LEASE_MS", "9000")
	t.Setenv("CRON_LOCK_HEARTBEAT_MS", "8000")

	cfg, err := LoadCronConfig()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.LockHeartbeat)
}

func TestCronBatchLimitClamped(t *testing.T) {
	t.Setenv("CRON_BATCH_LIMIT", "1000")
	cfg, err := LoadCronConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.BatchLimit)

	t.Setenv("CRON_BATCH_LIMIT", "0")
	cfg, err = LoadCronConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.BatchLimit)
}

func TestCronWatchdogOrdering(t *testing.T) {
	t.Setenv("CRON_WATCHDOG_ALERT_THRESHOLD", "5")
	t.Setenv("CRON_WATCHDOG_HALT_THRESHOLD", "2")

	_, err := LoadCronConfig()
	assert.Error(t, err)
}

func TestLoadRateLimitConfigDefaults(t *testing.T) {
	cfg, err := LoadRateLimitConfig()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.AgentPerMin)
	assert.Equal(t, 3, cfg.StreakThreshold)
	assert.Equal(t, time.Hour, cfg.IncidentMute)
}

func TestLoadRateLimitConfigOverrides(t *testing.T) {
	t.Setenv("MESSAGES_RATE_LIMIT_AGENT_PER_MIN", "3")
	t.Setenv("RATE_LIMIT_STREAK_THRESHOLD", "4")
	t.Setenv("RATE_LIMIT_INCIDENT_MUTE_SEC", "120")

	cfg, err := LoadRateLimitConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.AgentPerMin)
	assert.Equal(t, 4, cfg.StreakThreshold)
	assert.Equal(t, 2*time.Minute, cfg.IncidentMute)
}

func TestLoadPromotionConfigDefaults(t *testing.T) {
	cfg, err := LoadPromotionConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.PassThreshold)
	assert.Equal(t, 3, cfg.FailThreshold)
	assert.Equal(t, 5, cfg.SevereThreshold)
	assert.Equal(t, 6, cfg.QuarantineThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Window)
}

func TestLoadPromotionConfigRejectsBadOrdering(t *testing.T) {
	t.Setenv("PROMOTION_SEVERE_THRESHOLD", "2")
	t.Setenv("PROMOTION_FAIL_THRESHOLD", "3")

	_, err := LoadPromotionConfig()
	assert.Error(t, err)
}

func TestLoadSecretsConfigValidatesKeyLength(t *testing.T) {
	t.Setenv("SECRETS_MASTER_KEY", "abc")
	_, err := LoadSecretsConfig()
	assert.Error(t, err)

	t.Setenv("SECRETS_MASTER_KEY", "")
	cfg, err := LoadSecretsConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.MasterKey)
}
