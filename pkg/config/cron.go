package config

import (
	"fmt"
	"time"
)

// CronConfig controls the leader-elected heart cron: lease length, tick
// cadence, sweep timeouts, and watchdog thresholds.
type CronConfig struct {
	// LockLease is how long the heart_cron lease lives without a heartbeat.
	LockLease time.Duration

	// LockHeartbeat is the heartbeat cadence; capped to LockLease/3 so the
	// lease always sees at least two heartbeats before expiring.
	LockHeartbeat time.Duration

	// TickInterval is the scheduler cadence for tickHeartCron.
	TickInterval time.Duration

	// JitterMax is the random pre-tick sleep spreading replicas apart.
	JitterMax time.Duration

	// BatchLimit bounds candidates per sweep per tick (clamped 1..100).
	BatchLimit int

	// WorkspaceConcurrency bounds parallel per-workspace sweeps.
	WorkspaceConcurrency int

	// WindowSec sizes the dedup window used in sweep idempotency keys.
	WindowSec int

	// ApprovalTimeout ages out pending/held approvals into incidents.
	ApprovalTimeout time.Duration

	// RunStuckTimeout ages out queued/running runs into incidents.
	RunStuckTimeout time.Duration

	// DemotedStale ages out failed runs with no triage into incidents.
	DemotedStale time.Duration

	// WatchdogAlertThreshold is the consecutive-failure count that opens a
	// cron.watchdog incident.
	WatchdogAlertThreshold int

	// WatchdogHaltThreshold is the consecutive-failure count that halts
	// ticking entirely until an operator resets cron_health.
	WatchdogHaltThreshold int
}

// LoadCronConfig reads CRON_* from the environment.
func LoadCronConfig() (*CronConfig, error) {
	cfg := &CronConfig{
		LockLease:              envMillis("CRON_LOCK_LEASE_MS", 30000),
		LockHeartbeat:          envMillis("CRON_LOCK_HEARTBEAT_MS", 10000),
		TickInterval:           envMillis("CRON_TICK_INTERVAL_MS", 60000),
		JitterMax:              envMillis("CRON_JITTER_MAX_MS", 5000),
		BatchLimit:             clampInt(envInt("CRON_BATCH_LIMIT", 50), 1, 100),
		WorkspaceConcurrency:   envInt("CRON_WORKSPACE_CONCURRENCY", 4),
		WindowSec:              envInt("CRON_WINDOW_SEC", 600),
		ApprovalTimeout:        envMillis("CRON_APPROVAL_TIMEOUT_MS", 24*3600*1000),
		RunStuckTimeout:        envMillis("CRON_RUN_STUCK_TIMEOUT_MS", 30*60*1000),
		DemotedStale:           envMillis("CRON_DEMOTED_STALE_MS", 6*3600*1000),
		WatchdogAlertThreshold: envInt("CRON_WATCHDOG_ALERT_THRESHOLD", 3),
		WatchdogHaltThreshold:  envInt("CRON_WATCHDOG_HALT_THRESHOLD", 10),
	}

	// Heartbeat may never exceed a third of the lease.
	if cap := cfg.LockLease / 3; cfg.LockHeartbeat > cap {
		cfg.LockHeartbeat = cap
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *CronConfig) Validate() error {
	if c.LockLease <= 0 {
		return fmt.Errorf("CRON_LOCK_LEASE_MS must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("CRON_TICK_INTERVAL_MS must be positive")
	}
	if c.WorkspaceConcurrency < 1 {
		return fmt.Errorf("CRON_WORKSPACE_CONCURRENCY must be at least 1")
	}
	if c.WindowSec < 1 {
		return fmt.Errorf("CRON_WINDOW_SEC must be at least 1")
	}
	if c.WatchdogAlertThreshold < 1 || c.WatchdogHaltThreshold < c.WatchdogAlertThreshold {
		return fmt.Errorf("watchdog thresholds must satisfy 1 <= alert <= halt")
	}
	return nil
}
