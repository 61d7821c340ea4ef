package config

import (
	"fmt"
	"time"
)

// RateLimitConfig holds message-path rate limit rules and the streak →
// incident promotion knobs.
type RateLimitConfig struct {
	AgentPerMin      int
	AgentPerHour     int
	ExperimentPerHour int
	GlobalPerMin     int
	HeartbeatPerMin  int

	// StreakThreshold is the consecutive-429 count (within a 10-minute
	// sliding window) that opens an agent_flooding incident.
	StreakThreshold int

	// IncidentMute suppresses repeat incidents for the same streak.
	IncidentMute time.Duration
}

// StreakWindow is the sliding window for consecutive-429 tracking.
const StreakWindow = 10 * time.Minute

// LoadRateLimitConfig reads MESSAGES_RATE_LIMIT_* and RATE_LIMIT_* from the
// environment.
func LoadRateLimitConfig() (*RateLimitConfig, error) {
	cfg := &RateLimitConfig{
		AgentPerMin:       envInt("MESSAGES_RATE_LIMIT_AGENT_PER_MIN", 30),
		AgentPerHour:      envInt("MESSAGES_RATE_LIMIT_AGENT_PER_HOUR", 600),
		ExperimentPerHour: envInt("MESSAGES_RATE_LIMIT_EXPERIMENT_PER_HOUR", 200),
		GlobalPerMin:      envInt("MESSAGES_RATE_LIMIT_GLOBAL_PER_MIN", 300),
		HeartbeatPerMin:   envInt("MESSAGES_HEARTBEAT_LIMIT_PER_MIN", 120),
		StreakThreshold:   envInt("RATE_LIMIT_STREAK_THRESHOLD", 3),
		IncidentMute:      time.Duration(envInt("RATE_LIMIT_INCIDENT_MUTE_SEC", 3600)) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *RateLimitConfig) Validate() error {
	for name, v := range map[string]int{
		"MESSAGES_RATE_LIMIT_AGENT_PER_MIN":      c.AgentPerMin,
		"MESSAGES_RATE_LIMIT_AGENT_PER_HOUR":     c.AgentPerHour,
		"MESSAGES_RATE_LIMIT_EXPERIMENT_PER_HOUR": c.ExperimentPerHour,
		"MESSAGES_RATE_LIMIT_GLOBAL_PER_MIN":     c.GlobalPerMin,
		"MESSAGES_HEARTBEAT_LIMIT_PER_MIN":       c.HeartbeatPerMin,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	if c.StreakThreshold < 1 {
		return fmt.Errorf("RATE_LIMIT_STREAK_THRESHOLD must be at least 1")
	}
	if c.IncidentMute <= 0 {
		return fmt.Errorf("RATE_LIMIT_INCIDENT_MUTE_SEC must be positive")
	}
	return nil
}
