package config

import (
	"fmt"
	"time"
)

// PromotionConfig tunes the scorecard-driven promotion loop. These were
// fixed numbers in earlier deployments; they are workspace-ops knobs now.
type PromotionConfig struct {
	// Enabled gates the whole loop (PROMOTION_LOOP_ENABLED).
	Enabled bool

	// PassThreshold is the pass-decision count that emits an approval
	// request bound to the run.
	PassThreshold int

	// FailThreshold is the fail count inside Window that opens a loop
	// incident.
	FailThreshold int

	// SevereThreshold is the fail count that requests a revoke approval.
	SevereThreshold int

	// QuarantineThreshold is the fail count that quarantines the agent.
	QuarantineThreshold int

	// Window is the trailing evaluation window.
	Window time.Duration

	// FailTest, when set, makes every automation handler fail once
	// (AUTOMATION_FAIL_TEST; test-only kill for the retry/fallback path).
	FailTest bool
}

// LoadPromotionConfig reads PROMOTION_* and AUTOMATION_FAIL_TEST.
func LoadPromotionConfig() (*PromotionConfig, error) {
	cfg := &PromotionConfig{
		Enabled:             envBool("PROMOTION_LOOP_ENABLED", true),
		PassThreshold:       envInt("PROMOTION_PASS_THRESHOLD", 3),
		FailThreshold:       envInt("PROMOTION_FAIL_THRESHOLD", 3),
		SevereThreshold:     envInt("PROMOTION_SEVERE_THRESHOLD", 5),
		QuarantineThreshold: envInt("PROMOTION_QUARANTINE_THRESHOLD", 6),
		Window:              time.Duration(envInt("PROMOTION_WINDOW_DAYS", 7)) * 24 * time.Hour,
		FailTest:            envBool("AUTOMATION_FAIL_TEST", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks threshold ordering.
func (c *PromotionConfig) Validate() error {
	if c.FailThreshold < 1 || c.PassThreshold < 1 {
		return fmt.Errorf("promotion thresholds must be at least 1")
	}
	if c.SevereThreshold < c.FailThreshold {
		return fmt.Errorf("PROMOTION_SEVERE_THRESHOLD must be >= PROMOTION_FAIL_THRESHOLD")
	}
	if c.QuarantineThreshold < c.SevereThreshold {
		return fmt.Errorf("PROMOTION_QUARANTINE_THRESHOLD must be >= PROMOTION_SEVERE_THRESHOLD")
	}
	if c.Window <= 0 {
		return fmt.Errorf("PROMOTION_WINDOW_DAYS must be positive")
	}
	return nil
}
