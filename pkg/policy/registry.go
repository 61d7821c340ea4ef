package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ActionSpec is one action_registry entry: an immutable catalog row
// describing how risky an action type is and how it must be gated.
type ActionSpec struct {
	ActionType          string `yaml:"action_type"`
	Reversible          bool   `yaml:"reversible"`
	ZoneRequired        string `yaml:"zone_required"`
	RequiresPreApproval bool   `yaml:"requires_pre_approval"`
	PostReviewRequired  bool   `yaml:"post_review_required"`
	CostImpact          string `yaml:"cost_impact"`
	RecoveryDifficulty  string `yaml:"recovery_difficulty"`
	EnforcementMode     string `yaml:"enforcement_mode"`
}

// ActionRegistry looks up action specs.
type ActionRegistry interface {
	Lookup(ctx context.Context, actionType string) (*ActionSpec, bool, error)
}

// PostgresActionRegistry reads the action_registry table.
type PostgresActionRegistry struct {
	db *sql.DB
}

// NewPostgresActionRegistry creates the store-backed registry.
func NewPostgresActionRegistry(db *sql.DB) *PostgresActionRegistry {
	return &PostgresActionRegistry{db: db}
}

// Lookup implements ActionRegistry.
func (r *PostgresActionRegistry) Lookup(ctx context.Context, actionType string) (*ActionSpec, bool, error) {
	var spec ActionSpec
	err := r.db.QueryRowContext(ctx,
		`SELECT action_type, reversible, zone_required, requires_pre_approval,
		        post_review_required, cost_impact, recovery_difficulty, enforcement_mode
		 FROM action_registry WHERE action_type = $1`,
		actionType,
	).Scan(&spec.ActionType, &spec.Reversible, &spec.ZoneRequired, &spec.RequiresPreApproval,
		&spec.PostReviewRequired, &spec.CostImpact, &spec.RecoveryDifficulty, &spec.EnforcementMode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up action %s: %w", actionType, err)
	}
	return &spec, true, nil
}

type actionSeed struct {
	Actions []ActionSpec `yaml:"actions"`
}

// SeedActionRegistry upserts catalog entries from a YAML document. Called at
// boot with the embedded seed; migrations handle later catalog changes.
func SeedActionRegistry(ctx context.Context, db *sql.DB, r io.Reader) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read action seed: %w", err)
	}

	var seed actionSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse action seed: %w", err)
	}

	for _, a := range seed.Actions {
		if a.ActionType == "" {
			return 0, fmt.Errorf("action seed entry missing action_type")
		}
		if a.ZoneRequired == "" {
			a.ZoneRequired = "sandbox"
		}
		if a.CostImpact == "" {
			a.CostImpact = "low"
		}
		if a.RecoveryDifficulty == "" {
			a.RecoveryDifficulty = "low"
		}
		if a.EnforcementMode == "" {
			a.EnforcementMode = EnforcementEnforce
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO action_registry
			   (action_type, reversible, zone_required, requires_pre_approval,
			    post_review_required, cost_impact, recovery_difficulty, enforcement_mode)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (action_type) DO UPDATE SET
			   reversible = EXCLUDED.reversible,
			   zone_required = EXCLUDED.zone_required,
			   requires_pre_approval = EXCLUDED.requires_pre_approval,
			   post_review_required = EXCLUDED.post_review_required,
			   cost_impact = EXCLUDED.cost_impact,
			   recovery_difficulty = EXCLUDED.recovery_difficulty,
			   enforcement_mode = EXCLUDED.enforcement_mode`,
			a.ActionType, a.Reversible, a.ZoneRequired, a.RequiresPreApproval,
			a.PostReviewRequired, a.CostImpact, a.RecoveryDifficulty, a.EnforcementMode,
		); err != nil {
			return 0, fmt.Errorf("failed to seed action %s: %w", a.ActionType, err)
		}
	}
	return len(seed.Actions), nil
}
