package policy

import (
	"context"

	"github.com/warden-sh/warden/pkg/learning"
)

// LedgerConstraintSource adapts the learning ledger to the gate's
// ConstraintSource.
type LedgerConstraintSource struct {
	Ledger *learning.Ledger
}

// LiveConstraints implements ConstraintSource.
func (s LedgerConstraintSource) LiveConstraints(ctx context.Context, workspaceID, subjectKey, category string) ([]LearnedConstraint, error) {
	live, err := s.Ledger.LiveConstraints(ctx, workspaceID, subjectKey, category)
	if err != nil {
		return nil, err
	}
	out := make([]LearnedConstraint, len(live))
	for i, c := range live {
		out[i] = LearnedConstraint{PatternHash: c.PatternHash, ReasonCode: c.ReasonCode}
	}
	return out, nil
}
