package learning

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// Ledger owns sec_constraints and sec_mistake_counters.
type Ledger struct {
	db    *sql.DB
	store *eventstore.Store
}

// NewLedger creates the learning ledger.
func NewLedger(db *sql.DB, store *eventstore.Store) *Ledger {
	return &Ledger{db: db, store: store}
}

// Failure is one non-allow policy decision to be learned from.
type Failure struct {
	WorkspaceID string
	SubjectKey  string
	Category    string
	Action      string
	ReasonCode  string
	Blocked     bool
	Context     map[string]any
	Stream      eventstore.StreamRef
	Correlation string
	Actor       eventstore.Actor
}

// Outcome reports the updated counters.
type Outcome struct {
	PatternHash string
	SeenCount   int
	RepeatCount int
	// Repeated is set exactly when the counter reached its 2nd observation,
	// which is when mistake.repeated fires.
	Repeated bool
}

// RecordFailure upserts the constraint and mistake counters and emits the
// learning events. Counter updates and event appends share one transaction.
func (l *Ledger) RecordFailure(ctx context.Context, f Failure) (*Outcome, error) {
	hash, err := PatternHash(f.Category, f.Action, f.ReasonCode, f.Blocked, f.Context)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin learning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seenCount int
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO sec_constraints (workspace_id, subject_key, category, pattern_hash, reason_code)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workspace_id, subject_key, category, pattern_hash)
		 DO UPDATE SET seen_count = sec_constraints.seen_count + 1,
		               reason_code = EXCLUDED.reason_code,
		               last_seen_at = now()
		 RETURNING seen_count`,
		f.WorkspaceID, f.SubjectKey, f.Category, hash, f.ReasonCode,
	).Scan(&seenCount); err != nil {
		return nil, fmt.Errorf("failed to upsert constraint: %w", err)
	}

	var repeatCount int
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO sec_mistake_counters (workspace_id, subject_key, category, pattern_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workspace_id, subject_key, category, pattern_hash)
		 DO UPDATE SET repeat_count = sec_mistake_counters.repeat_count + 1,
		               last_repeat_at = now()
		 RETURNING repeat_count`,
		f.WorkspaceID, f.SubjectKey, f.Category, hash,
	).Scan(&repeatCount); err != nil {
		return nil, fmt.Errorf("failed to upsert mistake counter: %w", err)
	}

	out := &Outcome{
		PatternHash: hash,
		SeenCount:   seenCount,
		RepeatCount: repeatCount,
		Repeated:    repeatCount == 2,
	}

	payload := eventstore.ConstraintLearnedPayload{
		SubjectKey:  f.SubjectKey,
		Category:    f.Category,
		PatternHash: hash,
		ReasonCode:  f.ReasonCode,
		SeenCount:   seenCount,
		RepeatCount: repeatCount,
	}

	base := eventstore.Envelope{
		WorkspaceID:   f.WorkspaceID,
		Actor:         f.Actor,
		Stream:        f.Stream,
		CorrelationID: f.Correlation,
		Data:          payload,
	}
	if base.Actor.ID == "" {
		base.Actor = eventstore.Actor{Type: eventstore.ActorService, ID: "learning-ledger"}
	}

	for _, eventType := range l.eventTypes(out) {
		env := base
		env.EventType = eventType
		if _, err := l.store.AppendTx(ctx, tx, env); err != nil {
			return nil, fmt.Errorf("failed to append %s: %w", eventType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit learning transaction: %w", err)
	}

	slog.Debug("Recorded policy failure",
		"subject_key", f.SubjectKey, "category", f.Category,
		"seen_count", seenCount, "repeat_count", repeatCount)

	return out, nil
}

func (l *Ledger) eventTypes(out *Outcome) []string {
	types := []string{"learning.from_failure", "constraint.learned"}
	if out.Repeated {
		types = append(types, "mistake.repeated")
	}
	return types
}

// LiveConstraint is an active ledger entry consulted by the policy gate.
type LiveConstraint struct {
	PatternHash string
	ReasonCode  string
}

// LiveConstraints lists active constraints for a subject and category.
func (l *Ledger) LiveConstraints(ctx context.Context, workspaceID, subjectKey, category string) ([]LiveConstraint, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT pattern_hash, reason_code FROM sec_constraints
		 WHERE workspace_id = $1 AND subject_key = $2 AND category = $3 AND active`,
		workspaceID, subjectKey, category,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]LiveConstraint, 0)
	for rows.Next() {
		var c LiveConstraint
		if err := rows.Scan(&c.PatternHash, &c.ReasonCode); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasLiveConstraint reports whether a matching active constraint exists for
// the subject with the same reason code. Used by the policy gate.
func (l *Ledger) HasLiveConstraint(ctx context.Context, workspaceID, subjectKey, category, patternHash, reasonCode string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM sec_constraints
		   WHERE workspace_id = $1 AND subject_key = $2 AND category = $3
		     AND pattern_hash = $4 AND reason_code = $5 AND active
		 )`,
		workspaceID, subjectKey, category, patternHash, reasonCode,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check constraint: %w", err)
	}
	return exists, nil
}
