// Package approval coordinates human approval requests bound to events.
//
// State machine: pending → held → approved | denied, with pending able to go
// terminal directly. A hold is not terminal — releasing it returns the
// approval to pending. Timeouts are not decisions: the cron sweep turns
// stale pending/held approvals into incidents instead of denying them.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusHeld     = "held"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Decisions accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
	DecisionHold    = "hold"
	DecisionRelease = "release"
)

// Scopes an approval can cover.
const (
	ScopeOnce      = "once"
	ScopeRun       = "run"
	ScopeRoom      = "room"
	ScopeWorkspace = "workspace"
	ScopeTemplate  = "template"
)

// Coordinator errors.
var (
	// ErrNotFound is returned for an unknown approval id.
	ErrNotFound = errors.New("approval not found")

	// ErrNotOpen is returned when deciding an approval that is already
	// terminal with a different outcome.
	ErrNotOpen = errors.New("approval_not_open")

	// ErrBadDecision is returned for an unrecognized decision verb.
	ErrBadDecision = errors.New("unknown approval decision")
)

// Coordinator appends approval lifecycle events. Approval state itself lives
// in the proj_approvals read model, maintained by the projector.
type Coordinator struct {
	db    *sql.DB
	store *eventstore.Store
}

// NewCoordinator creates the coordinator.
func NewCoordinator(db *sql.DB, store *eventstore.Store) *Coordinator {
	return &Coordinator{db: db, store: store}
}

// RequestInput describes a new approval request.
type RequestInput struct {
	WorkspaceID    string
	Action         string
	Scope          string
	ScopeRef       string
	RequestedBy    eventstore.Actor
	CorrelationID  string
	RunID          string
	RoomID         string
	ExpiresAt      *time.Time
	IdempotencyKey string
}

// Request appends approval.requested and returns the approval id. With an
// idempotency key, replays return the originally created approval.
func (c *Coordinator) Request(ctx context.Context, in RequestInput) (string, *eventstore.Event, error) {
	if in.Action == "" {
		return "", nil, fmt.Errorf("approval request requires an action")
	}
	scope := in.Scope
	if scope == "" {
		scope = ScopeOnce
	}

	approvalID := "apr_" + uuid.NewString()
	payload := eventstore.ApprovalRequestedPayload{
		ApprovalID: approvalID,
		Action:     in.Action,
		Scope:      scope,
		ScopeRef:   in.ScopeRef,
	}
	if in.ExpiresAt != nil {
		payload.ExpiresAt = in.ExpiresAt.UTC().Format(time.RFC3339)
	}

	ev, err := c.store.Append(ctx, eventstore.Envelope{
		EventType:      "approval.requested",
		WorkspaceID:    in.WorkspaceID,
		Actor:          in.RequestedBy,
		RunID:          in.RunID,
		RoomID:         in.RoomID,
		Stream:         eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID:  in.CorrelationID,
		Data:           payload,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to append approval.requested: %w", err)
	}

	// Idempotent replay: the stored event carries the original approval id.
	if ev.EventID != "" {
		var stored eventstore.ApprovalRequestedPayload
		if p, derr := eventstore.DecodePayload(ev); derr == nil {
			if ap, ok := p.(*eventstore.ApprovalRequestedPayload); ok {
				stored = *ap
			}
		}
		if stored.ApprovalID != "" {
			approvalID = stored.ApprovalID
		}
	}

	return approvalID, ev, nil
}

// DecideInput describes a decision on an open approval.
type DecideInput struct {
	ApprovalID  string
	WorkspaceID string
	Decision    string
	DecidedBy   eventstore.Actor
}

// Decide validates the transition against the read model and appends
// approval.decided. A matching double-decide is accepted as a no-op.
func (c *Coordinator) Decide(ctx context.Context, in DecideInput) (*eventstore.Event, error) {
	status, correlationID, err := c.currentStatus(ctx, in.ApprovalID)
	if err != nil {
		return nil, err
	}

	switch in.Decision {
	case DecisionApprove, DecisionDeny, DecisionHold, DecisionRelease:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadDecision, in.Decision)
	}

	switch status {
	case StatusApproved:
		if in.Decision == DecisionApprove {
			return nil, nil // idempotent double-decide
		}
		return nil, ErrNotOpen
	case StatusDenied:
		if in.Decision == DecisionDeny {
			return nil, nil
		}
		return nil, ErrNotOpen
	case StatusHeld:
		// held may be approved, denied, or released back to pending
	case StatusPending:
		if in.Decision == DecisionRelease {
			return nil, ErrNotOpen
		}
	default:
		return nil, fmt.Errorf("approval %s has unknown status %q", in.ApprovalID, status)
	}

	ev, err := c.store.Append(ctx, eventstore.Envelope{
		EventType:     "approval.decided",
		WorkspaceID:   in.WorkspaceID,
		Actor:         in.DecidedBy,
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID: correlationID,
		Data: eventstore.ApprovalDecidedPayload{
			ApprovalID: in.ApprovalID,
			Decision:   in.Decision,
			DecidedBy:  in.DecidedBy.ID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append approval.decided: %w", err)
	}
	return ev, nil
}

func (c *Coordinator) currentStatus(ctx context.Context, approvalID string) (string, string, error) {
	var status string
	var correlation sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT status, correlation_id FROM proj_approvals WHERE approval_id = $1`,
		approvalID,
	).Scan(&status, &correlation)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load approval: %w", err)
	}
	return status, correlation.String, nil
}

// HasApproved reports whether an approved approval is bound to the
// correlation id for the action. Satisfies the policy gate's
// ApprovalChecker.
func (c *Coordinator) HasApproved(ctx context.Context, workspaceID, correlationID, action string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM proj_approvals
		   WHERE workspace_id = $1 AND status = 'approved' AND action = $3
		     AND (correlation_id = $2
		          OR scope = 'workspace'
		          OR (scope = 'run' AND scope_ref IS NOT NULL AND scope_ref = $2))
		     AND (expires_at IS NULL OR expires_at > now())
		 )`,
		workspaceID, correlationID, action,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check approvals: %w", err)
	}
	return exists, nil
}
