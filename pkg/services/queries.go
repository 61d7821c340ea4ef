// Package services exposes read-side queries over the projections for the
// HTTP API. Writes never happen here — projections are written by their
// owning components.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("resource not found")

// Queries bundles the read services.
type Queries struct {
	db *sql.DB
}

// NewQueries creates the read service.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Run is a proj_runs row.
type Run struct {
	RunID          string          `json:"run_id"`
	WorkspaceID    string          `json:"workspace_id"`
	Status         string          `json:"status"`
	RiskTier       string          `json:"risk_tier,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	ClaimedBy      string          `json:"claimed_by_actor_id,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GetRun loads one run.
func (q *Queries) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT run_id, workspace_id, status, COALESCE(risk_tier, ''), error,
		        COALESCE(claimed_by_actor_id, ''), attempt_count, lease_expires_at,
		        COALESCE(correlation_id, ''), created_at, updated_at
		 FROM proj_runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// ListRuns pages runs for a workspace, optionally filtered by status.
func (q *Queries) ListRuns(ctx context.Context, workspaceID, status string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT run_id, workspace_id, status, COALESCE(risk_tier, ''), error,
		        COALESCE(claimed_by_actor_id, ''), attempt_count, lease_expires_at,
		        COALESCE(correlation_id, ''), created_at, updated_at
		 FROM proj_runs
		 WHERE workspace_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		workspaceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (*Run, error) {
	var r Run
	var errJSON []byte
	var lease sql.NullTime
	err := row.Scan(&r.RunID, &r.WorkspaceID, &r.Status, &r.RiskTier, &errJSON,
		&r.ClaimedBy, &r.AttemptCount, &lease, &r.CorrelationID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Error = errJSON
	if lease.Valid {
		r.LeaseExpiresAt = &lease.Time
	}
	return &r, nil
}

// Approval is a proj_approvals row.
type Approval struct {
	ApprovalID    string     `json:"approval_id"`
	WorkspaceID   string     `json:"workspace_id"`
	Action        string     `json:"action"`
	Status        string     `json:"status"`
	Scope         string     `json:"scope"`
	ScopeRef      string     `json:"scope_ref,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RequestedBy   string     `json:"requested_by,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	Decision      string     `json:"decision,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ListApprovals pages approvals for a workspace, optionally by status.
func (q *Queries) ListApprovals(ctx context.Context, workspaceID, status string, limit int) ([]*Approval, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT approval_id, workspace_id, action, status, scope,
		        COALESCE(scope_ref, ''), expires_at, COALESCE(requested_by, ''),
		        COALESCE(decided_by, ''), COALESCE(decision, ''),
		        COALESCE(correlation_id, ''), updated_at
		 FROM proj_approvals
		 WHERE workspace_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY updated_at DESC LIMIT $3`,
		workspaceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Approval, 0)
	for rows.Next() {
		var a Approval
		var expires sql.NullTime
		if err := rows.Scan(&a.ApprovalID, &a.WorkspaceID, &a.Action, &a.Status, &a.Scope,
			&a.ScopeRef, &expires, &a.RequestedBy, &a.DecidedBy, &a.Decision,
			&a.CorrelationID, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if expires.Valid {
			a.ExpiresAt = &expires.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Incident is a proj_incidents row.
type Incident struct {
	IncidentID  string    `json:"incident_id"`
	WorkspaceID string    `json:"workspace_id"`
	Category    string    `json:"category"`
	Severity    string    `json:"severity,omitempty"`
	Status      string    `json:"status"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListIncidents pages incidents for a workspace, optionally by status.
func (q *Queries) ListIncidents(ctx context.Context, workspaceID, status string, limit int) ([]*Incident, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT incident_id, workspace_id, category, COALESCE(severity, ''), status,
		        COALESCE(entity_type, ''), COALESCE(entity_id, ''), COALESCE(summary, ''),
		        created_at, updated_at
		 FROM proj_incidents
		 WHERE workspace_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		workspaceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Incident, 0)
	for rows.Next() {
		var i Incident
		if err := rows.Scan(&i.IncidentID, &i.WorkspaceID, &i.Category, &i.Severity, &i.Status,
			&i.EntityType, &i.EntityID, &i.Summary, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

// SearchMessages runs a trigram-backed substring search over message bodies.
func (q *Queries) SearchMessages(ctx context.Context, workspaceID, term string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT message_id, COALESCE(thread_id, ''), COALESCE(body, ''),
		        contains_secrets, redaction_level, created_at
		 FROM proj_messages
		 WHERE workspace_id = $1 AND body ILIKE '%' || $2 || '%'
		 ORDER BY created_at DESC LIMIT $3`,
		workspaceID, term, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var messageID, threadID, body, redaction string
		var containsSecrets bool
		var createdAt time.Time
		if err := rows.Scan(&messageID, &threadID, &body, &containsSecrets, &redaction, &createdAt); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"message_id":       messageID,
			"thread_id":        threadID,
			"body":             body,
			"contains_secrets": containsSecrets,
			"redaction_level":  redaction,
			"created_at":       createdAt,
		})
	}
	return out, rows.Err()
}
