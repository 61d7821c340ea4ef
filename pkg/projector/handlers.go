package projector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// watermark is the shared guard: an upsert only wins if it carries a newer
// occurred_at than the row's current one, so out-of-order deliveries and
// replays converge.
func watermark(table string) string {
	return ` WHERE ` + table + `.last_event_occurred_at IS NULL
	         OR ` + table + `.last_event_occurred_at < EXCLUDED.last_event_occurred_at`
}

func prefix(p string) func(string) bool {
	return func(eventType string) bool { return strings.HasPrefix(eventType, p) }
}

func anyOf(matchers ...func(string) bool) func(string) bool {
	return func(eventType string) bool {
		for _, m := range matchers {
			if m(eventType) {
				return true
			}
		}
		return false
	}
}

func defaultHandlers() []Handler {
	return []Handler{
		{Name: "runs", Match: prefix("run."), Apply: applyRun},
		{Name: "approvals", Match: prefix("approval."), Apply: applyApproval},
		{Name: "incidents", Match: prefix("incident."), Apply: applyIncident},
		{Name: "messages", Match: prefix("message."), Apply: applyMessage},
		{Name: "tool_calls", Match: prefix("tool."), Apply: applyToolCall},
		{Name: "artifacts", Match: prefix("artifact."), Apply: applyArtifact},
		{Name: "evidence", Match: prefix("evidence."), Apply: applyEvidence},
		{Name: "scorecards", Match: prefix("scorecard."), Apply: applyScorecard},
		{Name: "lessons", Match: anyOf(prefix("lesson."), prefix("learning."), prefix("constraint.")), Apply: applyLesson},
		{Name: "experiments", Match: prefix("experiment."), Apply: applyExperiment},
		// Informational families: projected state lives elsewhere (lifecycle
		// rows are written by the evaluator, egress rows by the gateway) or
		// nowhere at all. Applying them is a deliberate no-op so the
		// applied-events ledger still records the delivery.
		{Name: "lifecycle", Match: prefix("lifecycle."), Apply: applyNoop},
		{Name: "egress_log", Match: prefix("egress."), Apply: applyNoop},
		{Name: "agent_skill", Match: prefix("agent.skill."), Apply: applyNoop},
	}
}

func applyNoop(context.Context, *sql.Tx, *eventstore.Event) error { return nil }

func applyRun(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *eventstore.RunRequestedPayload:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO proj_runs
			   (run_id, workspace_id, room_id, thread_id, status, risk_tier,
			    correlation_id, created_at, updated_at, last_event_id, last_event_occurred_at)
			 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), 'queued', NULLIF($5, ''),
			         $6, $7, $7, $8, $7)
			 ON CONFLICT (run_id) DO UPDATE SET
			   risk_tier = EXCLUDED.risk_tier,
			   updated_at = EXCLUDED.updated_at,
			   last_event_id = EXCLUDED.last_event_id,
			   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_runs"),
			p.RunID, ev.WorkspaceID, p.RoomID, ev.ThreadID, p.RiskTier,
			ev.CorrelationID, ev.OccurredAt, ev.EventID,
		)
		return err

	case *eventstore.RunStartedPayload:
		return updateRunStatus(ctx, tx, ev, p.RunID, "running", nil)

	case *eventstore.RunCompletedPayload:
		return updateRunStatus(ctx, tx, ev, p.RunID, "completed", nil)

	case *eventstore.RunFailedPayload:
		return updateRunStatus(ctx, tx, ev, p.RunID, "failed", map[string]any{
			"code": p.Error.Code, "kind": p.Error.Kind, "message": p.Error.Message,
		})

	default:
		return nil
	}
}

func updateRunStatus(ctx context.Context, tx *sql.Tx, ev *eventstore.Event, runID, status string, errInfo map[string]any) error {
	var errJSON any
	if errInfo != nil {
		b, err := jsonMarshal(errInfo)
		if err != nil {
			return err
		}
		errJSON = b
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO proj_runs
		   (run_id, workspace_id, status, error, correlation_id,
		    created_at, updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $6)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   error = COALESCE(EXCLUDED.error, proj_runs.error),
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_runs"),
		runID, ev.WorkspaceID, status, errJSON, ev.CorrelationID, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyApproval(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *eventstore.ApprovalRequestedPayload:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO proj_approvals
			   (approval_id, workspace_id, action, status, scope, scope_ref,
			    expires_at, requested_by, correlation_id,
			    updated_at, last_event_id, last_event_occurred_at)
			 VALUES ($1, $2, $3, 'pending', $4, NULLIF($5, ''),
			         NULLIF($6, '')::timestamptz, $7, $8, $9, $10, $9)
			 ON CONFLICT (approval_id) DO UPDATE SET
			   updated_at = EXCLUDED.updated_at,
			   last_event_id = EXCLUDED.last_event_id,
			   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_approvals"),
			p.ApprovalID, ev.WorkspaceID, p.Action, orDefault(p.Scope, "once"), p.ScopeRef,
			p.ExpiresAt, ev.Actor.ID, ev.CorrelationID, ev.OccurredAt, ev.EventID,
		)
		return err

	case *eventstore.ApprovalDecidedPayload:
		status := map[string]string{
			"approve": "approved",
			"deny":    "denied",
			"hold":    "held",
			"release": "pending",
		}[p.Decision]
		if status == "" {
			return fmt.Errorf("unknown approval decision %q", p.Decision)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE proj_approvals SET
			   status = $2, decided_by = $3, decision = $4,
			   updated_at = $5, last_event_id = $6, last_event_occurred_at = $5
			 WHERE approval_id = $1
			   AND (last_event_occurred_at IS NULL OR last_event_occurred_at < $5)`,
			p.ApprovalID, status, p.DecidedBy, p.Decision, ev.OccurredAt, ev.EventID,
		)
		return err

	default:
		return nil
	}
}

func applyIncident(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}

	p, ok := payload.(*eventstore.IncidentOpenedPayload)
	if !ok {
		// incident.closed and friends update status by id from raw data.
		return applyIncidentStatus(ctx, tx, ev)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO proj_incidents
		   (incident_id, workspace_id, category, severity, status, entity_type,
		    entity_id, summary, correlation_id,
		    created_at, updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), 'open', NULLIF($5, ''),
		         NULLIF($6, ''), NULLIF($7, ''), $8, $9, $9, $10, $9)
		 ON CONFLICT (incident_id) DO UPDATE SET
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_incidents"),
		p.IncidentID, ev.WorkspaceID, p.Category, p.Severity, p.EntityType,
		p.EntityID, p.Summary, ev.CorrelationID, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyIncidentStatus(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	if ev.EventType != "incident.closed" {
		return nil
	}
	var data struct {
		IncidentID string `json:"incident_id"`
	}
	if err := jsonUnmarshal(ev.Data, &data); err != nil || data.IncidentID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE proj_incidents SET status = 'closed', updated_at = $2,
		   last_event_id = $3, last_event_occurred_at = $2
		 WHERE incident_id = $1
		   AND (last_event_occurred_at IS NULL OR last_event_occurred_at < $2)`,
		data.IncidentID, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyMessage(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}
	p, ok := payload.(*eventstore.MessageCreatedPayload)
	if !ok {
		return nil
	}

	// Honor the redaction marker: a payload flagged by DLP is never copied
	// verbatim into the searchable read model.
	body := p.Body
	if ev.ContainsSecrets || ev.RedactionLevel != eventstore.RedactionNone {
		body = "[redacted]"
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO proj_messages
		   (message_id, workspace_id, room_id, thread_id, author_type, author_id,
		    body, contains_secrets, redaction_level,
		    created_at, updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $10, $11, $10)
		 ON CONFLICT (message_id) DO UPDATE SET
		   contains_secrets = EXCLUDED.contains_secrets,
		   redaction_level = EXCLUDED.redaction_level,
		   body = EXCLUDED.body,
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_messages"),
		p.MessageID, ev.WorkspaceID, ev.RoomID, ev.ThreadID,
		ev.Actor.Type, ev.Actor.ID, body, ev.ContainsSecrets, ev.RedactionLevel,
		ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyToolCall(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	var data struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name"`
		Status     string `json:"status"`
		Decision   string `json:"decision"`
		ReasonCode string `json:"reason_code"`
		DurationMS int64  `json:"duration_ms"`
	}
	if err := jsonUnmarshal(ev.Data, &data); err != nil || data.ToolCallID == "" {
		return nil
	}
	status := data.Status
	if status == "" {
		status = strings.TrimPrefix(ev.EventType, "tool.call.")
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO proj_tool_calls
		   (tool_call_id, workspace_id, run_id, tool_name, status, decision,
		    reason_code, duration_ms, updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''),
		         NULLIF($8, 0), $9, $10, $9)
		 ON CONFLICT (tool_call_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   decision = COALESCE(EXCLUDED.decision, proj_tool_calls.decision),
		   reason_code = COALESCE(EXCLUDED.reason_code, proj_tool_calls.reason_code),
		   duration_ms = COALESCE(EXCLUDED.duration_ms, proj_tool_calls.duration_ms),
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_tool_calls"),
		data.ToolCallID, ev.WorkspaceID, ev.RunID, data.ToolName, status,
		data.Decision, data.ReasonCode, data.DurationMS, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyArtifact(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	var data struct {
		ArtifactID  string `json:"artifact_id"`
		Kind        string `json:"kind"`
		URI         string `json:"uri"`
		ContentHash string `json:"content_hash"`
	}
	if err := jsonUnmarshal(ev.Data, &data); err != nil || data.ArtifactID == "" {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO proj_artifacts
		   (artifact_id, workspace_id, run_id, kind, uri, content_hash,
		    updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
		         $7, $8, $7)
		 ON CONFLICT (artifact_id) DO UPDATE SET
		   kind = COALESCE(EXCLUDED.kind, proj_artifacts.kind),
		   uri = COALESCE(EXCLUDED.uri, proj_artifacts.uri),
		   content_hash = COALESCE(EXCLUDED.content_hash, proj_artifacts.content_hash),
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_artifacts"),
		data.ArtifactID, ev.WorkspaceID, ev.RunID, data.Kind, data.URI, data.ContentHash,
		ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyEvidence(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	var data struct {
		ManifestID    string `json:"manifest_id"`
		StreamType    string `json:"stream_type"`
		StreamID      string `json:"stream_id"`
		FromSeq       int64  `json:"from_seq"`
		ToSeq         int64  `json:"to_seq"`
		ChainVerified *bool  `json:"chain_verified"`
	}
	if err := jsonUnmarshal(ev.Data, &data); err != nil || data.ManifestID == "" {
		return nil
	}

	status := "open"
	if ev.EventType == "evidence.manifest.finalized" {
		status = "finalized"
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO proj_evidence_manifests
		   (manifest_id, workspace_id, run_id, status, stream_type, stream_id,
		    from_seq, to_seq, chain_verified,
		    updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''),
		         NULLIF($7, 0), NULLIF($8, 0), $9, $10, $11, $10)
		 ON CONFLICT (manifest_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   chain_verified = COALESCE(EXCLUDED.chain_verified, proj_evidence_manifests.chain_verified),
		   to_seq = COALESCE(EXCLUDED.to_seq, proj_evidence_manifests.to_seq),
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_evidence_manifests"),
		data.ManifestID, ev.WorkspaceID, ev.RunID, status, data.StreamType, data.StreamID,
		data.FromSeq, data.ToSeq, data.ChainVerified, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyScorecard(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}
	p, ok := payload.(*eventstore.ScorecardRecordedPayload)
	if !ok {
		return nil
	}

	metricsJSON, err := jsonMarshal(p.Metrics)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO proj_scorecards
		   (scorecard_id, workspace_id, agent_id, run_id, decision,
		    iteration_count, metrics, recorded_at,
		    updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
		         $6, $7, $8, $8, $9, $8)
		 ON CONFLICT (scorecard_id) DO UPDATE SET
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_scorecards"),
		p.ScorecardID, ev.WorkspaceID, p.AgentID, p.RunID, p.Decision,
		p.IterationCount, metricsJSON, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyLesson(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}
	p, ok := payload.(*eventstore.ConstraintLearnedPayload)
	if !ok {
		return nil
	}
	// Every learning event family lands here; the lesson row is keyed by the
	// pattern so repeats bump seen_count instead of multiplying rows.
	if ev.EventType != "learning.from_failure" {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO proj_lessons
		   (lesson_id, workspace_id, subject_key, category, summary, seen_count,
		    updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)
		 ON CONFLICT (lesson_id) DO UPDATE SET
		   seen_count = GREATEST(proj_lessons.seen_count, EXCLUDED.seen_count),
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_lessons"),
		p.PatternHash, ev.WorkspaceID, p.SubjectKey, p.Category,
		fmt.Sprintf("%s blocked by %s", p.SubjectKey, p.ReasonCode),
		p.SeenCount, ev.OccurredAt, ev.EventID,
	)
	return err
}

func applyExperiment(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error {
	var data struct {
		ExperimentID string `json:"experiment_id"`
		Name         string `json:"name"`
		Variant      string `json:"variant"`
	}
	if err := jsonUnmarshal(ev.Data, &data); err != nil || data.ExperimentID == "" {
		return nil
	}

	status := strings.TrimPrefix(ev.EventType, "experiment.")

	_, err := tx.ExecContext(ctx,
		`INSERT INTO proj_experiments
		   (experiment_id, workspace_id, name, status, variant,
		    updated_at, last_event_id, last_event_occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $6)
		 ON CONFLICT (experiment_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   variant = COALESCE(EXCLUDED.variant, proj_experiments.variant),
		   updated_at = EXCLUDED.updated_at,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_occurred_at = EXCLUDED.last_event_occurred_at`+watermark("proj_experiments"),
		data.ExperimentID, ev.WorkspaceID, data.Name, status, data.Variant,
		ev.OccurredAt, ev.EventID,
	)
	return err
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
