package eventstore

import (
	"encoding/json"
	"fmt"
)

// Typed payloads for well-known event types. Event data is polymorphic per
// event_type; DecodePayload maps the raw JSON onto the matching struct and
// falls back to UnknownPayload so forward-compatible consumers never fail on
// new types.

// RunRequestedPayload — run.requested.
type RunRequestedPayload struct {
	RunID    string         `json:"run_id"`
	RoomID   string         `json:"room_id,omitempty"`
	RiskTier string         `json:"risk_tier,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// RunStartedPayload — run.started.
type RunStartedPayload struct {
	RunID           string `json:"run_id"`
	AttemptNo       int    `json:"attempt_no"`
	ClaimedByActorID string `json:"claimed_by_actor_id"`
}

// RunCompletedPayload — run.completed.
type RunCompletedPayload struct {
	RunID  string         `json:"run_id"`
	Output map[string]any `json:"output,omitempty"`
}

// RunFailedPayload — run.failed.
type RunFailedPayload struct {
	RunID    string `json:"run_id"`
	RiskTier string `json:"risk_tier,omitempty"`
	Error    struct {
		Code    string `json:"code,omitempty"`
		Kind    string `json:"kind,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// ApprovalRequestedPayload — approval.requested.
type ApprovalRequestedPayload struct {
	ApprovalID string `json:"approval_id"`
	Action     string `json:"action"`
	Scope      string `json:"scope,omitempty"`
	ScopeRef   string `json:"scope_ref,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

// ApprovalDecidedPayload — approval.decided.
type ApprovalDecidedPayload struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

// IncidentOpenedPayload — incident.opened.
type IncidentOpenedPayload struct {
	IncidentID string `json:"incident_id"`
	Category   string `json:"category"`
	Severity   string `json:"severity,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// PolicyDecisionPayload — policy.denied / policy.requires_approval.
type PolicyDecisionPayload struct {
	Kind            string `json:"kind"`
	Action          string `json:"action"`
	Decision        string `json:"decision"`
	ReasonCode      string `json:"reason_code"`
	Blocked         bool   `json:"blocked"`
	EnforcementMode string `json:"enforcement_mode"`
	SubjectKey      string `json:"subject_key,omitempty"`
	PatternHash     string `json:"pattern_hash,omitempty"`
}

// EgressRequestedPayload — egress.requested / egress.allowed / egress.blocked.
type EgressRequestedPayload struct {
	EgressID   string `json:"egress_id"`
	Action     string `json:"action"`
	TargetURL  string `json:"target_url"`
	Domain     string `json:"domain"`
	Method     string `json:"method,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// MessageCreatedPayload — message.created.
type MessageCreatedPayload struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// ScorecardRecordedPayload — scorecard.recorded.
type ScorecardRecordedPayload struct {
	ScorecardID    string             `json:"scorecard_id"`
	AgentID        string             `json:"agent_id"`
	RunID          string             `json:"run_id,omitempty"`
	Decision       string             `json:"decision,omitempty"`
	IterationCount int                `json:"iteration_count,omitempty"`
	MaxIterations  int                `json:"max_iterations,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// LifecycleStateChangedPayload — lifecycle.state.changed.
type LifecycleStateChangedPayload struct {
	TargetType       string `json:"target_type"`
	TargetID         string `json:"target_id"`
	FromState        string `json:"from_state"`
	ToState          string `json:"to_state"`
	RecommendedState string `json:"recommended_state"`
}

// EventRedactedPayload — event.redacted.
type EventRedactedPayload struct {
	TargetEventID  string `json:"target_event_id"`
	RedactionLevel string `json:"redaction_level"`
	RuleIDs        []string `json:"rule_ids"`
}

// SecretLeakDetectedPayload — secret.leaked.detected.
type SecretLeakDetectedPayload struct {
	TargetEventID string `json:"target_event_id"`
	Matches       []SecretMatch `json:"matches"`
}

// SecretMatch is one DLP hit with a preview safe for audit logs.
type SecretMatch struct {
	RuleID        string `json:"rule_id"`
	MaskedPreview string `json:"masked_preview"`
}

// ScanTruncatedPayload — dlp.scan.truncated: the scan budget was hit and
// further matches may exist.
type ScanTruncatedPayload struct {
	TargetEventID string `json:"target_event_id"`
	MatchCount    int    `json:"match_count"`
}

// ConstraintLearnedPayload — constraint.learned / learning.from_failure /
// mistake.repeated.
type ConstraintLearnedPayload struct {
	SubjectKey  string `json:"subject_key"`
	Category    string `json:"category"`
	PatternHash string `json:"pattern_hash"`
	ReasonCode  string `json:"reason_code"`
	SeenCount   int    `json:"seen_count,omitempty"`
	RepeatCount int    `json:"repeat_count,omitempty"`
}

// UnknownPayload carries the raw JSON of an unrecognized event type.
type UnknownPayload struct {
	EventType string
	Raw       json.RawMessage
}

// DecodePayload returns the typed payload for a stored event, or
// UnknownPayload for types this build does not know.
func DecodePayload(e *Event) (any, error) {
	target := payloadTarget(e.EventType)
	if target == nil {
		return UnknownPayload{EventType: e.EventType, Raw: e.Data}, nil
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return target, nil
}

func payloadTarget(eventType string) any {
	switch eventType {
	case "run.requested":
		return &RunRequestedPayload{}
	case "run.started":
		return &RunStartedPayload{}
	case "run.completed":
		return &RunCompletedPayload{}
	case "run.failed":
		return &RunFailedPayload{}
	case "approval.requested":
		return &ApprovalRequestedPayload{}
	case "approval.decided":
		return &ApprovalDecidedPayload{}
	case "incident.opened":
		return &IncidentOpenedPayload{}
	case "policy.denied", "policy.requires_approval":
		return &PolicyDecisionPayload{}
	case "egress.requested", "egress.allowed", "egress.blocked":
		return &EgressRequestedPayload{}
	case "message.created":
		return &MessageCreatedPayload{}
	case "scorecard.recorded":
		return &ScorecardRecordedPayload{}
	case "lifecycle.state.changed":
		return &LifecycleStateChangedPayload{}
	case "event.redacted":
		return &EventRedactedPayload{}
	case "secret.leaked.detected":
		return &SecretLeakDetectedPayload{}
	case "dlp.scan.truncated":
		return &ScanTruncatedPayload{}
	case "constraint.learned", "learning.from_failure", "mistake.repeated":
		return &ConstraintLearnedPayload{}
	default:
		return nil
	}
}
