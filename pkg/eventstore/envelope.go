// Package eventstore implements the append-only, hash-chained event log.
//
// Every state change in the system flows through Append. Events are immutable
// once written (enforced by a storage trigger); per-stream sequence numbers
// are allocated under a row lock on the stream head; idempotency keys make
// replays return the original row; and a DLP sweep inside the append
// transaction turns leaked secrets into redaction follow-up events on the
// same stream.
package eventstore

import (
	"encoding/json"
	"time"
)

// StreamType scopes an event stream.
type StreamType string

// Stream types.
const (
	StreamRoom      StreamType = "room"
	StreamThread    StreamType = "thread"
	StreamWorkspace StreamType = "workspace"
)

// Zone classifies how much gating an action requires.
type Zone string

// Zones, ordered from least to most restricted.
const (
	ZoneSandbox    Zone = "sandbox"
	ZoneSupervised Zone = "supervised"
	ZoneHighStakes Zone = "high_stakes"
)

// ZoneRank orders zones for "at least" comparisons. Unknown zones rank lowest.
func ZoneRank(z Zone) int {
	switch z {
	case ZoneSandbox:
		return 1
	case ZoneSupervised:
		return 2
	case ZoneHighStakes:
		return 3
	default:
		return 0
	}
}

// RedactionLevel marks how much of an event payload downstream readers may
// surface.
type RedactionLevel string

// Redaction levels.
const (
	RedactionNone    RedactionLevel = "none"
	RedactionPartial RedactionLevel = "partial"
	RedactionFull    RedactionLevel = "full"
)

// ActorType identifies who performed an action.
type ActorType string

// Actor types.
const (
	ActorService ActorType = "service"
	ActorUser    ActorType = "user"
	ActorAgent   ActorType = "agent"
)

// Actor is the acting identity on an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// StreamRef addresses a stream.
type StreamRef struct {
	Type StreamType `json:"type"`
	ID   string     `json:"id"`
}

// Envelope is the caller-supplied portion of an event. Append fills in the
// sequence number, hashes, redaction flags, and recorded_at.
type Envelope struct {
	EventID          string         `json:"event_id,omitempty"`
	EventType        string         `json:"event_type"`
	EventVersion     int            `json:"event_version,omitempty"`
	OccurredAt       time.Time      `json:"occurred_at,omitempty"`
	WorkspaceID      string         `json:"workspace_id"`
	MissionID        string         `json:"mission_id,omitempty"`
	RoomID           string         `json:"room_id,omitempty"`
	ThreadID         string         `json:"thread_id,omitempty"`
	RunID            string         `json:"run_id,omitempty"`
	StepID           string         `json:"step_id,omitempty"`
	Actor            Actor          `json:"actor"`
	ActorPrincipalID string         `json:"actor_principal_id,omitempty"`
	Zone             Zone           `json:"zone,omitempty"`
	Stream           StreamRef      `json:"stream"`
	CorrelationID    string         `json:"correlation_id"`
	CausationID      string         `json:"causation_id,omitempty"`
	PolicyContext    map[string]any `json:"policy_context,omitempty"`
	ModelContext     map[string]any `json:"model_context,omitempty"`
	Display          map[string]any `json:"display,omitempty"`
	Data             any            `json:"data"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
}

// Event is a persisted event row. Data is kept raw; use DecodePayload for the
// typed view.
type Event struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	RecordedAt       time.Time       `json:"recorded_at"`
	WorkspaceID      string          `json:"workspace_id"`
	MissionID        string          `json:"mission_id,omitempty"`
	RoomID           string          `json:"room_id,omitempty"`
	ThreadID         string          `json:"thread_id,omitempty"`
	RunID            string          `json:"run_id,omitempty"`
	StepID           string          `json:"step_id,omitempty"`
	Actor            Actor           `json:"actor"`
	ActorPrincipalID string          `json:"actor_principal_id,omitempty"`
	Zone             Zone            `json:"zone"`
	Stream           StreamRef       `json:"stream"`
	StreamSeq        int64           `json:"stream_seq"`
	CorrelationID    string          `json:"correlation_id"`
	CausationID      string          `json:"causation_id,omitempty"`
	RedactionLevel   RedactionLevel  `json:"redaction_level"`
	ContainsSecrets  bool            `json:"contains_secrets"`
	PolicyContext    json.RawMessage `json:"policy_context,omitempty"`
	ModelContext     json.RawMessage `json:"model_context,omitempty"`
	Display          json.RawMessage `json:"display,omitempty"`
	Data             json.RawMessage `json:"data"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	PrevEventHash    string          `json:"prev_event_hash,omitempty"`
	EventHash        string          `json:"event_hash"`
}

// hashDocument builds the canonical structure that event_hash covers: the
// identifying envelope fields, the payload, and the previous event's hash.
// Consumers re-verifying the chain must produce the identical document.
func hashDocument(e *Event) map[string]any {
	doc := map[string]any{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"event_version":  e.EventVersion,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"workspace_id":   e.WorkspaceID,
		"actor":          map[string]any{"type": string(e.Actor.Type), "id": e.Actor.ID},
		"zone":           string(e.Zone),
		"stream":         map[string]any{"type": string(e.Stream.Type), "id": e.Stream.ID, "seq": e.StreamSeq},
		"correlation_id": e.CorrelationID,
		"data":           e.Data,
	}
	if e.CausationID != "" {
		doc["causation_id"] = e.CausationID
	}
	if e.PrevEventHash != "" {
		doc["prev_event_hash"] = e.PrevEventHash
	}
	return doc
}
