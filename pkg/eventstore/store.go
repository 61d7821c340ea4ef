package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warden-sh/warden/pkg/canonical"
	"github.com/warden-sh/warden/pkg/dlp"
)

// FeedChannel is the NOTIFY channel appends signal on. Payload is a small
// JSON cursor hint; subscribers treat it as a wakeup, not as data.
const FeedChannel = "evt_feed"

const eventColumns = `event_id, event_type, event_version, occurred_at, recorded_at,
	workspace_id, mission_id, room_id, thread_id, run_id, step_id,
	actor_type, actor_id, actor_principal_id, zone,
	stream_type, stream_id, stream_seq, correlation_id, causation_id,
	redaction_level, contains_secrets, policy_context, model_context, display,
	data, idempotency_key, prev_event_hash, event_hash`

// Store is the event log. It is the only writer of evt_events and
// evt_stream_heads.
type Store struct {
	db      *sql.DB
	scanner *dlp.Scanner
}

// NewStore creates an event store backed by the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, scanner: dlp.NewScanner()}
}

// Append validates the envelope, opens its own transaction, and persists the
// event (plus any DLP follow-ups). On a unique-violation race it retries the
// head-lock path once.
func (s *Store) Append(ctx context.Context, env Envelope) (*Event, error) {
	var ev *Event
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ev, lastErr = s.appendOnce(ctx, env)
		if lastErr == nil {
			return ev, nil
		}
		if !isRetryableAppendError(lastErr) {
			return nil, lastErr
		}
		slog.Warn("Append conflicted, retrying head-lock path",
			"stream_type", env.Stream.Type, "stream_id", env.Stream.ID, "error", lastErr)
	}

	// A persistent idempotency violation means the row exists: surface it.
	if env.IdempotencyKey != "" {
		if stored, err := s.findByIdempotencyKey(ctx, s.db, env.Stream, env.IdempotencyKey); err == nil {
			return stored, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIdempotencyConflictUnresolved, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrSequenceContention, lastErr)
}

func (s *Store) appendOnce(ctx context.Context, env Envelope) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ev, err := s.AppendTx(ctx, tx, env)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return ev, nil
}

// AppendTx appends within the caller's transaction. The caller owns commit
// and rollback; the DLP follow-up events share the transaction so a leak is
// never recorded without its redaction marker.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, env Envelope) (*Event, error) {
	return s.appendTx(ctx, tx, env, true)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, env Envelope, scan bool) (*Event, error) {
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}

	// Idempotent replay: return the stored row without inserting.
	if env.IdempotencyKey != "" {
		stored, err := s.findByIdempotencyKey(ctx, tx, env.Stream, env.IdempotencyKey)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	seq, err := allocateSeq(ctx, tx, env.Stream)
	if err != nil {
		return nil, err
	}

	prevHash, err := prevEventHash(ctx, tx, env.Stream, seq)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if env.Data == nil {
		dataJSON = []byte("{}")
	}

	ev := &Event{
		EventID:          env.EventID,
		EventType:        env.EventType,
		EventVersion:     env.EventVersion,
		OccurredAt:       env.OccurredAt,
		WorkspaceID:      env.WorkspaceID,
		MissionID:        env.MissionID,
		RoomID:           env.RoomID,
		ThreadID:         env.ThreadID,
		RunID:            env.RunID,
		StepID:           env.StepID,
		Actor:            env.Actor,
		ActorPrincipalID: env.ActorPrincipalID,
		Zone:             env.Zone,
		Stream:           env.Stream,
		StreamSeq:        seq,
		CorrelationID:    env.CorrelationID,
		CausationID:      env.CausationID,
		RedactionLevel:   RedactionNone,
		Data:             dataJSON,
		IdempotencyKey:   env.IdempotencyKey,
		PrevEventHash:    prevHash,
	}
	ev.PolicyContext = marshalContext(env.PolicyContext)
	ev.ModelContext = marshalContext(env.ModelContext)
	ev.Display = marshalContext(env.Display)

	var scanResult dlp.Result
	if scan && !isRedactionEventType(env.EventType) {
		scanResult = s.scanner.Scan(dataJSON)
		if scanResult.ContainsSecrets {
			ev.ContainsSecrets = true
			ev.RedactionLevel = RedactionPartial
		}
	}

	hash, err := canonical.Hash(hashDocument(ev))
	if err != nil {
		return nil, fmt.Errorf("failed to hash event: %w", err)
	}
	ev.EventHash = hash

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	if ev.ContainsSecrets {
		if err := s.emitRedactionFollowUps(ctx, tx, ev, scanResult); err != nil {
			return nil, err
		}
	}

	// NOTIFY is transactional: delivered on commit only.
	cursor, _ := json.Marshal(map[string]any{
		"stream_type": ev.Stream.Type,
		"stream_id":   ev.Stream.ID,
		"seq":         ev.StreamSeq,
		"workspace":   ev.WorkspaceID,
	})
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, FeedChannel, string(cursor)); err != nil {
		return nil, fmt.Errorf("failed to notify feed: %w", err)
	}

	return ev, nil
}

// emitRedactionFollowUps appends event.redacted and secret.leaked.detected on
// the same stream, in the same transaction, with the original event as the
// causation. The original payload is never rewritten (append-only); readers
// honor redaction_level.
func (s *Store) emitRedactionFollowUps(ctx context.Context, tx *sql.Tx, original *Event, res dlp.Result) error {
	ruleIDs := make([]string, 0, len(res.Matches))
	matches := make([]SecretMatch, 0, len(res.Matches))
	for _, m := range res.Matches {
		ruleIDs = append(ruleIDs, m.RuleID)
		matches = append(matches, SecretMatch{RuleID: m.RuleID, MaskedPreview: m.MaskedPreview})
	}

	base := Envelope{
		WorkspaceID:   original.WorkspaceID,
		Actor:         Actor{Type: ActorService, ID: "dlp-scanner"},
		Zone:          original.Zone,
		Stream:        original.Stream,
		CorrelationID: original.CorrelationID,
		CausationID:   original.EventID,
		OccurredAt:    original.OccurredAt,
	}

	redacted := base
	redacted.EventType = "event.redacted"
	redacted.Data = EventRedactedPayload{
		TargetEventID:  original.EventID,
		RedactionLevel: string(RedactionPartial),
		RuleIDs:        ruleIDs,
	}
	if _, err := s.appendTx(ctx, tx, redacted, false); err != nil {
		return fmt.Errorf("failed to append event.redacted: %w", err)
	}

	leaked := base
	leaked.EventType = "secret.leaked.detected"
	leaked.Data = SecretLeakDetectedPayload{TargetEventID: original.EventID, Matches: matches}
	if _, err := s.appendTx(ctx, tx, leaked, false); err != nil {
		return fmt.Errorf("failed to append secret.leaked.detected: %w", err)
	}

	if res.Truncated {
		truncated := base
		truncated.EventType = "dlp.scan.truncated"
		truncated.Data = ScanTruncatedPayload{TargetEventID: original.EventID, MatchCount: len(matches)}
		if _, err := s.appendTx(ctx, tx, truncated, false); err != nil {
			return fmt.Errorf("failed to append dlp.scan.truncated: %w", err)
		}
	}

	for _, m := range matches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evt_redaction_log (event_id, rule_id, masked_preview) VALUES ($1, $2, $3)`,
			original.EventID, m.RuleID, m.MaskedPreview,
		); err != nil {
			return fmt.Errorf("failed to insert redaction log row: %w", err)
		}
	}

	return nil
}

func validateEnvelope(env *Envelope) error {
	if env.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if env.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "is required"}
	}
	if env.Stream.Type == "" || env.Stream.ID == "" {
		return &ValidationError{Field: "stream", Reason: "type and id are required"}
	}
	if env.Actor.ID == "" {
		return &ValidationError{Field: "actor", Reason: "id is required"}
	}
	if env.Actor.Type == "" {
		env.Actor.Type = ActorService
	}
	if env.EventID == "" {
		env.EventID = "evt_" + uuid.NewString()
	}
	if env.EventVersion == 0 {
		env.EventVersion = 1
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.Zone == "" {
		env.Zone = ZoneSandbox
	}
	if env.CorrelationID == "" {
		env.CorrelationID = "corr_" + uuid.NewString()
	}
	return nil
}

// allocateSeq takes the stream-head row lock and hands out the next sequence
// number. The lock serializes concurrent appends to the same stream.
func allocateSeq(ctx context.Context, tx *sql.Tx, stream StreamRef) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evt_stream_heads (stream_type, stream_id) VALUES ($1, $2)
		 ON CONFLICT (stream_type, stream_id) DO NOTHING`,
		stream.Type, stream.ID,
	); err != nil {
		return 0, fmt.Errorf("failed to ensure stream head: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM evt_stream_heads
		 WHERE stream_type = $1 AND stream_id = $2 FOR UPDATE`,
		stream.Type, stream.ID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to lock stream head: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE evt_stream_heads SET next_seq = $3
		 WHERE stream_type = $1 AND stream_id = $2`,
		stream.Type, stream.ID, seq+1,
	); err != nil {
		return 0, fmt.Errorf("failed to advance stream head: %w", err)
	}

	return seq, nil
}

func prevEventHash(ctx context.Context, tx *sql.Tx, stream StreamRef, seq int64) (string, error) {
	if seq <= 1 {
		return "", nil
	}
	var hash string
	err := tx.QueryRowContext(ctx,
		`SELECT event_hash FROM evt_events
		 WHERE stream_type = $1 AND stream_id = $2 AND stream_seq = $3`,
		stream.Type, stream.ID, seq-1,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("stream %s/%s has a gap before seq %d", stream.Type, stream.ID, seq)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load previous event hash: %w", err)
	}
	return hash, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO evt_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19,
		         $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		ev.EventID, ev.EventType, ev.EventVersion, ev.OccurredAt,
		ev.WorkspaceID, nullable(ev.MissionID), nullable(ev.RoomID), nullable(ev.ThreadID),
		nullable(ev.RunID), nullable(ev.StepID),
		ev.Actor.Type, ev.Actor.ID, nullable(ev.ActorPrincipalID), ev.Zone,
		ev.Stream.Type, ev.Stream.ID, ev.StreamSeq, ev.CorrelationID, nullable(ev.CausationID),
		ev.RedactionLevel, ev.ContainsSecrets,
		nullableJSON(ev.PolicyContext), nullableJSON(ev.ModelContext), nullableJSON(ev.Display),
		[]byte(ev.Data), nullable(ev.IdempotencyKey), nullable(ev.PrevEventHash), ev.EventHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ReadStream returns events on one stream in strictly ascending stream_seq
// order, starting at fromSeq.
func (s *Store) ReadStream(ctx context.Context, stream StreamRef, fromSeq int64, limit int) ([]*Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM evt_events
		 WHERE stream_type = $1 AND stream_id = $2 AND stream_seq >= $3
		 ORDER BY stream_seq ASC LIMIT $4`,
		stream.Type, stream.ID, fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// GetByID loads one event.
func (s *Store) GetByID(ctx context.Context, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM evt_events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// FeedCursor addresses a position in the global change feed.
type FeedCursor struct {
	RecordedAt time.Time
	StreamType StreamType
	StreamID   string
	StreamSeq  int64
}

// ReadFeed pages the global change feed in ascending
// (recorded_at, stream_type, stream_id, stream_seq) order. Per-stream order
// is preserved; cross-stream order is recorded order.
func (s *Store) ReadFeed(ctx context.Context, after FeedCursor, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM evt_events
		 WHERE (recorded_at, stream_type, stream_id, stream_seq) > ($1, $2, $3, $4)
		 ORDER BY recorded_at, stream_type, stream_id, stream_seq
		 LIMIT $5`,
		after.RecordedAt, after.StreamType, after.StreamID, after.StreamSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Subscribe returns an infinite ordered feed of one stream starting at
// fromSeq. The goroutine polls; wake (optional) short-circuits the poll
// delay, typically fed from the NOTIFY listener. The channel closes when ctx
// is done.
func (s *Store) Subscribe(ctx context.Context, stream StreamRef, fromSeq int64, wake <-chan struct{}) <-chan *Event {
	out := make(chan *Event, 64)
	go func() {
		defer close(out)
		next := fromSeq
		if next < 1 {
			next = 1
		}
		for {
			events, err := s.ReadStream(ctx, stream, next, 200)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Subscribe read failed, backing off",
					"stream_type", stream.Type, "stream_id", stream.ID, "error", err)
			}
			for _, ev := range events {
				select {
				case out <- ev:
					next = ev.StreamSeq + 1
				case <-ctx.Done():
					return
				}
			}
			if len(events) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(500 * time.Millisecond):
			}
		}
	}()
	return out
}

func (s *Store) findByIdempotencyKey(ctx context.Context, q queryer, stream StreamRef, key string) (*Event, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM evt_events
		 WHERE stream_type = $1 AND stream_id = $2 AND idempotency_key = $3`,
		stream.Type, stream.ID, key,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var mission, room, thread, run, step, principal, causation, idem, prevHash sql.NullString
	var policyCtx, modelCtx, display []byte

	err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.EventVersion, &ev.OccurredAt, &ev.RecordedAt,
		&ev.WorkspaceID, &mission, &room, &thread, &run, &step,
		&ev.Actor.Type, &ev.Actor.ID, &principal, &ev.Zone,
		&ev.Stream.Type, &ev.Stream.ID, &ev.StreamSeq, &ev.CorrelationID, &causation,
		&ev.RedactionLevel, &ev.ContainsSecrets, &policyCtx, &modelCtx, &display,
		(*[]byte)(&ev.Data), &idem, &prevHash, &ev.EventHash,
	)
	if err != nil {
		return nil, err
	}
	ev.MissionID = mission.String
	ev.RoomID = room.String
	ev.ThreadID = thread.String
	ev.RunID = run.String
	ev.StepID = step.String
	ev.ActorPrincipalID = principal.String
	ev.CausationID = causation.String
	ev.IdempotencyKey = idem.String
	ev.PrevEventHash = prevHash.String
	ev.PolicyContext = policyCtx
	ev.ModelContext = modelCtx
	ev.Display = display
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	events := make([]*Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func isRedactionEventType(eventType string) bool {
	switch eventType {
	case "event.redacted", "secret.leaked.detected", "dlp.scan.truncated":
		return true
	}
	return false
}

// isRetryableAppendError covers unique violations (23505) from losing the
// idempotency or sequence race, and serialization failures (40001) from the
// serializable append transaction.
func isRetryableAppendError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" || pgErr.Code == "40001"
}

func marshalContext(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
