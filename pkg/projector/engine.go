// Package projector drives read models from the event log.
//
// The engine tails the global change feed and applies each event to every
// registered projector exactly once, guarded by proj_applied_events. Ordering
// is per-stream only; projection upserts carry a last_event_occurred_at
// watermark clause so replays and cross-stream races converge to the same
// rows. A handler that keeps failing parks its event in proj_dead_letters
// instead of wedging the feed.
package projector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// maxApplyAttempts bounds per-(projector, event) retries before parking.
const maxApplyAttempts = 3

// Handler applies events of matching types to one read model.
type Handler struct {
	Name  string
	Match func(eventType string) bool
	Apply func(ctx context.Context, tx *sql.Tx, ev *eventstore.Event) error
}

// FollowUp runs after an event has been applied by every projector. Used to
// hook the automation loop.
type FollowUp func(ctx context.Context, ev *eventstore.Event)

// Engine tails the feed and dispatches to handlers.
type Engine struct {
	db       *sql.DB
	store    *eventstore.Store
	handlers []Handler
	followUps []FollowUp

	pollInterval time.Duration
	wake         chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewEngine creates the engine with the default handler set.
func NewEngine(db *sql.DB, store *eventstore.Store) *Engine {
	return &Engine{
		db:           db,
		store:        store,
		handlers:     defaultHandlers(),
		pollInterval: 500 * time.Millisecond,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// OnApplied registers a follow-up invoked after each applied event.
func (e *Engine) OnApplied(fn FollowUp) {
	e.followUps = append(e.followUps, fn)
}

// Wake nudges the poll loop; wired to the NOTIFY listener.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the feed loop.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
	slog.Info("Projector engine started", "projectors", len(e.handlers))
}

// Stop signals the loop and waits for it to drain.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	cursor, err := e.loadCursor(ctx)
	if err != nil {
		slog.Error("Failed to load feed cursor, starting from origin", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		events, err := e.store.ReadFeed(ctx, cursor, 200)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Feed read failed, backing off", "error", err)
			e.sleep(ctx, 2*time.Second)
			continue
		}

		for _, ev := range events {
			e.applyToAll(ctx, ev)
			cursor = eventstore.FeedCursor{
				RecordedAt: ev.RecordedAt,
				StreamType: ev.Stream.Type,
				StreamID:   ev.Stream.ID,
				StreamSeq:  ev.StreamSeq,
			}
		}

		if len(events) > 0 {
			if err := e.saveCursor(ctx, cursor); err != nil {
				slog.Warn("Failed to persist feed cursor", "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-time.After(e.pollInterval):
		}
	}
}

// applyToAll runs every matching projector for one event, then the
// follow-ups. A projector that exhausts its retries is parked; the feed
// keeps moving.
func (e *Engine) applyToAll(ctx context.Context, ev *eventstore.Event) {
	for _, h := range e.handlers {
		if !h.Match(ev.EventType) {
			continue
		}
		if err := e.applyWithRetry(ctx, h, ev); err != nil {
			slog.Error("Projector parked event in dead letters",
				"projector", h.Name, "event_id", ev.EventID, "error", err)
			if dlErr := e.park(ctx, h.Name, ev.EventID, err); dlErr != nil {
				slog.Error("Failed to park dead letter", "error", dlErr)
			}
		}
	}

	for _, fn := range e.followUps {
		fn(ctx, ev)
	}
}

func (e *Engine) applyWithRetry(ctx context.Context, h Handler, ev *eventstore.Event) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		lastErr = e.applyOnce(ctx, h, ev)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		e.sleep(ctx, backoff)
		backoff *= 2
	}
	return lastErr
}

// applyOnce is the exactly-once unit: the applied-events insert, the handler
// write, and the watermark updates share one transaction.
func (e *Engine) applyOnce(ctx context.Context, h Handler, ev *eventstore.Event) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin projector transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO proj_applied_events (projector_name, event_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		h.Name, ev.EventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already applied
	}

	if err := h.Apply(ctx, tx, ev); err != nil {
		return fmt.Errorf("handler %s: %w", h.Name, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proj_projectors (projector_name, last_recorded_at, last_event_id, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (projector_name) DO UPDATE SET
		   last_recorded_at = EXCLUDED.last_recorded_at,
		   last_event_id = EXCLUDED.last_event_id,
		   updated_at = now()`,
		h.Name, ev.RecordedAt, ev.EventID,
	); err != nil {
		return fmt.Errorf("failed to update projector state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projector_watermarks (workspace_id, last_applied_event_occurred_at, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (workspace_id) DO UPDATE SET
		   last_applied_event_occurred_at = GREATEST(
		     projector_watermarks.last_applied_event_occurred_at,
		     EXCLUDED.last_applied_event_occurred_at),
		   updated_at = now()`,
		ev.WorkspaceID, ev.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to update workspace watermark: %w", err)
	}

	return tx.Commit()
}

func (e *Engine) park(ctx context.Context, projector, eventID string, cause error) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO proj_dead_letters (projector_name, event_id, last_error)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (projector_name, event_id) DO UPDATE SET
		   last_error = EXCLUDED.last_error,
		   fail_count = proj_dead_letters.fail_count + 1,
		   parked_at = now()`,
		projector, eventID, cause.Error(),
	)
	return err
}

// ResetDeadLetter removes a parked entry (and its applied marker) so the
// event can be replayed after an operator fix.
func (e *Engine) ResetDeadLetter(ctx context.Context, projector, eventID string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM proj_dead_letters WHERE projector_name = $1 AND event_id = $2`,
		projector, eventID,
	); err != nil {
		return fmt.Errorf("failed to clear dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM proj_applied_events WHERE projector_name = $1 AND event_id = $2`,
		projector, eventID,
	); err != nil {
		return fmt.Errorf("failed to clear applied marker: %w", err)
	}
	return tx.Commit()
}

const feedCursorName = "engine:feed"

func (e *Engine) loadCursor(ctx context.Context) (eventstore.FeedCursor, error) {
	var recordedAt sql.NullTime
	err := e.db.QueryRowContext(ctx,
		`SELECT last_recorded_at FROM proj_projectors WHERE projector_name = $1`,
		feedCursorName,
	).Scan(&recordedAt)
	if errors.Is(err, sql.ErrNoRows) || !recordedAt.Valid {
		return eventstore.FeedCursor{}, nil
	}
	if err != nil {
		return eventstore.FeedCursor{}, err
	}
	// Rewind slightly; proj_applied_events absorbs the replayed overlap.
	return eventstore.FeedCursor{RecordedAt: recordedAt.Time.Add(-2 * time.Second)}, nil
}

func (e *Engine) saveCursor(ctx context.Context, c eventstore.FeedCursor) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO proj_projectors (projector_name, last_recorded_at, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (projector_name) DO UPDATE SET
		   last_recorded_at = EXCLUDED.last_recorded_at, updated_at = now()`,
		feedCursorName, c.RecordedAt,
	)
	return err
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-time.After(d):
	}
}
