package projector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/test/util"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestEngineProjectsRunLifecycle(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	engine := NewEngine(db, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	stream := eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: "ws_proj"}
	base := time.Now().UTC()

	_, err := store.Append(ctx, eventstore.Envelope{
		EventType:   "run.requested",
		WorkspaceID: "ws_proj",
		Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "test"},
		Stream:      stream,
		OccurredAt:  base,
		Data:        eventstore.RunRequestedPayload{RunID: "run_p", RiskTier: "low"},
	})
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		var status string
		if err := db.QueryRow(`SELECT status FROM proj_runs WHERE run_id = 'run_p'`).Scan(&status); err != nil {
			return false
		}
		return status == "queued"
	})

	_, err = store.Append(ctx, eventstore.Envelope{
		EventType:   "run.completed",
		WorkspaceID: "ws_proj",
		Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "test"},
		Stream:      stream,
		OccurredAt:  base.Add(2 * time.Second),
		Data:        eventstore.RunCompletedPayload{RunID: "run_p"},
	})
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		var status string
		_ = db.QueryRow(`SELECT status FROM proj_runs WHERE run_id = 'run_p'`).Scan(&status)
		return status == "completed"
	})

	// A late-arriving run.started with an older occurred_at must not win
	// over the terminal state: the watermark drops it.
	_, err = store.Append(ctx, eventstore.Envelope{
		EventType:   "run.started",
		WorkspaceID: "ws_proj",
		Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "test"},
		Stream:      stream,
		OccurredAt:  base.Add(time.Second),
		Data:        eventstore.RunStartedPayload{RunID: "run_p", AttemptNo: 1},
	})
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		var applied bool
		_ = db.QueryRow(
			`SELECT EXISTS (SELECT 1 FROM proj_applied_events
			  WHERE projector_name = 'runs' AND event_id IN (
			    SELECT event_id FROM evt_events WHERE event_type = 'run.started'))`).Scan(&applied)
		return applied
	})

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM proj_runs WHERE run_id = 'run_p'`).Scan(&status))
	assert.Equal(t, "completed", status, "older occurred_at must not overwrite")

	// Watermarks advanced.
	var wm time.Time
	require.NoError(t, db.QueryRow(
		`SELECT last_applied_event_occurred_at FROM projector_watermarks WHERE workspace_id = 'ws_proj'`).Scan(&wm))
	assert.False(t, wm.Before(base.Add(-time.Millisecond)), "workspace watermark tracks applied events")
}

func TestEngineAppliesEachEventOnce(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	engine := NewEngine(db, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: "ws_once"}
	ev, err := store.Append(ctx, eventstore.Envelope{
		EventType:   "incident.opened",
		WorkspaceID: "ws_once",
		Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "test"},
		Stream:      stream,
		Data: eventstore.IncidentOpenedPayload{
			IncidentID: "inc_once", Category: "test",
		},
	})
	require.NoError(t, err)

	// Apply directly twice: the second application is a no-op.
	h := Handler{}
	for _, cand := range defaultHandlers() {
		if cand.Name == "incidents" {
			h = cand
		}
	}
	require.NotNil(t, h.Apply)

	require.NoError(t, engine.applyOnce(ctx, h, ev))
	require.NoError(t, engine.applyOnce(ctx, h, ev))

	var rows int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM proj_incidents WHERE incident_id = 'inc_once'`).Scan(&rows))
	assert.Equal(t, 1, rows)

	var applied int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM proj_applied_events WHERE projector_name = 'incidents'`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestResetDeadLetterAllowsReplay(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	engine := NewEngine(db, store)
	ctx := context.Background()

	require.NoError(t, engine.park(ctx, "runs", "evt_dead", assertErr{}))

	var parked int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM proj_dead_letters WHERE projector_name = 'runs'`).Scan(&parked))
	assert.Equal(t, 1, parked)

	require.NoError(t, engine.ResetDeadLetter(ctx, "runs", "evt_dead"))
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM proj_dead_letters WHERE projector_name = 'runs'`).Scan(&parked))
	assert.Equal(t, 0, parked)
}

type assertErr struct{}

func (assertErr) Error() string { return "handler exploded" }
