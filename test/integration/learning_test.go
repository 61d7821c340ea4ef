package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/learning"
	"github.com/warden-sh/warden/test/util"
)

func TestRepeatedFailureEmitsMistakeRepeated(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	ledger := learning.NewLedger(db, store)
	ctx := context.Background()

	failure := learning.Failure{
		WorkspaceID: "ws_learn",
		SubjectKey:  "agent:ag_1",
		Category:    "action",
		Action:      "external.write",
		ReasonCode:  "external_write_requires_approval",
		Blocked:     true,
		Context:     map[string]any{"target": "prod"},
		Stream:      workspaceStream("ws_learn"),
		Correlation: "corr_learn",
	}

	// First observation: learning + constraint, no mistake.repeated.
	first, err := ledger.RecordFailure(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SeenCount)
	assert.False(t, first.Repeated)

	// Second identical observation: mistake.repeated fires exactly now.
	second, err := ledger.RecordFailure(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, 2, second.SeenCount)
	assert.Equal(t, 2, second.RepeatCount)
	assert.True(t, second.Repeated)
	assert.Equal(t, first.PatternHash, second.PatternHash)

	counts := map[string]int{}
	rows, err := db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM evt_events
		 WHERE workspace_id = 'ws_learn' GROUP BY event_type`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var eventType string
		var n int
		require.NoError(t, rows.Scan(&eventType, &n))
		counts[eventType] = n
	}
	require.NoError(t, rows.Err())

	assert.Equal(t, 2, counts["learning.from_failure"])
	assert.Equal(t, 2, counts["constraint.learned"])
	assert.Equal(t, 1, counts["mistake.repeated"])

	// Third observation: no further mistake.repeated.
	third, err := ledger.RecordFailure(ctx, failure)
	require.NoError(t, err)
	assert.False(t, third.Repeated)

	// The constraint is now live for the policy gate.
	live, err := ledger.LiveConstraints(ctx, "ws_learn", "agent:ag_1", "action")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, first.PatternHash, live[0].PatternHash)
}

func TestDifferentPatternsKeepSeparateCounters(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	ledger := learning.NewLedger(db, store)
	ctx := context.Background()

	base := learning.Failure{
		WorkspaceID: "ws_learn2",
		SubjectKey:  "agent:ag_1",
		Category:    "egress",
		Action:      "http.get",
		ReasonCode:  "egress_domain_blocked",
		Blocked:     true,
		Stream:      workspaceStream("ws_learn2"),
	}

	a := base
	a.Context = map[string]any{"domain": "a.example"}
	b := base
	b.Context = map[string]any{"domain": "b.example"}

	outA, err := ledger.RecordFailure(ctx, a)
	require.NoError(t, err)
	outB, err := ledger.RecordFailure(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, outA.PatternHash, outB.PatternHash)
	assert.Equal(t, 1, outA.SeenCount)
	assert.Equal(t, 1, outB.SeenCount)
	assert.False(t, outB.Repeated, "distinct patterns do not repeat each other")
}
