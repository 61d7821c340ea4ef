package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/approval"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/test/util"
)

func TestDecideLifecycle(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	coord := approval.NewCoordinator(db, store)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_approvals (approval_id, workspace_id, action, status, scope, correlation_id)
		 VALUES ('apr_1', 'ws_apr', 'external.write', 'pending', 'once', 'corr_x')`)
	require.NoError(t, err)

	decider := eventstore.Actor{Type: eventstore.ActorUser, ID: "owner_1"}

	// pending → held → pending → approved
	ev, err := coord.Decide(ctx, approval.DecideInput{
		ApprovalID: "apr_1", WorkspaceID: "ws_apr", Decision: approval.DecisionHold, DecidedBy: decider})
	require.NoError(t, err)
	require.NotNil(t, ev)

	// The projection is maintained by the projector; emulate its write so
	// the next transition validates against held state.
	_, err = db.ExecContext(ctx, `UPDATE proj_approvals SET status = 'held' WHERE approval_id = 'apr_1'`)
	require.NoError(t, err)

	_, err = coord.Decide(ctx, approval.DecideInput{
		ApprovalID: "apr_1", WorkspaceID: "ws_apr", Decision: approval.DecisionRelease, DecidedBy: decider})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE proj_approvals SET status = 'pending' WHERE approval_id = 'apr_1'`)
	require.NoError(t, err)

	ev, err = coord.Decide(ctx, approval.DecideInput{
		ApprovalID: "apr_1", WorkspaceID: "ws_apr", Decision: approval.DecisionApprove, DecidedBy: decider})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "approval.decided", ev.EventType)

	_, err = db.ExecContext(ctx, `UPDATE proj_approvals SET status = 'approved' WHERE approval_id = 'apr_1'`)
	require.NoError(t, err)

	// Matching double-decide is a no-op.
	ev, err = coord.Decide(ctx, approval.DecideInput{
		ApprovalID: "apr_1", WorkspaceID: "ws_apr", Decision: approval.DecisionApprove, DecidedBy: decider})
	require.NoError(t, err)
	assert.Nil(t, ev)

	// Conflicting decide on a terminal approval is rejected.
	_, err = coord.Decide(ctx, approval.DecideInput{
		ApprovalID: "apr_1", WorkspaceID: "ws_apr", Decision: approval.DecisionDeny, DecidedBy: decider})
	assert.ErrorIs(t, err, approval.ErrNotOpen)
}

func TestDecideUnknownApproval(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	coord := approval.NewCoordinator(db, eventstore.NewStore(db))

	_, err := coord.Decide(context.Background(), approval.DecideInput{
		ApprovalID: "apr_missing", WorkspaceID: "ws", Decision: approval.DecisionApprove})
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestHasApprovedBindsCorrelation(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	coord := approval.NewCoordinator(db, eventstore.NewStore(db))
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_approvals (approval_id, workspace_id, action, status, scope, correlation_id)
		 VALUES ('apr_ok', 'ws_apr', 'external.write', 'approved', 'once', 'corr_bound')`)
	require.NoError(t, err)

	ok, err := coord.HasApproved(ctx, "ws_apr", "corr_bound", "external.write")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = coord.HasApproved(ctx, "ws_apr", "corr_other", "external.write")
	require.NoError(t, err)
	assert.False(t, ok, "once-scoped approvals bind to their correlation")

	ok, err = coord.HasApproved(ctx, "ws_apr", "corr_bound", "wire.transfer")
	require.NoError(t, err)
	assert.False(t, ok, "approvals bind to their action")
}

func TestRequestIsIdempotent(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	coord := approval.NewCoordinator(db, eventstore.NewStore(db))
	ctx := context.Background()

	in := approval.RequestInput{
		WorkspaceID:    "ws_apr",
		Action:         "external.write",
		RequestedBy:    eventstore.Actor{Type: eventstore.ActorAgent, ID: "ag_1"},
		CorrelationID:  "corr_req",
		IdempotencyKey: "egress:ws_apr:egr_1:approval",
	}

	id1, ev1, err := coord.Request(ctx, in)
	require.NoError(t, err)
	id2, ev2, err := coord.Request(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, ev1.EventID, ev2.EventID)
	assert.Equal(t, id1, id2, "replayed request resolves the original approval id")
}
