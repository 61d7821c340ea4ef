package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/capability"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/learning"
)

// --- fakes ---

type fakeRegistry map[string]*ActionSpec

func (r fakeRegistry) Lookup(_ context.Context, actionType string) (*ActionSpec, bool, error) {
	spec, ok := r[actionType]
	return spec, ok, nil
}

type fakeResolver struct {
	resolved *capability.Resolved
	err      error
}

func (r *fakeResolver) Resolve(context.Context, string) (*capability.Resolved, error) {
	return r.resolved, r.err
}

type fakeApprovals bool

func (a fakeApprovals) HasApproved(context.Context, string, string, string) (bool, error) {
	return bool(a), nil
}

type fakeConstraints []LearnedConstraint

func (c fakeConstraints) LiveConstraints(context.Context, string, string, string) ([]LearnedConstraint, error) {
	return c, nil
}

type fakeEgress struct {
	allowed  bool
	exceeded bool
}

func (e fakeEgress) DomainAllowed(context.Context, string, string) (bool, error) {
	return e.allowed, nil
}
func (e fakeEgress) QuotaExceeded(context.Context, string, string) (bool, error) {
	return e.exceeded, nil
}

type recordedFailure struct {
	failures []learning.Failure
}

func (r *recordedFailure) RecordFailure(_ context.Context, f learning.Failure) (*learning.Outcome, error) {
	r.failures = append(r.failures, f)
	return &learning.Outcome{SeenCount: len(r.failures), RepeatCount: len(r.failures)}, nil
}

type capturedEvents struct {
	envelopes []eventstore.Envelope
}

func (c *capturedEvents) Append(_ context.Context, env eventstore.Envelope) (*eventstore.Event, error) {
	c.envelopes = append(c.envelopes, env)
	return &eventstore.Event{EventID: "evt_test"}, nil
}

func baseRequest() Request {
	return Request{
		Kind:          KindAction,
		Action:        "repo.write",
		WorkspaceID:   "ws_1",
		Actor:         eventstore.Actor{Type: eventstore.ActorAgent, ID: "ag_1"},
		Zone:          eventstore.ZoneSupervised,
		CorrelationID: "corr_1",
	}
}

// --- tests ---

func TestAuthorizeDefaultAllow(t *testing.T) {
	g := NewGate(Config{}, fakeRegistry{}, nil, nil, nil, nil, nil, nil)

	d, err := g.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, d.Decision)
	assert.Equal(t, ReasonDefaultAllow, d.ReasonCode)
	assert.False(t, d.Blocked)
	assert.True(t, d.Allowed())
}

func TestAuthorizeKillSwitch(t *testing.T) {
	g := NewGate(Config{KillSwitch: true}, fakeRegistry{}, nil, nil, nil, nil, nil, nil)

	d, err := g.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, DecisionDeny, d.Decision)
	assert.Equal(t, ReasonKillSwitchActive, d.ReasonCode)
	assert.True(t, d.Blocked)
}

func TestAuthorizeZoneInsufficient(t *testing.T) {
	registry := fakeRegistry{
		"prod.deploy": {ActionType: "prod.deploy", ZoneRequired: "high_stakes"},
	}
	g := NewGate(Config{}, registry, nil, nil, nil, nil, nil, nil)

	req := baseRequest()
	req.Action = "prod.deploy"
	req.Zone = eventstore.ZoneSupervised

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonZoneInsufficient, d.ReasonCode)
}

func TestAuthorizeCapabilityMissing(t *testing.T) {
	g := NewGate(Config{}, fakeRegistry{}, &fakeResolver{err: capability.ErrTokenNotEffective},
		nil, nil, nil, nil, nil)

	req := baseRequest()
	req.CapabilityTokenID = "tok_revoked"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonCapabilityMissing, d.ReasonCode)
	assert.True(t, d.Blocked)
}

func TestAuthorizeCapabilityScopeMismatch(t *testing.T) {
	resolved := &capability.Resolved{
		Scopes: capability.Scopes{ActionTypes: []string{"repo.read"}},
	}
	g := NewGate(Config{}, fakeRegistry{}, &fakeResolver{resolved: resolved}, nil, nil, nil, nil, nil)

	req := baseRequest()
	req.CapabilityTokenID = "tok_narrow"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonCapabilityMissing, d.ReasonCode)
}

func TestAuthorizeCapabilityScopeCovers(t *testing.T) {
	resolved := &capability.Resolved{
		Scopes: capability.Scopes{ActionTypes: []string{"repo.write"}},
	}
	g := NewGate(Config{}, fakeRegistry{}, &fakeResolver{resolved: resolved}, nil, nil, nil, nil, nil)

	req := baseRequest()
	req.CapabilityTokenID = "tok_ok"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d.Decision)
}

func TestAuthorizePreApprovalRequired(t *testing.T) {
	registry := fakeRegistry{
		"wire.transfer": {
			ActionType:          "wire.transfer",
			ZoneRequired:        "high_stakes",
			RequiresPreApproval: true,
		},
	}
	g := NewGate(Config{}, registry, nil, fakeApprovals(false), nil, nil, nil, nil)

	req := baseRequest()
	req.Action = "wire.transfer"
	req.Zone = eventstore.ZoneHighStakes

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireApproval, d.Decision)
	assert.Equal(t, ReasonExternalWriteApproval, d.ReasonCode)
}

func TestAuthorizePreApprovalSatisfied(t *testing.T) {
	registry := fakeRegistry{
		"wire.transfer": {
			ActionType:          "wire.transfer",
			ZoneRequired:        "high_stakes",
			RequiresPreApproval: true,
		},
	}
	g := NewGate(Config{}, registry, nil, fakeApprovals(true), nil, nil, nil, nil)

	req := baseRequest()
	req.Action = "wire.transfer"
	req.Zone = eventstore.ZoneHighStakes

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d.Decision)
}

func TestAuthorizeConstraintLearnedBlock(t *testing.T) {
	req := baseRequest()
	req.Context = map[string]any{"target": "prod"}

	// The stored constraint was learned from an identical prior failure.
	hash, err := learning.PatternHash(req.Kind, req.Action, ReasonZoneInsufficient, true, req.Context)
	require.NoError(t, err)

	constraints := fakeConstraints{{PatternHash: hash, ReasonCode: ReasonZoneInsufficient}}
	g := NewGate(Config{}, fakeRegistry{}, nil, nil, constraints, nil, nil, nil)

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonConstraintLearnedBlock, d.ReasonCode)
}

func TestAuthorizeConstraintDifferentPatternPasses(t *testing.T) {
	constraints := fakeConstraints{{PatternHash: "0000", ReasonCode: ReasonZoneInsufficient}}
	g := NewGate(Config{}, fakeRegistry{}, nil, nil, constraints, nil, nil, nil)

	d, err := g.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d.Decision)
}

func TestAuthorizeEgressDomainBlocked(t *testing.T) {
	g := NewGate(Config{}, fakeRegistry{}, nil, nil, nil, fakeEgress{allowed: false}, nil, nil)

	req := baseRequest()
	req.Kind = KindEgress
	req.Domain = "evil.example"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonEgressDomainBlocked, d.ReasonCode)
}

func TestAuthorizeEgressQuotaExceeded(t *testing.T) {
	g := NewGate(Config{}, fakeRegistry{}, nil, nil, nil, fakeEgress{allowed: true, exceeded: true}, nil, nil)

	req := baseRequest()
	req.Kind = KindEgress
	req.Domain = "api.example"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonQuotaExceeded, d.ReasonCode)
}

func TestAuthorizeShadowModeRecordsButDoesNotBlock(t *testing.T) {
	registry := fakeRegistry{
		"prod.deploy": {ActionType: "prod.deploy", ZoneRequired: "high_stakes", EnforcementMode: EnforcementShadow},
	}
	recorder := &recordedFailure{}
	emitter := &capturedEvents{}
	g := NewGate(Config{}, registry, nil, nil, nil, nil, recorder, emitter)

	req := baseRequest()
	req.Action = "prod.deploy"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, DecisionDeny, d.Decision)
	assert.Equal(t, EnforcementShadow, d.EnforcementMode)
	assert.False(t, d.Blocked)
	assert.True(t, d.Allowed(), "shadow denial proceeds")
	assert.Len(t, recorder.failures, 1, "shadow decisions still feed the ledger")
	require.Len(t, emitter.envelopes, 1)
	assert.Equal(t, "policy.denied", emitter.envelopes[0].EventType)
}

func TestAuthorizeNonAllowEmitsEventAndLedger(t *testing.T) {
	recorder := &recordedFailure{}
	emitter := &capturedEvents{}
	g := NewGate(Config{KillSwitch: true}, fakeRegistry{}, nil, nil, nil, nil, recorder, emitter)

	_, err := g.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, emitter.envelopes, 1)
	assert.Equal(t, "policy.denied", emitter.envelopes[0].EventType)
	require.Len(t, recorder.failures, 1)
	assert.Equal(t, ReasonKillSwitchActive, recorder.failures[0].ReasonCode)
	assert.Equal(t, "agent:ag_1", recorder.failures[0].SubjectKey)
}

func TestAuthorizeRequireApprovalEventType(t *testing.T) {
	registry := fakeRegistry{
		"wire.transfer": {ActionType: "wire.transfer", RequiresPreApproval: true},
	}
	emitter := &capturedEvents{}
	g := NewGate(Config{}, registry, nil, fakeApprovals(false), nil, nil, nil, emitter)

	req := baseRequest()
	req.Action = "wire.transfer"

	d, err := g.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireApproval, d.Decision)
	require.Len(t, emitter.envelopes, 1)
	assert.Equal(t, "policy.requires_approval", emitter.envelopes[0].EventType)
}
