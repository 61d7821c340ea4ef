// Package policy implements the gate every externally-visible action passes
// through: tool calls, data access, outbound HTTP, and registered actions.
//
// Authorize short-circuits in a fixed order (kill switch, action catalog,
// capability scopes, zone gating, learned constraints, egress policy) and
// returns a machine-readable decision. Non-allow decisions are themselves
// events: the gate appends policy.denied / policy.requires_approval and
// feeds the learning ledger so the same mistake gets cheaper to block next
// time.
package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warden-sh/warden/pkg/capability"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/learning"
)

// Decision is the gate verdict.
type Decision struct {
	Decision        string `json:"decision"`
	ReasonCode      string `json:"reason_code"`
	Reason          string `json:"reason,omitempty"`
	Blocked         bool   `json:"blocked"`
	EnforcementMode string `json:"enforcement_mode"`
}

// Allowed reports whether the caller may proceed. Shadow-mode denials
// proceed (recorded, not blocked).
func (d Decision) Allowed() bool {
	return d.Decision == DecisionAllow || !d.Blocked
}

// Request carries everything the gate evaluates.
type Request struct {
	Kind              string
	Action            string
	WorkspaceID       string
	Actor             eventstore.Actor
	PrincipalID       string
	CapabilityTokenID string
	Zone              eventstore.Zone
	RoomID            string
	RunID             string
	Tool              string
	Domain            string
	DataAccessMode    string // "read" or "write" for kind=data_access
	CorrelationID     string
	Context           map[string]any
}

// CapabilityResolver resolves capability tokens to effective scopes.
type CapabilityResolver interface {
	Resolve(ctx context.Context, tokenID string) (*capability.Resolved, error)
}

// ApprovalChecker reports whether an approved approval is bound to a
// correlation id for an action.
type ApprovalChecker interface {
	HasApproved(ctx context.Context, workspaceID, correlationID, action string) (bool, error)
}

// LearnedConstraint is a live ledger entry for a subject.
type LearnedConstraint struct {
	PatternHash string
	ReasonCode  string
}

// ConstraintSource lists live constraints for a subject and category.
type ConstraintSource interface {
	LiveConstraints(ctx context.Context, workspaceID, subjectKey, category string) ([]LearnedConstraint, error)
}

// EgressPolicy answers domain allowlist and quota questions for kind=egress.
type EgressPolicy interface {
	DomainAllowed(ctx context.Context, workspaceID, domain string) (bool, error)
	QuotaExceeded(ctx context.Context, workspaceID, domain string) (bool, error)
}

// FailureRecorder folds non-allow decisions into the learning ledger.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f learning.Failure) (*learning.Outcome, error)
}

// Emitter appends decision events.
type Emitter interface {
	Append(ctx context.Context, env eventstore.Envelope) (*eventstore.Event, error)
}

// Config holds gate-level switches.
type Config struct {
	// KillSwitch denies everything when set (POLICY_KILL_SWITCH).
	KillSwitch bool
	// ShadowMode forces shadow enforcement workspace-wide, overriding the
	// per-action registry mode.
	ShadowMode bool
}

// Gate is the policy decision point.
type Gate struct {
	cfg         Config
	registry    ActionRegistry
	resolver    CapabilityResolver
	approvals   ApprovalChecker
	constraints ConstraintSource
	egress      EgressPolicy
	recorder    FailureRecorder
	emitter     Emitter
}

// NewGate wires the decision point. approvals, constraints, egress, recorder
// and emitter may be nil in reduced configurations (their checks are skipped
// or their side effects dropped).
func NewGate(cfg Config, registry ActionRegistry, resolver CapabilityResolver,
	approvals ApprovalChecker, constraints ConstraintSource, egress EgressPolicy,
	recorder FailureRecorder, emitter Emitter) *Gate {
	return &Gate{
		cfg:         cfg,
		registry:    registry,
		resolver:    resolver,
		approvals:   approvals,
		constraints: constraints,
		egress:      egress,
		recorder:    recorder,
		emitter:     emitter,
	}
}

// Authorize evaluates a request. The checks short-circuit in spec order; the
// first non-allow wins.
func (g *Gate) Authorize(ctx context.Context, req Request) (Decision, error) {
	decision, spec, err := g.evaluate(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	decision.EnforcementMode = g.enforcementMode(spec)
	if decision.Decision != DecisionAllow {
		decision.Blocked = decision.EnforcementMode == EnforcementEnforce
		g.recordNonAllow(ctx, req, decision)
	}

	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, req Request) (Decision, *ActionSpec, error) {
	// 1. Kill switch.
	if g.cfg.KillSwitch {
		return deny(ReasonKillSwitchActive, "global kill switch engaged"), nil, nil
	}

	// 2. Action registry.
	var spec *ActionSpec
	if g.registry != nil && req.Action != "" {
		var found bool
		var err error
		spec, found, err = g.registry.Lookup(ctx, req.Action)
		if err != nil {
			return Decision{}, nil, err
		}
		if found && eventstore.ZoneRank(req.Zone) < eventstore.ZoneRank(eventstore.Zone(spec.ZoneRequired)) {
			return deny(ReasonZoneInsufficient,
				"action requires zone "+spec.ZoneRequired), spec, nil
		}
	}

	// 3. Capability resolution.
	if req.CapabilityTokenID != "" {
		resolved, err := g.resolver.Resolve(ctx, req.CapabilityTokenID)
		if err != nil {
			if errors.Is(err, capability.ErrTokenNotFound) ||
				errors.Is(err, capability.ErrTokenNotEffective) ||
				errors.Is(err, capability.ErrDelegationTooDeep) {
				return deny(ReasonCapabilityMissing, err.Error()), spec, nil
			}
			return Decision{}, spec, err
		}
		if !g.scopesCover(resolved, req) {
			return deny(ReasonCapabilityMissing, "capability scopes do not cover this action"), spec, nil
		}
	}

	// 4. Zone gating: high-stakes pre-approval bound to the correlation id.
	if spec != nil && spec.RequiresPreApproval {
		approved := false
		if g.approvals != nil && req.CorrelationID != "" {
			var err error
			approved, err = g.approvals.HasApproved(ctx, req.WorkspaceID, req.CorrelationID, req.Action)
			if err != nil {
				return Decision{}, spec, err
			}
		}
		if !approved {
			return Decision{
				Decision:   DecisionRequireApproval,
				ReasonCode: ReasonExternalWriteApproval,
				Reason:     "high-stakes action requires an approved approval for this correlation",
			}, spec, nil
		}
	}

	// 5. Constraint ledger: a previously learned failure with the same
	// pattern blocks until a human approves.
	if g.constraints != nil {
		subject := learning.SubjectKey(string(req.Actor.Type), req.Actor.ID, req.PrincipalID)
		constraints, err := g.constraints.LiveConstraints(ctx, req.WorkspaceID, subject, req.Kind)
		if err != nil {
			return Decision{}, spec, err
		}
		for _, c := range constraints {
			hash, err := learning.PatternHash(req.Kind, req.Action, c.ReasonCode, true, req.Context)
			if err != nil {
				return Decision{}, spec, err
			}
			if hash == c.PatternHash {
				return deny(ReasonConstraintLearnedBlock,
					"learned constraint blocks this pattern ("+c.ReasonCode+")"), spec, nil
			}
		}
	}

	// 6. Egress allowlist and quota.
	if req.Kind == KindEgress && g.egress != nil {
		allowed, err := g.egress.DomainAllowed(ctx, req.WorkspaceID, req.Domain)
		if err != nil {
			return Decision{}, spec, err
		}
		if !allowed {
			return deny(ReasonEgressDomainBlocked, "domain "+req.Domain+" is not allowlisted"), spec, nil
		}
		exceeded, err := g.egress.QuotaExceeded(ctx, req.WorkspaceID, req.Domain)
		if err != nil {
			return Decision{}, spec, err
		}
		if exceeded {
			return deny(ReasonQuotaExceeded, "egress quota exhausted for "+req.Domain), spec, nil
		}
	}

	// 7. Default allow.
	return Decision{Decision: DecisionAllow, ReasonCode: ReasonDefaultAllow}, spec, nil
}

func (g *Gate) scopesCover(resolved *capability.Resolved, req Request) bool {
	if req.Action != "" && !resolved.AllowsAction(req.Action) {
		return false
	}
	if req.RoomID != "" && !resolved.AllowsRoom(req.RoomID) {
		return false
	}
	switch req.Kind {
	case KindToolCall:
		if req.Tool != "" && !resolved.AllowsTool(req.Tool) {
			return false
		}
	case KindEgress:
		if req.Domain != "" && !resolved.AllowsDomain(req.Domain) {
			return false
		}
	case KindDataAccess:
		if req.DataAccessMode != "" && !resolved.AllowsDataAccess(req.DataAccessMode) {
			return false
		}
	}
	return true
}

func (g *Gate) enforcementMode(spec *ActionSpec) string {
	if g.cfg.ShadowMode {
		return EnforcementShadow
	}
	if spec != nil && spec.EnforcementMode == EnforcementShadow {
		return EnforcementShadow
	}
	return EnforcementEnforce
}

// recordNonAllow appends the decision event and updates the learning ledger.
// Both are best-effort: a bookkeeping failure must not flip a policy verdict.
func (g *Gate) recordNonAllow(ctx context.Context, req Request, d Decision) {
	subject := learning.SubjectKey(string(req.Actor.Type), req.Actor.ID, req.PrincipalID)

	eventType := "policy.denied"
	if d.Decision == DecisionRequireApproval {
		eventType = "policy.requires_approval"
	}

	if g.emitter != nil {
		var patternHash string
		if h, err := learning.PatternHash(req.Kind, req.Action, d.ReasonCode, d.Blocked, req.Context); err == nil {
			patternHash = h
		}
		_, err := g.emitter.Append(ctx, eventstore.Envelope{
			EventType:     eventType,
			WorkspaceID:   req.WorkspaceID,
			Actor:         req.Actor,
			Zone:          req.Zone,
			RoomID:        req.RoomID,
			RunID:         req.RunID,
			Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: req.WorkspaceID},
			CorrelationID: req.CorrelationID,
			Data: eventstore.PolicyDecisionPayload{
				Kind:            req.Kind,
				Action:          req.Action,
				Decision:        d.Decision,
				ReasonCode:      d.ReasonCode,
				Blocked:         d.Blocked,
				EnforcementMode: d.EnforcementMode,
				SubjectKey:      subject,
				PatternHash:     patternHash,
			},
		})
		if err != nil {
			slog.Error("Failed to append policy decision event",
				"event_type", eventType, "reason_code", d.ReasonCode, "error", err)
		}
	}

	if g.recorder != nil {
		_, err := g.recorder.RecordFailure(ctx, learning.Failure{
			WorkspaceID: req.WorkspaceID,
			SubjectKey:  subject,
			Category:    req.Kind,
			Action:      req.Action,
			ReasonCode:  d.ReasonCode,
			Blocked:     d.Blocked,
			Context:     req.Context,
			Stream:      eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: req.WorkspaceID},
			Correlation: req.CorrelationID,
			Actor:       req.Actor,
		})
		if err != nil {
			slog.Error("Failed to record policy failure in learning ledger",
				"reason_code", d.ReasonCode, "error", err)
		}
	}
}

func deny(reasonCode, reason string) Decision {
	return Decision{Decision: DecisionDeny, ReasonCode: reasonCode, Reason: reason, Blocked: true}
}
