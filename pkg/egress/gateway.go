// Package egress gates outbound HTTP through the policy engine: every
// request is evented, decided, logged, and either allowed (with per-domain
// pacing) or blocked.
package egress

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/warden-sh/warden/pkg/approval"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/policy"
)

// InvalidEgressTargetError reports a malformed target URL.
type InvalidEgressTargetError struct {
	Target string
	Reason string
}

func (e *InvalidEgressTargetError) Error() string {
	return fmt.Sprintf("invalid egress target %q: %s", e.Target, e.Reason)
}

// Config holds egress policy knobs.
type Config struct {
	// AllowedDomains is the allowlist; empty allows every domain.
	AllowedDomains []string
	// QuotaPerHour bounds requests per (workspace, domain); 0 disables.
	QuotaPerHour int
	// PacePerSec throttles allowed egress per domain; 0 disables.
	PacePerSec float64
}

// LoadConfigFromEnv reads EGRESS_* settings.
func LoadConfigFromEnv() Config {
	cfg := Config{QuotaPerHour: 0, PacePerSec: 10}
	if raw := os.Getenv("EGRESS_ALLOWED_DOMAINS"); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(strings.ToLower(d)); d != "" {
				cfg.AllowedDomains = append(cfg.AllowedDomains, d)
			}
		}
	}
	if raw := os.Getenv("EGRESS_QUOTA_PER_HOUR"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.QuotaPerHour = n
		}
	}
	if raw := os.Getenv("EGRESS_PACE_PER_SEC"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.PacePerSec = f
		}
	}
	return cfg
}

// Request is one outbound HTTP intent.
type Request struct {
	WorkspaceID string
	Action      string
	TargetURL   string
	Method      string
	PrincipalID string
	Zone        eventstore.Zone
	Actor       eventstore.Actor
	TokenID     string
	Context     map[string]any
	Correlation string
}

// Result is the gateway verdict.
type Result struct {
	EgressID        string          `json:"egress_id"`
	Decision        string          `json:"decision"`
	ReasonCode      string          `json:"reason_code"`
	Blocked         bool            `json:"blocked"`
	EnforcementMode string          `json:"enforcement_mode"`
	ApprovalID      string          `json:"approval_id,omitempty"`
	Domain          string          `json:"domain"`
}

// Gateway wraps the policy gate for outbound HTTP.
type Gateway struct {
	db        *sql.DB
	store     *eventstore.Store
	gate      *policy.Gate
	approvals *approval.Coordinator
	cfg       Config

	mu     sync.Mutex
	pacers map[string]*rate.Limiter
}

// NewGateway creates the egress gateway.
func NewGateway(db *sql.DB, store *eventstore.Store, gate *policy.Gate, approvals *approval.Coordinator, cfg Config) *Gateway {
	return &Gateway{
		db:        db,
		store:     store,
		gate:      gate,
		approvals: approvals,
		cfg:       cfg,
		pacers:    make(map[string]*rate.Limiter),
	}
}

// RequestEgress runs the full gating sequence: validate, event, decide,
// approve-if-needed, log, terminal event.
func (g *Gateway) RequestEgress(ctx context.Context, req Request) (*Result, error) {
	domain, err := validateTarget(req.TargetURL)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	if req.Correlation == "" {
		req.Correlation = "corr_" + uuid.NewString()
	}

	egressID := "egr_" + uuid.NewString()
	requested := eventstore.EgressRequestedPayload{
		EgressID:  egressID,
		Action:    req.Action,
		TargetURL: req.TargetURL,
		Domain:    domain,
		Method:    method,
	}

	if _, err := g.store.Append(ctx, eventstore.Envelope{
		EventType:     "egress.requested",
		WorkspaceID:   req.WorkspaceID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: req.WorkspaceID},
		CorrelationID: req.Correlation,
		Data:          requested,
	}); err != nil {
		return nil, fmt.Errorf("failed to append egress.requested: %w", err)
	}

	decision, err := g.gate.Authorize(ctx, policy.Request{
		Kind:              policy.KindEgress,
		Action:            req.Action,
		WorkspaceID:       req.WorkspaceID,
		Actor:             req.Actor,
		PrincipalID:       req.PrincipalID,
		CapabilityTokenID: req.TokenID,
		Zone:              req.Zone,
		Domain:            domain,
		CorrelationID:     req.Correlation,
		Context:           req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authorize egress: %w", err)
	}

	result := &Result{
		EgressID:        egressID,
		Decision:        decision.Decision,
		ReasonCode:      decision.ReasonCode,
		Blocked:         decision.Blocked,
		EnforcementMode: decision.EnforcementMode,
		Domain:          domain,
	}

	if decision.Decision == policy.DecisionRequireApproval && g.approvals != nil {
		approvalID, _, err := g.approvals.Request(ctx, approval.RequestInput{
			WorkspaceID:    req.WorkspaceID,
			Action:         req.Action,
			Scope:          approval.ScopeOnce,
			ScopeRef:       egressID,
			RequestedBy:    req.Actor,
			CorrelationID:  req.Correlation,
			IdempotencyKey: eventstore.IdempotencyKey("egress", req.WorkspaceID, egressID, "approval"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to request egress approval: %w", err)
		}
		result.ApprovalID = approvalID
	}

	if _, err := g.db.ExecContext(ctx,
		`INSERT INTO egress_requests
		   (egress_id, workspace_id, action, target_url, domain, method,
		    decision, reason_code, blocked, enforcement_mode, approval_id, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		egressID, req.WorkspaceID, req.Action, req.TargetURL, domain, method,
		result.Decision, result.ReasonCode, result.Blocked, result.EnforcementMode,
		nullable(result.ApprovalID), req.Correlation,
	); err != nil {
		return nil, fmt.Errorf("failed to insert egress log row: %w", err)
	}

	terminalType := "egress.allowed"
	if result.Blocked || decision.Decision != policy.DecisionAllow {
		terminalType = "egress.blocked"
	}
	terminal := requested
	terminal.ReasonCode = result.ReasonCode
	if _, err := g.store.Append(ctx, eventstore.Envelope{
		EventType:     terminalType,
		WorkspaceID:   req.WorkspaceID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: req.WorkspaceID},
		CorrelationID: req.Correlation,
		Data:          terminal,
	}); err != nil {
		return nil, fmt.Errorf("failed to append %s: %w", terminalType, err)
	}

	if result.ReasonCode == policy.ReasonQuotaExceeded {
		if _, err := g.store.Append(ctx, eventstore.Envelope{
			EventType:     "quota.exceeded",
			WorkspaceID:   req.WorkspaceID,
			Actor:         req.Actor,
			Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: req.WorkspaceID},
			CorrelationID: req.Correlation,
			Data:          map[string]any{"egress_id": egressID, "domain": domain},
		}); err != nil {
			slog.Warn("Failed to append quota.exceeded", "error", err)
		}
	}

	if terminalType == "egress.allowed" {
		g.pace(ctx, domain)
	}

	return result, nil
}

// pace applies the per-domain outbound throttle.
func (g *Gateway) pace(ctx context.Context, domain string) {
	if g.cfg.PacePerSec <= 0 {
		return
	}
	g.mu.Lock()
	limiter, ok := g.pacers[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.PacePerSec), int(g.cfg.PacePerSec)+1)
		g.pacers[domain] = limiter
	}
	g.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil && ctx.Err() == nil {
		slog.Debug("Egress pacing interrupted", "domain", domain, "error", err)
	}
}

// DomainAllowed implements policy.EgressPolicy.
func (g *Gateway) DomainAllowed(_ context.Context, _ string, domain string) (bool, error) {
	if len(g.cfg.AllowedDomains) == 0 {
		return true, nil
	}
	domain = strings.ToLower(domain)
	for _, allowed := range g.cfg.AllowedDomains {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true, nil
		}
	}
	return false, nil
}

// QuotaExceeded implements policy.EgressPolicy using the hourly fixed-window
// bucket for (workspace, domain).
func (g *Gateway) QuotaExceeded(ctx context.Context, workspaceID, domain string) (bool, error) {
	if g.cfg.QuotaPerHour <= 0 {
		return false, nil
	}

	windowStart := time.Now().UTC().Truncate(time.Hour)
	var count int
	err := g.db.QueryRowContext(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, window_start, window_sec, count)
		 VALUES ($1, $2, 3600, 1)
		 ON CONFLICT (bucket_key, window_start, window_sec)
		 DO UPDATE SET count = rate_limit_buckets.count + 1
		 RETURNING count`,
		"egress:"+workspaceID+":"+domain, windowStart,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to bump egress quota: %w", err)
	}
	return count > g.cfg.QuotaPerHour, nil
}

// validateTarget accepts http/https URLs with a host and returns the
// normalized domain.
func validateTarget(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", &InvalidEgressTargetError{Target: target, Reason: "empty URL"}
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", &InvalidEgressTargetError{Target: target, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &InvalidEgressTargetError{Target: target, Reason: "scheme must be http or https"}
	}
	if u.Hostname() == "" {
		return "", &InvalidEgressTargetError{Target: target, Reason: "missing host"}
	}
	return strings.ToLower(u.Hostname()), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
