// Package cron runs the leader-elected heart cron: per-workspace sweeps that
// turn stale approvals, stuck runs, and unresolved failures into incidents.
//
// Exactly one replica sweeps at a time, guarded by the heart_cron lease. The
// background heartbeat flips a stop flag on lease loss, and every sweep loop
// polls it between candidates so a fenced-out leader stops mid-tick instead
// of double-emitting. Idempotency keys anchored to the config window make
// duplicate ticks collapse anyway — the flag is about not wasting work, the
// keys are the correctness boundary.
package cron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"

	"github.com/warden-sh/warden/pkg/config"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/leases"
)

// LockName is the leader lease for the heart cron.
const LockName = "heart_cron"

const healthComponent = "heart_cron"

// Runtime drives tickHeartCron on a schedule.
type Runtime struct {
	db     *sql.DB
	store  *eventstore.Store
	locks  *leases.Manager
	cfg    *config.CronConfig
	holder string

	scheduler *robfig.Cron
	stopOnce  sync.Once
}

// NewRuntime creates the cron runtime. The holder id identifies this replica
// in lease rows and logs.
func NewRuntime(db *sql.DB, store *eventstore.Store, locks *leases.Manager, cfg *config.CronConfig) *Runtime {
	hostname, _ := os.Hostname()
	return &Runtime{
		db:     db,
		store:  store,
		locks:  locks,
		cfg:    cfg,
		holder: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
	}
}

// Start schedules ticks at the configured interval.
func (r *Runtime) Start(ctx context.Context) error {
	r.scheduler = robfig.New()
	spec := fmt.Sprintf("@every %s", r.cfg.TickInterval)
	if _, err := r.scheduler.AddFunc(spec, func() {
		if err := r.TickHeartCron(ctx); err != nil {
			slog.Error("Heart cron tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule heart cron: %w", err)
	}
	r.scheduler.Start()
	slog.Info("Cron runtime started", "holder", r.holder, "interval", r.cfg.TickInterval)
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		if r.scheduler != nil {
			<-r.scheduler.Stop().Done()
		}
		slog.Info("Cron runtime stopped", "holder", r.holder)
	})
}

// TickResult aggregates one tick's sweep counts.
type TickResult struct {
	SweepCounts  map[string]SweepCount
	LeaseLostMid bool
}

// SweepCount is one sweep's outcome.
type SweepCount struct {
	Candidates    int
	Emitted       int
	SkippedLocked int
}

// TickHeartCron runs one leader-elected sweep pass.
func (r *Runtime) TickHeartCron(ctx context.Context) error {
	// 1. Jitter so replicas don't stampede the lease.
	if r.cfg.JitterMax > 0 {
		jitter := time.Duration(rand.Int63n(int64(r.cfg.JitterMax)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 2. Watchdog halt.
	failures, err := r.consecutiveFailures(ctx)
	if err != nil {
		return err
	}
	if failures >= r.cfg.WatchdogHaltThreshold {
		slog.Error("Heart cron halted by watchdog",
			"consecutive_failures", failures, "halt_threshold", r.cfg.WatchdogHaltThreshold)
		return nil
	}

	// 3. Leader lease.
	token, err := r.locks.Acquire(ctx, LockName, r.holder, r.cfg.LockLease)
	if errors.Is(err, leases.ErrLockHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if rerr := r.locks.Release(context.Background(), LockName, token); rerr != nil {
			slog.Warn("Failed to release heart cron lease", "error", rerr)
		}
	}()

	// 4. Background heartbeat; a failed beat flips the stop flag.
	var lockLost atomic.Bool
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go r.runHeartbeat(hbCtx, token, &lockLost)

	// 5. Sweeps with bounded per-workspace concurrency.
	result, sweepErr := r.runSweeps(ctx, &lockLost)

	// 6. Health accounting.
	if sweepErr != nil {
		if herr := r.recordFailure(ctx, sweepErr); herr != nil {
			slog.Error("Failed to record cron failure", "error", herr)
		}
		// 7. Watchdog alert.
		r.maybeAlert(ctx, failures+1)
		return sweepErr
	}
	if herr := r.recordSuccess(ctx); herr != nil {
		slog.Error("Failed to record cron success", "error", herr)
	}

	slog.Info("Heart cron tick complete",
		"holder", r.holder, "lease_lost", result.LeaseLostMid, "sweeps", len(result.SweepCounts))
	return nil
}

func (r *Runtime) runHeartbeat(ctx context.Context, token string, lockLost *atomic.Bool) {
	interval := r.cfg.LockHeartbeat
	if interval <= 0 || interval > r.cfg.LockLease/3 {
		interval = r.cfg.LockLease / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.locks.Heartbeat(ctx, LockName, token, r.cfg.LockLease); err != nil {
				if errors.Is(err, leases.ErrLockLost) {
					slog.Warn("Heart cron lease lost, signalling sweeps to stop")
					lockLost.Store(true)
					return
				}
				slog.Warn("Heart cron heartbeat error", "error", err)
			}
		}
	}
}

func (r *Runtime) runSweeps(ctx context.Context, lockLost *atomic.Bool) (*TickResult, error) {
	result := &TickResult{SweepCounts: make(map[string]SweepCount)}

	sweeps := []sweep{
		{name: "approval_timeout", run: r.sweepApprovalTimeouts},
		{name: "run_stuck", run: r.sweepStuckRuns},
		{name: "demoted_stale", run: r.sweepDemotedStale},
	}

	var firstErr error
	for _, sw := range sweeps {
		if lockLost.Load() {
			result.LeaseLostMid = true
			break
		}
		count, err := r.runSweepAcrossWorkspaces(ctx, sw, lockLost)
		result.SweepCounts[sw.name] = count
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sweep %s: %w", sw.name, err)
		}
	}
	return result, firstErr
}

type sweep struct {
	name string
	run  func(ctx context.Context, workspaceID string, lockLost *atomic.Bool) (SweepCount, error)
}

// runSweepAcrossWorkspaces discovers candidate workspaces for one sweep and
// fans out with bounded concurrency.
func (r *Runtime) runSweepAcrossWorkspaces(ctx context.Context, sw sweep, lockLost *atomic.Bool) (SweepCount, error) {
	workspaces, err := r.candidateWorkspaces(ctx, sw.name)
	if err != nil {
		return SweepCount{}, err
	}

	var (
		mu    sync.Mutex
		total SweepCount
		first error
		wg    sync.WaitGroup
		sem   = make(chan struct{}, r.cfg.WorkspaceConcurrency)
	)

	for _, ws := range workspaces {
		if lockLost.Load() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(workspaceID string) {
			defer wg.Done()
			defer func() { <-sem }()

			count, err := sw.run(ctx, workspaceID, lockLost)
			mu.Lock()
			total.Candidates += count.Candidates
			total.Emitted += count.Emitted
			total.SkippedLocked += count.SkippedLocked
			if err != nil && first == nil {
				first = err
			}
			mu.Unlock()
		}(ws)
	}
	wg.Wait()

	return total, first
}

func (r *Runtime) candidateWorkspaces(ctx context.Context, sweepName string) ([]string, error) {
	var query string
	var args []any
	now := time.Now()

	switch sweepName {
	case "approval_timeout":
		query = `SELECT DISTINCT workspace_id FROM proj_approvals
		         WHERE status IN ('pending', 'held') AND updated_at < $1`
		args = []any{now.Add(-r.cfg.ApprovalTimeout)}
	case "run_stuck":
		query = `SELECT DISTINCT workspace_id FROM proj_runs
		         WHERE status IN ('queued', 'running') AND updated_at < $1`
		args = []any{now.Add(-r.cfg.RunStuckTimeout)}
	case "demoted_stale":
		query = `SELECT DISTINCT workspace_id FROM proj_runs
		         WHERE status = 'failed' AND updated_at < $1`
		args = []any{now.Add(-r.cfg.DemotedStale)}
	default:
		return nil, fmt.Errorf("unknown sweep %q", sweepName)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to discover workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (r *Runtime) consecutiveFailures(ctx context.Context) (int, error) {
	var failures int
	err := r.db.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM cron_health WHERE component = $1`,
		healthComponent,
	).Scan(&failures)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cron health: %w", err)
	}
	return failures, nil
}

func (r *Runtime) recordSuccess(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cron_health (component, consecutive_failures, last_success_at, last_run_at, updated_at)
		 VALUES ($1, 0, now(), now(), now())
		 ON CONFLICT (component) DO UPDATE SET
		   consecutive_failures = 0, last_error = NULL,
		   last_success_at = now(), last_run_at = now(), updated_at = now()`,
		healthComponent,
	)
	return err
}

func (r *Runtime) recordFailure(ctx context.Context, cause error) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cron_health (component, consecutive_failures, last_error, last_run_at, updated_at)
		 VALUES ($1, 1, $2, now(), now())
		 ON CONFLICT (component) DO UPDATE SET
		   consecutive_failures = cron_health.consecutive_failures + 1,
		   last_error = $2, last_run_at = now(), updated_at = now()`,
		healthComponent, cause.Error(),
	)
	return err
}

// maybeAlert opens a cron.watchdog incident once the alert threshold is
// crossed, keyed by the window anchor so repeated failing ticks within one
// window collapse.
func (r *Runtime) maybeAlert(ctx context.Context, failures int) {
	if failures < r.cfg.WatchdogAlertThreshold {
		return
	}

	anchor := eventstore.WindowAnchor(time.Now(), r.cfg.WindowSec)
	_, err := r.store.Append(ctx, eventstore.Envelope{
		EventType:   "incident.opened",
		WorkspaceID: "system",
		Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "heart-cron"},
		Stream:      eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: "system"},
		Data: eventstore.IncidentOpenedPayload{
			IncidentID: "inc_" + uuid.NewString(),
			Category:   "cron.watchdog",
			Severity:   "high",
			EntityType: "cron",
			EntityID:   healthComponent,
			Summary:    fmt.Sprintf("heart cron failed %d consecutive ticks", failures),
		},
		IdempotencyKey: eventstore.IdempotencyKey("cron", "watchdog", healthComponent, anchor),
	})
	if err != nil {
		slog.Error("Failed to open watchdog incident", "error", err)
	}
}
