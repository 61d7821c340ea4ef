// Package leases implements the distributed fencing-token lock on
// cron_locks.
//
// A lease is (lock_name → holder, lock_token, expires_at). The token is a
// fencing token: every write made under a lease must carry it, and the
// conditional update rejects stale holders. Expired leases are stolen, not
// waited on.
package leases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease errors.
var (
	// ErrLockHeld is returned when another holder owns a live lease.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrLockLost is returned when a heartbeat or release carries a token
	// the store no longer recognizes. The holder must abandon its work.
	ErrLockLost = errors.New("lock lost")
)

// Manager performs lease operations against cron_locks.
type Manager struct {
	db *sql.DB
}

// NewManager creates a lease manager.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Acquire takes the named lock for lease duration d. It inserts a fresh row
// or steals an expired one; a live lease held elsewhere returns ErrLockHeld.
// On success the returned fencing token must accompany every heartbeat and
// release.
func (m *Manager) Acquire(ctx context.Context, lockName, holderID string, d time.Duration) (string, error) {
	token := uuid.NewString()

	var got string
	err := m.db.QueryRowContext(ctx,
		`INSERT INTO cron_locks (lock_name, holder_id, lock_token, acquired_at, expires_at, heartbeat_at)
		 VALUES ($1, $2, $3, now(), now() + $4::interval, now())
		 ON CONFLICT (lock_name) DO UPDATE SET
		   holder_id = EXCLUDED.holder_id,
		   lock_token = EXCLUDED.lock_token,
		   acquired_at = EXCLUDED.acquired_at,
		   expires_at = EXCLUDED.expires_at,
		   heartbeat_at = EXCLUDED.heartbeat_at
		 WHERE cron_locks.expires_at < now()
		 RETURNING lock_token`,
		lockName, holderID, token, durationInterval(d),
	).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrLockHeld
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", lockName, err)
	}
	return got, nil
}

// Heartbeat extends the lease. A zero row count means the token is stale —
// the lease was stolen or released — and the holder must stop.
func (m *Manager) Heartbeat(ctx context.Context, lockName, token string, d time.Duration) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE cron_locks
		 SET expires_at = now() + $3::interval, heartbeat_at = now()
		 WHERE lock_name = $1 AND lock_token = $2`,
		lockName, token, durationInterval(d),
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat lock %s: %w", lockName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release drops the lease. Releasing with a stale token is a no-op (the
// lease already belongs to someone else).
func (m *Manager) Release(ctx context.Context, lockName, token string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM cron_locks WHERE lock_name = $1 AND lock_token = $2`,
		lockName, token,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockName, err)
	}
	return nil
}

func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
