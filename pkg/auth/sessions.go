// Package auth implements owner sessions: opaque bearer tokens stored only
// as salted hashes, with refresh tokens alongside.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Session errors.
var (
	// ErrInvalidSession is returned for unknown or expired tokens.
	ErrInvalidSession = errors.New("invalid session")
)

// Session is a resolved principal.
type Session struct {
	PrincipalID string
	WorkspaceID string
	ExpiresAt   time.Time
}

// Issued carries freshly minted tokens back to the caller; only hashes are
// stored.
type Issued struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// SessionStore persists session hashes. The hashing secret salts tokens so a
// leaked table cannot be replayed against the API.
type SessionStore struct {
	db     *sql.DB
	secret string
	ttl    time.Duration
}

// NewSessionStore creates a session store. ttl <= 0 defaults to 24h.
func NewSessionStore(db *sql.DB, secret string, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{db: db, secret: secret, ttl: ttl}
}

// HashToken computes sha256(secret || ":" || token). Exported for tests and
// for the legacy header fallback.
func (s *SessionStore) HashToken(token string) string {
	sum := sha256.Sum256([]byte(s.secret + ":" + token))
	return hex.EncodeToString(sum[:])
}

// Create mints a session and its refresh token.
func (s *SessionStore) Create(ctx context.Context, principalID, workspaceID string) (*Issued, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	expires := time.Now().Add(s.ttl)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token_hash, refresh_token_hash, principal_id, workspace_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.HashToken(token), s.HashToken(refresh), principalID, workspaceID, expires,
	); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return &Issued{Token: token, RefreshToken: refresh, ExpiresAt: expires}, nil
}

// Lookup resolves a bearer token to a live session.
func (s *SessionStore) Lookup(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, workspace_id, expires_at FROM auth_sessions
		 WHERE token_hash = $1 AND expires_at > now()`,
		s.HashToken(token),
	).Scan(&sess.PrincipalID, &sess.WorkspaceID, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return &sess, nil
}

// Refresh rotates a session off its refresh token.
func (s *SessionStore) Refresh(ctx context.Context, refreshToken string) (*Issued, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var principalID, workspaceID string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM auth_sessions WHERE refresh_token_hash = $1
		 RETURNING principal_id, workspace_id`,
		s.HashToken(refreshToken),
	).Scan(&principalID, &workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	expires := time.Now().Add(s.ttl)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO auth_sessions (token_hash, refresh_token_hash, principal_id, workspace_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.HashToken(token), s.HashToken(refresh), principalID, workspaceID, expires,
	); err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Issued{Token: token, RefreshToken: refresh, ExpiresAt: expires}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
