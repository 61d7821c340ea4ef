package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Resolution errors.
var (
	// ErrTokenNotFound is returned for an unknown token id.
	ErrTokenNotFound = errors.New("capability token not found")

	// ErrTokenNotEffective is returned when any token on the chain is revoked
	// or expired. Revocation is transitive for new checks.
	ErrTokenNotEffective = errors.New("capability token revoked or expired")

	// ErrDelegationTooDeep is returned when the parent walk exceeds
	// MaxDelegationDepth.
	ErrDelegationTooDeep = errors.New("capability delegation chain too deep")
)

// TokenSource loads tokens by id.
type TokenSource interface {
	GetToken(ctx context.Context, tokenID string) (*Token, error)
}

// Resolver walks the delegation chain and caches resolved scopes briefly.
// Revocations take effect within the cache TTL.
type Resolver struct {
	source   TokenSource
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	resolved *Resolved
	expires  time.Time
}

// NewResolver creates a resolver over the given source.
func NewResolver(source TokenSource) *Resolver {
	return &Resolver{
		source:   source,
		cacheTTL: 30 * time.Second,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve returns the effective scopes of a token: the intersection of its
// own scopes with every ancestor's, provided the entire chain is effective.
func (r *Resolver) Resolve(ctx context.Context, tokenID string) (*Resolved, error) {
	now := time.Now()

	r.mu.Lock()
	if entry, ok := r.cache[tokenID]; ok && entry.expires.After(now) {
		r.mu.Unlock()
		return entry.resolved, nil
	}
	r.mu.Unlock()

	token, err := r.source.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !token.Effective(now) {
		return nil, ErrTokenNotEffective
	}

	scopes := token.Scopes
	current := token
	for depth := 0; current.ParentTokenID != ""; depth++ {
		if depth >= MaxDelegationDepth {
			return nil, ErrDelegationTooDeep
		}
		parent, err := r.source.GetToken(ctx, current.ParentTokenID)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent token %s: %w", current.ParentTokenID, err)
		}
		if !parent.Effective(now) {
			return nil, ErrTokenNotEffective
		}
		scopes = intersect(parent.Scopes, scopes)
		current = parent
	}

	resolved := &Resolved{
		TokenID:     token.TokenID,
		WorkspaceID: token.WorkspaceID,
		PrincipalID: token.IssuedToPrincipalID,
		Scopes:      scopes,
	}

	r.mu.Lock()
	r.cache[tokenID] = cacheEntry{resolved: resolved, expires: now.Add(r.cacheTTL)}
	r.mu.Unlock()

	return resolved, nil
}

// Invalidate drops a token from the cache (called on revocation).
func (r *Resolver) Invalidate(tokenID string) {
	r.mu.Lock()
	delete(r.cache, tokenID)
	r.mu.Unlock()
}

// PostgresTokenSource loads tokens from cap_tokens.
type PostgresTokenSource struct {
	db *sql.DB
}

// NewPostgresTokenSource creates the store-backed source.
func NewPostgresTokenSource(db *sql.DB) *PostgresTokenSource {
	return &PostgresTokenSource{db: db}
}

// GetToken implements TokenSource.
func (s *PostgresTokenSource) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	var t Token
	var grantedBy, parent sql.NullString
	var validUntil, revokedAt sql.NullTime
	var scopesJSON []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
		        parent_token_id, scopes, valid_until, revoked_at, created_at
		 FROM cap_tokens WHERE token_id = $1`,
		tokenID,
	).Scan(&t.TokenID, &t.WorkspaceID, &t.IssuedToPrincipalID, &grantedBy,
		&parent, &scopesJSON, &validUntil, &revokedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	t.GrantedByPrincipalID = grantedBy.String
	t.ParentTokenID = parent.String
	if validUntil.Valid {
		t.ValidUntil = &validUntil.Time
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if err := json.Unmarshal(scopesJSON, &t.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode token scopes: %w", err)
	}
	return &t, nil
}

// Revoke marks a token revoked. Descendants are not touched: resolution
// walks the chain, so every child dies with its ancestor.
func (s *PostgresTokenSource) Revoke(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cap_tokens SET revoked_at = now() WHERE token_id = $1 AND revoked_at IS NULL`,
		tokenID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// Issue inserts a new token. When a parent is named, the stored scopes are
// the attenuated intersection so a child can never widen its grant.
func (s *PostgresTokenSource) Issue(ctx context.Context, t *Token) error {
	if t.ParentTokenID != "" {
		parent, err := s.GetToken(ctx, t.ParentTokenID)
		if err != nil {
			return fmt.Errorf("failed to load parent for attenuation: %w", err)
		}
		t.Scopes = intersect(parent.Scopes, t.Scopes)
	}

	scopesJSON, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	var parent any
	if t.ParentTokenID != "" {
		parent = t.ParentTokenID
	}
	var validUntil any
	if t.ValidUntil != nil {
		validUntil = *t.ValidUntil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cap_tokens
		   (token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
		    parent_token_id, scopes, valid_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.TokenID, t.WorkspaceID, t.IssuedToPrincipalID, t.GrantedByPrincipalID,
		parent, scopesJSON, validUntil,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}
