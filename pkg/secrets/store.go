package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown secret name.
var ErrNotFound = errors.New("secret not found")

// Store persists encrypted workspace secrets.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// NewStore creates the secret store.
func NewStore(db *sql.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// Put encrypts and upserts a named secret for a workspace.
func (s *Store) Put(ctx context.Context, workspaceID, name string, value []byte) error {
	ciphertext, nonce, err := s.cipher.Encrypt(value)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspace_secrets (secret_id, workspace_id, name, ciphertext, nonce)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workspace_id, name) DO UPDATE SET
		   ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce, updated_at = now()`,
		"sec_"+uuid.NewString(), workspaceID, name, ciphertext, nonce,
	)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// Get decrypts a named secret.
func (s *Store) Get(ctx context.Context, workspaceID, name string) ([]byte, error) {
	var ciphertext, nonce []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce FROM workspace_secrets
		 WHERE workspace_id = $1 AND name = $2`,
		workspaceID, name,
	).Scan(&ciphertext, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return s.cipher.Decrypt(ciphertext, nonce)
}

// Delete removes a named secret.
func (s *Store) Delete(ctx context.Context, workspaceID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workspace_secrets WHERE workspace_id = $1 AND name = $2`,
		workspaceID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
