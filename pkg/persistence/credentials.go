package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCredentialNotFound is returned when no credential is stored for a provider.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialState tracks a provider login flow.
type CredentialState string

// Credential states.
const (
	CredentialPending CredentialState = "pending" // login flow started, no secret yet
	CredentialReady   CredentialState = "ready"
)

// Credential is a stored provider secret.
type Credential struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Provider  string          `json:"provider"`
	State     CredentialState `json:"state"`
	Secret    string          `json:"-"`
}

// CredentialStore keeps provider credentials.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore returns a store backed by db.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// BeginLogin marks provider as mid-login, clearing any previous secret.
func (s *CredentialStore) BeginLogin(ctx context.Context, provider string) error {
	return s.put(ctx, provider, CredentialPending, "")
}

// Set stores a ready secret for provider.
func (s *CredentialStore) Set(ctx context.Context, provider, secret string) error {
	if secret == "" {
		return fmt.Errorf("empty secret for %s", provider)
	}
	return s.put(ctx, provider, CredentialReady, secret)
}

// Get returns the credential for provider.
// Returns ErrCredentialNotFound if nothing is stored.
func (s *CredentialStore) Get(ctx context.Context, provider string) (Credential, error) {
	var (
		c       Credential
		state   string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, state, secret, updated_at FROM credentials WHERE provider = ?`, provider,
	).Scan(&c.Provider, &state, &c.Secret, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, provider)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get credential %s: %w", provider, err)
	}
	c.State = CredentialState(state)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// Delete removes the credential for provider. Deleting a missing credential is not an error.
func (s *CredentialStore) Delete(ctx context.Context, provider string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("failed to delete credential %s: %w", provider, err)
	}
	return nil
}

func (s *CredentialStore) put(ctx context.Context, provider string, state CredentialState, secret string) error {
	if provider == "" {
		return errors.New("provider is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (provider, state, secret, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			state = excluded.state,
			secret = excluded.secret,
			updated_at = excluded.updated_at
	`, provider, string(state), secret, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store credential %s: %w", provider, err)
	}
	return nil
}
