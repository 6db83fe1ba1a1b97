package credentials

import (
	"context"
	"errors"
)

// Custom errors for store implementations
var (
	ErrNotFound     = errors.New("credential not found for identity")
	ErrEmptyIdentity = errors.New("identity must not be empty")
	ErrStoreClosed  = errors.New("credential store is closed")
)

// Store persists one credential set per identity. Implementations must be
// safe under concurrent callers; writes are last-write-wins per identity.
//
// Save is an upsert with one guard: it never overwrites a non-empty
// refresh token with an empty one from a partial update. Implementations
// share that rule via MergeForSave.
type Store interface {
	// Get returns the credential for identity, or an error wrapping
	// ErrNotFound.
	Get(ctx context.Context, identity string) (*Credential, error)

	// Save upserts the credential under identity.
	Save(ctx context.Context, identity string, cred *Credential) error

	// Delete removes the credential for identity (explicit revoke).
	Delete(ctx context.Context, identity string) error

	// List returns all stored credentials.
	List(ctx context.Context) ([]*Credential, error)

	// Close releases store resources.
	Close() error
}

// MergeForSave applies the refresh-token guard: if the incoming credential
// carries no refresh token but the stored one does, the stored token is
// kept. existing may be nil (first save).
func MergeForSave(existing, incoming *Credential) *Credential {
	merged := incoming.Clone()
	if existing != nil && merged.RefreshToken == "" && existing.RefreshToken != "" {
		merged.RefreshToken = existing.RefreshToken
	}
	return merged
}
