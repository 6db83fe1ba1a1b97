package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
)

// MemoryStore is an in-process Store for tests and single-run tools. The
// persistent implementations live in storage/sqlite and storage/postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	creds  map[string]*Credential
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (s *MemoryStore) Get(ctx context.Context, identity string) (*Credential, error) {
	if identity == "" {
		return nil, syncErrors.NewValidation(syncErrors.OpLoad, ErrEmptyIdentity)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, syncErrors.NewStorage(syncErrors.OpLoad, ErrStoreClosed)
	}
	cred, ok := s.creds[identity]
	if !ok {
		return nil, syncErrors.NewNotFound(syncErrors.OpLoad, fmt.Errorf("%w: %s", ErrNotFound, identity))
	}
	return cred.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, identity string, cred *Credential) error {
	if identity == "" {
		return syncErrors.NewValidation(syncErrors.OpStore, ErrEmptyIdentity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return syncErrors.NewStorage(syncErrors.OpStore, ErrStoreClosed)
	}

	merged := MergeForSave(s.creds[identity], cred)
	merged.Identity = identity
	merged.UpdatedAt = time.Now()
	s.creds[identity] = merged
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return syncErrors.NewStorage(syncErrors.OpDelete, ErrStoreClosed)
	}
	delete(s.creds, identity)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, syncErrors.NewStorage(syncErrors.OpList, ErrStoreClosed)
	}

	out := make([]*Credential, 0, len(s.creds))
	for _, cred := range s.creds {
		out = append(out, cred.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
