package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
)

// ListFilter narrows a session listing. Zero value lists everything,
// newest first.
type ListFilter struct {
	Status Status
	Since  time.Time

	// Limit caps the result count. Zero means no cap.
	Limit int
}

// Store persists sessions and their conflict audit trail. Implementations
// must be safe for concurrent callers.
type Store interface {
	CreateSession(ctx context.Context, s *SyncSession) error
	UpdateSession(ctx context.Context, s *SyncSession) error
	GetSession(ctx context.Context, id string) (*SyncSession, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]*SyncSession, error)

	AppendConflicts(ctx context.Context, conflicts []crmsync.ConflictRecord) error
	ListConflicts(ctx context.Context, sessionID string) ([]crmsync.ConflictRecord, error)
	ListUnresolvedConflicts(ctx context.Context) ([]crmsync.ConflictRecord, error)
	UpdateConflict(ctx context.Context, c *crmsync.ConflictRecord) error

	Close() error
}

// MemoryStore is the in-memory Store, used by tests and short-lived runs.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*SyncSession
	conflicts []crmsync.ConflictRecord
	closed    bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SyncSession)}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return syncErrors.NewStorage(syncErrors.OpStore, errClosed)
	}
	if s == nil || s.ID == "" {
		return syncErrors.NewValidation(syncErrors.OpStore, fmt.Errorf("session id is required"))
	}
	if _, exists := m.sessions[s.ID]; exists {
		return syncErrors.NewValidation(syncErrors.OpStore,
			fmt.Errorf("session %s already exists", s.ID))
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return syncErrors.NewStorage(syncErrors.OpStore, errClosed)
	}
	if _, exists := m.sessions[s.ID]; !exists {
		return syncErrors.NewNotFound(syncErrors.OpStore,
			fmt.Errorf("session %s not found", s.ID))
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, syncErrors.NewStorage(syncErrors.OpLoad, errClosed)
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, syncErrors.NewNotFound(syncErrors.OpLoad,
			fmt.Errorf("session %s not found", id))
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter ListFilter) ([]*SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, syncErrors.NewStorage(syncErrors.OpList, errClosed)
	}

	out := make([]*SyncSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && s.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendConflicts(ctx context.Context, conflicts []crmsync.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return syncErrors.NewStorage(syncErrors.OpStore, errClosed)
	}
	m.conflicts = append(m.conflicts, conflicts...)
	return nil
}

func (m *MemoryStore) ListConflicts(ctx context.Context, sessionID string) ([]crmsync.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, syncErrors.NewStorage(syncErrors.OpList, errClosed)
	}
	var out []crmsync.ConflictRecord
	for _, c := range m.conflicts {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUnresolvedConflicts(ctx context.Context) ([]crmsync.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, syncErrors.NewStorage(syncErrors.OpList, errClosed)
	}
	var out []crmsync.ConflictRecord
	for _, c := range m.conflicts {
		if !c.Resolved() && c.Resolution == crmsync.ResolutionFlaggedForReview {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateConflict(ctx context.Context, c *crmsync.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return syncErrors.NewStorage(syncErrors.OpStore, errClosed)
	}
	for i := range m.conflicts {
		if m.conflicts[i].ID == c.ID {
			m.conflicts[i] = *c
			return nil
		}
	}
	return syncErrors.NewNotFound(syncErrors.OpStore,
		fmt.Errorf("conflict %s not found", c.ID))
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = fmt.Errorf("session store is closed")
