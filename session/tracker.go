package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
)

// Tracker owns every session transition. Sessions are mutated only through
// it, so terminal states are enforced in one place.
type Tracker struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
	newID  func() string

	// mu serializes read-modify-write cycles against the store.
	mu sync.Mutex
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Store  Store
	Logger *logging.Logger

	// Clock and id overrides for tests.
	Now   func() time.Time
	NewID func() string
}

// NewTracker builds a Tracker over a session store.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.Component("session"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Tracker{
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}, nil
}

// Progress carries counter deltas for one progress report. Conflicts are
// appended to the session's audit trail with the session id stamped on.
type Progress struct {
	Successful    int
	Failed        int
	Skipped       int
	RateLimitHits int
	Conflicts     []crmsync.ConflictRecord
}

// Start creates a session in the Initiated state and returns it. Callers
// always get a session id back, even if the operation later fails.
func (t *Tracker) Start(ctx context.Context, opType crmsync.OperationType, identity string, total int) (*SyncSession, error) {
	if !opType.Valid() {
		return nil, syncErrors.NewValidation(syncErrors.OpTrack,
			fmt.Errorf("unknown operation type %q", opType))
	}

	s := &SyncSession{
		ID:            t.newID(),
		OperationType: opType,
		Status:        StatusInitiated,
		Identity:      identity,
		StartedAt:     t.now(),
		TotalRecords:  total,
	}
	if err := t.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	t.logger.WithSession(s.ID).InfoContext(ctx, "session started",
		slog.String("operation_type", string(opType)),
		slog.String("identity", identity),
		slog.Int("total_records", total))
	return s.Clone(), nil
}

// Record applies a progress delta. The first report moves the session from
// Initiated to InProgress; reporting against a terminal session is a state
// error.
func (t *Tracker) Record(ctx context.Context, sessionID string, p Progress) (*SyncSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, syncErrors.NewState(syncErrors.OpTrack,
			fmt.Errorf("session %s is %s, progress not accepted", sessionID, s.Status))
	}

	if s.Status == StatusInitiated {
		s.Status = StatusInProgress
	}
	s.Successful += p.Successful
	s.Failed += p.Failed
	s.Skipped += p.Skipped
	s.RateLimitHits += p.RateLimitHits
	s.ConflictCount += len(p.Conflicts)

	if len(p.Conflicts) > 0 {
		stamped := make([]crmsync.ConflictRecord, len(p.Conflicts))
		for i, c := range p.Conflicts {
			c.SessionID = sessionID
			if c.ID == "" {
				c.ID = t.newID()
			}
			if c.DetectedAt.IsZero() {
				c.DetectedAt = t.now()
			}
			stamped[i] = c
		}
		if err := t.store.AppendConflicts(ctx, stamped); err != nil {
			return nil, err
		}
	}

	if err := t.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Complete transitions a non-terminal session to Completed.
func (t *Tracker) Complete(ctx context.Context, sessionID string) (*SyncSession, error) {
	return t.finish(ctx, sessionID, StatusCompleted, "")
}

// Fail transitions a non-terminal session to Failed with an error message.
func (t *Tracker) Fail(ctx context.Context, sessionID, errorMessage string) (*SyncSession, error) {
	return t.finish(ctx, sessionID, StatusFailed, errorMessage)
}

// Cancel transitions an Initiated or InProgress session to Cancelled. It
// stops submission of new work but does not abort an in-flight call.
func (t *Tracker) Cancel(ctx context.Context, sessionID string) (*SyncSession, error) {
	return t.finish(ctx, sessionID, StatusCancelled, "")
}

func (t *Tracker) finish(ctx context.Context, sessionID string, status Status, errorMessage string) (*SyncSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, syncErrors.NewState(syncErrors.OpTrack,
			fmt.Errorf("session %s is already %s", sessionID, s.Status))
	}

	s.Status = status
	s.ErrorMessage = errorMessage
	at := t.now()
	s.CompletedAt = &at

	if err := t.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}

	log := t.logger.WithSession(sessionID)
	if status == StatusFailed {
		log.ErrorContext(ctx, "session failed",
			slog.String("error_message", errorMessage),
			slog.Int("successful", s.Successful),
			slog.Int("failed", s.Failed))
	} else {
		log.InfoContext(ctx, "session finished",
			slog.String("status", string(status)),
			slog.Int("successful", s.Successful),
			slog.Int("failed", s.Failed),
			slog.Int("conflicts", s.ConflictCount))
	}
	return s.Clone(), nil
}

// Get returns a session snapshot by id.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*SyncSession, error) {
	return t.store.GetSession(ctx, sessionID)
}

// List returns sessions matching the filter, newest first.
func (t *Tracker) List(ctx context.Context, filter ListFilter) ([]*SyncSession, error) {
	return t.store.ListSessions(ctx, filter)
}

// Conflicts returns the audit trail for one session in detection order.
func (t *Tracker) Conflicts(ctx context.Context, sessionID string) ([]crmsync.ConflictRecord, error) {
	return t.store.ListConflicts(ctx, sessionID)
}

// UnresolvedConflicts returns every flagged conflict awaiting manual review.
func (t *Tracker) UnresolvedConflicts(ctx context.Context) ([]crmsync.ConflictRecord, error) {
	return t.store.ListUnresolvedConflicts(ctx)
}

// ResolveConflict attaches a manual resolution to a flagged conflict. A
// conflict can be resolved at most once.
func (t *Tracker) ResolveConflict(ctx context.Context, conflictID string, resolution crmsync.Resolution, resolvedBy string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	all, err := t.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID != conflictID {
			continue
		}
		c := all[i]
		c.Resolution = resolution
		c.ResolvedBy = resolvedBy
		at := t.now()
		c.ResolvedAt = &at
		if err := t.store.UpdateConflict(ctx, &c); err != nil {
			return err
		}
		t.logger.WithSession(c.SessionID).InfoContext(ctx, "conflict resolved",
			slog.String("conflict_id", conflictID),
			slog.String("record_id", c.RecordID),
			slog.String("field", c.Field),
			slog.String("resolution", string(resolution)),
			slog.String("resolved_by", resolvedBy))
		return nil
	}
	return syncErrors.NewNotFound(syncErrors.OpTrack,
		fmt.Errorf("unresolved conflict %s not found", conflictID))
}

// Stale reports sessions sitting in a non-terminal state past the staleness
// window. They are reported for manual intervention, never auto-transitioned.
func (t *Tracker) Stale(ctx context.Context, window time.Duration) ([]*SyncSession, error) {
	cutoff := t.now().Add(-window)

	var stale []*SyncSession
	for _, status := range []Status{StatusInitiated, StatusInProgress} {
		list, err := t.store.ListSessions(ctx, ListFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, s := range list {
			if s.StartedAt.Before(cutoff) {
				stale = append(stale, s)
			}
		}
	}
	return stale, nil
}
