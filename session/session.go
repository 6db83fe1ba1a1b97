// Package session tracks every sync attempt as a stateful session with
// progress counters, an append-only conflict audit trail, and a derived
// health score over recent history.
package session

import (
	"time"

	"github.com/c0deZ3R0/go-crm-sync/crmsync"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SyncSession is one tracked sync attempt. Mutated only by the Tracker;
// immutable once terminal. Retained indefinitely for audit.
type SyncSession struct {
	ID            string                 `json:"id"`
	OperationType crmsync.OperationType  `json:"operation_type"`
	Status        Status                 `json:"status"`
	Identity      string                 `json:"identity"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	TotalRecords  int                    `json:"total_records"`
	Successful    int                    `json:"successful"`
	Failed        int                    `json:"failed"`
	Skipped       int                    `json:"skipped"`
	ConflictCount int                    `json:"conflict_count"`
	RateLimitHits int                    `json:"rate_limit_hits"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Processed is the number of records the session has accounted for so far.
func (s *SyncSession) Processed() int {
	return s.Successful + s.Failed + s.Skipped
}

// Clone returns a deep copy.
func (s *SyncSession) Clone() *SyncSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
