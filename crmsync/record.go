// Package crmsync holds the core domain types of the CRM sync engine: records,
// the field-ownership policy, and the conflict resolution engine that merges
// local state with the remote system of record.
package crmsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one CRM record as a field map. The remote API exchanges records
// as JSON objects; locally-computed analytical fields live in the same map
// alongside remote fields.
type Record map[string]interface{}

// DefaultKeyField is the record id field used when callers don't override it.
const DefaultKeyField = "Id"

// ID extracts the record id under keyField, or "" when absent.
func (r Record) ID(keyField string) string {
	v, ok := r[keyField]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Clone returns a shallow copy. Field values are treated as immutable by the
// engine, so a shallow copy is enough to keep merges from aliasing inputs.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// OperationType enumerates the tracked sync operations.
type OperationType string

const (
	OpSingleCreate    OperationType = "single_create"
	OpSingleUpdate    OperationType = "single_update"
	OpSingleDelete    OperationType = "single_delete"
	OpBulkCreate      OperationType = "bulk_create"
	OpBulkUpdate      OperationType = "bulk_update"
	OpBulkUpsert      OperationType = "bulk_upsert"
	OpFullSync        OperationType = "full_sync"
	OpIncrementalSync OperationType = "incremental_sync"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpSingleCreate, OpSingleUpdate, OpSingleDelete,
		OpBulkCreate, OpBulkUpdate, OpBulkUpsert,
		OpFullSync, OpIncrementalSync:
		return true
	}
	return false
}

// Resolution classifies the outcome recorded for a detected conflict.
type Resolution string

const (
	ResolutionRemoteWins       Resolution = "remote_wins"
	ResolutionLocalPreserved   Resolution = "local_preserved"
	ResolutionFlaggedForReview Resolution = "flagged_for_review"
)

// ConflictRecord is the append-only audit entry for one field-level
// divergence. It is mutated at most once more, to attach a manual resolution.
type ConflictRecord struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	RecordID    string      `json:"record_id"`
	Field       string      `json:"field"`
	LocalValue  interface{} `json:"local_value"`
	RemoteValue interface{} `json:"remote_value"`
	Resolution  Resolution  `json:"resolution"`
	Reason      string      `json:"reason"`
	DetectedAt  time.Time   `json:"detected_at"`

	// Manual follow-up, set at most once via the tracker.
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether a manual resolution has been attached.
func (c *ConflictRecord) Resolved() bool {
	return c.ResolvedAt != nil
}

// valuesEqual compares two field values after JSON normalization, so an int
// 100 from local storage equals a float64 100 decoded from the wire.
func valuesEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(ja) == string(jb)
}
