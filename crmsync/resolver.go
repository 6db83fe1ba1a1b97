package crmsync

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-crm-sync/logging"
)

// Resolver merges a local record with a freshly fetched remote record under a
// FieldPolicy. Resolution is pure over its inputs: resolving the same pair
// twice yields identical merges and identical conflicts.
type Resolver struct {
	policy *FieldPolicy
	logger *logging.Logger
	now    func() time.Time
	newID  func() string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *logging.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithClock overrides the detection timestamp source (tests).
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator overrides conflict id generation (tests).
func WithIDGenerator(gen func() string) ResolverOption {
	return func(r *Resolver) { r.newID = gen }
}

// NewResolver builds a Resolver over a field-ownership policy.
func NewResolver(policy *FieldPolicy, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		policy: policy,
		logger: logging.WithComponent(logging.Component("resolver")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve merges local and remote for one record.
//
// Remote-authoritative fields: a differing non-null local value is recorded
// as a remote_wins conflict; the remote value is adopted either way.
// Local-analytical fields: the local value always survives, backfilled with
// the policy default when local lacks it, and never produces a conflict.
// Unclassified fields pass through from remote untracked.
//
// Conflicts carry no session id; the caller owning the session stamps it.
func (r *Resolver) Resolve(local, remote Record, recordID string) (Record, []ConflictRecord) {
	merged := make(Record, len(remote)+len(r.policy.LocalFields()))
	var conflicts []ConflictRecord

	// Sorted field walk keeps conflict output deterministic.
	fields := make([]string, 0, len(remote))
	for f := range remote {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		remoteVal := remote[field]
		switch r.policy.Classify(field) {
		case OwnershipRemote:
			localVal, hasLocal := local[field]
			if hasLocal && localVal != nil && !valuesEqual(localVal, remoteVal) {
				conflicts = append(conflicts, ConflictRecord{
					ID:          r.newID(),
					RecordID:    recordID,
					Field:       field,
					LocalValue:  localVal,
					RemoteValue: remoteVal,
					Resolution:  ResolutionRemoteWins,
					Reason:      "remote system of record is authoritative for this field",
					DetectedAt:  r.now(),
				})
			}
			merged[field] = remoteVal
		case OwnershipLocal:
			// Remote has no business writing analytical fields; ignore the
			// remote value entirely and fall through to the local pass below.
		default:
			merged[field] = remoteVal
		}
	}

	for _, field := range r.policy.LocalFields() {
		if localVal, ok := local[field]; ok {
			merged[field] = localVal
		} else {
			merged[field] = r.policy.Default(field)
		}
	}

	return merged, conflicts
}

// BulkResolution is the outcome of resolving two record sets against each
// other by key.
type BulkResolution struct {
	// Merged holds one merged record per remote record, in remote order.
	Merged []Record

	// Conflicts aggregates field conflicts across all matched records.
	Conflicts []ConflictRecord

	// RemoteOnly lists ids present remotely but not locally; their merged
	// records carry default analytical fields.
	RemoteOnly []string

	// LocalOnly holds local records with no remote counterpart, flagged for
	// review. They are never silently deleted.
	LocalOnly []Record
}

// ResolveMany resolves remotes against locals matched on keyField.
func (r *Resolver) ResolveMany(locals, remotes []Record, keyField string) *BulkResolution {
	if keyField == "" {
		keyField = DefaultKeyField
	}

	localByID := make(map[string]Record, len(locals))
	for _, l := range locals {
		if id := l.ID(keyField); id != "" {
			localByID[id] = l
		}
	}

	out := &BulkResolution{}
	seen := make(map[string]bool, len(remotes))

	for _, remote := range remotes {
		id := remote.ID(keyField)
		local, matched := localByID[id]
		if !matched {
			local = Record{}
			if id != "" {
				out.RemoteOnly = append(out.RemoteOnly, id)
			}
		}
		if id != "" {
			seen[id] = true
		}

		merged, conflicts := r.Resolve(local, remote, id)
		out.Merged = append(out.Merged, merged)
		out.Conflicts = append(out.Conflicts, conflicts...)
	}

	for _, l := range locals {
		id := l.ID(keyField)
		if id == "" || seen[id] {
			continue
		}
		out.LocalOnly = append(out.LocalOnly, l)
		out.Conflicts = append(out.Conflicts, ConflictRecord{
			ID:          r.newID(),
			RecordID:    id,
			Field:       keyField,
			LocalValue:  id,
			RemoteValue: nil,
			Resolution:  ResolutionFlaggedForReview,
			Reason:      "record exists locally but not in the remote system of record",
			DetectedAt:  r.now(),
		})
	}

	return out
}
