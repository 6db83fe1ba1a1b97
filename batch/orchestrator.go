// Package batch decomposes large record sets into bounded batches and drives
// them through the gateway, aggregating per-record outcomes into a tracked
// session.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/config"
	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/gateway"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/session"
)

// Client is the outbound surface the orchestrator needs. *gateway.Gateway
// satisfies it.
type Client interface {
	Post(ctx context.Context, endpoint string, payload interface{}) (*gateway.Response, error)
	Put(ctx context.Context, endpoint string, payload interface{}) (*gateway.Response, error)
	Delete(ctx context.Context, endpoint string) (*gateway.Response, error)
	Identity() string
	RateLimitHits() int64
}

// RecordResult is one input record's outcome, positionally correlated with
// the input slice.
type RecordResult struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
	Success  bool   `json:"success"`
	Created  bool   `json:"created,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result aggregates a run. SessionID is always set, even on partial failure,
// so callers can retrieve the full breakdown afterward.
type Result struct {
	SessionID  string         `json:"session_id"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Records    []RecordResult `json:"records"`
}

// Options configures an Orchestrator.
type Options struct {
	Tracker *session.Tracker
	Logger  *logging.Logger

	// Entity is the REST collection batches are written to.
	Entity string

	// BatchSize defaults to config.DefaultBatchSize and is capped at the
	// remote ceiling.
	BatchSize int

	// InterBatchDelay is the conservative pause between consecutive batches
	// under one identity.
	InterBatchDelay time.Duration

	// DuplicateCheckFields is sent with bulk upserts.
	DuplicateCheckFields []string

	// KeyField extracts record ids for results and error logs.
	KeyField string

	// Sleep override for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs batched sync operations. One Orchestrator may serve many
// identities; it guarantees at most one in-flight batch per identity.
type Orchestrator struct {
	tracker *session.Tracker
	logger  *logging.Logger
	opts    Options

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

// New builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("session tracker is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.Component("batch"))
	}
	if opts.Entity == "" {
		opts.Entity = "deals"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultBatchSize
	}
	if opts.BatchSize > config.MaxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds remote ceiling %d", opts.BatchSize, config.MaxBatchSize)
	}
	if opts.InterBatchDelay < 0 {
		opts.InterBatchDelay = config.DefaultInterBatchDelay
	}
	if opts.KeyField == "" {
		opts.KeyField = crmsync.DefaultKeyField
	}
	if len(opts.DuplicateCheckFields) == 0 {
		opts.DuplicateCheckFields = []string{opts.KeyField}
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return &Orchestrator{
		tracker:  opts.Tracker,
		logger:   opts.Logger,
		opts:     opts,
		inFlight: make(map[string]*sync.Mutex),
	}, nil
}

// Split cuts records into ordered batches of at most size.
func Split(records []crmsync.Record, size int) [][]crmsync.Record {
	if size <= 0 {
		size = config.DefaultBatchSize
	}
	var batches [][]crmsync.Record
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

// Run drives records through client under one tracked session. Per-record
// validation failures never abort sibling records; a fatal authentication or
// storage error short-circuits the remaining batches and fails the session.
// The returned Result preserves input order.
func (o *Orchestrator) Run(ctx context.Context, client Client, operation crmsync.OperationType, records []crmsync.Record) (*Result, error) {
	sess, err := o.tracker.Start(ctx, operation, client.Identity(), len(records))
	if err != nil {
		return nil, err
	}

	log := o.logger.WithSession(sess.ID).WithIdentity(client.Identity())
	result := &Result{
		SessionID: sess.ID,
		Records:   make([]RecordResult, len(records)),
	}

	batches := Split(records, o.opts.BatchSize)
	log.InfoContext(ctx, "run started",
		slog.String("operation_type", string(operation)),
		slog.Int("total_records", len(records)),
		slog.Int("batches", len(batches)))

	// One in-flight batch per identity across all concurrent runs.
	identityLock := o.lockFor(client.Identity())

	var fatal error
	cancelled := false
	offset := 0
	for i, b := range batches {
		if fatal != nil {
			o.skipRemaining(result, offset, len(records), "aborted: "+fatal.Error())
			break
		}
		if stop, err := o.sessionCancelled(ctx, sess.ID); err == nil && stop {
			cancelled = true
			o.skipRemaining(result, offset, len(records), "session cancelled")
			log.InfoContext(ctx, "run cancelled", slog.Int("batches_remaining", len(batches)-i))
			break
		}
		if i > 0 && o.opts.InterBatchDelay > 0 {
			if err := o.opts.Sleep(ctx, o.opts.InterBatchDelay); err != nil {
				fatal = syncErrors.NewTransient(syncErrors.OpBatch, err)
				o.skipRemaining(result, offset, len(records), "aborted: "+fatal.Error())
				break
			}
		}

		identityLock.Lock()
		hitsBefore := client.RateLimitHits()
		batchResults, batchErr := o.submit(ctx, client, operation, b, offset)
		hitsDelta := int(client.RateLimitHits() - hitsBefore)
		identityLock.Unlock()

		progress := session.Progress{RateLimitHits: hitsDelta}
		for _, r := range batchResults {
			result.Records[r.Index] = r
			if r.Success {
				progress.Successful++
			} else {
				progress.Failed++
				log.WarnContext(ctx, "record failed",
					slog.String("record_id", r.RecordID),
					slog.String("error", r.Error))
			}
		}
		if _, err := o.tracker.Record(ctx, sess.ID, progress); err != nil {
			// A cancel can land while a batch is in flight. The batch itself
			// is not aborted; its outcome stays in the result even though the
			// terminal session no longer accepts counters.
			if stop, serr := o.sessionCancelled(ctx, sess.ID); serr == nil && stop {
				cancelled = true
				o.skipRemaining(result, offset+len(b), len(records), "session cancelled")
				log.InfoContext(ctx, "run cancelled", slog.Int("batches_remaining", len(batches)-i-1))
				break
			}
			fatal = err
		}
		if batchErr != nil && isFatal(batchErr) {
			fatal = batchErr
		}

		offset += len(b)
	}

	for _, r := range result.Records {
		switch {
		case r.Success:
			result.Successful++
		case r.Error == "session cancelled":
			result.Skipped++
		default:
			result.Failed++
		}
	}

	if cancelled {
		// The session is already terminal; the result carries the skip
		// breakdown.
		return result, nil
	}
	if fatal != nil {
		o.tracker.Fail(ctx, sess.ID, fatal.Error())
		log.LogError(ctx, fatal, "run aborted",
			slog.Int("successful", result.Successful),
			slog.Int("failed", result.Failed))
		return result, fatal
	}

	if _, err := o.tracker.Complete(ctx, sess.ID); err != nil {
		return result, err
	}
	log.InfoContext(ctx, "run completed",
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed))
	return result, nil
}

// submit executes one batch and returns its per-record results in input
// order. The error, when non-nil, applies to the batch as a whole; the
// results still cover every record.
func (o *Orchestrator) submit(ctx context.Context, client Client, operation crmsync.OperationType, b []crmsync.Record, offset int) ([]RecordResult, error) {
	switch operation {
	case crmsync.OpBulkCreate, crmsync.OpBulkUpdate, crmsync.OpBulkUpsert,
		crmsync.OpFullSync, crmsync.OpIncrementalSync:
		return o.submitBulk(ctx, client, operation, b, offset)
	case crmsync.OpSingleCreate, crmsync.OpSingleUpdate, crmsync.OpSingleDelete:
		return o.submitSingles(ctx, client, operation, b, offset)
	default:
		results := failAll(b, offset, o.opts.KeyField, fmt.Sprintf("unsupported operation %q", operation))
		return results, syncErrors.NewValidation(syncErrors.OpBatch,
			fmt.Errorf("unsupported operation %q", operation))
	}
}

func (o *Orchestrator) submitBulk(ctx context.Context, client Client, operation crmsync.OperationType, b []crmsync.Record, offset int) ([]RecordResult, error) {
	payload := map[string]interface{}{"data": b}
	if operation == crmsync.OpBulkUpsert {
		payload["duplicate_check_fields"] = o.opts.DuplicateCheckFields
	}

	resp, err := client.Post(ctx, o.bulkEndpoint(operation), payload)
	if err != nil {
		return failAll(b, offset, o.opts.KeyField, err.Error()), err
	}

	results := make([]RecordResult, len(b))
	for i, rec := range b {
		r := RecordResult{
			Index:    offset + i,
			RecordID: rec.ID(o.opts.KeyField),
			Success:  true,
		}
		// Bulk replies report per-record outcomes positionally.
		if i < len(resp.Results) {
			br := resp.Results[i]
			r.Success = br.Success
			r.Created = br.Created
			r.RemoteID = br.ID
			if !br.Success {
				r.Error = joinErrors(br.Errors)
			}
		}
		results[i] = r
	}
	return results, nil
}

func (o *Orchestrator) submitSingles(ctx context.Context, client Client, operation crmsync.OperationType, b []crmsync.Record, offset int) ([]RecordResult, error) {
	results := make([]RecordResult, len(b))
	for i, rec := range b {
		id := rec.ID(o.opts.KeyField)
		r := RecordResult{Index: offset + i, RecordID: id}

		var err error
		switch operation {
		case crmsync.OpSingleCreate:
			_, err = client.Post(ctx, "/"+o.opts.Entity, rec)
		case crmsync.OpSingleUpdate:
			_, err = client.Put(ctx, "/"+o.opts.Entity+"/"+id, rec)
		case crmsync.OpSingleDelete:
			_, err = client.Delete(ctx, "/"+o.opts.Entity+"/"+id)
		}

		if err != nil {
			r.Error = err.Error()
			results[i] = r
			// A validation rejection is per-record; anything fatal stops the
			// rest of the batch here and the run above.
			if isFatal(err) {
				for j := i + 1; j < len(b); j++ {
					results[j] = RecordResult{
						Index:    offset + j,
						RecordID: b[j].ID(o.opts.KeyField),
						Error:    "aborted: " + err.Error(),
					}
				}
				return results, err
			}
			continue
		}
		r.Success = true
		results[i] = r
	}
	return results, nil
}

func (o *Orchestrator) bulkEndpoint(operation crmsync.OperationType) string {
	switch operation {
	case crmsync.OpBulkUpsert:
		return "/" + o.opts.Entity + "/bulk/upsert"
	default:
		return "/" + o.opts.Entity + "/bulk"
	}
}

func (o *Orchestrator) lockFor(identity string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.inFlight[identity]
	if !ok {
		lock = &sync.Mutex{}
		o.inFlight[identity] = lock
	}
	return lock
}

func (o *Orchestrator) sessionCancelled(ctx context.Context, sessionID string) (bool, error) {
	s, err := o.tracker.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Status == session.StatusCancelled, nil
}

func (o *Orchestrator) skipRemaining(result *Result, from, to int, reason string) {
	for i := from; i < to; i++ {
		if result.Records[i].RecordID == "" && !result.Records[i].Success && result.Records[i].Error == "" {
			result.Records[i] = RecordResult{Index: i, Error: reason}
		}
	}
}

// isFatal reports whether err aborts the remaining work for this identity.
func isFatal(err error) bool {
	return syncErrors.IsAuthentication(err) || syncErrors.IsStorage(err)
}

func failAll(b []crmsync.Record, offset int, keyField, msg string) []RecordResult {
	results := make([]RecordResult, len(b))
	for i, rec := range b {
		results[i] = RecordResult{
			Index:    offset + i,
			RecordID: rec.ID(keyField),
			Error:    msg,
		}
	}
	return results
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return "rejected by remote"
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}
