// Package errors provides custom error types for the CRM sync engine
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into the sync engine's error taxonomy.
type Kind string

const (
	// KindAuthentication marks fatal auth failures (expired grant, revoked
	// identity). Recoverable only by re-authorizing the identity.
	KindAuthentication Kind = "AUTHENTICATION"

	// KindRateLimit marks remote throttling. The gateway auto-recovers these;
	// callers only see one after retries are exhausted.
	KindRateLimit Kind = "RATE_LIMIT"

	// KindValidation marks per-record rejections carrying the remote response
	// body. Never aborts sibling records in a batch.
	KindValidation Kind = "VALIDATION"

	// KindTransient marks network failures and 5xx responses, eligible for
	// caller-level retry.
	KindTransient Kind = "TRANSIENT"

	// KindStorage marks local persistence failures. Fatal, never silently
	// falls back to stale data.
	KindStorage Kind = "STORAGE"

	// KindNotFound marks expected lookup misses (unknown identity, session).
	KindNotFound Kind = "NOT_FOUND"

	// KindState marks invalid lifecycle transitions (completing a terminal
	// session, cancelling a finished one).
	KindState Kind = "STATE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpAcquire  Operation = "acquire"
	OpRefresh  Operation = "refresh"
	OpExchange Operation = "exchange"
	OpCall     Operation = "call"
	OpBatch    Operation = "batch"
	OpResolve  Operation = "resolve"
	OpTrack    Operation = "track"
	OpStore    Operation = "store"
	OpLoad     Operation = "load"
	OpList     Operation = "list"
	OpDelete   Operation = "delete"
	OpClose    Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "gateway", "credentials")
	Component string

	// Kind classifies the error for control flow decisions
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// RetryAfter is the server-requested backoff for rate-limit errors
	RetryAfter time.Duration

	// Metadata for additional context (session id, record id, field name).
	// Never contains credential secrets.
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a context key to the error and returns it for chaining.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewAuthentication creates a fatal authentication SyncError
func NewAuthentication(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindAuthentication,
		Op:        op,
		Component: "credentials",
		Err:       cause,
		Retryable: false,
	}
}

// NewRateLimit creates a rate-limit SyncError carrying the server backoff
func NewRateLimit(op Operation, retryAfter time.Duration, cause error) *SyncError {
	return &SyncError{
		Kind:       KindRateLimit,
		Op:         op,
		Component:  "gateway",
		Err:        cause,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewValidation creates a per-record validation SyncError
func NewValidation(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewTransient creates a retryable network/5xx SyncError
func NewTransient(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindTransient,
		Op:        op,
		Component: "gateway",
		Err:       cause,
		Retryable: true,
	}
}

// NewStorage creates a fatal storage SyncError
func NewStorage(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewNotFound creates an expected, non-fatal lookup SyncError
func NewNotFound(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNotFound,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewState creates a lifecycle violation SyncError
func NewState(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindState,
		Op:        op,
		Component: "session",
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsKind reports whether err is a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == kind
	}
	return false
}

// IsAuthentication checks for fatal authentication errors
func IsAuthentication(err error) bool { return IsKind(err, KindAuthentication) }

// IsRateLimit checks for rate-limit errors
func IsRateLimit(err error) bool { return IsKind(err, KindRateLimit) }

// IsValidation checks for per-record validation errors
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsTransient checks for retryable network/5xx errors
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsStorage checks for fatal storage errors
func IsStorage(err error) bool { return IsKind(err, KindStorage) }

// IsNotFound checks for expected lookup misses
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsState checks for lifecycle violations
func IsState(err error) bool { return IsKind(err, KindState) }

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// RetryAfter extracts the server-requested backoff from a rate-limit error.
// Returns zero when err carries no backoff hint.
func RetryAfter(err error) time.Duration {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.RetryAfter
	}
	return 0
}
