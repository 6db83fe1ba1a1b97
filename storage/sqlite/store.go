// Package sqlite provides the SQLite persistence backend for credentials,
// sync sessions, and conflict records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/credentials"
	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/session"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration options for the SQLite store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:crmsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings for production workloads.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements both the credential store and the session store over one
// SQLite database.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time interface checks.
var (
	_ credentials.Store = (*Store)(nil)
	_ session.Store     = (*Store)(nil)
)

// New opens the database, configures the pool, and sets up the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("storage/sqlite"))
	logger.InfoContext(context.Background(), "opening sqlite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return store, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS credentials (
        identity        TEXT PRIMARY KEY,
        client_id       TEXT NOT NULL DEFAULT '',
        client_secret   TEXT NOT NULL DEFAULT '',
        access_token    TEXT NOT NULL DEFAULT '',
        refresh_token   TEXT NOT NULL DEFAULT '',
        expiry          TIMESTAMP,
        api_base_domain TEXT NOT NULL DEFAULT '',
        updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS sync_sessions (
        id              TEXT PRIMARY KEY,
        operation_type  TEXT NOT NULL,
        status          TEXT NOT NULL,
        identity        TEXT NOT NULL DEFAULT '',
        started_at      TIMESTAMP NOT NULL,
        completed_at    TIMESTAMP,
        total_records   INTEGER NOT NULL DEFAULT 0,
        successful      INTEGER NOT NULL DEFAULT 0,
        failed          INTEGER NOT NULL DEFAULT 0,
        skipped         INTEGER NOT NULL DEFAULT 0,
        conflict_count  INTEGER NOT NULL DEFAULT 0,
        rate_limit_hits INTEGER NOT NULL DEFAULT 0,
        error_message   TEXT NOT NULL DEFAULT '',
        metadata        TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_status ON sync_sessions (status);
    CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sync_sessions (started_at);

    CREATE TABLE IF NOT EXISTS conflict_records (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        id           TEXT NOT NULL UNIQUE,
        session_id   TEXT NOT NULL,
        record_id    TEXT NOT NULL DEFAULT '',
        field        TEXT NOT NULL DEFAULT '',
        local_value  TEXT,
        remote_value TEXT,
        resolution   TEXT NOT NULL DEFAULT '',
        reason       TEXT NOT NULL DEFAULT '',
        detected_at  TIMESTAMP,
        resolved_by  TEXT NOT NULL DEFAULT '',
        resolved_at  TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflict_records (session_id);
    CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflict_records (resolution);
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen(op syncErrors.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.WrapOpComponentKind(credentials.ErrStoreClosed, op, "storage/sqlite", syncErrors.KindStorage)
	}
	return nil
}

// Get loads one identity's credential.
func (s *Store) Get(ctx context.Context, identity string) (*credentials.Credential, error) {
	if err := s.checkOpen(syncErrors.OpLoad); err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, syncErrors.NewValidation(syncErrors.OpLoad, credentials.ErrEmptyIdentity)
	}

	query := `SELECT identity, client_id, client_secret, access_token, refresh_token, expiry, api_base_domain, updated_at
              FROM credentials WHERE identity = ?`
	row := s.db.QueryRowContext(ctx, query, identity)

	var cred credentials.Credential
	var expiry, updatedAt sql.NullTime
	err := row.Scan(&cred.Identity, &cred.ClientID, &cred.ClientSecret,
		&cred.AccessToken, &cred.RefreshToken, &expiry, &cred.APIBaseDomain, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, syncErrors.NewNotFound(syncErrors.OpLoad,
			fmt.Errorf("identity %s: %w", identity, credentials.ErrNotFound))
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpLoad, "storage/sqlite", syncErrors.KindStorage)
	}
	if expiry.Valid {
		cred.Expiry = expiry.Time
	}
	if updatedAt.Valid {
		cred.UpdatedAt = updatedAt.Time
	}
	return &cred, nil
}

// Save upserts a credential. The refresh-token guard lives in the upsert
// itself: an empty incoming refresh token never clears a stored one.
func (s *Store) Save(ctx context.Context, identity string, cred *credentials.Credential) error {
	if err := s.checkOpen(syncErrors.OpStore); err != nil {
		return err
	}
	if identity == "" {
		return syncErrors.NewValidation(syncErrors.OpStore, credentials.ErrEmptyIdentity)
	}

	query := `
    INSERT INTO credentials (identity, client_id, client_secret, access_token, refresh_token, expiry, api_base_domain, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT(identity) DO UPDATE SET
        client_id       = excluded.client_id,
        client_secret   = excluded.client_secret,
        access_token    = excluded.access_token,
        refresh_token   = CASE WHEN excluded.refresh_token = '' THEN credentials.refresh_token ELSE excluded.refresh_token END,
        expiry          = excluded.expiry,
        api_base_domain = excluded.api_base_domain,
        updated_at      = CURRENT_TIMESTAMP`
	_, err := s.db.ExecContext(ctx, query, identity, cred.ClientID, cred.ClientSecret,
		cred.AccessToken, cred.RefreshToken, nullTime(cred.Expiry), cred.APIBaseDomain)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
	}
	return nil
}

// Delete removes an identity's credential on explicit revoke.
func (s *Store) Delete(ctx context.Context, identity string) error {
	if err := s.checkOpen(syncErrors.OpDelete); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE identity = ?`, identity)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpDelete, "storage/sqlite", syncErrors.KindStorage)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFound(syncErrors.OpDelete,
			fmt.Errorf("identity %s: %w", identity, credentials.ErrNotFound))
	}
	return nil
}

// List returns every stored credential.
func (s *Store) List(ctx context.Context) ([]*credentials.Credential, error) {
	if err := s.checkOpen(syncErrors.OpList); err != nil {
		return nil, err
	}
	query := `SELECT identity, client_id, client_secret, access_token, refresh_token, expiry, api_base_domain, updated_at
              FROM credentials ORDER BY identity`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
	}
	defer rows.Close()

	var out []*credentials.Credential
	for rows.Next() {
		var cred credentials.Credential
		var expiry, updatedAt sql.NullTime
		if err := rows.Scan(&cred.Identity, &cred.ClientID, &cred.ClientSecret,
			&cred.AccessToken, &cred.RefreshToken, &expiry, &cred.APIBaseDomain, &updatedAt); err != nil {
			return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
		}
		if expiry.Valid {
			cred.Expiry = expiry.Time
		}
		if updatedAt.Valid {
			cred.UpdatedAt = updatedAt.Time
		}
		out = append(out, &cred)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
	}
	return out, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *session.SyncSession) error {
	if err := s.checkOpen(syncErrors.OpStore); err != nil {
		return err
	}
	metadata, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpStore, err)
	}

	query := `INSERT INTO sync_sessions
        (id, operation_type, status, identity, started_at, completed_at, total_records, successful, failed, skipped, conflict_count, rate_limit_hits, error_message, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, string(sess.OperationType), string(sess.Status), sess.Identity,
		sess.StartedAt, nullTimePtr(sess.CompletedAt), sess.TotalRecords,
		sess.Successful, sess.Failed, sess.Skipped, sess.ConflictCount,
		sess.RateLimitHits, sess.ErrorMessage, metadata)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
	}
	return nil
}

// UpdateSession overwrites an existing session row.
func (s *Store) UpdateSession(ctx context.Context, sess *session.SyncSession) error {
	if err := s.checkOpen(syncErrors.OpStore); err != nil {
		return err
	}
	metadata, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpStore, err)
	}

	query := `UPDATE sync_sessions SET
        operation_type = ?, status = ?, identity = ?, started_at = ?, completed_at = ?,
        total_records = ?, successful = ?, failed = ?, skipped = ?, conflict_count = ?,
        rate_limit_hits = ?, error_message = ?, metadata = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(sess.OperationType), string(sess.Status), sess.Identity, sess.StartedAt,
		nullTimePtr(sess.CompletedAt), sess.TotalRecords, sess.Successful, sess.Failed,
		sess.Skipped, sess.ConflictCount, sess.RateLimitHits, sess.ErrorMessage, metadata,
		sess.ID)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFound(syncErrors.OpStore,
			fmt.Errorf("session %s not found", sess.ID))
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.SyncSession, error) {
	if err := s.checkOpen(syncErrors.OpLoad); err != nil {
		return nil, err
	}
	query := sessionColumns + ` FROM sync_sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, syncErrors.NewNotFound(syncErrors.OpLoad,
			fmt.Errorf("session %s not found", id))
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpLoad, "storage/sqlite", syncErrors.KindStorage)
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, filter session.ListFilter) ([]*session.SyncSession, error) {
	if err := s.checkOpen(syncErrors.OpList); err != nil {
		return nil, err
	}

	query := sessionColumns + ` FROM sync_sessions`
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
	}
	defer rows.Close()

	var out []*session.SyncSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
	}
	return out, nil
}

// AppendConflicts inserts audit entries in detection order.
func (s *Store) AppendConflicts(ctx context.Context, conflicts []crmsync.ConflictRecord) error {
	if err := s.checkOpen(syncErrors.OpStore); err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := `INSERT INTO conflict_records
        (id, session_id, record_id, field, local_value, remote_value, resolution, reason, detected_at, resolved_by, resolved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, c := range conflicts {
		localJSON, remoteJSON, jerr := marshalValues(c.LocalValue, c.RemoteValue)
		if jerr != nil {
			err = syncErrors.NewValidation(syncErrors.OpStore, jerr)
			return err
		}
		_, err = tx.ExecContext(ctx, query, c.ID, c.SessionID, c.RecordID, c.Field,
			localJSON, remoteJSON, string(c.Resolution), c.Reason,
			nullTime(c.DetectedAt), c.ResolvedBy, nullTimePtr(c.ResolvedAt))
		if err != nil {
			err = syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
	}
	return nil
}

// ListConflicts returns one session's audit trail in detection order.
func (s *Store) ListConflicts(ctx context.Context, sessionID string) ([]crmsync.ConflictRecord, error) {
	return s.queryConflicts(ctx, `WHERE session_id = ? ORDER BY seq`, sessionID)
}

// ListUnresolvedConflicts returns flagged conflicts awaiting manual review.
func (s *Store) ListUnresolvedConflicts(ctx context.Context) ([]crmsync.ConflictRecord, error) {
	return s.queryConflicts(ctx, `WHERE resolution = ? AND resolved_at IS NULL ORDER BY seq`,
		string(crmsync.ResolutionFlaggedForReview))
}

// UpdateConflict attaches a manual resolution.
func (s *Store) UpdateConflict(ctx context.Context, c *crmsync.ConflictRecord) error {
	if err := s.checkOpen(syncErrors.OpStore); err != nil {
		return err
	}
	query := `UPDATE conflict_records SET resolution = ?, resolved_by = ?, resolved_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(c.Resolution), c.ResolvedBy, nullTimePtr(c.ResolvedAt), c.ID)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, syncErrors.OpStore, "storage/sqlite", syncErrors.KindStorage)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFound(syncErrors.OpStore,
			fmt.Errorf("conflict %s not found", c.ID))
	}
	return nil
}

func (s *Store) queryConflicts(ctx context.Context, where string, args ...interface{}) ([]crmsync.ConflictRecord, error) {
	if err := s.checkOpen(syncErrors.OpList); err != nil {
		return nil, err
	}
	query := `SELECT id, session_id, record_id, field, local_value, remote_value, resolution, reason, detected_at, resolved_by, resolved_at
              FROM conflict_records ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
	}
	defer rows.Close()

	var out []crmsync.ConflictRecord
	for rows.Next() {
		var c crmsync.ConflictRecord
		var localJSON, remoteJSON sql.NullString
		var detectedAt, resolvedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.SessionID, &c.RecordID, &c.Field,
			&localJSON, &remoteJSON, (*string)(&c.Resolution), &c.Reason,
			&detectedAt, &c.ResolvedBy, &resolvedAt); err != nil {
			return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
		}
		c.LocalValue = unmarshalValue(localJSON)
		c.RemoteValue = unmarshalValue(remoteJSON)
		if detectedAt.Valid {
			c.DetectedAt = detectedAt.Time
		}
		if resolvedAt.Valid {
			at := resolvedAt.Time
			c.ResolvedAt = &at
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpList, "storage/sqlite", syncErrors.KindStorage)
	}
	return out, nil
}

// Close closes the underlying database. Subsequent calls fail with a storage
// error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const sessionColumns = `SELECT id, operation_type, status, identity, started_at, completed_at,
    total_records, successful, failed, skipped, conflict_count, rate_limit_hits, error_message, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*session.SyncSession, error) {
	var sess session.SyncSession
	var completedAt sql.NullTime
	var metadata sql.NullString
	err := row.Scan(&sess.ID, (*string)(&sess.OperationType), (*string)(&sess.Status),
		&sess.Identity, &sess.StartedAt, &completedAt, &sess.TotalRecords,
		&sess.Successful, &sess.Failed, &sess.Skipped, &sess.ConflictCount,
		&sess.RateLimitHits, &sess.ErrorMessage, &metadata)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		at := completedAt.Time
		sess.CompletedAt = &at
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &sess.Metadata)
	}
	return &sess, nil
}

func marshalMetadata(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	return string(data), nil
}

func marshalValues(local, remote interface{}) (interface{}, interface{}, error) {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conflict local value: %w", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conflict remote value: %w", err)
	}
	return string(localJSON), string(remoteJSON), nil
}

func unmarshalValue(s sql.NullString) interface{} {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return s.String
	}
	return v
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
