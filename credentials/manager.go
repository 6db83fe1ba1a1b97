package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/config"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
)

// Manager is the session switchboard. It wraps the credential store,
// refreshes expiring tokens behind a safety margin, and binds identities to
// execution contexts as leases. Identity switches are serialized: no lease
// is ever handed out mid-switch, so no call executes under the wrong
// identity.
type Manager struct {
	store          Store
	tokens         *TokenClient
	refreshMargin  time.Duration
	evictThreshold int
	logger         *logging.Logger
	now            func() time.Time

	mu          sync.Mutex
	activeStack []string
	failures    map[string]int
	evicted     map[string]bool
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store       Store
	TokenClient *TokenClient

	// RefreshMargin defaults to config.DefaultRefreshMargin. A token inside
	// the margin is refreshed before any lease is returned.
	RefreshMargin time.Duration

	// EvictThreshold defaults to config.DefaultEvictThreshold consecutive
	// refresh failures.
	EvictThreshold int

	Logger *logging.Logger

	// Clock override for tests.
	Now func() time.Time
}

// NewManager builds a Manager over a credential store.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if opts.TokenClient == nil {
		opts.TokenClient = NewTokenClient(TokenClientOptions{})
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = config.DefaultRefreshMargin
	}
	if opts.EvictThreshold <= 0 {
		opts.EvictThreshold = config.DefaultEvictThreshold
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.Component("credentials"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:          opts.Store,
		tokens:         opts.TokenClient,
		refreshMargin:  opts.RefreshMargin,
		evictThreshold: opts.EvictThreshold,
		logger:         opts.Logger,
		now:            opts.Now,
		failures:       make(map[string]int),
		evicted:        make(map[string]bool),
	}, nil
}

// Lease is the explicit active-identity context. Exactly one identity is
// bound per lease; the holder attaches the token to outbound calls and
// releases when done. Leases for different identities operate concurrently.
type Lease struct {
	manager  *Manager
	mu       sync.Mutex
	cred     *Credential
	released bool
}

// Identity returns the bound identity.
func (l *Lease) Identity() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cred.Identity
}

// Token returns the current access token.
func (l *Lease) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cred.AccessToken
}

// BaseURL returns the identity's API base URL.
func (l *Lease) BaseURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cred.BaseURL()
}

// Credential returns a snapshot copy of the bound credential.
func (l *Lease) Credential() *Credential {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cred.Clone()
}

// Refresh forces a token refresh, used by the gateway after a 401. The
// lease's token is updated in place.
func (l *Lease) Refresh(ctx context.Context) error {
	l.mu.Lock()
	identity := l.cred.Identity
	l.mu.Unlock()

	refreshed, err := l.manager.refreshIdentity(ctx, identity)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cred = refreshed
	l.mu.Unlock()
	return nil
}

// Release unbinds the identity and restores any previously active identity.
// Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	identity := l.cred.Identity
	l.mu.Unlock()

	l.manager.release(identity)
}

// Add registers an identity without activating it. The credential needs at
// least an identity, a client id/secret pair, and a refresh token; the first
// Acquire will mint an access token.
func (m *Manager) Add(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.Identity == "" {
		return syncErrors.NewValidation(syncErrors.OpStore, ErrEmptyIdentity)
	}
	if cred.RefreshToken == "" {
		return syncErrors.NewValidation(syncErrors.OpStore,
			fmt.Errorf("identity %s registered without a refresh token", cred.Identity))
	}

	if err := m.store.Save(ctx, cred.Identity, cred); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.failures, cred.Identity)
	delete(m.evicted, cred.Identity)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "identity registered",
		slog.Any("credential", cred))
	return nil
}

// Acquire binds identity as active and returns its lease, refreshing first
// if the token is expired or inside the safety margin. Unknown identities
// are a fatal caller error. A refresh failure surfaces as identity
// unavailable; the identity is evicted only after the configured number of
// consecutive failures.
func (m *Manager) Acquire(ctx context.Context, identity string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.evicted[identity] {
		return nil, syncErrors.NewAuthentication(syncErrors.OpAcquire,
			fmt.Errorf("identity %s evicted after %d consecutive refresh failures; re-add to restore", identity, m.evictThreshold))
	}

	cred, err := m.store.Get(ctx, identity)
	if err != nil {
		return nil, err
	}

	if cred.ExpiresWithin(m.refreshMargin, m.now()) {
		cred, err = m.refreshLocked(ctx, cred)
		if err != nil {
			return nil, err
		}
	}

	m.activeStack = append(m.activeStack, identity)
	return &Lease{manager: m, cred: cred}, nil
}

// Current reports the most recently bound identity, or "" when none is
// active.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.activeStack) == 0 {
		return ""
	}
	return m.activeStack[len(m.activeStack)-1]
}

func (m *Manager) release(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.activeStack) - 1; i >= 0; i-- {
		if m.activeStack[i] == identity {
			m.activeStack = append(m.activeStack[:i], m.activeStack[i+1:]...)
			return
		}
	}
}

// refreshIdentity re-reads the stored credential (it may hold a rotated
// refresh token) and refreshes it under the switch lock.
func (m *Manager) refreshIdentity(ctx context.Context, identity string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.store.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return m.refreshLocked(ctx, cred)
}

// refreshLocked refreshes cred and persists the result. Caller holds m.mu.
func (m *Manager) refreshLocked(ctx context.Context, cred *Credential) (*Credential, error) {
	identity := cred.Identity

	refreshed, err := m.tokens.Refresh(ctx, cred)
	if err != nil {
		m.failures[identity]++
		count := m.failures[identity]
		if count >= m.evictThreshold {
			m.evicted[identity] = true
			m.logger.ErrorContext(ctx, "identity evicted",
				slog.String("identity", identity),
				slog.Int("consecutive_failures", count))
		} else {
			m.logger.WarnContext(ctx, "token refresh failed",
				slog.String("identity", identity),
				slog.Int("consecutive_failures", count))
		}
		return nil, syncErrors.WrapOpComponentKind(
			fmt.Errorf("identity %s unavailable: %w", identity, err),
			syncErrors.OpAcquire, "credentials", errKind(err))
	}

	// A refresh that cannot be persisted is a storage failure: handing out
	// the new token while the store keeps the old one would desync them.
	if err := m.store.Save(ctx, identity, refreshed); err != nil {
		return nil, err
	}

	delete(m.failures, identity)
	m.logger.InfoContext(ctx, "token refreshed",
		slog.String("identity", identity),
		slog.Time("new_expiry", refreshed.Expiry))
	return refreshed, nil
}

func errKind(err error) syncErrors.Kind {
	if syncErrors.IsTransient(err) {
		return syncErrors.KindTransient
	}
	return syncErrors.KindAuthentication
}
