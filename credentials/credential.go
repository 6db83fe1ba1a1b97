// Package credentials manages the OAuth credential lifecycle for every remote
// identity: persistence, token refresh, and the session switchboard that
// binds an identity to an execution context.
package credentials

import (
	"log/slog"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/logging"
)

// Credential is one identity's OAuth credential set. Mutated only via
// refresh and save.
type Credential struct {
	// Identity is the unique key: one remote-system account.
	Identity      string    `json:"identity"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	Expiry        time.Time `json:"expiry"`
	APIBaseDomain string    `json:"api_base_domain"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether the access token is missing, expired, or
// expires inside the safety margin. A token in this state must be refreshed
// before use.
func (c *Credential) ExpiresWithin(margin time.Duration, now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(margin).After(c.Expiry)
}

// BaseURL renders the API base domain as an https URL.
func (c *Credential) BaseURL() string {
	domain := strings.TrimSpace(c.APIBaseDomain)
	if domain == "" {
		return ""
	}
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return strings.TrimRight(domain, "/")
	}
	return "https://" + strings.TrimRight(domain, "/")
}

// TokenURL is the identity's OAuth token endpoint.
func (c *Credential) TokenURL() string {
	base := c.BaseURL()
	if base == "" {
		return ""
	}
	return base + "/oauth2/token"
}

// Clone returns a copy so callers can't mutate stored state.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// LogValue renders the credential with secrets redacted. Credentials must
// only ever reach a log handler through this valuer.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identity", c.Identity),
		slog.String("client_id", c.ClientID),
		slog.String("access_token", logging.Redact(c.AccessToken)),
		slog.String("refresh_token", logging.Redact(c.RefreshToken)),
		slog.Time("expiry", c.Expiry),
		slog.String("api_base_domain", c.APIBaseDomain),
	)
}
