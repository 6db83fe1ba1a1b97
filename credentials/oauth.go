package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
)

// TokenClientOptions configures the OAuth token-endpoint client.
type TokenClientOptions struct {
	// HTTPClient overrides the default client (tests point it at a fake
	// token server).
	HTTPClient *http.Client

	// TokenURL overrides per-credential token endpoints when set. Normal
	// operation derives the endpoint from the credential's base domain.
	TokenURL string
}

// TokenClient speaks the OAuth2 token endpoint: authorization-code exchange
// and refresh-token grants.
type TokenClient struct {
	httpClient *http.Client
	tokenURL   string
}

// tokenResponse is the token endpoint's JSON body, success or error.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func NewTokenClient(opts TokenClientOptions) *TokenClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &TokenClient{
		httpClient: httpClient,
		tokenURL:   strings.TrimSpace(opts.TokenURL),
	}
}

func (c *TokenClient) endpoint(cred *Credential) string {
	if c.tokenURL != "" {
		return c.tokenURL
	}
	return cred.TokenURL()
}

// Exchange performs the authorization-code grant and returns a credential
// populated with the granted tokens. Used on first authorization of an
// identity.
func (c *TokenClient) Exchange(ctx context.Context, cred *Credential, code, redirectURI string) (*Credential, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	return c.grant(ctx, cred, form, syncErrors.OpExchange)
}

// Refresh performs the refresh-token grant. The returned credential keeps
// the previous refresh token when the server rotates nothing.
func (c *TokenClient) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, syncErrors.NewAuthentication(syncErrors.OpRefresh,
			fmt.Errorf("identity %s has no refresh token", cred.Identity))
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	return c.grant(ctx, cred, form, syncErrors.OpRefresh)
}

func (c *TokenClient) grant(ctx context.Context, cred *Credential, form url.Values, op syncErrors.Operation) (*Credential, error) {
	endpoint := c.endpoint(cred)
	if endpoint == "" {
		return nil, syncErrors.NewValidation(op,
			fmt.Errorf("identity %s has no token endpoint", cred.Identity))
	}

	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, syncErrors.New(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncErrors.NewTransient(op, fmt.Errorf("token endpoint unreachable: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncErrors.NewTransient(op, fmt.Errorf("reading token response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, syncErrors.NewTransient(op,
			fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, syncErrors.New(op, fmt.Errorf("malformed token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		// invalid_grant and friends mean the identity must re-authorize.
		return nil, syncErrors.NewAuthentication(op,
			fmt.Errorf("token grant rejected (status %d): %s %s", resp.StatusCode, tr.Error, tr.ErrorDescription))
	}
	if tr.AccessToken == "" {
		return nil, syncErrors.NewAuthentication(op,
			fmt.Errorf("token endpoint returned no access token"))
	}

	refreshed := cred.Clone()
	refreshed.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		refreshed.RefreshToken = tr.RefreshToken
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		// Servers that omit expires_in get the conventional hour.
		expiresIn = 3600
	}
	refreshed.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return refreshed, nil
}
