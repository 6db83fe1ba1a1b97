// Package gateway is the single chokepoint for outbound CRM API traffic. It
// attaches the active lease's token, recovers expired tokens on 401, honors
// 429 backoff without stalling other identities, and keeps a rolling quota
// view so callers throttle before the remote does it for them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/config"
	"github.com/c0deZ3R0/go-crm-sync/credentials"
	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	"github.com/c0deZ3R0/go-crm-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
)

// maxRateLimitRetries bounds how many 429 rounds one operation absorbs before
// the rate-limit error is handed to the caller.
const maxRateLimitRetries = 3

// maxResponseBody caps how much of a response we buffer.
const maxResponseBody = 8 << 20

// Response is a decoded remote reply.
type Response struct {
	StatusCode int
	Body       json.RawMessage

	// Records holds the "data" array when the reply carries one.
	Records []crmsync.Record

	// Results holds per-record outcomes from bulk endpoints.
	Results []BulkResult
}

// BulkResult is one record's outcome inside a bulk reply.
type BulkResult struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Created bool     `json:"created"`
	Errors  []string `json:"errors,omitempty"`
}

// envelope is the remote's standard reply shape.
type envelope struct {
	Data    []crmsync.Record `json:"data"`
	Results []BulkResult     `json:"results"`
}

// Options configures a Gateway.
type Options struct {
	// HTTPClient overrides the default timeout-bounded client.
	HTTPClient *http.Client

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// RetryAfterDefault is applied when a 429 carries no Retry-After header.
	RetryAfterDefault time.Duration

	// QuotaReserve is the fraction of quota kept untouched before the gateway
	// starts throttling proactively.
	QuotaReserve float64

	Logger *logging.Logger

	// Sleep override for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway executes calls under one lease. Each lease gets its own Gateway;
// backoff on one never blocks calls under another.
type Gateway struct {
	lease             *credentials.Lease
	client            *http.Client
	quota             *quotaTracker
	retryAfterDefault time.Duration
	logger            *logging.Logger
	sleep             func(ctx context.Context, d time.Duration) error
	now               func() time.Time

	rateLimitHits atomic.Int64
}

// New builds a Gateway bound to lease.
func New(lease *credentials.Lease, opts Options) *Gateway {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = config.DefaultReadTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = newHTTPClient(opts.ConnectTimeout, opts.ReadTimeout)
	}
	if opts.RetryAfterDefault <= 0 {
		opts.RetryAfterDefault = config.DefaultRetryAfter
	}
	if opts.QuotaReserve == 0 {
		opts.QuotaReserve = config.DefaultQuotaReserve
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.Component("gateway")).
			WithIdentity(lease.Identity())
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Gateway{
		lease:             lease,
		client:            opts.HTTPClient,
		quota:             newQuotaTracker(opts.QuotaReserve),
		retryAfterDefault: opts.RetryAfterDefault,
		logger:            opts.Logger,
		sleep:             opts.Sleep,
		now:               time.Now,
	}
}

func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
		},
	}
}

// Get issues a GET with optional query parameters.
func (g *Gateway) Get(ctx context.Context, endpoint string, params map[string]string) (*Response, error) {
	return g.do(ctx, http.MethodGet, endpoint, params, nil)
}

// Post issues a POST with a JSON body.
func (g *Gateway) Post(ctx context.Context, endpoint string, payload interface{}) (*Response, error) {
	return g.do(ctx, http.MethodPost, endpoint, nil, payload)
}

// Put issues a PUT with a JSON body.
func (g *Gateway) Put(ctx context.Context, endpoint string, payload interface{}) (*Response, error) {
	return g.do(ctx, http.MethodPut, endpoint, nil, payload)
}

// Delete issues a DELETE.
func (g *Gateway) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return g.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ListAll walks a paginated list endpoint to exhaustion, advancing cur page by
// page, and returns every record seen.
func (g *Gateway) ListAll(ctx context.Context, endpoint string, cur cursor.Cursor) ([]crmsync.Record, error) {
	var all []crmsync.Record
	for {
		resp, err := g.Get(ctx, endpoint, cur.QueryParams())
		if err != nil {
			return all, err
		}
		all = append(all, resp.Records...)

		next, ok := cur.Advance(len(resp.Records))
		if !ok {
			return all, nil
		}
		cur = next
	}
}

// Quota returns the latest rate-limit view reported by the remote.
func (g *Gateway) Quota() QuotaView {
	return g.quota.snapshot()
}

// RateLimitHits reports how many 429 responses this gateway has absorbed.
func (g *Gateway) RateLimitHits() int64 {
	return g.rateLimitHits.Load()
}

// Identity returns the identity every call on this gateway executes under.
func (g *Gateway) Identity() string {
	return g.lease.Identity()
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, params map[string]string, payload interface{}) (*Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, syncErrors.NewValidation(syncErrors.OpCall,
				fmt.Errorf("encode request body: %w", err))
		}
	}

	if delay := g.quota.throttleDelay(g.now()); delay > 0 {
		g.logger.InfoContext(ctx, "quota reserve reached, throttling",
			slog.Duration("delay", delay),
			slog.String("endpoint", endpoint))
		if err := g.sleep(ctx, delay); err != nil {
			return nil, syncErrors.NewTransient(syncErrors.OpCall, err)
		}
	}

	refreshed := false
	rateLimitRetries := 0

	for {
		resp, respBody, err := g.execute(ctx, method, endpoint, params, body)
		if err != nil {
			return nil, err
		}

		g.quota.update(resp.Header, g.now())

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return decodeResponse(resp.StatusCode, respBody)

		case resp.StatusCode == http.StatusUnauthorized:
			// One refresh, one retry. A second 401 means the grant itself is
			// dead, not just the access token.
			if refreshed {
				return nil, syncErrors.NewAuthentication(syncErrors.OpCall,
					fmt.Errorf("%s %s rejected after token refresh", method, endpoint)).
					WithMetadata("endpoint", endpoint)
			}
			refreshed = true
			if err := g.lease.Refresh(ctx); err != nil {
				return nil, err
			}
			g.logger.InfoContext(ctx, "token refreshed after 401",
				slog.String("endpoint", endpoint))

		case resp.StatusCode == http.StatusTooManyRequests:
			g.rateLimitHits.Add(1)
			delay := parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
			if delay == 0 {
				delay = g.retryAfterDefault
			}
			if rateLimitRetries >= maxRateLimitRetries {
				return nil, syncErrors.NewRateLimit(syncErrors.OpCall, delay,
					fmt.Errorf("%s %s still rate limited after %d retries", method, endpoint, rateLimitRetries)).
					WithMetadata("endpoint", endpoint)
			}
			rateLimitRetries++
			g.logger.WarnContext(ctx, "rate limited, backing off",
				slog.String("endpoint", endpoint),
				slog.Duration("retry_after", delay),
				slog.Int("attempt", rateLimitRetries))
			// Only this operation waits; other identities keep going.
			if err := g.sleep(ctx, delay); err != nil {
				return nil, syncErrors.NewTransient(syncErrors.OpCall, err)
			}

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, syncErrors.NewValidation(syncErrors.OpCall,
				fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(respBody)))).
				WithMetadata("endpoint", endpoint).
				WithMetadata("status", resp.StatusCode)

		default:
			return nil, syncErrors.NewTransient(syncErrors.OpCall,
				fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(respBody)))).
				WithMetadata("endpoint", endpoint).
				WithMetadata("status", resp.StatusCode)
		}
	}
}

// execute performs a single HTTP round trip and buffers the body.
func (g *Gateway) execute(ctx context.Context, method, endpoint string, params map[string]string, body []byte) (*http.Response, []byte, error) {
	u, err := buildURL(g.lease.BaseURL(), endpoint, params)
	if err != nil {
		return nil, nil, syncErrors.NewValidation(syncErrors.OpCall, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, nil, syncErrors.NewValidation(syncErrors.OpCall, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.lease.Token())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, nil, syncErrors.NewTransient(syncErrors.OpCall,
			fmt.Errorf("%s %s: %w", method, endpoint, err)).
			WithMetadata("endpoint", endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, syncErrors.NewTransient(syncErrors.OpCall,
			fmt.Errorf("read response from %s: %w", endpoint, err)).
			WithMetadata("endpoint", endpoint)
	}
	return resp, respBody, nil
}

func buildURL(base, endpoint string, params map[string]string) (string, error) {
	full := base + "/" + strings.TrimPrefix(endpoint, "/")
	u, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %s: %w", endpoint, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func decodeResponse(status int, body []byte) (*Response, error) {
	resp := &Response{StatusCode: status, Body: body}
	if len(body) == 0 {
		return resp, nil
	}
	var env envelope
	// Replies without the standard envelope are returned raw.
	if err := json.Unmarshal(body, &env); err == nil {
		resp.Records = env.Data
		resp.Results = env.Results
	}
	return resp, nil
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
