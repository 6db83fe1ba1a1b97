package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/credentials"
	"github.com/c0deZ3R0/go-crm-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
)

// sleepRecorder captures backoff delays instead of actually sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type gatewayFixture struct {
	gateway *Gateway
	lease   *credentials.Lease
	sleeps  *sleepRecorder
}

// newGatewayFixture stands up a fake API server plus a token endpoint and
// returns a gateway leased to identity "a@x" with access token "tok-1".
// A refresh mints "tok-2".
func newGatewayFixture(t *testing.T, api http.HandlerFunc) *gatewayFixture {
	t.Helper()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-2",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(tokenServer.Close)

	apiServer := httptest.NewServer(api)
	t.Cleanup(apiServer.Close)

	store := credentials.NewMemoryStore()
	err := store.Save(context.Background(), "a@x", &credentials.Credential{
		Identity:      "a@x",
		ClientID:      "cid",
		ClientSecret:  "cs",
		AccessToken:   "tok-1",
		RefreshToken:  "refresh",
		Expiry:        time.Now().Add(2 * time.Hour),
		APIBaseDomain: apiServer.URL,
	})
	if err != nil {
		t.Fatal(err)
	}

	manager, err := credentials.NewManager(credentials.ManagerOptions{
		Store: store,
		TokenClient: credentials.NewTokenClient(credentials.TokenClientOptions{
			HTTPClient: tokenServer.Client(),
			TokenURL:   tokenServer.URL,
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	lease, err := manager.Acquire(context.Background(), "a@x")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(lease.Release)

	sleeps := &sleepRecorder{}
	gw := New(lease, Options{
		HTTPClient:        apiServer.Client(),
		RetryAfterDefault: 30 * time.Second,
		Sleep:             sleeps.sleep,
	})
	return &gatewayFixture{gateway: gw, lease: lease, sleeps: sleeps}
}

func TestGetAttachesBearerToken(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"Id": "d1"}, {"Id": "d2"}},
		})
	})

	resp, err := f.gateway.Get(context.Background(), "/deals", map[string]string{"limit": "5"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Errorf("records = %d, want 2", len(resp.Records))
	}
	if resp.Records[0].ID("Id") != "d1" {
		t.Errorf("first record = %v", resp.Records[0])
	}
}

func TestRefreshOn401ThenRetry(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"Id": "d1"}},
		})
	})

	resp, err := f.gateway.Get(context.Background(), "/deals", nil)
	if err != nil {
		t.Fatalf("Get after refresh: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Errorf("records = %d", len(resp.Records))
	}
	if f.lease.Token() != "tok-2" {
		t.Errorf("lease token = %s, want refreshed", f.lease.Token())
	}
}

func TestSecond401IsFatalAuthentication(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := f.gateway.Get(context.Background(), "/deals", nil)
	if !syncErrors.IsAuthentication(err) {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func Test429HonorsRetryAfterHeader(t *testing.T) {
	var calls int
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]interface{}{}})
	})

	if _, err := f.gateway.Get(context.Background(), "/deals", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	delays := f.sleeps.recorded()
	if len(delays) != 1 || delays[0] != 7*time.Second {
		t.Errorf("delays = %v, want [7s]", delays)
	}
	if f.gateway.RateLimitHits() != 1 {
		t.Errorf("rate limit hits = %d", f.gateway.RateLimitHits())
	}
}

func Test429WithoutHeaderUsesDefaultBackoff(t *testing.T) {
	var calls int
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if _, err := f.gateway.Get(context.Background(), "/deals", nil); err != nil {
		t.Fatal(err)
	}
	delays := f.sleeps.recorded()
	if len(delays) != 1 || delays[0] != 30*time.Second {
		t.Errorf("delays = %v, want the configured default", delays)
	}
}

func TestRateLimitExhaustionSurfaces(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := f.gateway.Get(context.Background(), "/deals", nil)
	if !syncErrors.IsRateLimit(err) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if got := syncErrors.RetryAfter(err); got != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", got)
	}
	if len(f.sleeps.recorded()) != maxRateLimitRetries {
		t.Errorf("slept %d times, want %d", len(f.sleeps.recorded()), maxRateLimitRetries)
	}
}

func TestValidationErrorCarriesResponseBody(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":["CloseDate is required"]}`))
	})

	_, err := f.gateway.Post(context.Background(), "/deals", map[string]string{"Name": "x"})
	if !syncErrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "CloseDate is required") {
		t.Errorf("error should carry the remote body: %v", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := f.gateway.Get(context.Background(), "/deals", nil)
	if !syncErrors.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if !syncErrors.IsRetryable(err) {
		t.Error("5xx must be retryable")
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	// Point the gateway at a server that is already gone.
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closed.Close()

	store := credentials.NewMemoryStore()
	store.Save(context.Background(), "b@x", &credentials.Credential{
		Identity:      "b@x",
		AccessToken:   "tok",
		RefreshToken:  "r",
		Expiry:        time.Now().Add(time.Hour),
		APIBaseDomain: closed.URL,
	})
	manager, err := credentials.NewManager(credentials.ManagerOptions{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	lease, err := manager.Acquire(context.Background(), "b@x")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	gw := New(lease, Options{Sleep: (&sleepRecorder{}).sleep})
	if _, err := gw.Get(context.Background(), "/deals", nil); !syncErrors.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestListAllWalksEveryPage(t *testing.T) {
	pages := [][]map[string]interface{}{
		{{"Id": "d1"}, {"Id": "d2"}},
		{{"Id": "d3"}, {"Id": "d4"}},
		{{"Id": "d5"}},
	}
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		page := offset / 2
		if page >= len(pages) {
			json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]interface{}{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": pages[page]})
	})

	records, err := f.gateway.ListAll(context.Background(), "/deals", cursor.OffsetCursor{Limit: 2})
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5", len(records))
	}
	if records[4].ID("Id") != "d5" {
		t.Errorf("last record = %v", records[4])
	}
}

func TestQuotaViewAndProactiveThrottle(t *testing.T) {
	var calls int
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-RateLimit-Limit", "1000")
		w.Header().Set("X-RateLimit-Remaining", "10")
		w.Header().Set("X-RateLimit-Reset", "60")
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	if _, err := f.gateway.Get(ctx, "/deals", nil); err != nil {
		t.Fatal(err)
	}
	view := f.gateway.Quota()
	if !view.Known || view.Remaining != 10 || view.Limit != 1000 {
		t.Errorf("quota view = %+v", view)
	}

	// 10 remaining is under the 5% reserve of 1000; the next call throttles
	// until the reported reset before sending.
	if _, err := f.gateway.Get(ctx, "/deals", nil); err != nil {
		t.Fatal(err)
	}
	delays := f.sleeps.recorded()
	if len(delays) != 1 {
		t.Fatalf("delays = %v, want one proactive pause", delays)
	}
	if delays[0] <= 0 || delays[0] > time.Minute {
		t.Errorf("pause = %v, want up to the 60s reset", delays[0])
	}
}

// Backoff is scoped to the operation under one identity. A second identity's
// gateway proceeds while the first is rate limited.
func TestBackoffDoesNotBlockOtherIdentities(t *testing.T) {
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(blocked.Close)
	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]interface{}{{"Id": "d1"}}})
	}))
	t.Cleanup(open.Close)

	store := credentials.NewMemoryStore()
	for identity, base := range map[string]string{"a@x": blocked.URL, "b@x": open.URL} {
		store.Save(context.Background(), identity, &credentials.Credential{
			Identity:      identity,
			AccessToken:   "tok",
			RefreshToken:  "r",
			Expiry:        time.Now().Add(time.Hour),
			APIBaseDomain: base,
		})
	}
	manager, err := credentials.NewManager(credentials.ManagerOptions{Store: store})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	leaseA, _ := manager.Acquire(ctx, "a@x")
	defer leaseA.Release()
	leaseB, _ := manager.Acquire(ctx, "b@x")
	defer leaseB.Release()

	sleepsA := &sleepRecorder{}
	sleepsB := &sleepRecorder{}
	gwA := New(leaseA, Options{Sleep: sleepsA.sleep})
	gwB := New(leaseB, Options{Sleep: sleepsB.sleep})

	if _, err := gwA.Get(ctx, "/deals", nil); !syncErrors.IsRateLimit(err) {
		t.Errorf("identity a: expected rate-limit error, got %v", err)
	}
	if _, err := gwB.Get(ctx, "/deals", nil); err != nil {
		t.Errorf("identity b must not be affected: %v", err)
	}
	if len(sleepsB.recorded()) != 0 {
		t.Error("identity b slept for identity a's backoff")
	}
}

func TestBulkResultsDecoded(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["data"]; !ok {
			t.Error("bulk payload must wrap records under data")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"id": "d1", "success": true, "created": true},
				{"id": "", "success": false, "errors": []string{"duplicate"}},
			},
		})
	})

	resp, err := f.gateway.Post(context.Background(), "/deals/bulk", map[string]interface{}{
		"data": []map[string]interface{}{{"Name": "A"}, {"Name": "B"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if !resp.Results[0].Success || resp.Results[1].Success {
		t.Errorf("results = %+v", resp.Results)
	}
}
