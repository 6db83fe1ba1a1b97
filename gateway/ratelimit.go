package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// QuotaView is a point-in-time snapshot of the remote rate-limit budget as
// reported by response headers.
type QuotaView struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Known     bool
}

// quotaTracker keeps a rolling view of remaining quota and reset time so the
// gateway can throttle before exhaustion instead of only reacting to 429s.
type quotaTracker struct {
	mu      sync.Mutex
	view    QuotaView
	reserve float64
}

func newQuotaTracker(reserve float64) *quotaTracker {
	if reserve < 0 || reserve >= 1 {
		reserve = 0
	}
	return &quotaTracker{reserve: reserve}
}

// update reads the standard rate-limit headers from a response. Missing
// headers leave the previous view in place.
func (q *quotaTracker) update(h http.Header, now time.Time) {
	remaining, errR := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if errR != nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.view.Remaining = remaining
	q.view.Known = true

	if limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		q.view.Limit = limit
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		// Servers send either delta-seconds or an epoch timestamp.
		if reset > 1_000_000_000 {
			q.view.ResetAt = time.Unix(reset, 0)
		} else {
			q.view.ResetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}
}

// snapshot returns the current view.
func (q *quotaTracker) snapshot() QuotaView {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.view
}

// throttleDelay returns how long the caller should pause before its next
// call. Zero when quota is healthy or unknown. The reserve fraction of the
// limit is kept untouched for interactive traffic.
func (q *quotaTracker) throttleDelay(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.view.Known || q.view.Limit <= 0 {
		return 0
	}
	floor := int(float64(q.view.Limit) * q.reserve)
	if q.view.Remaining > floor {
		return 0
	}
	if q.view.ResetAt.IsZero() || !q.view.ResetAt.After(now) {
		return 0
	}
	return q.view.ResetAt.Sub(now)
}

// parseRetryAfterSeconds reads a Retry-After header in delta-seconds form.
func parseRetryAfterSeconds(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
