package session

import (
	"context"
	"time"
)

// Health score weights. Record-level success dominates; rate-limit pressure
// is a small signal on top.
const (
	weightSessionSuccess = 0.30
	weightRecordSuccess  = 0.40
	weightConflictFree   = 0.20
	weightRateLimitFree  = 0.10
)

// Bucket labels a health score range.
type Bucket string

const (
	BucketExcellent Bucket = "excellent"
	BucketGood      Bucket = "good"
	BucketFair      Bucket = "fair"
	BucketPoor      Bucket = "poor"
)

// HealthReport summarizes recent terminal sessions.
type HealthReport struct {
	Window             time.Duration `json:"window"`
	SessionsConsidered int           `json:"sessions_considered"`
	SessionSuccessRate float64       `json:"session_success_rate"`
	RecordSuccessRate  float64       `json:"record_success_rate"`
	ConflictRate       float64       `json:"conflict_rate"`
	RateLimitRate      float64       `json:"rate_limit_rate"`
	Score              float64       `json:"score"`
	Bucket             Bucket        `json:"bucket"`
}

// Health derives a 0.0-1.0 score over terminal sessions started inside the
// window: session success rate (30%), record success rate (40%), inverse
// conflict rate (20%), inverse rate-limit-hit rate (10%). An empty window
// scores 1.0: no evidence of trouble.
func (t *Tracker) Health(ctx context.Context, window time.Duration) (*HealthReport, error) {
	sessions, err := t.store.ListSessions(ctx, ListFilter{Since: t.now().Add(-window)})
	if err != nil {
		return nil, err
	}

	report := &HealthReport{Window: window}
	var (
		completed     int
		successful    int
		processed     int
		conflicts     int
		rateLimitHits int
	)
	for _, s := range sessions {
		if !s.Status.Terminal() {
			continue
		}
		report.SessionsConsidered++
		if s.Status == StatusCompleted {
			completed++
		}
		successful += s.Successful
		processed += s.Processed()
		conflicts += s.ConflictCount
		rateLimitHits += s.RateLimitHits
	}

	report.SessionSuccessRate = successRatio(completed, report.SessionsConsidered)
	report.RecordSuccessRate = successRatio(successful, processed)
	report.ConflictRate = pressureRatio(conflicts, processed)
	report.RateLimitRate = pressureRatio(rateLimitHits, processed)

	report.Score = weightSessionSuccess*report.SessionSuccessRate +
		weightRecordSuccess*report.RecordSuccessRate +
		weightConflictFree*(1-clamp01(report.ConflictRate)) +
		weightRateLimitFree*(1-clamp01(report.RateLimitRate))
	report.Bucket = bucketFor(report.Score)
	return report, nil
}

func bucketFor(score float64) Bucket {
	switch {
	case score >= 0.90:
		return BucketExcellent
	case score >= 0.75:
		return BucketGood
	case score >= 0.50:
		return BucketFair
	default:
		return BucketPoor
	}
}

// successRatio defaults to 1.0 on an empty denominator so an idle system
// reports healthy rather than poor.
func successRatio(num, den int) float64 {
	if den == 0 {
		return 1
	}
	return float64(num) / float64(den)
}

// pressureRatio defaults to 0.0 on an empty denominator: no traffic, no
// pressure.
func pressureRatio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
