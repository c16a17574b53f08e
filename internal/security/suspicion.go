package security

import (
	"strings"
	"time"

	"tenuto.io/safety/internal/audit"
)

// DetectorPolicy holds the thresholds for the abuse heuristics. The
// after-hours rule fires on a single bulk or cascade action inside the
// window, which is deliberately aggressive; FlagAfterHoursBulk exists so
// deployments can turn it off until the sensitivity is agreed.
type DetectorPolicy struct {
	Window                 time.Duration
	RapidDeletionThreshold int
	FailureThreshold       int
	// AfterHoursStart and AfterHoursEnd bound the flagged hours of day,
	// both inclusive. A start greater than the end wraps past midnight,
	// so the stock 22..6 covers late evening through early morning.
	AfterHoursStart    int
	AfterHoursEnd      int
	FlagAfterHoursBulk bool
}

// DefaultDetectorPolicy returns the stock thresholds.
func DefaultDetectorPolicy() DetectorPolicy {
	return DetectorPolicy{
		Window:                 10 * time.Minute,
		RapidDeletionThreshold: 10,
		FailureThreshold:       5,
		AfterHoursStart:        22,
		AfterHoursEnd:          6,
		FlagAfterHoursBulk:     true,
	}
}

// Detector scans recent activity records for abuse patterns. Detection is
// advisory-blocking: a positive result denies the current request and raises
// the process-wide flag, but does not invalidate tokens already issued.
type Detector struct {
	policy   DetectorPolicy
	recorder *audit.Recorder
	now      func() time.Time
}

// NewDetector constructs a detector over the given activity recorder.
func NewDetector(recorder *audit.Recorder, policy DetectorPolicy, now func() time.Time) *Detector {
	if policy.Window <= 0 {
		policy = DefaultDetectorPolicy()
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{policy: policy, recorder: recorder, now: now}
}

// Detect scans the recent activity window. It returns whether a pattern
// tripped and a reason tag naming the first pattern that did.
func (d *Detector) Detect() (bool, string) {
	if d == nil || d.recorder == nil {
		return false, ""
	}
	cutoff := d.now().Add(-d.policy.Window)
	recent := d.recorder.Since(cutoff)

	deletions := 0
	failures := 0
	for _, rec := range recent {
		action := strings.ToLower(rec.Action)
		if strings.Contains(action, "deletion") || strings.Contains(action, "delete") {
			deletions++
		}
		if strings.Contains(action, "failed") || strings.Contains(action, "denied") {
			failures++
		}
		if d.policy.FlagAfterHoursBulk &&
			(strings.Contains(action, "bulk") || strings.Contains(action, "cascade")) &&
			d.afterHours(rec.At) {
			return true, "after_hours_bulk_pattern"
		}
	}
	if deletions >= d.policy.RapidDeletionThreshold {
		return true, "rapid_deletion_pattern"
	}
	if failures >= d.policy.FailureThreshold {
		return true, "credential_probing_pattern"
	}
	return false, ""
}

func (d *Detector) afterHours(t time.Time) bool {
	hour := t.Hour()
	if d.policy.AfterHoursStart <= d.policy.AfterHoursEnd {
		return hour >= d.policy.AfterHoursStart && hour <= d.policy.AfterHoursEnd
	}
	return hour >= d.policy.AfterHoursStart || hour <= d.policy.AfterHoursEnd
}
