package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/antigravity-dev/prospect/internal/config"
)

// RateLimiter enforces a research run's LLM call budget: a sliding hourly
// cap and a hard per-run cap, covering Planner/Verifier/LinkScorer
// completion spend. Usage here is in-memory and scoped to one RateLimiter
// instance: a research run's call budget does not need to survive a
// process restart the way ResearchState does.
type RateLimiter struct {
	cfg config.RateLimits

	mu        sync.Mutex
	runCalls  int
	hourCalls []time.Time
}

// NewRateLimiter creates a rate limiter enforcing cfg's caps.
func NewRateLimiter(cfg config.RateLimits) *RateLimiter {
	return &RateLimiter{cfg: cfg}
}

// CanDispatch reports whether another LLM call is allowed right now, or the
// reason it isn't.
func (r *RateLimiter) CanDispatch() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canDispatchLocked(time.Now())
}

func (r *RateLimiter) canDispatchLocked(now time.Time) (bool, string) {
	if r.cfg.CallsPerRunCap > 0 && r.runCalls >= r.cfg.CallsPerRunCap {
		return false, fmt.Sprintf("run cap reached: %d/%d", r.runCalls, r.cfg.CallsPerRunCap)
	}

	hourly := r.hourlyCountLocked(now)
	if r.cfg.CallsPerHourCap > 0 && hourly >= r.cfg.CallsPerHourCap {
		return false, fmt.Sprintf("hourly cap reached: %d/%d", hourly, r.cfg.CallsPerHourCap)
	}
	return true, ""
}

// hourlyCountLocked evicts timestamps older than an hour and returns the
// remaining count. Must be called with mu held.
func (r *RateLimiter) hourlyCountLocked(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	kept := r.hourCalls[:0]
	for _, t := range r.hourCalls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.hourCalls = kept
	return len(r.hourCalls)
}

// RecordDispatch claims one unit of budget. Callers should check
// CanDispatch first; RecordDispatch itself re-checks atomically and
// returns an error if the budget was exhausted between the two calls.
func (r *RateLimiter) RecordDispatch() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if ok, reason := r.canDispatchLocked(now); !ok {
		return fmt.Errorf("rate limit exceeded: %s", reason)
	}
	r.runCalls++
	r.hourCalls = append(r.hourCalls, now)
	return nil
}

// RunUsagePct returns the run cap's current usage as a percentage.
func (r *RateLimiter) RunUsagePct() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.CallsPerRunCap == 0 {
		return 0
	}
	return float64(r.runCalls) / float64(r.cfg.CallsPerRunCap) * 100
}

// IsInHeadroomWarning reports whether run cap usage has crossed the
// configured headroom percentage, a signal of budget pressure before it
// turns into a hard stop. No caller in this repository besides its test
// reads it.
func (r *RateLimiter) IsInHeadroomWarning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.CallsPerRunCap == 0 {
		return false
	}
	pct := float64(r.runCalls) / float64(r.cfg.CallsPerRunCap) * 100
	return pct >= float64(r.cfg.WeeklyHeadroomPct)
}
