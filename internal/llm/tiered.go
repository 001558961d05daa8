package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/antigravity-dev/prospect/internal/dispatch"
	"github.com/antigravity-dev/prospect/internal/research"
)

// RetryPolicy controls how a failed completion call is retried: the wait
// between attempts grows geometrically (with up to 10% jitter) up to
// MaxWait, and once PromoteAfter failures accumulate on one tier the call
// is promoted to the next model tier (fast -> balanced -> premium). A
// planner or verifier call that keeps failing on a cheap model gets a more
// capable one instead of being retried in place forever.
type RetryPolicy struct {
	MaxRetries   int
	InitialWait  time.Duration
	GrowthFactor float64
	MaxWait      time.Duration
	PromoteAfter int
}

// DefaultRetryPolicy matches the config package's defaults for completion
// calls: a handful of attempts on short waits, promoting a tier every two
// failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialWait:  5 * time.Second,
		GrowthFactor: 2.0,
		MaxWait:      2 * time.Minute,
		PromoteAfter: 2,
	}
}

// next decides what happens after a failed attempt: how long to wait,
// which tier the next attempt should run on, and whether to retry at all.
// attempt counts failures so far for this completion call.
func (p RetryPolicy) next(attempt int, currentTier string) (wait time.Duration, tier string, retry bool) {
	if attempt < 0 {
		attempt = 0
	}
	tier = strings.ToLower(strings.TrimSpace(currentTier))

	if attempt >= p.MaxRetries {
		return 0, tier, false
	}

	wait = p.waitFor(attempt + 1)
	if p.PromoteAfter > 0 && attempt > 0 && attempt%p.PromoteAfter == 0 {
		tier = promoteTier(tier)
	}
	return wait, tier, true
}

// waitFor returns InitialWait * GrowthFactor^(attempt-1), capped at MaxWait,
// with up to 10% jitter so concurrent activities retrying the same vendor
// outage don't thunder in lockstep.
func (p RetryPolicy) waitFor(attempt int) time.Duration {
	if attempt <= 0 || p.InitialWait <= 0 {
		return 0
	}
	factor := p.GrowthFactor
	if factor < 1.0 {
		factor = 1.0
	}

	wait := float64(p.InitialWait) * math.Pow(factor, float64(attempt-1))
	if math.IsNaN(wait) || math.IsInf(wait, 0) {
		wait = float64(p.MaxWait)
	}
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	if wait < float64(p.InitialWait) {
		wait = float64(p.InitialWait)
	}

	jitter := 1.0 + rand.Float64()*0.1
	return time.Duration(wait * jitter)
}

func promoteTier(tier string) string {
	switch tier {
	case "fast":
		return "balanced"
	case "balanced":
		return "premium"
	default:
		return tier
	}
}

// TieredClient retries a completion across the fast/balanced/premium tiers
// configured in config.Tiers, promoting the call between tiers as its
// RetryPolicy dictates.
type TieredClient struct {
	clients   map[string]research.LLM
	policy    RetryPolicy
	startTier string
}

// NewTieredClient returns a TieredClient that starts every call at
// startTier (normally "fast"), dispatching to clients[tier] and promoting
// per policy on failure.
func NewTieredClient(clients map[string]research.LLM, policy RetryPolicy, startTier string) *TieredClient {
	return &TieredClient{clients: clients, policy: policy, startTier: startTier}
}

// Complete implements research.LLM.
func (c *TieredClient) Complete(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
	tier := c.startTier
	var lastErr error

	for attempt := 0; ; attempt++ {
		client, ok := c.clients[tier]
		if !ok {
			return research.CompletionResponse{}, fmt.Errorf("llm: no client configured for tier %q", tier)
		}

		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		wait, nextTier, retry := c.policy.next(attempt, tier)
		if !retry {
			return research.CompletionResponse{}, fmt.Errorf("llm: exhausted retries at tier %s: %w", tier, lastErr)
		}

		select {
		case <-ctx.Done():
			return research.CompletionResponse{}, ctx.Err()
		case <-time.After(wait):
		}
		tier = nextTier
	}
}

// RateLimitedClient gates Complete calls behind a dispatch.RateLimiter,
// so a single research run cannot exceed its configured LLM call budget
// regardless of how many Planner/Verifier activities ask for a completion.
type RateLimitedClient struct {
	inner   research.LLM
	limiter *dispatch.RateLimiter
}

// NewRateLimitedClient wraps inner with limiter's hourly/per-run caps.
func NewRateLimitedClient(inner research.LLM, limiter *dispatch.RateLimiter) *RateLimitedClient {
	return &RateLimitedClient{inner: inner, limiter: limiter}
}

// Complete implements research.LLM.
func (c *RateLimitedClient) Complete(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
	if err := c.limiter.RecordDispatch(); err != nil {
		return research.CompletionResponse{}, fmt.Errorf("llm: %w", err)
	}
	return c.inner.Complete(ctx, req)
}

var (
	_ research.LLM = (*TieredClient)(nil)
	_ research.LLM = (*RateLimitedClient)(nil)
)
