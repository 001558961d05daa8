package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antigravity-dev/prospect/internal/config"
	"github.com/antigravity-dev/prospect/internal/dispatch"
	"github.com/antigravity-dev/prospect/internal/research"
)

func TestRetryPolicyWaitGrowsGeometrically(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   5,
		InitialWait:  5 * time.Second,
		GrowthFactor: 2.0,
		MaxWait:      2 * time.Minute,
		PromoteAfter: 0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, tt := range tests {
		wait, _, retry := policy.next(tt.attempt, "fast")
		if !retry {
			t.Fatalf("attempt %d: expected a retry", tt.attempt)
		}
		// Up to 10% jitter on top of the geometric wait.
		if wait < tt.want || wait > tt.want+tt.want/10 {
			t.Fatalf("attempt %d: wait %v outside [%v, %v]", tt.attempt, wait, tt.want, tt.want+tt.want/10)
		}
	}
}

func TestRetryPolicyWaitCapsAtMaxWait(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   50,
		InitialWait:  5 * time.Second,
		GrowthFactor: 2.0,
		MaxWait:      time.Minute,
	}

	for _, attempt := range []int{10, 20, 40} {
		wait, _, retry := policy.next(attempt, "fast")
		if !retry {
			t.Fatalf("attempt %d: expected a retry", attempt)
		}
		if ceiling := time.Minute + time.Minute/10; wait > ceiling {
			t.Fatalf("attempt %d: wait %v exceeds cap %v", attempt, wait, ceiling)
		}
		if wait < time.Minute {
			t.Fatalf("attempt %d: wait %v below MaxWait floor", attempt, wait)
		}
	}
}

func TestRetryPolicyPromotesThroughTierLadder(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   10,
		InitialWait:  time.Millisecond,
		GrowthFactor: 1.0,
		MaxWait:      time.Millisecond,
		PromoteAfter: 2,
	}

	_, tier, _ := policy.next(0, "FAST")
	if tier != "fast" {
		t.Fatalf("expected fast before the promotion threshold, got %q", tier)
	}
	_, tier, _ = policy.next(2, "fast")
	if tier != "balanced" {
		t.Fatalf("expected promotion to balanced, got %q", tier)
	}
	_, tier, _ = policy.next(2, "balanced")
	if tier != "premium" {
		t.Fatalf("expected promotion to premium, got %q", tier)
	}
	// Premium is the ladder's top rung.
	_, tier, _ = policy.next(2, "premium")
	if tier != "premium" {
		t.Fatalf("expected premium to stay premium, got %q", tier)
	}
}

func TestRetryPolicyStopsAtMaxRetries(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialWait: time.Millisecond, GrowthFactor: 1.0, MaxWait: time.Millisecond}

	if _, _, retry := policy.next(2, "fast"); !retry {
		t.Fatal("attempt below MaxRetries should be allowed")
	}
	if _, _, retry := policy.next(3, "fast"); retry {
		t.Fatal("attempts beyond MaxRetries should not be allowed")
	}
}

func TestTieredClientEscalatesTierOnRepeatedFailure(t *testing.T) {
	var fastCalls, balancedCalls int
	fast := &FuncClient{Fn: func(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
		fastCalls++
		return research.CompletionResponse{}, errors.New("fast tier unavailable")
	}}
	balanced := &FuncClient{Fn: func(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
		balancedCalls++
		return research.CompletionResponse{Text: "ok"}, nil
	}}

	policy := RetryPolicy{
		MaxRetries:   3,
		InitialWait:  time.Millisecond,
		GrowthFactor: 1.0,
		MaxWait:      10 * time.Millisecond,
		PromoteAfter: 1,
	}
	client := NewTieredClient(map[string]research.LLM{"fast": fast, "balanced": balanced}, policy, "fast")

	resp, err := client.Complete(context.Background(), research.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("expected escalated tier's response, got %q", resp.Text)
	}
	if fastCalls != 1 {
		t.Fatalf("expected 1 fast-tier attempt before escalation, got %d", fastCalls)
	}
	if balancedCalls != 1 {
		t.Fatalf("expected 1 balanced-tier attempt, got %d", balancedCalls)
	}
}

func TestTieredClientReturnsErrorOnceRetriesExhausted(t *testing.T) {
	failing := &FuncClient{Fn: func(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
		return research.CompletionResponse{}, errors.New("down")
	}}
	policy := RetryPolicy{
		MaxRetries:   1,
		InitialWait:  time.Millisecond,
		GrowthFactor: 1.0,
		MaxWait:      time.Millisecond,
		PromoteAfter: 0,
	}
	client := NewTieredClient(map[string]research.LLM{"fast": failing}, policy, "fast")

	_, err := client.Complete(context.Background(), research.CompletionRequest{})
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
}

func TestTieredClientUnknownTierErrors(t *testing.T) {
	client := NewTieredClient(map[string]research.LLM{}, DefaultRetryPolicy(), "fast")
	_, err := client.Complete(context.Background(), research.CompletionRequest{})
	if err == nil {
		t.Fatal("expected an error for an unconfigured tier")
	}
}

func TestTieredClientRespectsContextCancellation(t *testing.T) {
	failing := &FuncClient{Fn: func(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
		return research.CompletionResponse{}, errors.New("down")
	}}
	policy := RetryPolicy{
		MaxRetries:   5,
		InitialWait:  time.Hour,
		GrowthFactor: 1.0,
		MaxWait:      time.Hour,
		PromoteAfter: 0,
	}
	client := NewTieredClient(map[string]research.LLM{"fast": failing}, policy, "fast")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, research.CompletionRequest{})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestRateLimitedClientBlocksAfterRunCap(t *testing.T) {
	inner := NewScripted(research.CompletionResponse{Text: "a"}, research.CompletionResponse{Text: "b"})
	limiter := dispatch.NewRateLimiter(config.RateLimits{CallsPerHourCap: 100, CallsPerRunCap: 1, WeeklyHeadroomPct: 80})
	client := NewRateLimitedClient(inner, limiter)

	if _, err := client.Complete(context.Background(), research.CompletionRequest{}); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	if _, err := client.Complete(context.Background(), research.CompletionRequest{}); err == nil {
		t.Fatal("second call should be blocked by the run cap")
	}
}
