package dispatch

import (
	"sync"
	"testing"

	"github.com/antigravity-dev/prospect/internal/config"
)

func TestCanDispatchUnderCap(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{CallsPerHourCap: 20, CallsPerRunCap: 200, WeeklyHeadroomPct: 80})

	ok, reason := rl.CanDispatch()
	if !ok {
		t.Errorf("should be allowed: %s", reason)
	}
}

func TestCanDispatchRunCapReached(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{CallsPerHourCap: 100, CallsPerRunCap: 3, WeeklyHeadroomPct: 80})

	for i := 0; i < 3; i++ {
		if err := rl.RecordDispatch(); err != nil {
			t.Fatalf("dispatch %d should succeed: %v", i, err)
		}
	}

	ok, _ := rl.CanDispatch()
	if ok {
		t.Error("should be blocked by run cap")
	}
}

func TestCanDispatchHourlyCapReached(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{CallsPerHourCap: 3, CallsPerRunCap: 200, WeeklyHeadroomPct: 80})

	for i := 0; i < 3; i++ {
		if err := rl.RecordDispatch(); err != nil {
			t.Fatalf("dispatch %d should succeed: %v", i, err)
		}
	}

	ok, _ := rl.CanDispatch()
	if ok {
		t.Error("should be blocked by hourly cap")
	}
}

func TestHeadroomWarning(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{CallsPerHourCap: 100, CallsPerRunCap: 10, WeeklyHeadroomPct: 80})

	// 8 out of 10 = 80% -> should trigger
	for i := 0; i < 8; i++ {
		if err := rl.RecordDispatch(); err != nil {
			t.Fatalf("dispatch %d should succeed: %v", i, err)
		}
	}

	if !rl.IsInHeadroomWarning() {
		t.Error("should be in headroom warning at 80%")
	}

	pct := rl.RunUsagePct()
	if pct != 80.0 {
		t.Errorf("RunUsagePct = %f, want 80.0", pct)
	}
}

func TestRecordDispatchRejectsOnceRunCapReached(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{CallsPerHourCap: 100, CallsPerRunCap: 1, WeeklyHeadroomPct: 80})

	if err := rl.RecordDispatch(); err != nil {
		t.Fatalf("first dispatch should succeed: %v", err)
	}
	if err := rl.RecordDispatch(); err == nil {
		t.Error("second dispatch should fail once run cap is reached")
	}
}

func TestRecordDispatchConcurrentCallersRespectRunCap(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{CallsPerHourCap: 100, CallsPerRunCap: 1, WeeklyHeadroomPct: 80})

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- rl.RecordDispatch()
		}()
	}
	wg.Wait()
	close(results)

	passed := 0
	for err := range results {
		if err == nil {
			passed++
		}
	}
	if passed != 1 {
		t.Fatalf("expected exactly 1 dispatch to be allowed, got %d", passed)
	}
}

func TestZeroCapsMeanUnbounded(t *testing.T) {
	rl := NewRateLimiter(config.RateLimits{})
	for i := 0; i < 10; i++ {
		if err := rl.RecordDispatch(); err != nil {
			t.Fatalf("dispatch %d should succeed with no caps configured: %v", i, err)
		}
	}
}
