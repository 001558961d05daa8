package dedup

import (
	"context"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMarkURLVisitedClaimsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	claimed, err := s.MarkURLVisited(ctx, "r1", "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first mark to claim")
	}

	claimed, err = s.MarkURLVisited(ctx, "r1", "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatalf("expected second mark not to claim")
	}

	visited, err := s.IsURLVisited(ctx, "r1", "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !visited {
		t.Fatalf("expected url to be visited")
	}
}

func TestMarkURLVisitedScopedPerResearchID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkURLVisited(ctx, "r1", "https://example.com/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := s.MarkURLVisited(ctx, "r2", "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("expected a different research run to claim independently")
	}
}

func TestMarkURLVisitedConcurrentClaimsExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 20
	claims := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			claimed, err := s.MarkURLVisited(ctx, "r1", "https://example.com/race")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			claims[i] = claimed
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, c := range claims {
		if c {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestMarkEntityKnownClaimsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	claimed, err := s.MarkEntityKnown(ctx, "r1", "Compound X", map[string]string{"target": "CDK12"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first mark to claim")
	}

	claimed, err = s.MarkEntityKnown(ctx, "r1", "Compound X", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatalf("expected second mark not to claim")
	}

	known, err := s.IsEntityKnown(ctx, "r1", "Compound X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !known {
		t.Fatalf("expected entity to be known")
	}
}

func TestMarkEntityKnownMergesOnlyMissingAttributes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkEntityKnown(ctx, "r1", "Compound X", map[string]string{
		"target": "CDK12",
		"stage":  "Unknown",
	}); err != nil {
		t.Fatalf("first mark: %v", err)
	}

	// Re-observation: stage fills its empty slot, target must not change.
	if _, err := s.MarkEntityKnown(ctx, "r1", "Compound X", map[string]string{
		"target": "CDK13",
		"stage":  "Preclinical",
	}); err != nil {
		t.Fatalf("second mark: %v", err)
	}

	attrs, err := s.EntityAttributes(ctx, "r1", "Compound X")
	if err != nil {
		t.Fatalf("loading attributes: %v", err)
	}
	if attrs["target"] != "CDK12" {
		t.Fatalf("expected populated target to survive re-observation, got %q", attrs["target"])
	}
	if attrs["stage"] != "Preclinical" {
		t.Fatalf("expected missing stage to be filled, got %q", attrs["stage"])
	}
}

func TestMarkEntityKnownDropsUnknownSentinels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkEntityKnown(ctx, "r1", "Compound Y", map[string]string{
		"owner": "Unknown",
		"stage": "",
	}); err != nil {
		t.Fatalf("marking: %v", err)
	}

	attrs, err := s.EntityAttributes(ctx, "r1", "Compound Y")
	if err != nil {
		t.Fatalf("loading attributes: %v", err)
	}
	if len(attrs) != 0 {
		t.Fatalf("expected sentinel values to be dropped, got %v", attrs)
	}
}
