package linkscore

import (
	"context"
	"testing"

	"github.com/antigravity-dev/prospect/internal/llm"
	"github.com/antigravity-dev/prospect/internal/research"
)

func TestScoreBatchParsesFencedJSON(t *testing.T) {
	client := llm.NewScripted(research.CompletionResponse{
		Text: "```json\n[{\"url\": \"https://a.example\", \"score\": 9, \"reasoning\": \"matches target\"}]\n```",
	})
	s := New(client)

	results, err := s.ScoreBatch(context.Background(), []Link{{URL: "https://a.example"}}, "CDK12 inhibitors")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score != 9 {
		t.Fatalf("expected score 9, got %d", results[0].Score)
	}
}

func TestScoreBatchFallsBackOnUnparsableResponse(t *testing.T) {
	client := llm.NewScripted(research.CompletionResponse{Text: "not json at all"})
	s := New(client)

	results, err := s.ScoreBatch(context.Background(), []Link{{URL: "https://a.example"}}, "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Score != FallbackScore {
		t.Fatalf("expected fallback score, got %d", results[0].Score)
	}
}

func TestScoreBatchCachesAcrossCalls(t *testing.T) {
	client := llm.NewScripted(research.CompletionResponse{
		Text: `[{"url": "https://a.example", "score": 7, "reasoning": "ok"}]`,
	})
	s := New(client)
	ctx := context.Background()

	if _, err := s.ScoreBatch(ctx, []Link{{URL: "https://a.example"}}, "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results, err := s.ScoreBatch(ctx, []Link{{URL: "https://a.example"}}, "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Cached {
		t.Fatalf("expected second call to hit cache")
	}
	if client.CallCount() != 1 {
		t.Fatalf("expected LLM to be called once, got %d", client.CallCount())
	}
}

func TestScoreBatchEmptyInput(t *testing.T) {
	s := New(llm.NewScripted())
	results, err := s.ScoreBatch(context.Background(), nil, "q")
	if err != nil || results != nil {
		t.Fatalf("expected nil, nil for empty input, got %v, %v", results, err)
	}
}
