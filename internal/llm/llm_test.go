package llm

import (
	"context"
	"testing"

	"github.com/antigravity-dev/prospect/internal/research"
)

func TestScriptedClientReturnsInOrderThenHoldsLast(t *testing.T) {
	c := NewScripted(
		research.CompletionResponse{Text: "first"},
		research.CompletionResponse{Text: "second"},
	)
	ctx := context.Background()

	resp, err := c.Complete(ctx, research.CompletionRequest{})
	if err != nil || resp.Text != "first" {
		t.Fatalf("expected first, got %q err=%v", resp.Text, err)
	}
	resp, _ = c.Complete(ctx, research.CompletionRequest{})
	if resp.Text != "second" {
		t.Fatalf("expected second, got %q", resp.Text)
	}
	resp, _ = c.Complete(ctx, research.CompletionRequest{})
	if resp.Text != "second" {
		t.Fatalf("expected to hold at last response, got %q", resp.Text)
	}
	if c.CallCount() != 3 {
		t.Fatalf("expected 3 calls, got %d", c.CallCount())
	}
}

func TestFuncClientDelegates(t *testing.T) {
	c := &FuncClient{Fn: func(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
		return research.CompletionResponse{Text: "echo:" + req.Prompt}, nil
	}}
	resp, err := c.Complete(context.Background(), research.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "echo:hi" {
		t.Fatalf("unexpected response: %q", resp.Text)
	}
}
