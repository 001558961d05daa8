// Package llm provides the research.LLM port and an in-process test-double
// implementation. No vendor SDK is wired here, so the only implementation
// this repo ships is one capable of exercising internal/planner and
// internal/verifier in tests and local development against a scripted or
// canned response set.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity-dev/prospect/internal/research"
)

// Responder answers a single completion request. Production wiring would
// plug in a real vendor client behind this signature; ScriptedClient and
// FuncClient below are the only implementations this repo carries.
type Responder func(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error)

// ScriptedClient returns canned responses in call order, falling back to
// the last response once exhausted. It is deliberately simple: tests set
// up the exact JSON contract they want Planner/Verifier to parse.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []research.CompletionResponse
	calls     int
}

// NewScripted returns a ScriptedClient that yields responses in order.
func NewScripted(responses ...research.CompletionResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Complete implements research.LLM.
func (c *ScriptedClient) Complete(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.responses) == 0 {
		return research.CompletionResponse{}, fmt.Errorf("llm: scripted client has no responses configured")
	}

	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return c.responses[idx], nil
}

// CallCount returns how many times Complete has been invoked.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// FuncClient adapts a Responder function to research.LLM, for tests that
// want to compute a response from the prompt rather than script a fixed
// sequence.
type FuncClient struct {
	Fn Responder
}

// Complete implements research.LLM.
func (c *FuncClient) Complete(ctx context.Context, req research.CompletionRequest) (research.CompletionResponse, error) {
	if c.Fn == nil {
		return research.CompletionResponse{}, fmt.Errorf("llm: func client has no responder configured")
	}
	return c.Fn(ctx, req)
}

var (
	_ research.LLM = (*ScriptedClient)(nil)
	_ research.LLM = (*FuncClient)(nil)
)
