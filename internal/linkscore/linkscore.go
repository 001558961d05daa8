// Package linkscore implements LLM-based link relevance scoring: batched
// prompts with a process-local cache, used once queue pressure makes the
// cheap heuristics in internal/linkfilter insufficient to prioritize a
// worker's personal queue.
package linkscore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/prospect/internal/research"
)

// BatchSize is the number of links grouped into a single scoring prompt.
const BatchSize = 20

// MaxConcurrentBatches bounds how many scoring batches run at once.
const MaxConcurrentBatches = 3

// FallbackScore is assigned to a link when scoring fails outright, neutral
// enough to neither starve nor flood the queue.
const FallbackScore = 5

// Link is one candidate URL with the surrounding context it was discovered
// in, used to build the scoring prompt.
type Link struct {
	URL     string
	Context string
}

// ScoredLink is a Link annotated with its relevance score and the model's
// stated reasoning.
type ScoredLink struct {
	Link
	Score     int
	Reasoning string
	Cached    bool
	Cost      float64
}

const scoringPrompt = `You are evaluating multiple discovered web links to determine their relevance to a research query.

Research Query: %s

Discovered Links:
%s

For each link, rate its relevance on a scale of 0-10:
- 0-2: Completely irrelevant (e.g., social media, ads, navigation)
- 3-4: Tangentially related
- 5-6: Somewhat relevant
- 7-8: Highly relevant
- 9-10: Extremely relevant, directly discusses the query's subject

Output a JSON array of objects:
[
  {"url": "https://example.com/page1", "score": 8, "reasoning": "explains why"}
]`

// Scorer batches and caches LLM link-relevance scoring.
type Scorer struct {
	llm research.LLM

	// cache is process-local and shared across research runs in the same
	// process, mirroring the original's class-level _cache dict: link
	// relevance for a given URL rarely depends on which run discovered it
	// again, and skipping rescoring saves real LLM spend. Concurrent
	// worker iterations share one Scorer, so access goes through mu.
	mu    sync.Mutex
	cache map[string]ScoredLink
}

// New returns a Scorer backed by llm.
func New(llm research.LLM) *Scorer {
	return &Scorer{llm: llm, cache: make(map[string]ScoredLink)}
}

func (s *Scorer) cachedLink(url string) (ScoredLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.cache[url]
	return sl, ok
}

func (s *Scorer) storeLinks(links []ScoredLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range links {
		s.cache[sl.URL] = sl
	}
}

// ScoreBatch scores links against query, filtering cached URLs, chunking
// the remainder into BatchSize-sized prompts, and running at most
// MaxConcurrentBatches of those chunks concurrently. Results are returned
// in the same order as the input.
func (s *Scorer) ScoreBatch(ctx context.Context, links []Link, query string) ([]ScoredLink, error) {
	if len(links) == 0 {
		return nil, nil
	}

	toScore := make([]Link, 0, len(links))
	fresh := make(map[string]struct{}, len(links))
	for _, l := range links {
		if _, ok := s.cachedLink(l.URL); !ok {
			toScore = append(toScore, l)
			fresh[l.URL] = struct{}{}
		}
	}

	if len(toScore) > 0 {
		chunks := chunk(toScore, BatchSize)
		chunkResults := make([][]ScoredLink, len(chunks))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(MaxConcurrentBatches)
		for i, c := range chunks {
			i, c := i, c
			g.Go(func() error {
				scored := s.scoreChunk(gctx, c, query)
				chunkResults[i] = scored
				return nil
			})
		}
		// scoreChunk never returns an error (failures degrade to
		// FallbackScore per-link), so Wait only propagates context
		// cancellation.
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("linkscore: scoring batch: %w", err)
		}

		for _, chunkResult := range chunkResults {
			s.storeLinks(chunkResult)
		}
	}

	results := make([]ScoredLink, len(links))
	for i, l := range links {
		if cached, ok := s.cachedLink(l.URL); ok {
			if _, scoredNow := fresh[l.URL]; !scoredNow {
				// A cache hit spends nothing on this call.
				cached.Cached = true
				cached.Cost = 0
			}
			results[i] = cached
			continue
		}
		results[i] = ScoredLink{Link: l, Score: FallbackScore, Reasoning: "scoring failed"}
	}
	return results, nil
}

func chunk(links []Link, size int) [][]Link {
	var chunks [][]Link
	for i := 0; i < len(links); i += size {
		end := i + size
		if end > len(links) {
			end = len(links)
		}
		chunks = append(chunks, links[i:end])
	}
	return chunks
}

func (s *Scorer) scoreChunk(ctx context.Context, links []Link, query string) []ScoredLink {
	var listText strings.Builder
	for i, l := range links {
		ctxSnippet := l.Context
		if len(ctxSnippet) > 200 {
			ctxSnippet = ctxSnippet[:200]
		}
		fmt.Fprintf(&listText, "%d. URL: %s\n   Context: %s\n\n", i+1, l.URL, ctxSnippet)
	}

	prompt := fmt.Sprintf(scoringPrompt, query, listText.String())
	resp, err := s.llm.Complete(ctx, research.CompletionRequest{Prompt: prompt})
	if err != nil {
		return fallbackAll(links, fmt.Sprintf("error: %v", err))
	}

	parsed, ok := parseJSONList(resp.Text)
	if !ok {
		return fallbackAll(links, "failed to parse batch response")
	}

	byURL := make(map[string]rawScore, len(parsed))
	for _, p := range parsed {
		byURL[p.URL] = p
	}

	// The batch's cost is attributed evenly across its links — the LLM
	// port bills per call, not per link, so there is no finer-grained
	// figure to report.
	perLinkCost := resp.Cost / float64(len(links))

	out := make([]ScoredLink, 0, len(links))
	for i, l := range links {
		if p, ok := byURL[l.URL]; ok {
			out = append(out, ScoredLink{Link: l, Score: clampScore(p.Score), Reasoning: p.Reasoning, Cost: perLinkCost})
			continue
		}
		if i < len(parsed) {
			p := parsed[i]
			out = append(out, ScoredLink{Link: l, Score: clampScore(p.Score), Reasoning: "matched by position", Cost: perLinkCost})
			continue
		}
		out = append(out, ScoredLink{Link: l, Score: FallbackScore, Reasoning: "failed to parse from batch", Cost: perLinkCost})
	}
	return out
}

func fallbackAll(links []Link, reason string) []ScoredLink {
	out := make([]ScoredLink, len(links))
	for i, l := range links {
		out[i] = ScoredLink{Link: l, Score: FallbackScore, Reasoning: reason}
	}
	return out
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

type rawScore struct {
	URL       string `json:"url"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// parseJSONList recovers a JSON array from an LLM response that may be
// fenced in ```json ... ``` or otherwise wrapped in prose, mirroring the
// original's _parse_json_list fence-strip-then-regex-fallback approach.
func parseJSONList(text string) ([]rawScore, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out []rawScore
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, true
	}

	if match := jsonArrayPattern.FindString(text); match != "" {
		if err := json.Unmarshal([]byte(match), &out); err == nil {
			return out, true
		}
	}
	return nil, false
}
