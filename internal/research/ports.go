package research

import (
	"context"
	"time"
)

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	URL     string
	Title   string
	Snippet string
}

// Engine identifies which of the two configured search backends served a
// query.
type Engine string

const (
	PrimaryEngine   Engine = "primary"
	SecondaryEngine Engine = "secondary"
)

// Searcher abstracts a web search vendor. Concrete vendors are out of
// scope; callers get a test double or a thin wrapper they supply.
type Searcher interface {
	Search(ctx context.Context, engine Engine, query string, maxResults int) ([]SearchResult, error)
}

// FetchResult is a fetched page: its raw body (HTML or PDF bytes) and the
// content type the Fetcher observed, handed to an Extractor.
type FetchResult struct {
	URL         string
	ContentType string
	Raw         []byte
}

// Fetcher retrieves the raw bytes of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// ExtractedPage is what an Extractor returns for one fetched page: cleaned
// text, the entities it mentions, and the outbound links it exposes for
// the link-filter/link-scorer pipeline.
type ExtractedPage struct {
	Text     string
	Entities []ExtractedEntity
	Links    []string
}

// Extractor turns a fetched page into cleaned text, entity mentions, and
// outbound links.
type Extractor interface {
	Extract(ctx context.Context, fetched FetchResult) (ExtractedPage, error)
}

// CompletionRequest is a single-shot LLM call: a prompt and an optional
// model name.
type CompletionRequest struct {
	Prompt string
	Model  string
}

// CompletionResponse is the raw text response plus an estimated dollar
// cost.
type CompletionResponse struct {
	Text string
	Cost float64
}

// LLM abstracts a single text-completion call. No vendor SDK is wired; see
// internal/llm for the in-process test double that exercises this port.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// SessionSummary is one row of SessionStore.ListSessions.
type SessionSummary struct {
	ID            string
	Topic         string
	Status        Status
	UpdatedAt     time.Time
	EntitiesCount int
	TotalCost     float64
}

// SessionStore persists and reloads a ResearchState across activity
// boundaries (Temporal replay) and process restarts, plus narrower
// incremental writes: a single entity's verification fields and evidence,
// a worker's live counters, and a listing for external observers that
// never need the full state dump.
type SessionStore interface {
	SaveState(ctx context.Context, state *ResearchState) error
	LoadState(ctx context.Context, researchID string) (*ResearchState, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	// SaveEntity upserts entity by canonical name. The stored row is
	// replaced by entity's current snapshot: evidence is deduplicated by
	// (source_url, content) within entity, and evidence present only in the
	// previously stored row is not kept. Used by the Verifier so external
	// readers see a verdict without waiting for the orchestrator's next
	// full checkpoint.
	SaveEntity(ctx context.Context, researchID string, entity *Entity) error

	// SaveEntitiesBatch upserts a batch of entities in one transaction,
	// the orchestrator's bulk write at checkpoint boundaries.
	SaveEntitiesBatch(ctx context.Context, researchID string, entities []*Entity) error

	// UpdateWorkerMetrics is the mid-iteration checkpoint write a worker
	// issues between full state checkpoints. Last-writer-wins against the
	// orchestrator's end-of-iteration SaveState is an accepted tradeoff.
	UpdateWorkerMetrics(ctx context.Context, researchID, workerID string, pagesFetched, entitiesFound int) error
}

// DedupStore is the sole serializing point for concurrent workers: it
// answers "have I seen this before" and atomically claims "now I have".
// Implementations must make IsX/MarkX safe for concurrent callers across
// goroutines within one process and across activity retries within one
// research run.
type DedupStore interface {
	// IsURLVisited reports whether url has already been claimed for this
	// research run.
	IsURLVisited(ctx context.Context, researchID, url string) (bool, error)
	// MarkURLVisited atomically claims url for this research run. It
	// returns true if this call was the one that claimed it (i.e. the URL
	// was not already visited), false if another caller got there first.
	MarkURLVisited(ctx context.Context, researchID, url string) (claimed bool, err error)

	// IsEntityKnown reports whether canonicalName has already been
	// registered for this research run.
	IsEntityKnown(ctx context.Context, researchID, canonicalName string) (bool, error)
	// MarkEntityKnown atomically registers canonicalName, returning true if
	// this call was the one that registered it. On an already-known entity
	// the attributes are merged into the stored row ("first populated
	// wins"); the return value reports novelty, not whether a merge
	// happened.
	MarkEntityKnown(ctx context.Context, researchID, canonicalName string, attributes map[string]string) (claimed bool, err error)
}
