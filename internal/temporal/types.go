// Package temporal wires the discovery engine's orchestrator state machine
// onto a Temporal workflow: every WorkerIteration, Planner call, and
// Verifier call runs as a durable activity, with the workflow function
// itself holding the only in-process copy of the ResearchState.
//
// Every worker iteration for the currently-active worker population is
// fanned out via futures and awaited together, rather than run as
// sequential child workflows.
package temporal

import "github.com/antigravity-dev/prospect/internal/research"

// ResearchRequest starts a ResearchWorkflow run.
type ResearchRequest struct {
	Topic         string `json:"topic"`
	MaxIterations int    `json:"max_iterations"` // 0 means use DefaultMaxIterations
}

// ResearchSummary is the workflow's terminal result.
type ResearchSummary struct {
	Topic         string          `json:"topic"`
	ResearchID    string          `json:"research_id"`
	EntitiesFound int             `json:"entities_found"`
	Iterations    int             `json:"iterations"`
	Status        research.Status `json:"status"`
	TotalCost     float64         `json:"total_cost"`
}

// WorkerIterationInput is what WorkerIterationActivity receives: the
// research ID and a value-copy of the worker's state. The activity runs
// worker.RunIteration against a local pointer to this copy and hands back
// both the resulting delta and the mutated copy, since the workflow — not
// the activity — is the sole writer of ResearchState.
type WorkerIterationInput struct {
	ResearchID string               `json:"research_id"`
	Worker     research.WorkerState `json:"worker"`
}

// WorkerIterationOutput carries a worker iteration's result delta plus the
// worker's updated local state (queues, explored domains, counters) back
// to the workflow for explicit merging into ResearchState.Workers.
type WorkerIterationOutput struct {
	Result        WorkerResult         `json:"result"`
	UpdatedWorker research.WorkerState `json:"updated_worker"`
}

// WorkerResult is the JSON-safe shape of worker.Result: Temporal activities
// marshal every argument and return value through the configured
// DataConverter, so the workflow-visible result type lives here rather
// than importing internal/worker's, keeping the orchestrator decoupled
// from the worker package's internal plumbing.
type WorkerResult struct {
	WorkerID     string                     `json:"worker_id"`
	PagesFetched int                        `json:"pages_fetched"`
	NewEntities  []research.ExtractedEntity `json:"new_entities"`

	// GloballyNew counts the subset of NewEntities whose MarkEntityKnown
	// claim succeeded: mentions of an entity some other worker already
	// registered still appear in NewEntities (their evidence matters) but
	// don't count toward novelty.
	GloballyNew     int      `json:"globally_new"`
	DiscoveredLinks []string `json:"discovered_links"`
	ConsumedURLs    []string                   `json:"consumed_urls"`
	NoveltyRate     float64                    `json:"novelty_rate"`
	Status          research.WorkerStatus      `json:"status"`
	QueryRecord     research.QueryRecord       `json:"query_record"`
	SearchEngine    research.Engine            `json:"search_engine"`
	Cost            float64                    `json:"cost"`
}

// AdaptivePlanInput summarizes enough of ResearchState for Planner.AdaptivePlan
// to make kill/spawn/requery decisions, without marshaling the full
// ResearchState (whose VisitedURLs/DiscoveredCodeNames/DiscoveredCompanies
// sets, and Entity.Aliases sets, are process-local map[string]struct{}
// fields that don't round-trip through JSON).
type AdaptivePlanInput struct {
	Topic               string                           `json:"topic"`
	IterationCount      int                              `json:"iteration_count"`
	CurrentHypothesis   string                            `json:"current_hypothesis"`
	BudgetReservePct    float64                           `json:"budget_reserve_pct"`
	KnownEntitiesCount  int                               `json:"known_entities_count"`
	DiscoveredCodeNames []string                          `json:"discovered_code_names"`
	Workers             map[string]*research.WorkerState `json:"workers"`
}

// VerifyEntityInput carries one entity's exported fields across the
// activity boundary, reconstructed into a *research.Entity on the other
// side — Entity.Aliases is a process-local map[string]struct{} (json:"-")
// and doesn't survive marshaling directly.
type VerifyEntityInput struct {
	CanonicalName string                     `json:"canonical_name"`
	Aliases       []string                   `json:"aliases"`
	DrugClass     string                     `json:"drug_class"`
	ClinicalPhase string                     `json:"clinical_phase"`
	Attributes    map[string]string          `json:"attributes"`
	MentionCount  int                        `json:"mention_count"`
	Evidence      []research.EvidenceSnippet `json:"evidence"`
	Target        string                     `json:"target"`
	Modality      string                     `json:"modality"`
	Stage         string                     `json:"stage"`
	Geography     string                     `json:"geography"`
	Hard          []string                   `json:"hard"`
	Soft          []string                   `json:"soft"`
}

// VerifyEntityOutput is VerifyEntityActivity's return value.
type VerifyEntityOutput struct {
	CanonicalName   string   `json:"canonical_name"`
	Status          string   `json:"status"`
	RejectionReason string   `json:"rejection_reason"`
	MissingFields   []string `json:"missing_fields"`
	MissingPriority string   `json:"missing_priority"`
	Confidence      float64  `json:"confidence"`
	Explanation     string   `json:"explanation"`
	Cost            float64  `json:"cost"`
}

// EntitySnapshot is the JSON-safe, flattened shape of a research.Entity,
// used anywhere an Entity needs to cross an activity boundary: its Aliases
// field is a process-local map[string]struct{} (json:"-") and does not
// round-trip through the Temporal DataConverter directly.
type EntitySnapshot struct {
	CanonicalName      string                      `json:"canonical_name"`
	Aliases            []string                    `json:"aliases"`
	DrugClass          string                      `json:"drug_class"`
	ClinicalPhase      string                      `json:"clinical_phase"`
	Attributes         map[string]string           `json:"attributes"`
	Evidence           []research.EvidenceSnippet  `json:"evidence"`
	MentionCount       int                         `json:"mention_count"`
	VerificationStatus research.VerificationStatus `json:"verification_status"`
	RejectionReason    string                      `json:"rejection_reason"`
	ConfidenceScore    float64                     `json:"confidence_score"`
}

// SaveEntityInput is SaveEntityActivity's argument.
type SaveEntityInput struct {
	ResearchID string         `json:"research_id"`
	Entity     EntitySnapshot `json:"entity"`
}

// SaveStateInput is SaveStateActivity's argument: a flattened checkpoint of
// ResearchState, sidestepping the same json:"-" fields EntitySnapshot
// exists to avoid.
type SaveStateInput struct {
	ID             string                           `json:"id"`
	Topic          string                           `json:"topic"`
	Status         research.Status                  `json:"status"`
	Workers        map[string]*research.WorkerState `json:"workers"`
	Plan           research.ResearchPlan            `json:"plan"`
	IterationCount int                              `json:"iteration_count"`
	Logs           []string                         `json:"logs"`
	TotalCost      float64                          `json:"total_cost"`
	Entities       []EntitySnapshot                 `json:"entities"`
}
