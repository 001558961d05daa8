// Package research defines the shared domain types and port interfaces for
// the discovery engine: entities, worker state, the strategic plan, and the
// global research state the orchestrator threads through every iteration.
package research

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EvidenceSnippet is a verbatim excerpt backing an entity, tied to its source.
type EvidenceSnippet struct {
	SourceURL string    `json:"source_url"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// key returns the (source_url, content) dedup key for this snippet.
func (e EvidenceSnippet) key() string {
	return e.SourceURL + "\x00" + e.Content
}

// VerificationStatus is the Verifier's verdict for an Entity.
type VerificationStatus string

const (
	Unverified VerificationStatus = "UNVERIFIED"
	Verified   VerificationStatus = "VERIFIED"
	Uncertain  VerificationStatus = "UNCERTAIN"
	Rejected   VerificationStatus = "REJECTED"
)

// Entity is a discovered subject of research: a canonical name, the raw
// aliases it was found under, a flexible attribute bag, and the evidence
// that backs it.
type Entity struct {
	CanonicalName  string            `json:"canonical_name"`
	Aliases        map[string]struct{} `json:"-"`
	DrugClass      string            `json:"drug_class,omitempty"`
	ClinicalPhase  string            `json:"clinical_phase,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Evidence       []EvidenceSnippet `json:"evidence,omitempty"`
	MentionCount   int               `json:"mention_count"`

	// VerificationStatus, RejectionReason, and ConfidenceScore are written
	// once by the Verifier's post-discovery pass; they sit at
	// UNVERIFIED/empty/0 for the entire discovery loop.
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	RejectionReason     string             `json:"rejection_reason,omitempty"`
	ConfidenceScore      float64            `json:"confidence_score,omitempty"`
}

// ApplyVerification records a Verifier verdict onto the entity, the single
// write path for the three verification fields.
func (e *Entity) ApplyVerification(status VerificationStatus, rejectionReason string, confidence float64) {
	e.VerificationStatus = status
	e.RejectionReason = rejectionReason
	e.ConfidenceScore = confidence
}

// NewEntity returns an Entity with its maps initialized.
func NewEntity(canonicalName string) *Entity {
	return &Entity{
		CanonicalName:       canonicalName,
		Aliases:             make(map[string]struct{}),
		Attributes:          make(map[string]string),
		VerificationStatus:  Unverified,
	}
}

// AliasList returns the entity's aliases sorted for deterministic output.
func (e *Entity) AliasList() []string {
	out := make([]string, 0, len(e.Aliases))
	for a := range e.Aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AddAlias records a raw alias, suppressing the case where the alias equals
// the canonical name (the alias carries no information in that case).
func (e *Entity) AddAlias(alias string) {
	alias = strings.TrimSpace(alias)
	if alias == "" || alias == e.CanonicalName {
		return
	}
	if e.Aliases == nil {
		e.Aliases = make(map[string]struct{})
	}
	e.Aliases[alias] = struct{}{}
}

// AddEvidence appends a snippet, deduplicating by (source_url, content).
func (e *Entity) AddEvidence(snippets ...EvidenceSnippet) {
	seen := make(map[string]struct{}, len(e.Evidence))
	for _, s := range e.Evidence {
		seen[s.key()] = struct{}{}
	}
	for _, s := range snippets {
		k := s.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		e.Evidence = append(e.Evidence, s)
	}
}

// MergeAttribute applies "first populated wins": an attribute already set to
// a real value is never overwritten by a later, possibly-conflicting
// extraction. "Unknown" (any case) counts as not populated: an incoming
// "Unknown" is ignored, and a stored "Unknown" may be filled in.
func (e *Entity) MergeAttribute(key, value string) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "unknown") {
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	if existing, ok := e.Attributes[key]; ok {
		existing = strings.TrimSpace(existing)
		if existing != "" && !strings.EqualFold(existing, "unknown") {
			return
		}
	}
	e.Attributes[key] = value
}

// ExtractedEntity is the shape an Extractor hands back to WorkerIteration
// for one mention of an entity found on a page.
type ExtractedEntity struct {
	Canonical     string
	Alias         string
	DrugClass     string
	ClinicalPhase string
	Attributes    map[string]string
	Evidence      []EvidenceSnippet
}

// WorkerStatus is the lifecycle state of a WorkerState.
type WorkerStatus string

const (
	StatusActive     WorkerStatus = "ACTIVE"
	StatusProductive WorkerStatus = "PRODUCTIVE"
	StatusDeclining  WorkerStatus = "DECLINING"
	StatusExhausted  WorkerStatus = "EXHAUSTED"
	StatusDeadEnd    WorkerStatus = "DEAD_END"
)

// QueryRecord tracks one query execution for a worker across iterations,
// used both for novelty analysis and round-robin cycling.
type QueryRecord struct {
	Query        string `json:"query"`
	Iteration    int    `json:"iteration"`
	ResultsCount int    `json:"results_count"`
	NewEntities  int    `json:"new_entities"`
}

// DomainPerf is a per-domain counter pair used by the adaptive link-yield
// heuristic in internal/worker.
type DomainPerf struct {
	LinksAdded    int `json:"links_added"`
	EntitiesFound int `json:"entities_found"`
}

// Yield returns entities_found/links_added, or 0 if no links have been
// added yet (avoids a divide-by-zero in the scoring adjustment).
func (d DomainPerf) Yield() float64 {
	if d.LinksAdded == 0 {
		return 0
	}
	return float64(d.EntitiesFound) / float64(d.LinksAdded)
}

// Netloc returns the lowercase host of rawURL, or "" if it doesn't parse.
func Netloc(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// WorkerState tracks one search worker's strategy, queues, and metrics.
type WorkerState struct {
	ID             string        `json:"id"`
	ResearchID     string        `json:"research_id"`
	Strategy       string        `json:"strategy"`
	Queries        []string      `json:"queries"`
	Status         WorkerStatus  `json:"status"`
	PagesFetched   int           `json:"pages_fetched"`
	EntitiesFound  int           `json:"entities_found"`
	NewEntities    int           `json:"new_entities"`
	PageBudget     int           `json:"page_budget"`
	PersonalQueue  []string      `json:"personal_queue"`
	QueryHistory   []QueryRecord `json:"query_history"`

	// SearchEngineHistory records which of the two search engines (primary,
	// "perplexity"-shaped; secondary, "tavily"-shaped) served each query.
	SearchEngineHistory []string `json:"search_engine_history"`

	// ExploredDomains is the set of netlocs this worker has already
	// fetched from, used to prefer domain-diverse entries when topping up
	// the url queue from PersonalQueue.
	ExploredDomains map[string]struct{} `json:"explored_domains,omitempty"`

	// LinkPerformance tracks links_added/entities_found per domain,
	// driving the adaptive link-scoring adjustment.
	LinkPerformance map[string]*DomainPerf `json:"link_performance,omitempty"`

	// ConsecutiveZeroNovelty counts how many iterations in a row this
	// worker produced zero new entities, feeding the planner's kill
	// criterion: novelty < 0.05 for two consecutive iterations with an
	// empty personal queue.
	ConsecutiveZeroNovelty int `json:"consecutive_zero_novelty"`
}

// NewWorkerState constructs a worker in ACTIVE status from a spawn strategy.
func NewWorkerState(researchID, strategy string, queries []string, pageBudget int) *WorkerState {
	return &WorkerState{
		ID:              uuid.NewString(),
		ResearchID:      researchID,
		Strategy:        strategy,
		Queries:         queries,
		Status:          StatusActive,
		PageBudget:      pageBudget,
		ExploredDomains: make(map[string]struct{}),
		LinkPerformance: make(map[string]*DomainPerf),
	}
}

// NextQuery returns the round-robin query this worker should run:
// iteration_index = pages_fetched // page_budget,
// query_index = iteration_index % len(queries).
func (w *WorkerState) NextQuery() (query string, iterationIndex int) {
	budget := w.PageBudget
	if budget <= 0 {
		budget = 1
	}
	iterationIndex = w.PagesFetched / budget
	if len(w.Queries) == 0 {
		return w.Strategy, iterationIndex
	}
	queryIndex := iterationIndex % len(w.Queries)
	return w.Queries[queryIndex], iterationIndex
}

// IsJoinable reports whether this worker should be scheduled for another
// iteration (mirrors the orchestrator's active-worker filter).
func (w *WorkerState) IsJoinable() bool {
	switch w.Status {
	case StatusActive, StatusProductive, StatusDeclining:
		return true
	default:
		return false
	}
}

// Gap describes a missing piece of coverage the planner wants addressed.
type Gap struct {
	Description string `json:"description"`
	Priority    string `json:"priority"` // low, medium, high
	Reasoning   string `json:"reasoning"`
}

// InitialWorkerStrategy is one worker spawn configuration from the planner.
type InitialWorkerStrategy struct {
	WorkerID            string   `json:"worker_id"`
	Strategy            string   `json:"strategy"`
	StrategyDescription string   `json:"strategy_description"`
	ExampleQueries      []string `json:"example_queries"`
	PageBudget          int      `json:"page_budget"`
}

// ResearchPlan is the strategic plan: the planner's analysis of the query,
// the initial or adaptive worker configuration, and (on adaptive calls)
// kill/spawn/requery decisions.
type ResearchPlan struct {
	QueryAnalysis    map[string]any      `json:"query_analysis,omitempty"`
	Synonyms         map[string][]string `json:"synonyms,omitempty"`
	InitialWorkers   []InitialWorkerStrategy `json:"initial_workers"`
	BudgetReservePct float64             `json:"budget_reserve_pct"`
	Reasoning        string              `json:"reasoning"`

	CurrentHypothesis string `json:"current_hypothesis"`
	FindingsSummary   string `json:"findings_summary"`
	Gaps              []Gap  `json:"gaps,omitempty"`
	NextSteps         []string `json:"next_steps,omitempty"`

	WorkersToKill  []string            `json:"workers_to_kill,omitempty"`
	UpdatedQueries map[string][]string `json:"updated_queries,omitempty"`
}

// Status is the orchestrator's lifecycle phase for one research run.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ResearchState is the global, orchestrator-owned state for one research
// run: the known-entity knowledge base, worker roster, strategic plan, and
// discovery bookkeeping used for adaptive gap analysis.
type ResearchState struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Status Status `json:"status"`

	KnownEntities map[string]*Entity     `json:"known_entities"`
	VisitedURLs   map[string]struct{}    `json:"-"`
	Workers       map[string]*WorkerState `json:"workers"`
	Plan          ResearchPlan           `json:"plan"`

	IterationCount int      `json:"iteration_count"`
	Logs           []string `json:"logs"`

	DiscoveredCodeNames map[string]struct{} `json:"-"`
	DiscoveredCompanies map[string]struct{} `json:"-"`
	HighValueURLs       []string            `json:"high_value_urls,omitempty"`

	// TotalCost accumulates every CompletionResponse.Cost spent on this run,
	// across planning, adaptive replanning, and verification calls.
	TotalCost float64 `json:"total_cost"`

	mu sync.Mutex
}

// AddCost accumulates an LLM call's observed dollar cost onto the run total.
func (s *ResearchState) AddCost(cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalCost += cost
}

// NewResearchState initializes a fresh research state for topic, with
// Status set to StatusInitialized.
func NewResearchState(topic string) *ResearchState {
	return &ResearchState{
		ID:                  uuid.NewString(),
		Topic:               topic,
		Status:              StatusInitialized,
		KnownEntities:       make(map[string]*Entity),
		VisitedURLs:         make(map[string]struct{}),
		Workers:             make(map[string]*WorkerState),
		DiscoveredCodeNames: make(map[string]struct{}),
		DiscoveredCompanies: make(map[string]struct{}),
		Plan: ResearchPlan{
			CurrentHypothesis: "Initial state",
			FindingsSummary:   "None",
			NextSteps:         []string{"Initial Analysis"},
		},
	}
}

// Log appends a timestamped progress line, mirroring the original's
// state.logs accumulator. Only the orchestrator calls this, so no locking
// is required beyond what MergeEntity already needs.
func (s *ResearchState) Log(msg string) {
	s.Logs = append(s.Logs, msg)
}

// ActiveWorkers returns the workers eligible to run another iteration.
func (s *ResearchState) ActiveWorkers() []*WorkerState {
	out := make([]*WorkerState, 0, len(s.Workers))
	ids := make([]string, 0, len(s.Workers))
	for id := range s.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := s.Workers[id]
		if w.IsJoinable() {
			out = append(out, w)
		}
	}
	return out
}

// MergeEntity folds one extracted mention into the knowledge base. This is
// the orchestrator's sole mutator of known entities: "first populated wins"
// for scalar attributes, union for aliases, dedup-by-(source_url,content)
// for evidence, and a monotonic mention_count increment.
func (s *ResearchState) MergeEntity(ex ExtractedEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.KnownEntities[ex.Canonical]
	if !ok {
		entity = NewEntity(ex.Canonical)
		s.KnownEntities[ex.Canonical] = entity
	}
	entity.MentionCount++
	entity.AddAlias(ex.Alias)
	if entity.DrugClass == "" {
		entity.DrugClass = ex.DrugClass
	}
	if entity.ClinicalPhase == "" {
		entity.ClinicalPhase = ex.ClinicalPhase
	}
	for k, v := range ex.Attributes {
		entity.MergeAttribute(k, v)
	}
	entity.AddEvidence(ex.Evidence...)
}

// GlobalNovelty computes the fan-in stopping metric: new entities found this
// iteration divided by pages fetched this iteration (floor of 1 page).
func GlobalNovelty(newEntities, pagesFetched int) float64 {
	if pagesFetched < 1 {
		pagesFetched = 1
	}
	return float64(newEntities) / float64(pagesFetched)
}

// codeNamePattern-shaped aliases (e.g. "BMS-986158", "ABC-1234") are
// harvested into DiscoveredCodeNames before every adaptive-plan call; see
// internal/planner for the regex and call site.
