// Package planner turns a research topic (and, later, the accumulated
// research state) into a ResearchPlan: an initial worker-spawn strategy up
// front, and kill/spawn/requery decisions on every subsequent iteration.
//
// The JSON-extraction helpers strip code fences first, then fall back to
// brace/bracket-depth counting over the raw text so a chatty model
// response doesn't break the contract.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-dev/prospect/internal/research"
)

// DefaultPageBudget is the per-worker page budget used when a worker spec
// doesn't specify one, matching the original's WORKER_PAGE_BUDGET default.
const DefaultPageBudget = 50

// DefaultBudgetReservePct is the fraction of MAX_ITERATIONS reserved for
// gap-filling rather than new speculative workers, matching the original's
// BUDGET_RESERVE_PCT default.
const DefaultBudgetReservePct = 0.6

// codeNamePattern matches alphanumeric compound code names such as
// "BMS-986158" or "ABC-1234", harvested from entity aliases before every
// adaptive-plan call.
var codeNamePattern = regexp.MustCompile(`^[A-Z]{2,4}-\d{4,6}$`)

// Planner calls an LLM to produce initial and adaptive research plans.
type Planner struct {
	llm research.LLM
}

// New returns a Planner backed by llm.
func New(llm research.LLM) *Planner {
	return &Planner{llm: llm}
}

const initialPlanningPrompt = `You are an expert research planner. Decompose the following research topic into a structured plan.

Topic: %s

Respond with a JSON object with this exact shape:
{
  "query_analysis": {"target": "...", "modality": "...", "stage": "..."},
  "synonyms": {"target": ["...", "..."]},
  "initial_workers": [
    {"worker_id": "worker_1", "strategy": "broad_english", "strategy_description": "...", "example_queries": ["..."], "page_budget": 50}
  ],
  "budget_reserve_pct": 0.6,
  "reasoning": "..."
}`

// InitialPlan generates the opening ResearchPlan for topic. On any
// parse/LLM failure it returns the original's documented fallback: a
// single broad_fallback worker seeded with the topic itself, so a research
// run never stalls at the planning stage.
func (p *Planner) InitialPlan(ctx context.Context, topic string) research.ResearchPlan {
	prompt := fmt.Sprintf(initialPlanningPrompt, topic)
	resp, err := p.llm.Complete(ctx, research.CompletionRequest{Prompt: prompt})
	if err != nil {
		return fallbackPlan(topic, err)
	}

	raw := extractJSON(resp.Text)
	var parsed struct {
		QueryAnalysis    map[string]any `json:"query_analysis"`
		Synonyms         map[string][]string `json:"synonyms"`
		InitialWorkers   []research.InitialWorkerStrategy `json:"initial_workers"`
		BudgetReservePct float64             `json:"budget_reserve_pct"`
		Reasoning        string              `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fallbackPlan(topic, err)
	}

	for i := range parsed.InitialWorkers {
		if parsed.InitialWorkers[i].WorkerID == "" {
			parsed.InitialWorkers[i].WorkerID = uuid.NewString()
		}
		if parsed.InitialWorkers[i].PageBudget == 0 {
			parsed.InitialWorkers[i].PageBudget = DefaultPageBudget
		}
	}
	budgetReserve := parsed.BudgetReservePct
	if budgetReserve == 0 {
		budgetReserve = DefaultBudgetReservePct
	}

	nextSteps := make([]string, 0, len(parsed.InitialWorkers))
	for _, w := range parsed.InitialWorkers {
		nextSteps = append(nextSteps, w.StrategyDescription)
	}

	return research.ResearchPlan{
		QueryAnalysis:     parsed.QueryAnalysis,
		Synonyms:          parsed.Synonyms,
		InitialWorkers:    parsed.InitialWorkers,
		BudgetReservePct:  budgetReserve,
		Reasoning:         parsed.Reasoning,
		CurrentHypothesis: fmt.Sprintf("Planning for %s", topic),
		FindingsSummary:   "Expert planning executed successfully.",
		NextSteps:         nextSteps,
	}
}

// fallbackPlan is the deterministic plan used when planning fails,
// grounded verbatim on workflow_planning.py's exception path.
func fallbackPlan(topic string, cause error) research.ResearchPlan {
	fallbackWorker := research.InitialWorkerStrategy{
		WorkerID:            "worker_1",
		Strategy:            "broad_fallback",
		StrategyDescription: "Broad search due to planning failure",
		ExampleQueries:      []string{topic},
		PageBudget:          30,
	}
	return research.ResearchPlan{
		QueryAnalysis:     map[string]any{"target": "Unknown", "error": cause.Error()},
		InitialWorkers:    []research.InitialWorkerStrategy{fallbackWorker},
		BudgetReservePct:  0.5,
		Reasoning:         "Fallback due to JSON parsing error in planning.",
		CurrentHypothesis: "Fallback Plan",
		FindingsSummary:   fmt.Sprintf("Error parsing plan: %v", cause),
	}
}

const adaptivePlanningPrompt = `You are an expert research planner reviewing progress on an ongoing research run.

Topic: %s
Iteration: %d
Known entities so far: %d
Discovered code names: %s
Worker summaries:
%s

Budget status: %s

Decide which workers are unproductive and should be killed, which new
workers (if any, subject to budget status) should be spawned, and whether
any existing worker's queries should change.

Respond with a JSON object with this exact shape:
{
  "workers_to_kill": ["worker_id", ...],
  "initial_workers": [{"worker_id": "...", "strategy": "...", "strategy_description": "...", "example_queries": ["..."], "page_budget": 50}],
  "updated_queries": {"worker_id": ["new query", ...]},
  "reasoning": "..."
}`

// AdaptivePlan updates the plan given the current accumulated state. It
// first harvests code-name-shaped aliases into state.DiscoveredCodeNames,
// then asks the LLM for kill/spawn/requery decisions. On failure it
// degrades to a no-op plan
// that keeps every active worker running unchanged, rather than stalling
// the orchestrator.
func (p *Planner) AdaptivePlan(ctx context.Context, state *research.ResearchState) research.ResearchPlan {
	HarvestCodeNames(state)

	budgetStatus := "workers may be freely spawned or retired"
	prompt := fmt.Sprintf(adaptivePlanningPrompt,
		state.Topic,
		state.IterationCount,
		len(state.KnownEntities),
		strings.Join(codeNameList(state), ", "),
		summarizeWorkers(state),
		budgetStatus,
	)

	resp, err := p.llm.Complete(ctx, research.CompletionRequest{Prompt: prompt})
	if err != nil {
		return noopPlan(state)
	}

	raw := extractJSON(resp.Text)
	var parsed struct {
		WorkersToKill  []string            `json:"workers_to_kill"`
		InitialWorkers []research.InitialWorkerStrategy `json:"initial_workers"`
		UpdatedQueries map[string][]string `json:"updated_queries"`
		Reasoning      string              `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return noopPlan(state)
	}

	for i := range parsed.InitialWorkers {
		if parsed.InitialWorkers[i].WorkerID == "" {
			parsed.InitialWorkers[i].WorkerID = uuid.NewString()
		}
		if parsed.InitialWorkers[i].PageBudget == 0 {
			parsed.InitialWorkers[i].PageBudget = DefaultPageBudget
		}
	}

	return research.ResearchPlan{
		WorkersToKill:     parsed.WorkersToKill,
		InitialWorkers:    parsed.InitialWorkers,
		UpdatedQueries:    parsed.UpdatedQueries,
		Reasoning:         parsed.Reasoning,
		CurrentHypothesis: state.Plan.CurrentHypothesis,
		FindingsSummary:   fmt.Sprintf("%d entities known after iteration %d", len(state.KnownEntities), state.IterationCount),
		BudgetReservePct:  state.Plan.BudgetReservePct,
	}
}

func noopPlan(state *research.ResearchState) research.ResearchPlan {
	return research.ResearchPlan{
		CurrentHypothesis: state.Plan.CurrentHypothesis,
		FindingsSummary:   "Adaptive planning failed; continuing with current workers unchanged.",
		BudgetReservePct:  state.Plan.BudgetReservePct,
	}
}

// HarvestCodeNames scans every known entity's aliases for compound-code
// patterns (e.g. "BMS-986158") and records them on the state, so the
// adaptive planner can reference discovered code names as a signal of
// coverage.
func HarvestCodeNames(state *research.ResearchState) {
	for _, entity := range state.KnownEntities {
		for alias := range entity.Aliases {
			if codeNamePattern.MatchString(alias) {
				state.DiscoveredCodeNames[alias] = struct{}{}
			}
		}
	}
}

func codeNameList(state *research.ResearchState) []string {
	names := make([]string, 0, len(state.DiscoveredCodeNames))
	for n := range state.DiscoveredCodeNames {
		names = append(names, n)
	}
	return names
}

func summarizeWorkers(state *research.ResearchState) string {
	var b strings.Builder
	for _, w := range state.ActiveWorkers() {
		fmt.Fprintf(&b, "- %s (%s): %d pages, %d new entities\n", w.ID, w.Status, w.PagesFetched, w.NewEntities)
	}
	if b.Len() == 0 {
		return "(no active workers)"
	}
	return b.String()
}

// IsInBudgetReserve reports whether the orchestrator has crossed into the
// reserved tail of its iteration budget: once iteration_count passes
// (1-budget_reserve_pct)*maxIterations, only gap-filling/continuation is in
// scope, not new speculative workers.
func IsInBudgetReserve(plan research.ResearchPlan, iterationCount, maxIterations int) bool {
	if maxIterations <= 0 {
		return false
	}
	threshold := float64(maxIterations) * (1 - plan.BudgetReservePct)
	return float64(iterationCount) >= threshold
}

// extractJSON recovers a JSON object from a possibly-fenced, possibly
// chatty LLM response: strip a ```json fence, then a bare ``` fence, then
// fall back to brace-depth counting over the raw text.
func extractJSON(text string) string {
	if fenced, ok := extractFenced(text, "```json"); ok {
		return fenced
	}
	if fenced, ok := extractFenced(text, "```"); ok && strings.Contains(fenced, "{") {
		return fenced
	}
	return extractBalanced(text, '{', '}')
}

func extractFenced(text, fence string) (string, bool) {
	idx := strings.Index(text, fence)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func extractBalanced(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return strings.TrimSpace(text)
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return strings.TrimSpace(text[start:])
}
