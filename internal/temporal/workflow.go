package temporal

import (
	"fmt"
	"sort"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/prospect/internal/planner"
	"github.com/antigravity-dev/prospect/internal/research"
	"github.com/antigravity-dev/prospect/internal/verifier"
)

// DefaultMaxIterations is used when a ResearchRequest doesn't specify one.
const DefaultMaxIterations = 20

// GapFillPageBudget bounds a short-lived gap-fill worker's single iteration,
// a small fraction of a regular worker's DefaultPageBudget since it only
// chases a handful of targeted queries for one entity.
const GapFillPageBudget = 10

const (
	planningTimeout   = 2 * time.Minute
	iterationTimeout  = 5 * time.Minute
	verifyTimeout     = 90 * time.Second
	checkpointTimeout = 30 * time.Second
	entitySaveTimeout = 15 * time.Second
)

// ResearchWorkflow drives one research run end to end:
// INIT -> PLANNING -> ITERATING (fan-out/aggregate/replan loop) ->
// VERIFYING -> FINAL. The workflow function holds the only in-process copy
// of ResearchState and is its sole writer; every Planner/Verifier/
// WorkerIteration call crosses into a durable activity and returns a
// JSON-safe delta that gets merged back here.
func ResearchWorkflow(ctx workflow.Context, req ResearchRequest) (ResearchSummary, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	// ===== INIT =====
	// workflow.GetInfo's RunID is stable across replay, unlike uuid.NewString
	// (which the research/planner packages use off the workflow thread) —
	// using it as the research ID keeps INIT deterministic.
	researchID := workflow.GetInfo(ctx).WorkflowExecution.RunID
	state := &research.ResearchState{
		ID:                  researchID,
		Topic:               req.Topic,
		Status:              research.StatusRunning,
		KnownEntities:       make(map[string]*research.Entity),
		VisitedURLs:         make(map[string]struct{}),
		Workers:             make(map[string]*research.WorkerState),
		DiscoveredCodeNames: make(map[string]struct{}),
		DiscoveredCompanies: make(map[string]struct{}),
		Plan: research.ResearchPlan{
			CurrentHypothesis: "Initial state",
			FindingsSummary:   "None",
			NextSteps:         []string{"Initial Analysis"},
		},
	}
	if err := checkpoint(ctx, a, state); err != nil {
		return ResearchSummary{}, fmt.Errorf("temporal: persisting initial state: %w", err)
	}

	// ===== PLANNING =====
	logger.Info("planning initial worker population", "topic", req.Topic)
	planCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: planningTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
	var initialPlan research.ResearchPlan
	if err := workflow.ExecuteActivity(planCtx, a.InitialPlanActivity, req.Topic).Get(ctx, &initialPlan); err != nil {
		return ResearchSummary{}, fmt.Errorf("temporal: initial planning: %w", err)
	}
	state.Plan = initialPlan
	for _, spec := range initialPlan.InitialWorkers {
		state.Workers[spec.WorkerID] = newWorkerFromStrategy(state.ID, spec)
	}
	if err := checkpoint(ctx, a, state); err != nil {
		return ResearchSummary{}, fmt.Errorf("temporal: persisting post-planning state: %w", err)
	}

	// ===== ITERATING =====
	for {
		active := state.ActiveWorkers()
		if len(active) == 0 {
			logger.Info("no active workers remain, entering verification")
			break
		}

		iterCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: iterationTimeout,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
		})
		futures := make([]workflow.Future, len(active))
		for i, w := range active {
			futures[i] = workflow.ExecuteActivity(iterCtx, a.WorkerIterationActivity, WorkerIterationInput{
				ResearchID: state.ID,
				Worker:     *w,
			})
		}

		totalNewEntities, totalPagesFetched := 0, 0
		for _, f := range futures {
			var out WorkerIterationOutput
			if err := f.Get(ctx, &out); err != nil {
				logger.Warn("worker iteration failed, dropping its contribution", "error", err)
				continue
			}
			applyWorkerResult(state, out)
			totalNewEntities += out.Result.GloballyNew
			totalPagesFetched += out.Result.PagesFetched
		}

		globalNovelty := research.GlobalNovelty(totalNewEntities, totalPagesFetched)
		state.IterationCount++

		if globalNovelty < 0.05 && state.IterationCount >= 2 {
			logger.Info("global novelty below floor, entering verification", "novelty", globalNovelty)
			if err := checkpoint(ctx, a, state); err != nil {
				return ResearchSummary{}, fmt.Errorf("temporal: persisting saturation checkpoint: %w", err)
			}
			break
		}
		if state.IterationCount >= maxIterations {
			logger.Info("max iterations reached, entering verification")
			if err := checkpoint(ctx, a, state); err != nil {
				return ResearchSummary{}, fmt.Errorf("temporal: persisting final-iteration checkpoint: %w", err)
			}
			break
		}

		planner.HarvestCodeNames(state)
		adaptCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: planningTimeout,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
		})
		var newPlan research.ResearchPlan
		if err := workflow.ExecuteActivity(adaptCtx, a.AdaptivePlanActivity, buildAdaptivePlanInput(state)).Get(ctx, &newPlan); err != nil {
			logger.Warn("adaptive planning failed, continuing with unchanged worker population", "error", err)
		} else {
			applyAdaptivePlan(state, newPlan, maxIterations)
		}

		if err := checkpoint(ctx, a, state); err != nil {
			return ResearchSummary{}, fmt.Errorf("temporal: persisting iteration %d checkpoint: %w", state.IterationCount, err)
		}
	}

	// ===== VERIFYING =====
	target, modality, stage, geography, hard, soft := constraintsFromPlan(state.Plan)
	entities := sortedEntities(state)

	verifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: verifyTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
	verifyFutures := make([]workflow.Future, len(entities))
	for i, e := range entities {
		verifyFutures[i] = workflow.ExecuteActivity(verifyCtx, a.VerifyEntityActivity, VerifyEntityInput{
			CanonicalName: e.CanonicalName,
			Aliases:       e.AliasList(),
			DrugClass:     e.DrugClass,
			ClinicalPhase: e.ClinicalPhase,
			Attributes:    e.Attributes,
			MentionCount:  e.MentionCount,
			Evidence:      e.Evidence,
			Target:        target,
			Modality:      modality,
			Stage:         stage,
			Geography:     geography,
			Hard:          hard,
			Soft:          soft,
		})
	}

	var gapFillEntities []*research.Entity
	var gapFillQueries [][]string
	for i, e := range entities {
		var out VerifyEntityOutput
		if err := verifyFutures[i].Get(ctx, &out); err != nil {
			logger.Warn("entity verification failed", "entity", e.CanonicalName, "error", err)
			continue
		}
		e.ApplyVerification(research.VerificationStatus(out.Status), out.RejectionReason, out.Confidence)
		state.AddCost(out.Cost)

		saveCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: entitySaveTimeout,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
		})
		_ = workflow.ExecuteActivity(saveCtx, a.SaveEntityActivity, SaveEntityInput{
			ResearchID: state.ID,
			Entity:     entitySnapshotFromEntity(e),
		}).Get(ctx, nil)

		if out.Status == string(verifier.Uncertain) && out.MissingPriority == verifier.PriorityP0 && len(out.MissingFields) > 0 {
			gapFillEntities = append(gapFillEntities, e)
			gapFillQueries = append(gapFillQueries, verifier.GapFillQueries(e.CanonicalName, out.MissingFields))
		}
	}

	if len(gapFillEntities) > 0 {
		logger.Info("running gap-fill pass", "entities", len(gapFillEntities))
		gapCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: iterationTimeout,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
		})
		gapFutures := make([]workflow.Future, len(gapFillEntities))
		for i, e := range gapFillEntities {
			w := &research.WorkerState{
				ID:              "gapfill-" + e.CanonicalName,
				ResearchID:      state.ID,
				Strategy:        "gap_fill",
				Queries:         gapFillQueries[i],
				Status:          research.StatusActive,
				PageBudget:      GapFillPageBudget,
				ExploredDomains: make(map[string]struct{}),
				LinkPerformance: make(map[string]*research.DomainPerf),
			}
			gapFutures[i] = workflow.ExecuteActivity(gapCtx, a.WorkerIterationActivity, WorkerIterationInput{
				ResearchID: state.ID,
				Worker:     *w,
			})
		}
		for _, f := range gapFutures {
			var out WorkerIterationOutput
			if err := f.Get(ctx, &out); err != nil {
				logger.Warn("gap-fill iteration failed", "error", err)
				continue
			}
			for _, ex := range out.Result.NewEntities {
				state.MergeEntity(ex)
			}
			state.AddCost(out.Result.Cost)
		}
	}

	// ===== FINAL =====
	state.Status = research.StatusCompleted
	if err := checkpoint(ctx, a, state); err != nil {
		return ResearchSummary{}, fmt.Errorf("temporal: persisting final state: %w", err)
	}

	return ResearchSummary{
		Topic:         state.Topic,
		ResearchID:    state.ID,
		EntitiesFound: len(state.KnownEntities),
		Iterations:    state.IterationCount,
		Status:        state.Status,
		TotalCost:     state.TotalCost,
	}, nil
}

// applyWorkerResult merges one WorkerIterationOutput into state, the
// orchestrator's aggregation step: the queue/domain-stat mutations already
// live on UpdatedWorker, while the counters, status, and query history are
// derived here from Result.
func applyWorkerResult(state *research.ResearchState, out WorkerIterationOutput) {
	res := out.Result
	w, ok := state.Workers[res.WorkerID]
	if !ok {
		// Stray result for a worker no longer tracked (e.g. killed mid-flight
		// by a prior adaptive-plan application): drop it.
		return
	}

	updated := out.UpdatedWorker
	w.PersonalQueue = updated.PersonalQueue
	w.ExploredDomains = updated.ExploredDomains
	w.LinkPerformance = updated.LinkPerformance
	w.SearchEngineHistory = updated.SearchEngineHistory

	w.PagesFetched += res.PagesFetched
	w.EntitiesFound += len(res.NewEntities)
	w.NewEntities += res.GloballyNew
	w.QueryHistory = append(w.QueryHistory, res.QueryRecord)
	w.Status = res.Status

	if res.NoveltyRate < 0.05 {
		w.ConsecutiveZeroNovelty++
	} else {
		w.ConsecutiveZeroNovelty = 0
	}

	for _, u := range res.ConsumedURLs {
		state.VisitedURLs[u] = struct{}{}
	}
	for _, link := range res.DiscoveredLinks {
		if _, seen := state.VisitedURLs[link]; seen {
			continue
		}
		state.VisitedURLs[link] = struct{}{}
		w.PersonalQueue = append(w.PersonalQueue, link)
	}

	for _, ex := range res.NewEntities {
		state.MergeEntity(ex)
	}
	state.AddCost(res.Cost)
}

// applyAdaptivePlan applies one AdaptivePlan verdict's kill/spawn/requery
// decisions to state, dropping new spawns once the run has entered its
// budget reserve.
func applyAdaptivePlan(state *research.ResearchState, newPlan research.ResearchPlan, maxIterations int) {
	for _, id := range newPlan.WorkersToKill {
		if w, ok := state.Workers[id]; ok {
			w.Status = research.StatusDeadEnd
		}
	}

	if !planner.IsInBudgetReserve(state.Plan, state.IterationCount, maxIterations) {
		for _, spec := range newPlan.InitialWorkers {
			if _, exists := state.Workers[spec.WorkerID]; exists {
				continue
			}
			state.Workers[spec.WorkerID] = newWorkerFromStrategy(state.ID, spec)
		}
	}

	for id, queries := range newPlan.UpdatedQueries {
		if w, ok := state.Workers[id]; ok {
			w.Queries = queries
		}
	}

	state.Plan.CurrentHypothesis = newPlan.CurrentHypothesis
	state.Plan.FindingsSummary = newPlan.FindingsSummary
	state.Plan.Reasoning = newPlan.Reasoning
}

// newWorkerFromStrategy builds a WorkerState from a planner spec without
// going through research.NewWorkerState, whose internal uuid.NewString call
// would be a non-deterministic operation if run directly on the workflow
// goroutine; the spec's WorkerID (itself assigned inside an activity) is
// already a stable identity.
func newWorkerFromStrategy(researchID string, spec research.InitialWorkerStrategy) *research.WorkerState {
	budget := spec.PageBudget
	if budget <= 0 {
		budget = planner.DefaultPageBudget
	}
	return &research.WorkerState{
		ID:              spec.WorkerID,
		ResearchID:      researchID,
		Strategy:        spec.Strategy,
		Queries:         spec.ExampleQueries,
		Status:          research.StatusActive,
		PageBudget:      budget,
		ExploredDomains: make(map[string]struct{}),
		LinkPerformance: make(map[string]*research.DomainPerf),
	}
}

// buildAdaptivePlanInput flattens the parts of state Planner.AdaptivePlan
// needs. DiscoveredCodeNames must already be harvested via
// planner.HarvestCodeNames against the real entities before calling this —
// AdaptivePlanActivity reconstructs a throwaway state from this snapshot
// whose entities are placeholders, so it cannot harvest code names itself.
func buildAdaptivePlanInput(state *research.ResearchState) AdaptivePlanInput {
	codeNames := make([]string, 0, len(state.DiscoveredCodeNames))
	for n := range state.DiscoveredCodeNames {
		codeNames = append(codeNames, n)
	}
	sort.Strings(codeNames)

	return AdaptivePlanInput{
		Topic:               state.Topic,
		IterationCount:      state.IterationCount,
		CurrentHypothesis:   state.Plan.CurrentHypothesis,
		BudgetReservePct:    state.Plan.BudgetReservePct,
		KnownEntitiesCount:  len(state.KnownEntities),
		DiscoveredCodeNames: codeNames,
		Workers:             state.Workers,
	}
}

// entitySnapshotFromEntity flattens e into the shape that crosses the
// SaveEntityActivity boundary, mirroring internal/store's entityToSnapshot.
func entitySnapshotFromEntity(e *research.Entity) EntitySnapshot {
	return EntitySnapshot{
		CanonicalName:      e.CanonicalName,
		Aliases:            e.AliasList(),
		DrugClass:          e.DrugClass,
		ClinicalPhase:      e.ClinicalPhase,
		Attributes:         e.Attributes,
		Evidence:           e.Evidence,
		MentionCount:       e.MentionCount,
		VerificationStatus: e.VerificationStatus,
		RejectionReason:    e.RejectionReason,
		ConfidenceScore:    e.ConfidenceScore,
	}
}

// sortedEntities returns state's known entities in a stable, canonical-name
// order: ranging over KnownEntities directly would make the sequence of
// VerifyEntityActivity calls depend on Go's randomized map iteration order,
// which would break workflow replay determinism.
func sortedEntities(state *research.ResearchState) []*research.Entity {
	names := make([]string, 0, len(state.KnownEntities))
	for name := range state.KnownEntities {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*research.Entity, len(names))
	for i, name := range names {
		out[i] = state.KnownEntities[name]
	}
	return out
}

// constraintsFromPlan recovers the verifier-facing constraint fields from
// the planner's free-form query_analysis map.
func constraintsFromPlan(plan research.ResearchPlan) (target, modality, stage, geography string, hard, soft []string) {
	qa := plan.QueryAnalysis
	target, _ = qa["target"].(string)
	modality, _ = qa["modality"].(string)
	stage, _ = qa["stage"].(string)
	geography, _ = qa["geography"].(string)
	hard = stringSliceFromAny(qa["hard_constraints"])
	soft = stringSliceFromAny(qa["soft_constraints"])
	return
}

func stringSliceFromAny(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// checkpoint persists the workflow's full ResearchState via SaveStateActivity.
func checkpoint(ctx workflow.Context, a *Activities, state *research.ResearchState) error {
	snapshots := make([]EntitySnapshot, 0, len(state.KnownEntities))
	for _, name := range sortedEntityNames(state) {
		snapshots = append(snapshots, entitySnapshotFromEntity(state.KnownEntities[name]))
	}

	in := SaveStateInput{
		ID:             state.ID,
		Topic:          state.Topic,
		Status:         state.Status,
		Workers:        state.Workers,
		Plan:           state.Plan,
		IterationCount: state.IterationCount,
		Logs:           state.Logs,
		TotalCost:      state.TotalCost,
		Entities:       snapshots,
	}

	cctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: checkpointTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	return workflow.ExecuteActivity(cctx, a.SaveStateActivity, in).Get(ctx, nil)
}

func sortedEntityNames(state *research.ResearchState) []string {
	names := make([]string, 0, len(state.KnownEntities))
	for name := range state.KnownEntities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
