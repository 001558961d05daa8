package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/antigravity-dev/prospect/internal/planner"
	"github.com/antigravity-dev/prospect/internal/research"
	"github.com/antigravity-dev/prospect/internal/verifier"
	"github.com/antigravity-dev/prospect/internal/worker"
)

// Activities holds the dependencies every discovery-engine activity method
// needs: the worker pipeline's ports, the planner/verifier LLM callers, and
// the session store. One Activities value is shared by every workflow
// execution a worker process handles — it is stateless beyond its
// dependencies.
type Activities struct {
	WorkerDeps worker.Deps
	Planner    *planner.Planner
	Verifier   *verifier.Verifier
	Store      research.SessionStore
}

// WorkerIterationActivity runs one worker.RunIteration against a
// value-copy of the worker's state. The copy is mutated locally and
// returned alongside the result delta so the workflow can explicitly merge
// both into its own ResearchState.Workers entry.
func (a *Activities) WorkerIterationActivity(ctx context.Context, in WorkerIterationInput) (WorkerIterationOutput, error) {
	logger := activity.GetLogger(ctx)
	w := in.Worker

	result, err := worker.RunIteration(ctx, a.WorkerDeps, in.ResearchID, &w)
	if err != nil {
		return WorkerIterationOutput{}, fmt.Errorf("temporal: worker iteration for %s: %w", w.ID, err)
	}

	logger.Info("worker iteration complete",
		"worker_id", w.ID,
		"pages_fetched", result.PagesFetched,
		"new_entities", len(result.NewEntities),
		"globally_new", result.GloballyNew,
		"novelty_rate", result.NoveltyRate,
	)

	return WorkerIterationOutput{
		Result: WorkerResult{
			WorkerID:        result.WorkerID,
			PagesFetched:    result.PagesFetched,
			NewEntities:     result.NewEntities,
			GloballyNew:     result.GloballyNew,
			DiscoveredLinks: result.DiscoveredLinks,
			ConsumedURLs:    result.ConsumedURLs,
			NoveltyRate:     result.NoveltyRate,
			Status:          result.Status,
			QueryRecord:     result.QueryRecord,
			SearchEngine:    result.SearchEngine,
			Cost:            result.Cost,
		},
		UpdatedWorker: w,
	}, nil
}

// InitialPlanActivity runs Planner.InitialPlan for topic.
func (a *Activities) InitialPlanActivity(ctx context.Context, topic string) (research.ResearchPlan, error) {
	return a.Planner.InitialPlan(ctx, topic), nil
}

// AdaptivePlanActivity reconstructs a throwaway ResearchState from in (only
// the fields Planner.AdaptivePlan actually reads: topic, iteration count,
// known-entity count, discovered code names, active workers, and the
// current plan's hypothesis/budget) and runs Planner.AdaptivePlan against
// it. See AdaptivePlanInput's doc comment for why the full ResearchState
// isn't passed directly.
func (a *Activities) AdaptivePlanActivity(ctx context.Context, in AdaptivePlanInput) (research.ResearchPlan, error) {
	state := &research.ResearchState{
		Topic:               in.Topic,
		IterationCount:      in.IterationCount,
		KnownEntities:       make(map[string]*research.Entity, in.KnownEntitiesCount),
		DiscoveredCodeNames: make(map[string]struct{}, len(in.DiscoveredCodeNames)),
		Workers:             in.Workers,
		Plan: research.ResearchPlan{
			CurrentHypothesis: in.CurrentHypothesis,
			BudgetReservePct:  in.BudgetReservePct,
		},
	}
	for i := 0; i < in.KnownEntitiesCount; i++ {
		name := fmt.Sprintf("entity-%d", i)
		state.KnownEntities[name] = research.NewEntity(name)
	}
	for _, name := range in.DiscoveredCodeNames {
		state.DiscoveredCodeNames[name] = struct{}{}
	}

	return a.Planner.AdaptivePlan(ctx, state), nil
}

// VerifyEntityActivity reconstructs the entity in from its exported fields
// and runs Verifier.VerifyEntity against it.
func (a *Activities) VerifyEntityActivity(ctx context.Context, in VerifyEntityInput) (VerifyEntityOutput, error) {
	entity := research.NewEntity(in.CanonicalName)
	for _, alias := range in.Aliases {
		entity.AddAlias(alias)
	}
	entity.DrugClass = in.DrugClass
	entity.ClinicalPhase = in.ClinicalPhase
	entity.MentionCount = in.MentionCount
	for k, v := range in.Attributes {
		entity.MergeAttribute(k, v)
	}
	entity.AddEvidence(in.Evidence...)

	result := a.Verifier.VerifyEntity(ctx, entity, verifier.Constraints{
		Target:    in.Target,
		Modality:  in.Modality,
		Stage:     in.Stage,
		Geography: in.Geography,
		Hard:      in.Hard,
		Soft:      in.Soft,
	})

	return VerifyEntityOutput{
		CanonicalName:   result.CanonicalName,
		Status:          string(result.Status),
		RejectionReason: result.RejectionReason,
		MissingFields:   result.MissingFields,
		MissingPriority: result.MissingPriority,
		Confidence:      result.Confidence,
		Explanation:     result.Explanation,
		Cost:            result.Cost,
	}, nil
}

// entityFromSnapshot rebuilds a *research.Entity from its flattened,
// activity-boundary-safe shape.
func entityFromSnapshot(s EntitySnapshot) *research.Entity {
	entity := research.NewEntity(s.CanonicalName)
	for _, alias := range s.Aliases {
		entity.AddAlias(alias)
	}
	entity.DrugClass = s.DrugClass
	entity.ClinicalPhase = s.ClinicalPhase
	entity.MentionCount = s.MentionCount
	for k, v := range s.Attributes {
		entity.MergeAttribute(k, v)
	}
	entity.AddEvidence(s.Evidence...)
	entity.ApplyVerification(s.VerificationStatus, s.RejectionReason, s.ConfidenceScore)
	return entity
}

// SaveEntityActivity reconstructs the entity in in.Entity and calls
// SessionStore.SaveEntity, the verifier's side-channel write so external
// readers see a verdict without waiting for the next full checkpoint.
func (a *Activities) SaveEntityActivity(ctx context.Context, in SaveEntityInput) error {
	entity := entityFromSnapshot(in.Entity)
	if err := a.Store.SaveEntity(ctx, in.ResearchID, entity); err != nil {
		return fmt.Errorf("temporal: saving entity %s: %w", in.Entity.CanonicalName, err)
	}
	return nil
}

// SaveStateActivity persists a full checkpoint of the workflow's
// ResearchState, reconstructing every known entity from its snapshot so
// the stored state_dump round-trips the real discovery data rather than
// placeholders.
func (a *Activities) SaveStateActivity(ctx context.Context, in SaveStateInput) error {
	state := &research.ResearchState{
		ID:             in.ID,
		Topic:          in.Topic,
		Status:         in.Status,
		Workers:        in.Workers,
		Plan:           in.Plan,
		IterationCount: in.IterationCount,
		Logs:           in.Logs,
		TotalCost:      in.TotalCost,
		KnownEntities:  make(map[string]*research.Entity, len(in.Entities)),
	}
	entities := make([]*research.Entity, 0, len(in.Entities))
	for _, s := range in.Entities {
		entity := entityFromSnapshot(s)
		state.KnownEntities[s.CanonicalName] = entity
		entities = append(entities, entity)
	}

	if err := a.Store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("temporal: saving state %s: %w", in.ID, err)
	}
	// Keep the per-entity rows current alongside the state_dump, so
	// observers reading entities directly see the same checkpoint.
	if err := a.Store.SaveEntitiesBatch(ctx, in.ID, entities); err != nil {
		return fmt.Errorf("temporal: saving entity rows for %s: %w", in.ID, err)
	}
	return nil
}
