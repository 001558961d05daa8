package temporal

import (
	"context"
	"fmt"
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/prospect/internal/planner"
	"github.com/antigravity-dev/prospect/internal/research"
	"github.com/antigravity-dev/prospect/internal/verifier"
	wkr "github.com/antigravity-dev/prospect/internal/worker"
)

// TaskQueue is the Temporal task queue every prospect worker process polls.
const TaskQueue = "prospect-research-queue"

// StartWorker connects to Temporal and starts the research task queue
// worker: store, workerDeps, pl, and ver are injected so activities can run
// WorkerIteration, Planner, and Verifier calls and persist checkpoints.
func StartWorker(hostPort string, store research.SessionStore, workerDeps wkr.Deps, pl *planner.Planner, ver *verifier.Verifier) error {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("temporal: dialing %s: %w", hostPort, err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})

	if workerDeps.Store == nil {
		workerDeps.Store = store
	}
	acts := &Activities{
		WorkerDeps: workerDeps,
		Planner:    pl,
		Verifier:   ver,
		Store:      store,
	}

	w.RegisterWorkflow(ResearchWorkflow)

	w.RegisterActivity(acts.WorkerIterationActivity)
	w.RegisterActivity(acts.InitialPlanActivity)
	w.RegisterActivity(acts.AdaptivePlanActivity)
	w.RegisterActivity(acts.VerifyEntityActivity)
	w.RegisterActivity(acts.SaveEntityActivity)
	w.RegisterActivity(acts.SaveStateActivity)

	log.Printf("temporal worker started on %s, task queue %s", hostPort, TaskQueue)
	return w.Run(worker.InterruptCh())
}

// StartResearch starts a new ResearchWorkflow execution against req and
// returns its workflow run so callers (the CLI, or an RPC-facing service)
// can await or inspect it.
func StartResearch(c client.Client, req ResearchRequest) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:        "research-" + req.Topic,
		TaskQueue: TaskQueue,
	}
	return c.ExecuteWorkflow(context.Background(), opts, ResearchWorkflow, req)
}
