package backfill

import (
	"time"

	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
)

// NewWorker builds and registers the maintenance-queue Temporal worker,
// mirroring the teacher's worker.New(...) + RegisterWorkflowWithOptions +
// RegisterActivity sequence for its own ops queue.
func NewWorker(tc *TemporalClient, ac *ActivityContext) worker.Worker {
	wc := &WorkflowContext{Activities: ac}

	w := worker.New(tc.TClient, tc.MaintenanceQueue, worker.Options{
		MaxConcurrentWorkflowTaskPollers: 5,
		MaxConcurrentActivityTaskPollers: 5,
		WorkerStopTimeout:                time.Minute,
	})

	w.RegisterWorkflowWithOptions(wc.RepairRoomWorkflow, temporalworkflow.RegisterOptions{Name: RepairRoomWorkflowName})
	w.RegisterWorkflowWithOptions(wc.PurgeRoomWorkflow, temporalworkflow.RegisterOptions{Name: PurgeRoomWorkflowName})
	w.RegisterActivity(ac.CheckConsistency)
	w.RegisterActivity(ac.RebuildIndices)
	w.RegisterActivity(ac.PurgeRoom)

	return w
}
