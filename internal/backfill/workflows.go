package backfill

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// WorkflowContext holds what a maintenance workflow needs to dispatch
// activities, mirroring the teacher's workflow.Context{ActivityContext}
// shape.
type WorkflowContext struct {
	Activities *ActivityContext
}

const (
	RepairRoomWorkflowName = "RepairRoomWorkflow"
	PurgeRoomWorkflowName  = "PurgeRoomWorkflow"
)

var maintenanceActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// RepairRoomWorkflow is the durable, retryable form of the consistency
// check + index rebuild an operator triggers on a room reported as
// suspect. Unlike the per-event VM (§4.3, built on plain goroutines per
// §5's fiber-runtime contract), this workflow is minutes-scale, must
// survive a worker restart mid-run, and wants Temporal's retry policy
// rather than the VM's phase-retry semantics — a different problem shape
// that calls for a different tool.
func (wc *WorkflowContext) RepairRoomWorkflow(ctx workflow.Context, in RepairRoomInput) (RepairRoomOutput, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, maintenanceActivityOptions)

	var checked RepairRoomOutput
	if err := workflow.ExecuteActivity(ctx, wc.Activities.CheckConsistency, in).Get(ctx, &checked); err != nil {
		logger.Error("repair workflow: consistency check failed", "room_id", in.RoomID, "error", err)
		return RepairRoomOutput{}, err
	}

	if checked.WasConsistent {
		logger.Info("repair workflow: room already consistent", "room_id", in.RoomID)
		return checked, nil
	}

	var rebuilt RepairRoomOutput
	if err := workflow.ExecuteActivity(ctx, wc.Activities.RebuildIndices, in).Get(ctx, &rebuilt); err != nil {
		logger.Error("repair workflow: rebuild failed", "room_id", in.RoomID, "error", err)
		return RepairRoomOutput{}, err
	}

	rebuilt.Issues = checked.Issues
	return rebuilt, nil
}

// PurgeRoomWorkflow deletes a room's room-keyed state durably; wrapped in a
// workflow so a purge request survives a worker crash mid-execution rather
// than silently half-completing.
func (wc *WorkflowContext) PurgeRoomWorkflow(ctx workflow.Context, in PurgeRoomInput) (PurgeRoomOutput, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, maintenanceActivityOptions)

	var out PurgeRoomOutput
	if err := workflow.ExecuteActivity(ctx, wc.Activities.PurgeRoom, in).Get(ctx, &out); err != nil {
		logger.Error("purge workflow: purge failed", "room_id", in.RoomID, "error", err)
		return PurgeRoomOutput{}, err
	}
	return out, nil
}
