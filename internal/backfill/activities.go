package backfill

import (
	"context"

	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/roomversion"
	"github.com/matrixcore/homeserver/internal/store"
)

// ActivityContext holds the dependencies every maintenance activity needs,
// the same per-worker context-struct shape the teacher's activity.Context
// uses to carry its DB handles and RPC factory.
type ActivityContext struct {
	Store  *store.Store
	DAG    *roomdag.Manager
	Logger *zap.Logger
}

// CheckConsistency runs §4.1's reverse-lookup consistency check for one
// room (store.CheckRoomConsistency); drift it reports is what the
// bulk-rebuild step, RebuildIndices, regenerates from the primary records.
func (ac *ActivityContext) CheckConsistency(ctx context.Context, in RepairRoomInput) (RepairRoomOutput, error) {
	report, err := ac.Store.CheckRoomConsistency(in.RoomID)
	if err != nil {
		return RepairRoomOutput{}, err
	}

	out := RepairRoomOutput{RoomID: in.RoomID, WasConsistent: true}
	if len(report.OrphanRoomHeads) > 0 {
		out.WasConsistent = false
		out.Issues = append(out.Issues, "orphan room heads")
	}
	if len(report.OrphanRoomState) > 0 {
		out.WasConsistent = false
		out.Issues = append(out.Issues, "orphan room state")
	}

	ac.Logger.Info("backfill: checked room consistency",
		zap.String("room_id", in.RoomID), zap.Bool("consistent", out.WasConsistent))
	return out, nil
}

// RebuildIndices regenerates a room's head set, depth index, and resolved
// current state from primary event records, per §4.1's bulk-rebuild
// contract and §7's "recompute room state" operator action.
func (ac *ActivityContext) RebuildIndices(ctx context.Context, in RepairRoomInput) (RepairRoomOutput, error) {
	if _, err := ac.DAG.Reset(in.RoomID); err != nil {
		return RepairRoomOutput{}, err
	}

	order, err := ac.Store.RoomDepthOrder(in.RoomID)
	if err != nil {
		return RepairRoomOutput{}, err
	}
	entries := make(map[uint64]int64, len(order))
	for _, idx := range order {
		e, err := ac.Store.EventByIdx(idx)
		if err != nil {
			continue
		}
		entries[idx] = e.Depth
	}
	if err := ac.Store.RebuildRoomDepthIndex(in.RoomID, entries); err != nil {
		return RepairRoomOutput{}, err
	}

	strategy, err := roomversion.For(ac.Store.RoomVersion(in.RoomID))
	if err != nil {
		return RepairRoomOutput{}, err
	}
	if err := ac.Store.RebuildRoomState(in.RoomID, strategy); err != nil {
		return RepairRoomOutput{}, err
	}

	ac.Logger.Info("backfill: rebuilt room indices",
		zap.String("room_id", in.RoomID), zap.Int("events", len(entries)))
	return RepairRoomOutput{RoomID: in.RoomID, Repaired: true}, nil
}

// PurgeRoom deletes every room-keyed column entry for in.RoomID (§3.4).
func (ac *ActivityContext) PurgeRoom(ctx context.Context, in PurgeRoomInput) (PurgeRoomOutput, error) {
	if err := ac.Store.Purge(in.RoomID); err != nil {
		return PurgeRoomOutput{}, err
	}
	ac.Logger.Info("backfill: purged room", zap.String("room_id", in.RoomID))
	return PurgeRoomOutput{RoomID: in.RoomID, Purged: true}, nil
}
