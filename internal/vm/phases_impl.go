package vm

import (
	"context"
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/authchain"
	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/notify"
	"github.com/matrixcore/homeserver/internal/stateres"
	"github.com/matrixcore/homeserver/internal/store"
)

// conform runs §4.3.1's CONFORM phase: structural/field conformity against
// the room version.
func (ev *evaluation) conform() *Outcome {
	e := ev.event
	if e.RoomID == "" || e.Type == "" || e.Sender == "" {
		return failOutcome("missing required field")
	}
	if e.IsState() && e.StateKey == nil {
		return failOutcome("state event missing state_key")
	}
	if !e.IsCreate() && len(e.PrevEvents) == 0 {
		return failOutcome("non-create event missing prev_events")
	}
	if ev.strategy.ContentAddressedEventIDs {
		wantID, err := canonical.DeriveEventID(ev.raw)
		if err != nil {
			return failOutcome("cannot derive content-addressed event id: " + err.Error())
		}
		if e.EventID != "" && e.EventID != wantID {
			return failOutcome("event_id does not match content hash")
		}
		e.EventID = wantID
	} else if e.EventID == "" {
		return failOutcome("room version requires a server-assigned event_id")
	}
	if !e.IsCreate() {
		var maxPrevDepth int64 = -1
		for _, prevID := range e.PrevEvents {
			prev, _, err := ev.vm.Store.EventByID(prevID)
			if err != nil {
				return failOutcome("cannot resolve prev_event for depth check: " + err.Error())
			}
			if prev.Depth > maxPrevDepth {
				maxPrevDepth = prev.Depth
			}
		}
		if e.Depth != maxPrevDepth+1 {
			return failOutcome("depth must equal 1 + max(depth(prev_events))")
		}
	}
	return ok()
}

// loadAuthAndCheck runs AUTH_STATIC: rules that depend only on the event and
// its own auth set, loaded by direct lookup of each id in the event's
// auth_events (ids not found locally are skipped).
func (ev *evaluation) loadAuthAndCheck() *Outcome {
	loader := ev.vm.Store
	ev.auth = authchain.AuthEvents{}
	for _, id := range ev.event.AuthEvents {
		e, _, err := loader.EventByID(id)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return retryOutcome(err.Error())
		}
		ev.auth[e.StateSlot()] = e
	}
	if err := authchain.Check(ev.auth, ev.event.RoomID, ev.event); err != nil {
		return failOutcome(err.Error())
	}
	return ok()
}

// checkAgainstCurrentState runs AUTH_RELA: rules that depend on the current
// room state, not just the event's own claimed auth set. A mismatch here is
// the canonical trigger for SOFT FAIL (§4.3.4): the event is valid against
// its own auth chain but conflicts with what the room has since become.
func (ev *evaluation) checkAgainstCurrentState(ctx context.Context) *Outcome {
	current, err := ev.vm.Store.GetRoomState(ev.event.RoomID)
	if err != nil {
		return retryOutcome(err.Error())
	}
	currentAuth := authchain.AuthEvents{}
	for slot, idx := range current {
		e, err := ev.vm.Store.EventByIdx(idx)
		if err != nil {
			continue
		}
		currentAuth[slot] = e
	}
	if err := authchain.Check(currentAuth, ev.event.RoomID, ev.event); err != nil {
		return softFailOutcome(err.Error())
	}
	return ok()
}

// checkAgainstPrevState runs AUTH_PRES: rules that depend on the state at
// the event's own prev_events rather than the event's self-declared
// auth_events (AUTH_STATIC) or the room's current head state (AUTH_RELA).
// It approximates "state as of prev_events" as the most recent occupant of
// each relevant slot with depth less than this event's, which holds under
// this VM's per-room causal-order write serialization (§4.3.2).
func (ev *evaluation) checkAgainstPrevState(ctx context.Context) *Outcome {
	slots := []event.StateKey{
		{Type: event.TypeCreate},
		{Type: event.TypePowerLevels},
		{Type: event.TypeJoinRules},
		{Type: event.TypeMember, StateKey: ev.event.Sender},
	}
	if ev.event.StateKey != nil && *ev.event.StateKey != ev.event.Sender {
		slots = append(slots, event.StateKey{Type: event.TypeMember, StateKey: *ev.event.StateKey})
	}

	auth := authchain.AuthEvents{}
	for _, slot := range slots {
		history, err := ev.vm.Store.GetStateHistory(ev.event.RoomID, slot.Type, slot.StateKey)
		if err != nil || len(history) == 0 {
			continue
		}
		idx := history[len(history)-1]
		e, err := ev.vm.Store.EventByIdx(idx)
		if err != nil {
			continue
		}
		auth[slot] = e
	}

	if err := authchain.Check(auth, ev.event.RoomID, ev.event); err != nil {
		return failOutcome(err.Error())
	}
	return ok()
}

// recordHorizonGaps stages a horizon entry for every reference in refs not
// yet locally known, so that once the missing event is discovered by any
// path, ResolveGap can identify this event (by idx) as waiting on it
// (§4.4). Committed with sync=false: horizon bookkeeping is best-effort
// and the retry outcome already guarantees this event will be resubmitted.
func (ev *evaluation) recordHorizonGaps(refs []string) {
	if ev.vm.DAG == nil {
		return
	}
	t := store.NewTxn()
	staged := false
	for _, ref := range refs {
		if present, err := ev.vm.Store.HasEvent(ref); err == nil && !present {
			t.AddHorizonEntry(ref, ev.idx)
			staged = true
		}
	}
	if staged {
		_ = ev.vm.Store.Commit(t, false)
	}
}

// write runs WRITE: compose the transaction and submit it to the store.
func (ev *evaluation) write() *Outcome {
	raw, err := json.Marshal(ev.event)
	if err != nil {
		return failOutcome(err.Error())
	}

	t := store.NewTxn()
	t.PutEvent(ev.idx, ev.event.EventID, ev.event.RoomID, ev.event.Type, ev.event.Sender, ev.event.Origin, ev.event.Depth, raw)

	for _, prevID := range ev.event.PrevEvents {
		if prevIdx, err := ev.vm.Store.GetEventIdx(prevID); err == nil {
			t.AddRef(prevIdx, store.RefNext, ev.idx)
		}
	}
	for _, authID := range ev.event.AuthEvents {
		if authIdx, err := ev.vm.Store.GetEventIdx(authID); err == nil {
			t.AddRef(authIdx, store.RefNextAuth, ev.idx)
		}
	}

	if !ev.softFailed {
		if ev.event.IsState() {
			ev.writeStateSlot(t, ev.event.StateSlot())
		}
		if ev.opts.RoomHead {
			t.AddRoomHead(ev.event.RoomID, ev.event.EventID, ev.idx)
			for _, prev := range ev.event.PrevEvents {
				t.RemoveRoomHead(ev.event.RoomID, prev)
			}
		}
	}

	if ev.event.Type == event.TypeRedaction {
		if target := ev.event.ContentString("redacts"); target != "" {
			if idx, err := ev.vm.Store.GetEventIdx(target); err == nil {
				t.MarkRedacted(idx, ev.event.EventID)
			}
		}
	}

	if err := ev.vm.Store.Commit(t, ev.opts.NotifyServers); err != nil {
		return failOutcome(err.Error())
	}
	return ok()
}

// writeStateSlot stages the state_node history entry for the new event and,
// per §4.2.4, hands room_state's occupant of slot to stateres.Resolve rather
// than unconditionally overwriting it with the just-written event: two
// events racing to occupy the same slot from different branches must land
// on the same winner regardless of which one this server happened to write
// first.
func (ev *evaluation) writeStateSlot(t *store.Txn, slot event.StateKey) {
	t.PutStateNode(ev.event.RoomID, ev.event.Depth, slot.Type, slot.StateKey, ev.idx)

	current, err := ev.vm.Store.GetRoomState(ev.event.RoomID)
	if err != nil {
		t.SetRoomState(ev.event.RoomID, slot.Type, slot.StateKey, ev.idx)
		return
	}
	displacedIdx, occupied := current[slot]
	if !occupied {
		t.SetRoomState(ev.event.RoomID, slot.Type, slot.StateKey, ev.idx)
		return
	}
	t.AddRef(ev.idx, store.RefPrevState, displacedIdx)

	displaced, err := ev.vm.Store.EventByIdx(displacedIdx)
	if err != nil {
		t.SetRoomState(ev.event.RoomID, slot.Type, slot.StateKey, ev.idx)
		return
	}

	auth := controlAuth(ev.vm.Store, current)
	create := auth[event.StateKey{Type: event.TypeCreate}]
	winner := stateres.Resolve(ev.strategy, []stateres.Candidate{
		{Idx: ev.idx, Event: ev.event, Auth: auth, Create: create},
		{Idx: displacedIdx, Event: displaced, Auth: auth, Create: create},
	})
	if winner.Idx == ev.idx {
		t.SetRoomState(ev.event.RoomID, slot.Type, slot.StateKey, ev.idx)
	}
}

// controlAuth loads the create/power_levels events out of a resolved
// room-state snapshot, the auth context stateres.Candidate.power needs to
// rank a slot's occupants by the sender's power at the time of writing.
func controlAuth(st *store.Store, current store.RoomState) authchain.AuthEvents {
	auth := authchain.AuthEvents{}
	for _, typ := range []string{event.TypeCreate, event.TypePowerLevels} {
		slot := event.StateKey{Type: typ}
		if idx, ok := current[slot]; ok {
			if e, err := st.EventByIdx(idx); err == nil {
				auth[slot] = e
			}
		}
	}
	return auth
}

// notifyPostCommit runs NOTIFY: wake room-head watchers, sync streams, and
// (when opts.NotifyServers) hand off to federation fan-out. This resolves
// Open Question 1: the exact post-commit contract is "one Commit message per
// retired event, published after WRITE succeeds, before RETIRE advances the
// counters" — see internal/notify's package doc.
func (ev *evaluation) notifyPostCommit(ctx context.Context) {
	if ev.vm.Notify != nil {
		ev.vm.Notify.PublishCommit(ctx, notify.Commit{
			RoomID:     ev.event.RoomID,
			EventID:    ev.event.EventID,
			EventIdx:   ev.idx,
			Type:       ev.event.Type,
			IsState:    ev.event.IsState(),
			SoftFailed: ev.softFailed,
		})
	}

	if ev.opts.NotifyServers && ev.vm.Sender != nil && !ev.softFailed {
		ev.vm.Sender.SendEvent(ctx, ev.event.RoomID, ev.raw)
	}

	if ev.opts.RoomHeadResolve && ev.vm.DAG != nil {
		_, _, _ = ev.vm.DAG.Rebuild(ev.event.RoomID)
	}
}
