package store

import (
	"github.com/matrixcore/homeserver/internal/authchain"
	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/roomversion"
	"github.com/matrixcore/homeserver/internal/stateres"
)

// Purge deletes every column entry keyed by (room, ...), per §3.4: "Purge of
// a room is a bulk deletion across all columns keyed by (room, …)". Global
// indexes (events_by_sender/type/origin, event_id->idx, event_json) are left
// untouched — spec.md scopes purge to the room-keyed columns only; a fuller
// tombstone sweep of the primary event records is a separate operator
// action, not implied by §3.4's wording.
func (s *Store) Purge(room string) error {
	t := NewTxn()
	for _, prefix := range roomPrefixesForPurge(room) {
		if err := s.engine.scanPrefix(prefix, func(key, _ []byte) bool {
			t.del(append([]byte(nil), key...))
			return true
		}); err != nil {
			return err
		}
	}
	return s.Commit(t, true)
}

// InconsistencyReport is the signal surfaced by §4.1's "Consistency failure
// modes": secondary rows that do not agree with the primary record.
type InconsistencyReport struct {
	OrphanRoomHeads []string // room_head rows whose event_idx no longer has a primary event_json entry
	OrphanRoomState []StateKey
}

// CheckRoomConsistency performs the reverse-lookup check named in §4.1: for
// every room_head/room_state row, the referenced event_idx must have a
// primary event_json entry.
func (s *Store) CheckRoomConsistency(room string) (InconsistencyReport, error) {
	var report InconsistencyReport

	heads, err := s.GetRoomHeads(room)
	if err != nil {
		return report, err
	}
	for eventID, idx := range heads {
		if _, err := s.GetEventJSON(idx, Blocking); err != nil {
			if errs.Is(err, errs.NotFound) {
				report.OrphanRoomHeads = append(report.OrphanRoomHeads, eventID)
				continue
			}
			return report, err
		}
	}

	state, err := s.GetRoomState(room)
	if err != nil {
		return report, err
	}
	for slot, idx := range state {
		if _, err := s.GetEventJSON(idx, Blocking); err != nil {
			if errs.Is(err, errs.NotFound) {
				report.OrphanRoomState = append(report.OrphanRoomState, slot)
				continue
			}
			return report, err
		}
	}

	return report, nil
}

// RebuildRoomDepthIndex writes a room_depth row for every (event_idx ->
// depth) entry a caller supplies (a bulk-rebuild routine per §4.1:
// "bulk-rebuild routines can regenerate each secondary index from the
// primary"). Callers typically drive this from RoomDepthOrder or a full
// events_by_type scan after detecting drift.
func (s *Store) RebuildRoomDepthIndex(room string, entries map[uint64]int64) error {
	t := NewTxn()
	for idx, depth := range entries {
		t.set(KeyRoomDepth(room, depth, idx), nil)
	}
	return s.Commit(t, false)
}

// allStateNodes scans state_node for the whole room, grouping event_idx by
// slot in ascending depth order — the key's (room, depth, type, state_key)
// layout means a single prefix scan already yields entries depth-first, so
// each slot's own sub-sequence comes out ordered without a per-slot pass.
func (s *Store) allStateNodes(room string) (map[StateKey][]uint64, error) {
	out := map[StateKey][]uint64{}
	prefix := stateNodePrefixForSlot(room)
	err := s.engine.scanPrefix(prefix, func(key, value []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 8 {
			return true
		}
		rest = rest[8:]
		typ, rest2 := splitAtSep(rest)
		stateKey, _ := splitAtSep(rest2)
		slot := StateKey{Type: typ, StateKey: stateKey}
		out[slot] = append(out[slot], decodeIdx(value))
		return true
	})
	return out, err
}

// candidatesForSlot loads a slot's full state_node history as
// stateres.Candidates under a fixed auth context.
func (s *Store) candidatesForSlot(history []uint64, auth authchain.AuthEvents, create *event.Event) []stateres.Candidate {
	out := make([]stateres.Candidate, 0, len(history))
	for _, idx := range history {
		e, err := s.EventByIdx(idx)
		if err != nil {
			continue
		}
		out = append(out, stateres.Candidate{Idx: idx, Event: e, Auth: auth, Create: create})
	}
	return out
}

// RebuildRoomState recomputes room_state from scratch by replaying every
// slot's full state_node history through stateres.Resolve/ResolveRoomState,
// per §4.2.4's pure/deterministic conflict rule and §7's "recompute room
// state" operator action. m.room.create and m.room.power_levels are
// resolved first and on their own, since every other slot's candidates need
// that pair as auth context to rank the sender's power — the same
// dependency stateres.Candidate.Auth encodes for the live WRITE path.
func (s *Store) RebuildRoomState(room string, strategy roomversion.Strategy) error {
	nodes, err := s.allStateNodes(room)
	if err != nil {
		return err
	}

	resolved := RoomState{}
	createSlot := StateKey{Type: event.TypeCreate}
	if history := nodes[createSlot]; len(history) > 0 {
		winner := stateres.Resolve(strategy, s.candidatesForSlot(history, authchain.AuthEvents{}, nil))
		resolved[createSlot] = winner.Idx
	}
	create, _ := s.EventByIdx(resolved[createSlot])

	plSlot := StateKey{Type: event.TypePowerLevels}
	if history := nodes[plSlot]; len(history) > 0 {
		auth := authchain.AuthEvents{createSlot: create}
		winner := stateres.Resolve(strategy, s.candidatesForSlot(history, auth, create))
		resolved[plSlot] = winner.Idx
	}
	powerLevels, _ := s.EventByIdx(resolved[plSlot])

	auth := authchain.AuthEvents{createSlot: create, plSlot: powerLevels}
	bySlot := map[event.StateKey][]stateres.Candidate{}
	for slot, history := range nodes {
		if slot == createSlot || slot == plSlot {
			continue
		}
		bySlot[slot] = s.candidatesForSlot(history, auth, create)
	}
	for slot, idx := range stateres.ResolveRoomState(strategy, bySlot) {
		resolved[slot] = idx
	}

	t := NewTxn()
	for slot, idx := range resolved {
		t.SetRoomState(room, slot.Type, slot.StateKey, idx)
	}
	return s.Commit(t, true)
}
