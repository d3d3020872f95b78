// Package roomdag maintains the per-room head set, gap/horizon tracking,
// and the sounding/twain queries backfill uses to decide what to fetch
// next (§4.4).
package roomdag

import (
	"sort"

	"github.com/matrixcore/homeserver/internal/store"
)

// Manager wraps a Store with the head-set and gap-tracking operations of
// §4.4. It holds no state of its own beyond the store: every query
// recomputes from durable columns, matching §4.4's "reconstructs ... from
// scratch" rebuild contract as the ground truth every other operation must
// agree with.
type Manager struct {
	store *store.Store
}

// New wraps st.
func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Heads returns the current head set for room.
func (m *Manager) Heads(room string) (store.RoomHeads, error) {
	return m.store.GetRoomHeads(room)
}

// Rebuild is the incremental verify-and-patch form (Open Question 2's
// resolution): it recomputes the head set from room_depth and each event's
// prev_events, reports whether the durable room_head column already agreed,
// and where it did not, patches only the differing rows (removing stale
// heads, adding missing ones) without discarding the rest first.
func (m *Manager) Rebuild(room string) (store.RoomHeads, bool, error) {
	computed, err := m.computeHeadsFromScratch(room)
	if err != nil {
		return nil, false, err
	}
	current, err := m.store.GetRoomHeads(room)
	if err != nil {
		return nil, false, err
	}
	agree := headsEqual(computed, current)
	if !agree {
		t := store.NewTxn()
		for eventID, idx := range current {
			if cidx, ok := computed[eventID]; !ok || cidx != idx {
				t.RemoveRoomHead(room, eventID)
			}
		}
		for eventID, idx := range computed {
			if cur, ok := current[eventID]; !ok || cur != idx {
				t.AddRoomHead(room, eventID, idx)
			}
		}
		if err := m.store.Commit(t, true); err != nil {
			return nil, false, err
		}
	}
	return computed, agree, nil
}

// Reset is the strong form (Open Question 2's resolution): discard the
// durable room_head rows and recompute from the store, replacing whatever
// was there. Used after purge, restore, or detected corruption per §4.4.
func (m *Manager) Reset(room string) (store.RoomHeads, error) {
	computed, err := m.computeHeadsFromScratch(room)
	if err != nil {
		return nil, err
	}
	current, err := m.store.GetRoomHeads(room)
	if err != nil {
		return nil, err
	}

	t := store.NewTxn()
	for eventID := range current {
		t.RemoveRoomHead(room, eventID)
	}
	for eventID, idx := range computed {
		t.AddRoomHead(room, eventID, idx)
	}
	if err := m.store.Commit(t, true); err != nil {
		return nil, err
	}
	return computed, nil
}

// computeHeadsFromScratch scans the room's events in depth order and
// reconstructs the head set: an event is a head iff no other local event
// references it as a prev (§4.4's rebuild contract).
func (m *Manager) computeHeadsFromScratch(room string) (store.RoomHeads, error) {
	order, err := m.store.RoomDepthOrder(room)
	if err != nil {
		return nil, err
	}

	heads := store.RoomHeads{}
	referenced := map[uint64]bool{}
	idxToID := map[uint64]string{}

	for _, idx := range order {
		e, err := m.store.EventByIdx(idx)
		if err != nil {
			continue
		}
		idxToID[idx] = e.EventID
		heads[e.EventID] = idx
		for _, prevID := range e.PrevEvents {
			if prevIdx, err := m.store.GetEventIdx(prevID); err == nil {
				referenced[prevIdx] = true
			}
		}
	}
	for idx := range referenced {
		if id, ok := idxToID[idx]; ok {
			delete(heads, id)
		}
	}
	return heads, nil
}

func headsEqual(a, b store.RoomHeads) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// GapDepths returns the depth of every locally-known event in room that
// references at least one prev/auth event-id not yet present in the store
// (§4.4's definition of a gap). Sounding and Twain are computed from this.
func (m *Manager) GapDepths(room string) ([]int64, error) {
	order, err := m.store.RoomDepthOrder(room)
	if err != nil {
		return nil, err
	}
	var depths []int64
	for _, idx := range order {
		e, err := m.store.EventByIdx(idx)
		if err != nil {
			continue
		}
		if m.hasGapReference(e.PrevEvents) || m.hasGapReference(e.AuthEvents) {
			depths = append(depths, e.Depth)
		}
	}
	return depths, nil
}

// MissingReferences returns the distinct prev/auth event ids referenced by
// room's events but not yet locally known, the concrete work list a
// backfill sweep hands to the fetch coordinator for every room with an
// open sounding (§4.4, §4.5).
func (m *Manager) MissingReferences(room string) ([]string, error) {
	order, err := m.store.RoomDepthOrder(room)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	collect := func(refs []string) {
		for _, id := range refs {
			if seen[id] {
				continue
			}
			if present, err := m.store.HasEvent(id); err == nil && !present {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, idx := range order {
		e, err := m.store.EventByIdx(idx)
		if err != nil {
			continue
		}
		collect(e.PrevEvents)
		collect(e.AuthEvents)
	}
	return out, nil
}

func (m *Manager) hasGapReference(refs []string) bool {
	for _, id := range refs {
		if present, err := m.store.HasEvent(id); err == nil && !present {
			return true
		}
	}
	return false
}

// Sounding returns the minimum and maximum depth at which gaps currently
// exist for room (§4.4).
func (m *Manager) Sounding(room string) (firstGapDepth, lastGapDepth int64, hasGap bool, err error) {
	depths, err := m.GapDepths(room)
	if err != nil {
		return 0, 0, false, err
	}
	if len(depths) == 0 {
		return 0, 0, false, nil
	}
	sort.Slice(depths, func(i, j int) bool { return depths[i] < depths[j] })
	return depths[0], depths[len(depths)-1], true, nil
}

// Twain returns the first depth on either side of the largest unfilled span
// between consecutive gap depths for room (§4.4). It returns hasSpan=false
// when there are fewer than two gaps to bound a span.
func (m *Manager) Twain(room string) (lowSide, highSide int64, hasSpan bool, err error) {
	depths, err := m.GapDepths(room)
	if err != nil {
		return 0, 0, false, err
	}
	if len(depths) < 2 {
		return 0, 0, false, nil
	}
	sort.Slice(depths, func(i, j int) bool { return depths[i] < depths[j] })

	bestSpan := int64(-1)
	for i := 1; i < len(depths); i++ {
		span := depths[i] - depths[i-1]
		if span > bestSpan {
			bestSpan = span
			lowSide, highSide = depths[i-1], depths[i]
		}
	}
	return lowSide, highSide, true, nil
}
