package store

import "github.com/matrixcore/homeserver/internal/event"

// StateKey identifies a room-state slot; an alias to event.StateKey so a
// resolved RoomState's keys can be handed to internal/authchain.AuthEvents
// (also keyed by event.StateKey) without conversion.
type StateKey = event.StateKey

// RoomState is the resolved (type, state_key) -> event_idx mapping.
type RoomState map[StateKey]uint64

// GetRoomState scans the room_state column for one room (§3.3's "current
// state").
func (s *Store) GetRoomState(room string) (RoomState, error) {
	out := RoomState{}
	prefix := roomStatePrefix(room)
	err := s.engine.scanPrefix(prefix, func(key, value []byte) bool {
		rest := key[len(prefix):]
		typ, rest := splitAtSep(rest)
		stateKey, _ := splitAtSep(rest)
		out[StateKey{Type: typ, StateKey: stateKey}] = decodeIdx(value)
		return true
	})
	return out, err
}

// GetStateHistory scans state_node for one (room, type, state_key) slot,
// returning event indices in ascending depth order (§3.3's "state-history").
func (s *Store) GetStateHistory(room, typ, stateKey string) ([]uint64, error) {
	var out []uint64
	prefix := stateNodePrefixForSlot(room)
	err := s.engine.scanPrefix(prefix, func(key, value []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 8 {
			return true
		}
		rest = rest[8:] // skip depth, re-parsed only for ordering by scan order
		gotType, rest2 := splitAtSep(rest)
		gotStateKey, _ := splitAtSep(rest2)
		if gotType == typ && gotStateKey == stateKey {
			out = append(out, decodeIdx(value))
		}
		return true
	})
	return out, err
}

// RoomVersion reads the room's create-event room_version field, the same
// per-room versioning source federation handlers use to pick a decode
// strategy; defaults to "1" for a room whose create event isn't locally
// known yet or never set the field.
func (s *Store) RoomVersion(room string) string {
	state, err := s.GetRoomState(room)
	if err != nil {
		return "1"
	}
	idx, ok := state[StateKey{Type: event.TypeCreate}]
	if !ok {
		return "1"
	}
	create, err := s.EventByIdx(idx)
	if err != nil {
		return "1"
	}
	if v := create.ContentString("room_version"); v != "" {
		return v
	}
	return "1"
}

// RoomHeads is the current head set: event_id -> event_idx.
type RoomHeads map[string]uint64

// GetRoomHeads scans room_head for one room (§3.3/§4.4).
func (s *Store) GetRoomHeads(room string) (RoomHeads, error) {
	out := RoomHeads{}
	prefix := roomHeadPrefix(room)
	err := s.engine.scanPrefix(prefix, func(key, value []byte) bool {
		eventID, _ := splitAtSep(key[len(prefix):])
		out[eventID] = decodeIdx(value)
		return true
	})
	return out, err
}

// AllRoomIDs returns every room with at least one live head, the set a
// background sweep (§4.4's sounding scan) needs to enumerate. A room whose
// last head was removed by Purge no longer appears.
func (s *Store) AllRoomIDs() ([]string, error) {
	seen := map[string]bool{}
	prefix := []byte{byte(colRoomHead)}
	err := s.engine.scanPrefix(prefix, func(key, _ []byte) bool {
		room, _ := splitAtSep(key[len(prefix):])
		seen[room] = true
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	return out, nil
}

// GetHorizonReferrers returns the event_idx of every event whose prev/auth
// reference to missingEventID is still unresolved (§3.4's event_horizon).
func (s *Store) GetHorizonReferrers(missingEventID string) ([]uint64, error) {
	var out []uint64
	prefix := eventHorizonPrefix(missingEventID)
	err := s.engine.scanPrefix(prefix, func(key, _ []byte) bool {
		out = append(out, decodeIdx(key[len(prefix):]))
		return true
	})
	return out, err
}

// GetRefs returns every reverse-adjacency edge recorded against idx.
func (s *Store) GetRefs(idx uint64) (map[RefKind][]uint64, error) {
	out := map[RefKind][]uint64{}
	prefix := eventRefPrefix(idx)
	err := s.engine.scanPrefix(prefix, func(key, _ []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 1+8 {
			return true
		}
		kind := RefKind(rest[0])
		referrer := decodeIdx(rest[1:])
		out[kind] = append(out[kind], referrer)
		return true
	})
	return out, err
}

// RoomDepthOrder returns every event_idx of a room in ascending depth order,
// used by rebuild routines and traversal (§4.4/§5's causal-order traversal).
func (s *Store) RoomDepthOrder(room string) ([]uint64, error) {
	var out []uint64
	prefix := roomDepthPrefix(room)
	err := s.engine.scanPrefix(prefix, func(key, _ []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 8+8 {
			return true
		}
		out = append(out, decodeIdx(rest[8:16]))
		return true
	})
	return out, err
}

// EventsByType scans events_by_type for one type, ascending event_idx.
func (s *Store) EventsByType(typ string) ([]uint64, error) {
	var out []uint64
	prefix := byTypePrefix(typ)
	err := s.engine.scanPrefix(prefix, func(key, _ []byte) bool {
		out = append(out, decodeIdx(key[len(prefix):]))
		return true
	})
	return out, err
}
