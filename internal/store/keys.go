// Package store implements the durable, content-addressed event log of
// §3.2-§3.4 and the narrow read/write contract of §4.1 on top of
// cockroachdb/pebble/v2, an ordered-key LSM engine consumed through the
// narrow adapter §1 calls for ("RocksDB is consumed through a narrow
// adapter whose contract §6 specifies; re-implementing it is not
// required" — pebble fills that adapter role in this Go rendering).
package store

import (
	"encoding/binary"
	"strings"
)

// Column name bytes prefix every key so all logical columns of §3.4 share
// one flat pebble keyspace while sorting independently of one another.
type column byte

const (
	colEventIDToIdx  column = 'I' // event_id -> event_idx
	colEventField    column = 'F' // (event_idx, field) -> raw json value
	colEventJSON     column = 'J' // event_idx -> canonical source
	colStateNode     column = 'N' // (room, depth, type, state_key) -> event_idx
	colRoomHead      column = 'H' // (room, event_id) -> event_idx
	colRoomState     column = 'S' // (room, type, state_key) -> event_idx
	colEventRefs     column = 'R' // (event_idx, ref_kind, referrer_idx) -> nil
	colEventHorizon  column = 'Z' // (missing_event_id, referrer_idx) -> nil
	colBySender      column = 'U' // (sender, event_idx) -> nil
	colByType        column = 'T' // (type, event_idx) -> nil
	colByOrigin      column = 'O' // (origin, event_idx) -> nil
	colRoomDepth     column = 'D' // (room, depth, event_idx) -> nil
)

// sep is a byte that never occurs in Matrix identifiers (they are validated
// JSON strings; homeserver names, event/room/user ids never carry NUL) and
// is used to delimit variable-length string components within a key so that
// byte-lexicographic key order matches the natural ordering of the tuple.
const sep = 0x00

func idx8(idx uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, idx)
	return b
}

func depth8(depth int64) []byte {
	// Plain BigEndian uint64 encoding, with no bias: depth is non-negative
	// per §3.1, so this sorts in depth order. A negative depth would wrap
	// and sort after every non-negative one.
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(depth))
	return b
}

func str(s string) []byte {
	return append([]byte(s), sep)
}

func joinKey(col column, parts ...[]byte) []byte {
	total := 1
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	out = append(out, byte(col))
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// KeyEventIDToIdx encodes the event_id -> event_idx column key.
func KeyEventIDToIdx(eventID string) []byte {
	return joinKey(colEventIDToIdx, str(eventID))
}

// KeyEventField encodes the (event_idx, field) -> raw json column key.
func KeyEventField(idx uint64, field string) []byte {
	return joinKey(colEventField, idx8(idx), str(field))
}

// eventFieldPrefix returns the prefix scanning all fields for one event_idx.
func eventFieldPrefix(idx uint64) []byte {
	return joinKey(colEventField, idx8(idx))
}

// KeyEventJSON encodes the event_idx -> canonical source column key.
func KeyEventJSON(idx uint64) []byte {
	return joinKey(colEventJSON, idx8(idx))
}

// KeyStateNode encodes the (room, depth, type, state_key) -> event_idx key.
func KeyStateNode(room string, depth int64, typ, stateKey string) []byte {
	return joinKey(colStateNode, str(room), depth8(depth), str(typ), str(stateKey))
}

// stateNodePrefixForSlot returns the prefix covering a room's whole
// state_node history (every slot, ascending depth); callers filter by
// (type, state_key).
func stateNodePrefixForSlot(room string) []byte {
	return joinKey(colStateNode, str(room))
}

// KeyRoomHead encodes the (room, event_id) -> event_idx head-set key.
func KeyRoomHead(room, eventID string) []byte {
	return joinKey(colRoomHead, str(room), str(eventID))
}

// roomHeadPrefix scans every head of a room.
func roomHeadPrefix(room string) []byte {
	return joinKey(colRoomHead, str(room))
}

// KeyRoomState encodes the (room, type, state_key) -> event_idx key.
func KeyRoomState(room, typ, stateKey string) []byte {
	return joinKey(colRoomState, str(room), str(typ), str(stateKey))
}

// roomStatePrefix scans the whole resolved state of a room.
func roomStatePrefix(room string) []byte {
	return joinKey(colRoomState, str(room))
}

// RefKind names an event_refs edge kind (§3.4).
type RefKind byte

const (
	RefNext      RefKind = 'n' // referrer's prev_events includes this event
	RefNextAuth  RefKind = 'a' // referrer's auth_events includes this event
	RefPrevState RefKind = 's' // referrer previously occupied this state slot
)

// KeyEventRef encodes the (event_idx, ref_kind, referrer_idx) -> nil key.
func KeyEventRef(idx uint64, kind RefKind, referrerIdx uint64) []byte {
	return joinKey(colEventRefs, idx8(idx), []byte{byte(kind)}, idx8(referrerIdx))
}

// eventRefPrefix scans all reverse references to one event_idx.
func eventRefPrefix(idx uint64) []byte {
	return joinKey(colEventRefs, idx8(idx))
}

// KeyEventHorizon encodes the (missing_event_id, referrer_idx) -> nil key.
func KeyEventHorizon(missingEventID string, referrerIdx uint64) []byte {
	return joinKey(colEventHorizon, str(missingEventID), idx8(referrerIdx))
}

// eventHorizonPrefix scans all referrers waiting on one missing event id.
func eventHorizonPrefix(missingEventID string) []byte {
	return joinKey(colEventHorizon, str(missingEventID))
}

// KeyBySender encodes the (sender, event_idx) -> nil index key.
func KeyBySender(sender string, idx uint64) []byte {
	return joinKey(colBySender, str(sender), idx8(idx))
}

// KeyByType encodes the (type, event_idx) -> nil index key.
func KeyByType(typ string, idx uint64) []byte {
	return joinKey(colByType, str(typ), idx8(idx))
}

// byTypePrefix scans all events of one type.
func byTypePrefix(typ string) []byte {
	return joinKey(colByType, str(typ))
}

// KeyByOrigin encodes the (origin, event_idx) -> nil index key.
func KeyByOrigin(origin string, idx uint64) []byte {
	return joinKey(colByOrigin, str(origin), idx8(idx))
}

// KeyRoomDepth encodes the (room, depth, event_idx) -> nil traversal key.
func KeyRoomDepth(room string, depth int64, idx uint64) []byte {
	return joinKey(colRoomDepth, str(room), depth8(depth), idx8(idx))
}

// roomDepthPrefix scans a room's events in ascending causal (depth) order.
func roomDepthPrefix(room string) []byte {
	return joinKey(colRoomDepth, str(room))
}

// roomPrefixesForPurge returns every column's prefix scoped to one room, used
// by Purge (§3.4 "Purge of a room is a bulk deletion across all columns
// keyed by (room, ...)").
func roomPrefixesForPurge(room string) [][]byte {
	return [][]byte{
		joinKey(colStateNode, str(room)),
		joinKey(colRoomHead, str(room)),
		joinKey(colRoomState, str(room)),
		joinKey(colRoomDepth, str(room)),
	}
}

// prefixUpperBound returns the exclusive upper bound for an iterator scoped
// to all keys sharing prefix, by incrementing the last byte with carry.
func prefixUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	return nil // prefix was all 0xff; unbounded scan
}

// splitAtSep splits a delimited key component from buf at the first sep
// byte, returning the component and the remaining bytes.
func splitAtSep(buf []byte) (component string, rest []byte) {
	i := strings.IndexByte(string(buf), byte(sep))
	if i < 0 {
		return string(buf), nil
	}
	return string(buf[:i]), buf[i+1:]
}
