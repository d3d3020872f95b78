// Package event defines the immutable, content-addressed event record of
// §3.1 and the helpers for parsing, canonicalizing, hashing, and signing it.
package event

import (
	"encoding/json"
	"sort"

	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/errs"
)

// Well-known event types referenced by the auth chain and state resolver.
const (
	TypeCreate      = "m.room.create"
	TypeMember      = "m.room.member"
	TypePowerLevels = "m.room.power_levels"
	TypeJoinRules   = "m.room.join_rules"
	TypeServerACL   = "m.room.server_acl"
	TypeRedaction   = "m.room.redaction"
)

// Membership values used by content["membership"] on m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// StateKey identifies a room-state slot: (Type, StateKey).
type StateKey struct {
	Type     string
	StateKey string
}

// Event is the in-memory representation of §3.1's event record. Content,
// Unsigned, Hashes, and Signatures are kept as raw JSON so that fields this
// server does not interpret survive round-trips unchanged.
type Event struct {
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender"`
	Origin         string          `json:"origin"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Depth          int64           `json:"depth"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Content        json.RawMessage `json:"content"`
	Hashes         map[string]string          `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// IsState reports whether the event occupies a (type, state_key) slot.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateSlot returns the (type, state_key) this event names, valid only when
// IsState is true.
func (e *Event) StateSlot() StateKey {
	sk := ""
	if e.StateKey != nil {
		sk = *e.StateKey
	}
	return StateKey{Type: e.Type, StateKey: sk}
}

// IsCreate reports whether this is the room-defining m.room.create event.
func (e *Event) IsCreate() bool {
	return e.Type == TypeCreate && e.StateKey != nil && *e.StateKey == ""
}

// Canonical renders the event as canonical JSON with event_id, hashes,
// signatures, and unsigned removed, per §6.2.
func (e *Event) Canonical() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.BadJSON, "marshal event", err)
	}
	return canonical.EncodePreimage(raw)
}

// ContentString extracts a string field from Content, returning "" if the
// field is absent or of a different type.
func (e *Event) ContentString(field string) string {
	var m map[string]interface{}
	if err := json.Unmarshal(e.Content, &m); err != nil {
		return ""
	}
	if v, ok := m[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ContentInt extracts an integer field from Content, defaulting to def.
func (e *Event) ContentInt(field string, def int64) int64 {
	var m map[string]interface{}
	if err := json.Unmarshal(e.Content, &m); err != nil {
		return def
	}
	if v, ok := m[field]; ok {
		switch val := v.(type) {
		case float64:
			return int64(val)
		case json.Number:
			if n, err := val.Int64(); err == nil {
				return n
			}
		}
	}
	return def
}

// Membership returns content["membership"] for m.room.member events.
func (e *Event) Membership() string { return e.ContentString("membership") }

// DedupSortedAuthEvents returns AuthEvents with duplicates removed, sorted
// for deterministic comparison in tests and auth-chain caching; the wire
// order is preserved for the event's own signed form (this is a read helper,
// never applied before hashing).
func (e *Event) DedupSortedAuthEvents() []string {
	seen := make(map[string]bool, len(e.AuthEvents))
	out := make([]string, 0, len(e.AuthEvents))
	for _, id := range e.AuthEvents {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ParseJSON decodes a raw PDU (as received over federation or from local
// injection) into an Event.
func ParseJSON(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errs.Wrap(errs.BadJSON, "decode event", err)
	}
	if e.RoomID == "" || e.Type == "" || e.Sender == "" {
		return nil, errs.New(errs.Conforms, "event missing required field")
	}
	return &e, nil
}

