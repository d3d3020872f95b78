package event

import "encoding/json"

// preservedContentKeys names the content fields a redaction must not strip,
// by event type, per the Matrix specification's redaction algorithm. Types
// not listed here lose their entire content on redaction.
var preservedContentKeys = map[string][]string{
	TypeMember:      {"membership"},
	TypeCreate:      {"creator"},
	TypeJoinRules:   {"join_rule"},
	TypePowerLevels: {
		"ban", "events", "events_default", "kick", "redact", "state_default",
		"users", "users_default",
	},
	"m.room.aliases":     {"aliases"},
	"m.room.history_visibility": {"history_visibility"},
}

// RedactedContent returns the content object a redacted event projects,
// keeping only the fields the room's redaction algorithm preserves for its
// type (§4.1's "projections of e.content strip non-preserved fields").
func RedactedContent(typ string, content json.RawMessage) json.RawMessage {
	keep := preservedContentKeys[typ]
	if len(keep) == 0 {
		return json.RawMessage(`{}`)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(content, &m); err != nil {
		return json.RawMessage(`{}`)
	}
	out := make(map[string]json.RawMessage, len(keep))
	for _, k := range keep {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Redact returns a copy of e with content stripped per RedactedContent and
// Unsigned annotated with redacted_because, matching the shape federation
// callers expect for a redacted PDU (§4.1, §8's S4 scenario).
func (e *Event) Redact(redactionEventID string) *Event {
	cp := *e
	cp.Content = RedactedContent(e.Type, e.Content)

	u := map[string]interface{}{"redacted_because": redactionEventID}
	if len(e.Unsigned) > 0 {
		var existing map[string]interface{}
		if err := json.Unmarshal(e.Unsigned, &existing); err == nil {
			existing["redacted_because"] = redactionEventID
			u = existing
		}
	}
	if b, err := json.Marshal(u); err == nil {
		cp.Unsigned = b
	}
	return &cp
}
