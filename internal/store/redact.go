package store

import "encoding/json"

// redactedBecauseField is the field-column name recording which redaction
// event caused a target to be marked redacted (§4.1's Redaction contract:
// "writes the redaction event and marks the target"). The primary
// event_json record is never rewritten — invariant 6 (§8) requires that
// fetching an event_idx and re-canonicalizing it always reproduces the
// original stored hash, which a content rewrite would break. Content
// stripping is applied at projection time by internal/event's redaction
// helpers, not by mutating stored bytes.
const redactedBecauseField = "redacted_because"

// MarkRedacted stages the field-column marker linking a redacted event to
// the redaction that targeted it.
func (t *Txn) MarkRedacted(targetIdx uint64, redactionEventID string) {
	v, _ := json.Marshal(redactionEventID)
	t.PutEventField(targetIdx, redactedBecauseField, v)
}

// RedactedBecause returns the redaction event id that redacted idx, or
// errs.NotFound if idx has not been redacted.
func (s *Store) RedactedBecause(idx uint64) (string, error) {
	raw, err := s.GetEventField(idx, redactedBecauseField)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out, nil
}
