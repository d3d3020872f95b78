package event

import (
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/errs"
)

// ComputeHash returns the base64 sha256 digest of the event's canonical
// preimage (§3.1's hashes.sha256).
func (e *Event) ComputeHash() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", errs.Wrap(errs.BadJSON, "marshal event", err)
	}
	hash, _, err := canonical.ComputeEventHash(raw)
	return hash, err
}

// DeriveContentAddressedID computes the room-version >= 3 event id, without
// mutating e (callers assign e.EventID themselves once WRITE-phase policy
// allows it, per §3.1's "event_id is immutable post-assignment").
func (e *Event) DeriveContentAddressedID() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", errs.Wrap(errs.BadJSON, "marshal event", err)
	}
	return canonical.DeriveEventID(raw)
}

// Sign computes the event's content hash and a signature over the
// hash-annotated preimage, and returns them for the caller to merge into
// Hashes/Signatures; it never mutates e in place so a caller can retry with
// a different key without partial state.
func (e *Event) Sign(origin string, kp canonical.KeyPair) (hash, signature string, err error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", "", errs.Wrap(errs.BadJSON, "marshal event", err)
	}
	return canonical.SignEvent(raw, kp)
}

// ApplyHashAndSignature merges a computed hash and signature into the event,
// mutating Hashes/Signatures. Called once at composition time (WRITE-side)
// before an event is ever transmitted or persisted.
func (e *Event) ApplyHashAndSignature(origin, keyID, hash, signature string) {
	if e.Hashes == nil {
		e.Hashes = map[string]string{}
	}
	e.Hashes["sha256"] = hash

	if e.Signatures == nil {
		e.Signatures = map[string]map[string]string{}
	}
	if e.Signatures[origin] == nil {
		e.Signatures[origin] = map[string]string{}
	}
	e.Signatures[origin][keyID] = signature
}
