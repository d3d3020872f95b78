package vm

import (
	"context"
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/event"
)

// AccessChecker implements the ACCESS phase: is this sender/origin allowed
// to submit to this room at all (§4.3.1).
type AccessChecker interface {
	CheckAccess(ctx context.Context, roomID, origin, sender string) error
}

// Verifier implements the VERIFY phase: content hash and signature checks
// against server keys (§6.2, §4.3.1).
type Verifier interface {
	VerifyEvent(ctx context.Context, e *event.Event) error
}

// Fetcher implements FETCH_AUTH/FETCH_PREV/FETCH_STATE: ensure a referenced
// event or room state is locally known, fetching from federation on miss
// (§4.5's fetch coordinator is the production implementation).
type Fetcher interface {
	EnsureEvents(ctx context.Context, roomID string, eventIDs []string) error
	EnsureState(ctx context.Context, roomID string, atEventIDs []string) error
}

// Sender implements the outbound half of NOTIFY for locally-injected events
// (Options.NotifyServers): hand the freshly committed PDU to federation.
// A nil Sender simply skips outbound fan-out, which is correct for a VM
// evaluating only inbound federation traffic.
type Sender interface {
	SendEvent(ctx context.Context, roomID string, raw json.RawMessage)
}
