package authchain

import (
	"sort"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/ids"
)

// StateLookup answers "what currently occupies this (type, state_key) slot",
// the current-state view an auth-events selection is computed against.
type StateLookup interface {
	CurrentStateEventID(room, typ, stateKey string) (string, bool)
}

// SelectAuthEvents implements §4.2.2's write-side selection: create, power
// levels, join rules (for membership joins/invites only), sender's
// membership, and the state-key target's membership when it differs from
// the sender and is a user id. Duplicates are impossible by construction
// since each source contributes at most one (type, state_key).
func SelectAuthEvents(lookup StateLookup, roomID string, e *event.Event) []string {
	var out []string
	add := func(typ, stateKey string) {
		if id, ok := lookup.CurrentStateEventID(roomID, typ, stateKey); ok {
			out = append(out, id)
		}
	}

	add(event.TypeCreate, "")
	add(event.TypePowerLevels, "")

	if e.Type == event.TypeMember {
		switch e.Membership() {
		case event.MembershipJoin, event.MembershipInvite:
			add(event.TypeJoinRules, "")
		}
	}

	add(event.TypeMember, e.Sender)

	if e.StateKey != nil && *e.StateKey != e.Sender && ids.IsUser(*e.StateKey) {
		add(event.TypeMember, *e.StateKey)
	}

	sort.Strings(out)
	return dedupSorted(out)
}

func dedupSorted(in []string) []string {
	out := in[:0]
	var prev string
	for i, v := range in {
		if i == 0 || v != prev {
			out = append(out, v)
		}
		prev = v
	}
	return out
}
