// Package access implements the ACCESS phase gate consulted by internal/vm
// before an event is admitted: is this origin server even allowed to speak
// into this room. The only rule currently enforced is m.room.server_acl,
// matched against the current room state the same way the rest of the auth
// path reads state (§4.3.1, SUPPLEMENTED FEATURES #4).
package access

import (
	"context"
	"encoding/json"
	"path"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/store"
)

// Checker implements vm.AccessChecker against a room's current
// m.room.server_acl state event, if one is set.
type Checker struct {
	Store *store.Store
}

// New builds a Checker over st.
func New(st *store.Store) *Checker {
	return &Checker{Store: st}
}

type aclContent struct {
	Allow           []string `json:"allow"`
	Deny            []string `json:"deny"`
	AllowIPLiterals bool     `json:"allow_ip_literals"`
}

// CheckAccess denies origin when the room's server_acl content excludes it:
// a deny glob match always denies, and a non-empty allow list denies every
// origin it does not match. A room with no server_acl event, or a state read
// failure, allows through: ACL is an opt-in restriction, not a default-deny
// gate. An empty origin is allowed without consulting the ACL; the local
// server's own name gets no exemption and is matched like any other origin.
func (c *Checker) CheckAccess(ctx context.Context, roomID, origin, sender string) error {
	if origin == "" {
		return nil
	}

	state, err := c.Store.GetRoomState(roomID)
	if err != nil {
		return nil
	}
	idx, ok := state[store.StateKey{Type: event.TypeServerACL}]
	if !ok {
		return nil
	}
	aclEvent, err := c.Store.EventByIdx(idx)
	if err != nil {
		return nil
	}

	var acl aclContent
	if err := json.Unmarshal(aclEvent.Content, &acl); err != nil {
		return nil
	}

	if matchesAny(origin, acl.Deny) {
		return &Denied{Origin: origin, RoomID: roomID}
	}
	if len(acl.Allow) > 0 && !matchesAny(origin, acl.Allow) {
		return &Denied{Origin: origin, RoomID: roomID}
	}
	return nil
}

func matchesAny(origin string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// Denied reports an ACCESS-phase rejection, distinct from an internal error
// so callers (and tests) can tell "blocked by policy" from "state unreadable".
type Denied struct {
	Origin string
	RoomID string
}

func (d *Denied) Error() string {
	return "access: " + d.Origin + " is denied by " + d.RoomID + "'s server ACL"
}
