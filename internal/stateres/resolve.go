// Package stateres implements §4.2.4's state resolution: given a set of
// conflicting branches for a (type, state_key) slot, pick a single winner
// deterministically, with no dependence on wall clock or local ordering
// except through event fields.
package stateres

import (
	"sort"

	"github.com/matrixcore/homeserver/internal/authchain"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/roomversion"
)

// Candidate is one branch's occupant of a (type, state_key) slot, carrying
// enough of the auth context to rank it.
type Candidate struct {
	Idx    uint64
	Event  *event.Event
	Auth   authchain.AuthEvents
	Create *event.Event
}

func (c Candidate) power() int64 {
	pls := c.Auth[event.StateKey{Type: event.TypePowerLevels}]
	return powerOf(pls, c.Create, c.Event.Sender)
}

func powerOf(pls, create *event.Event, sender string) int64 {
	if pls != nil {
		var m map[string]interface{}
		if err := unmarshal(pls.Content, &m); err == nil {
			if users, ok := m["users"].(map[string]interface{}); ok {
				if v, ok := users[sender]; ok {
					return asInt64(v, 0)
				}
			}
			if v, ok := m["users_default"]; ok {
				return asInt64(v, 0)
			}
		}
	}
	if create != nil && create.ContentString("creator") == sender {
		return 100
	}
	return 0
}

// Resolve picks the winning candidate for one (type, state_key) slot,
// per the room version's resolution algorithm. The comparison is a total
// order over (power desc, depth desc, event_id asc) which for v1
// (ResolutionV1) additionally prioritizes power_levels/join_rules/create/
// server_acl events over ordinary state events when they conflict with each other —
// the "auth-difference" step of full StateRes v1/v2 is out of scope here;
// this resolver handles the single-slot conflict case that §4.2.4 requires
// be deterministic and pure, without reimplementing the complete mainline
// power-ordering algorithm.
func Resolve(strategy roomversion.Strategy, candidates []Candidate) Candidate {
	if len(candidates) == 0 {
		return Candidate{}
	}
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if strategy.Resolution == roomversion.ResolutionV1 && isControlEvent(a.Event) != isControlEvent(b.Event) {
			return isControlEvent(a.Event)
		}
		if pa, pb := a.power(), b.power(); pa != pb {
			return pa > pb
		}
		if a.Event.Depth != b.Event.Depth {
			return a.Event.Depth > b.Event.Depth
		}
		return a.Event.EventID < b.Event.EventID
	})
	return sorted[0]
}

// ResolveRoomState resolves every conflicting slot in one pass, returning
// the winning event_idx per (type, state_key).
func ResolveRoomState(strategy roomversion.Strategy, bySlot map[event.StateKey][]Candidate) map[event.StateKey]uint64 {
	out := make(map[event.StateKey]uint64, len(bySlot))
	for slot, candidates := range bySlot {
		if len(candidates) == 0 {
			continue
		}
		out[slot] = Resolve(strategy, candidates).Idx
	}
	return out
}

func isControlEvent(e *event.Event) bool {
	switch e.Type {
	case event.TypeCreate, event.TypePowerLevels, event.TypeJoinRules, event.TypeServerACL:
		return true
	}
	return false
}
