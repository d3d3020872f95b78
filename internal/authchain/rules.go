package authchain

import (
	"strings"

	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/ids"
)

// AuthEvents is the resolved set of auth-events references an event was
// admitted against, keyed by (type, state_key). Rules read from this rather
// than re-walking the store.
type AuthEvents map[event.StateKey]*event.Event

func (a AuthEvents) create() *event.Event       { return a[event.StateKey{Type: event.TypeCreate}] }
func (a AuthEvents) powerLevels() *event.Event  { return a[event.StateKey{Type: event.TypePowerLevels}] }
func (a AuthEvents) joinRules() *event.Event    { return a[event.StateKey{Type: event.TypeJoinRules}] }
func (a AuthEvents) member(userID string) *event.Event {
	return a[event.StateKey{Type: event.TypeMember, StateKey: userID}]
}

// The default*Power constants mirror the Matrix specification's fallback power-level
// table used when no m.room.power_levels event exists yet or a field is
// absent from it.
const (
	defaultUserPower       = 0
	defaultCreatorPower    = 100
	defaultStateEventPower = 50
	defaultEventPower      = 0
	defaultInvitePower     = 0
	defaultKickPower       = 50
	defaultBanPower        = 50
	defaultRedactPower     = 50
)

func userPower(pls *event.Event, create *event.Event, userID string) int64 {
	if pls != nil {
		var m map[string]interface{}
		if err := jsonUnmarshal(pls.Content, &m); err == nil {
			if users, ok := m["users"].(map[string]interface{}); ok {
				if v, ok := users[userID]; ok {
					return toInt64(v, defaultUserPower)
				}
			}
			if v, ok := m["users_default"]; ok {
				return toInt64(v, defaultUserPower)
			}
		}
	}
	if create != nil && create.ContentString("creator") == userID {
		return defaultCreatorPower
	}
	return defaultUserPower
}

func requiredPowerForEvent(pls *event.Event, typ string, isState bool) int64 {
	if pls == nil {
		if isState {
			return defaultStateEventPower
		}
		return defaultEventPower
	}
	var m map[string]interface{}
	if err := jsonUnmarshal(pls.Content, &m); err != nil {
		if isState {
			return defaultStateEventPower
		}
		return defaultEventPower
	}
	if events, ok := m["events"].(map[string]interface{}); ok {
		if v, ok := events[typ]; ok {
			return toInt64(v, defaultEventPower)
		}
	}
	if isState {
		return toInt64Field(m, "state_default", defaultStateEventPower)
	}
	return toInt64Field(m, "events_default", defaultEventPower)
}

func namedPower(pls *event.Event, field string, def int64) int64 {
	if pls == nil {
		return def
	}
	var m map[string]interface{}
	if err := jsonUnmarshal(pls.Content, &m); err != nil {
		return def
	}
	return toInt64Field(m, field, def)
}

// Check runs the fixed 12-rule pipeline of §4.2.3 against e, short-circuiting
// on the first failure. Rules 1, 4, 5, 7, 9, 10, 11 dispatch on type; the
// rest are universal.
func Check(auth AuthEvents, roomID string, e *event.Event) error {
	// Rule 1: m.room.create is always exempt from further checks; the only
	// shape constraint checked on it is an empty prev_events (its sender's
	// server is not compared with the room id's).
	if e.IsCreate() {
		if len(e.PrevEvents) != 0 {
			return fail("create event must have no prev_events")
		}
		return nil
	}

	create := auth.create()
	if create == nil {
		return fail("no m.room.create in auth chain")
	}

	// Rule 2: duplicate (type, state_key) forbidden within auth_events was
	// enforced at selection time; here we just require referenced events
	// belong to this room.
	for _, a := range auth {
		if a.RoomID != roomID {
			return fail("auth event from a different room")
		}
	}

	pls := auth.powerLevels()

	senderMember := auth.member(e.Sender)

	// Rule 3: sender must currently be joined, with named exceptions for
	// invite/knock/leave-of-self and the room creator's own join event.
	if !isMembershipException(e, create) {
		if senderMember == nil || senderMember.Membership() != event.MembershipJoin {
			return fail("sender is not joined")
		}
	}

	// Rule 4: membership-event-specific checks.
	if e.Type == event.TypeMember {
		if err := checkMembership(auth, e, pls, create); err != nil {
			return err
		}
	}

	// Rule 5: join_rules content sanity for m.room.join_rules events.
	if e.Type == event.TypeJoinRules {
		jr := e.ContentString("join_rule")
		if jr == "" {
			return fail("join_rules missing join_rule")
		}
	}

	// Rule 6: sender power level must meet the required power for this
	// event's type (state or message).
	senderPower := userPower(pls, create, e.Sender)
	required := requiredPowerForEvent(pls, e.Type, e.IsState())
	if senderPower < required {
		return fail("sender power level too low for event type")
	}

	// Rule 7: m.room.power_levels changes cannot exceed the sender's own
	// power, and cannot raise another user's power above the sender's.
	if e.Type == event.TypePowerLevels {
		if err := checkPowerLevelsChange(e, senderPower); err != nil {
			return err
		}
	}

	// Rule 8: state_key beginning with '@' must equal sender. m.room.member
	// is excluded: its state_key names the membership target, which rule 4
	// already checked.
	if e.Type != event.TypeMember && e.StateKey != nil && strings.HasPrefix(*e.StateKey, "@") && *e.StateKey != e.Sender {
		return fail("state_key naming a user must equal sender")
	}

	// Rule 9: redaction events require the redact power level.
	if e.Type == event.TypeRedaction {
		redactPower := namedPower(pls, "redact", defaultRedactPower)
		if senderPower < redactPower {
			return fail("sender power level too low to redact")
		}
	}

	// Rule 10: server ACL events must be state events with empty state_key.
	if e.Type == event.TypeServerACL {
		if e.StateKey == nil || *e.StateKey != "" {
			return fail("server_acl must have empty state_key")
		}
	}

	// Rule 11: invite events require the invite power level when sending an
	// invite (checked here rather than rule 4 since it is a power check,
	// not a membership-transition check).
	if e.Type == event.TypeMember && e.Membership() == event.MembershipInvite {
		invitePower := namedPower(pls, "invite", defaultInvitePower)
		if senderPower < invitePower {
			return fail("sender power level too low to invite")
		}
	}

	return nil
}

func isMembershipException(e *event.Event, create *event.Event) bool {
	if e.Type != event.TypeMember {
		return false
	}
	switch e.Membership() {
	case event.MembershipInvite, event.MembershipKnock:
		return true
	case event.MembershipJoin:
		return e.StateKey != nil && *e.StateKey == e.Sender && create.ContentString("creator") == e.Sender
	case event.MembershipLeave:
		return e.StateKey != nil && *e.StateKey == e.Sender
	}
	return false
}

func checkMembership(auth AuthEvents, e *event.Event, pls, create *event.Event) error {
	if e.StateKey == nil {
		return fail("member event missing state_key")
	}
	target := *e.StateKey
	if !ids.IsUser(target) {
		return fail("member event state_key is not a user id")
	}
	targetMember := auth.member(target)
	var targetCurrent string
	if targetMember != nil {
		targetCurrent = targetMember.Membership()
	}

	switch e.Membership() {
	case event.MembershipJoin:
		if e.Sender != target {
			return fail("only the target user may join on their own behalf")
		}
		if targetCurrent == event.MembershipBan {
			return fail("banned user cannot join")
		}
		jr := auth.joinRules()
		if jr != nil && jr.ContentString("join_rule") == "invite" && targetCurrent != event.MembershipInvite && targetCurrent != event.MembershipJoin {
			return fail("join requires prior invite under invite-only rules")
		}
	case event.MembershipInvite:
		if targetCurrent == event.MembershipBan || targetCurrent == event.MembershipJoin {
			return fail("cannot invite a banned or already-joined user")
		}
	case event.MembershipLeave:
		self := e.Sender == target
		if !self && targetCurrent == event.MembershipBan {
			return fail("only power-authorized unban path may clear a ban")
		}
	case event.MembershipBan:
		if e.Sender == target {
			return fail("cannot ban self")
		}
	case event.MembershipKnock:
		jr := auth.joinRules()
		if jr == nil || jr.ContentString("join_rule") != "knock" {
			return fail("knock requires knock join rule")
		}
	default:
		return fail("unknown membership value")
	}
	return nil
}

func checkPowerLevelsChange(pls *event.Event, senderPower int64) error {
	if pls == nil {
		return nil
	}
	var m map[string]interface{}
	if err := jsonUnmarshal(pls.Content, &m); err != nil {
		return nil
	}
	if users, ok := m["users"].(map[string]interface{}); ok {
		for _, v := range users {
			if toInt64(v, 0) > senderPower {
				return fail("cannot grant a power level above the sender's own")
			}
		}
	}
	return nil
}

func fail(reason string) error {
	return errs.New(errs.AuthFail, reason)
}
