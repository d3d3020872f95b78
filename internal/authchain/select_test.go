package authchain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matrixcore/homeserver/internal/event"
)

type fixtureState map[event.StateKey]string

func (f fixtureState) CurrentStateEventID(room, typ, stateKey string) (string, bool) {
	id, ok := f[event.StateKey{Type: typ, StateKey: stateKey}]
	return id, ok
}

func TestSelectAuthEvents_JoinIncludesJoinRules(t *testing.T) {
	state := fixtureState{
		{Type: event.TypeCreate}:                          "$create",
		{Type: event.TypePowerLevels}:                      "$pl",
		{Type: event.TypeJoinRules}:                        "$jr",
		{Type: event.TypeMember, StateKey: "@a:h"}:         "$mem_a",
	}
	content, _ := json.Marshal(map[string]string{"membership": "join"})
	sk := "@a:h"
	e := &event.Event{Sender: "@a:h", Type: event.TypeMember, StateKey: &sk, Content: content}

	got := SelectAuthEvents(state, "!r:h", e)
	assert.ElementsMatch(t, []string{"$create", "$pl", "$jr", "$mem_a"}, got)
}

func TestSelectAuthEvents_MessageEventExcludesJoinRules(t *testing.T) {
	state := fixtureState{
		{Type: event.TypeCreate}:                  "$create",
		{Type: event.TypePowerLevels}:              "$pl",
		{Type: event.TypeJoinRules}:                "$jr",
		{Type: event.TypeMember, StateKey: "@a:h"}: "$mem_a",
	}
	e := &event.Event{Sender: "@a:h", Type: "m.room.message", Content: json.RawMessage(`{}`)}

	got := SelectAuthEvents(state, "!r:h", e)
	assert.ElementsMatch(t, []string{"$create", "$pl", "$mem_a"}, got)
}

func TestSelectAuthEvents_TargetMembershipIncludedWhenDifferent(t *testing.T) {
	state := fixtureState{
		{Type: event.TypeCreate}:                  "$create",
		{Type: event.TypeMember, StateKey: "@a:h"}: "$mem_a",
		{Type: event.TypeMember, StateKey: "@b:h"}: "$mem_b",
	}
	sk := "@b:h"
	content, _ := json.Marshal(map[string]string{"membership": "invite"})
	e := &event.Event{Sender: "@a:h", Type: event.TypeMember, StateKey: &sk, Content: content}

	got := SelectAuthEvents(state, "!r:h", e)
	assert.Contains(t, got, "$mem_b")
	assert.Contains(t, got, "$mem_a")
}
