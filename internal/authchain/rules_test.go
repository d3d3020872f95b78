package authchain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matrixcore/homeserver/internal/event"
)

func mkEvent(id, typ, sender string, stateKey *string, content map[string]interface{}) *event.Event {
	c, _ := json.Marshal(content)
	return &event.Event{EventID: id, RoomID: "!r:h", Type: typ, Sender: sender, StateKey: stateKey, Content: c}
}

func strp(s string) *string { return &s }

func TestCheck_CreateEventExempt(t *testing.T) {
	create := mkEvent("$create", event.TypeCreate, "@a:h", strp(""), map[string]interface{}{"creator": "@a:h"})
	err := Check(AuthEvents{}, "!r:h", create)
	assert.NoError(t, err)
}

func TestCheck_NonJoinedSenderRejected(t *testing.T) {
	create := mkEvent("$create", event.TypeCreate, "@a:h", strp(""), map[string]interface{}{"creator": "@a:h"})
	auth := AuthEvents{
		{Type: event.TypeCreate}: create,
	}
	msg := mkEvent("$msg", "m.room.message", "@b:h", nil, map[string]interface{}{"body": "hi"})
	err := Check(auth, "!r:h", msg)
	assert.Error(t, err)
}

func TestCheck_JoinedSenderPassesPowerCheck(t *testing.T) {
	create := mkEvent("$create", event.TypeCreate, "@a:h", strp(""), map[string]interface{}{"creator": "@a:h"})
	memberA := mkEvent("$mema", event.TypeMember, "@a:h", strp("@a:h"), map[string]interface{}{"membership": "join"})
	auth := AuthEvents{
		{Type: event.TypeCreate}:                  create,
		{Type: event.TypeMember, StateKey: "@a:h"}: memberA,
	}
	msg := mkEvent("$msg", "m.room.message", "@a:h", nil, map[string]interface{}{"body": "hi"})
	err := Check(auth, "!r:h", msg)
	assert.NoError(t, err)
}

func TestCheck_LowPowerStateEventRejected(t *testing.T) {
	create := mkEvent("$create", event.TypeCreate, "@a:h", strp(""), map[string]interface{}{"creator": "@a:h"})
	memberB := mkEvent("$memb", event.TypeMember, "@b:h", strp("@b:h"), map[string]interface{}{"membership": "join"})
	pls := mkEvent("$pl", event.TypePowerLevels, "@a:h", strp(""), map[string]interface{}{
		"users_default": 0, "state_default": 50, "users": map[string]interface{}{"@a:h": 100},
	})
	auth := AuthEvents{
		{Type: event.TypeCreate}:                  create,
		{Type: event.TypePowerLevels}:              pls,
		{Type: event.TypeMember, StateKey: "@b:h"}: memberB,
	}
	stateEv := mkEvent("$se", event.TypeJoinRules, "@b:h", strp(""), map[string]interface{}{"join_rule": "public"})
	err := Check(auth, "!r:h", stateEv)
	assert.Error(t, err)
}

func TestCheck_StateKeyUserMismatchRejected(t *testing.T) {
	create := mkEvent("$create", event.TypeCreate, "@a:h", strp(""), map[string]interface{}{"creator": "@a:h"})
	memberA := mkEvent("$mema", event.TypeMember, "@a:h", strp("@a:h"), map[string]interface{}{"membership": "join"})
	auth := AuthEvents{
		{Type: event.TypeCreate}:                  create,
		{Type: event.TypeMember, StateKey: "@a:h"}: memberA,
	}
	bad := mkEvent("$bad", "m.custom.thing", "@a:h", strp("@b:h"), map[string]interface{}{})
	err := Check(auth, "!r:h", bad)
	assert.Error(t, err)
}

func TestCheck_BanSelfRejected(t *testing.T) {
	create := mkEvent("$create", event.TypeCreate, "@a:h", strp(""), map[string]interface{}{"creator": "@a:h"})
	memberA := mkEvent("$mema", event.TypeMember, "@a:h", strp("@a:h"), map[string]interface{}{"membership": "join"})
	auth := AuthEvents{
		{Type: event.TypeCreate}:                  create,
		{Type: event.TypeMember, StateKey: "@a:h"}: memberA,
	}
	ban := mkEvent("$ban", event.TypeMember, "@a:h", strp("@a:h"), map[string]interface{}{"membership": "ban"})
	err := Check(auth, "!r:h", ban)
	assert.Error(t, err)
}
