package stateres

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matrixcore/homeserver/internal/authchain"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/roomversion"
)

func TestResolve_HigherPowerWins(t *testing.T) {
	create := &event.Event{EventID: "$create", Type: event.TypeCreate, Content: json.RawMessage(`{"creator":"@a:h"}`)}
	pls := &event.Event{Type: event.TypePowerLevels, Content: json.RawMessage(`{"users":{"@a:h":100,"@b:h":10}}`)}
	auth := authchain.AuthEvents{
		{Type: event.TypePowerLevels}: pls,
	}
	low := Candidate{Idx: 1, Event: &event.Event{EventID: "$low", Sender: "@b:h", Depth: 5}, Auth: auth, Create: create}
	high := Candidate{Idx: 2, Event: &event.Event{EventID: "$high", Sender: "@a:h", Depth: 3}, Auth: auth, Create: create}

	strategy, _ := roomversion.For(string(roomversion.V6))
	got := Resolve(strategy, []Candidate{low, high})
	assert.Equal(t, uint64(2), got.Idx)
}

func TestResolve_TiesByDepthThenEventID(t *testing.T) {
	create := &event.Event{EventID: "$create", Type: event.TypeCreate, Content: json.RawMessage(`{"creator":"@a:h"}`)}
	a := Candidate{Idx: 1, Event: &event.Event{EventID: "$aaa", Sender: "@x:h", Depth: 5}, Create: create}
	b := Candidate{Idx: 2, Event: &event.Event{EventID: "$bbb", Sender: "@x:h", Depth: 5}, Create: create}

	strategy, _ := roomversion.For(string(roomversion.V6))
	got := Resolve(strategy, []Candidate{b, a})
	assert.Equal(t, uint64(1), got.Idx)
}

func TestResolveRoomState_MultipleSlots(t *testing.T) {
	create := &event.Event{EventID: "$create", Type: event.TypeCreate, Content: json.RawMessage(`{"creator":"@a:h"}`)}
	slotA := event.StateKey{Type: event.TypeJoinRules, StateKey: ""}
	slotB := event.StateKey{Type: event.TypeMember, StateKey: "@a:h"}

	strategy, _ := roomversion.For(string(roomversion.V6))
	bySlot := map[event.StateKey][]Candidate{
		slotA: {{Idx: 10, Event: &event.Event{EventID: "$jr", Sender: "@a:h", Depth: 1}, Create: create}},
		slotB: {{Idx: 20, Event: &event.Event{EventID: "$mem", Sender: "@a:h", Depth: 1}, Create: create}},
	}
	out := ResolveRoomState(strategy, bySlot)
	assert.Equal(t, uint64(10), out[slotA])
	assert.Equal(t, uint64(20), out[slotB])
}
