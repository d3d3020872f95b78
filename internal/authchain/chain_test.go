package authchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
)

type fixtureLoader struct {
	byID  map[string]*event.Event
	byIdx map[uint64]*event.Event
	idx   map[string]uint64
}

func newFixtureLoader() *fixtureLoader {
	return &fixtureLoader{byID: map[string]*event.Event{}, byIdx: map[uint64]*event.Event{}, idx: map[string]uint64{}}
}

func (f *fixtureLoader) add(idx uint64, e *event.Event) {
	f.byID[e.EventID] = e
	f.byIdx[idx] = e
	f.idx[e.EventID] = idx
}

func (f *fixtureLoader) EventByID(id string) (*event.Event, uint64, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, 0, errs.New(errs.NotFound, "event not found")
	}
	return e, f.idx[id], nil
}

func (f *fixtureLoader) EventByIdx(idx uint64) (*event.Event, error) {
	e, ok := f.byIdx[idx]
	if !ok {
		return nil, errs.New(errs.NotFound, "event not found")
	}
	return e, nil
}

func TestChain_TransitiveClosure(t *testing.T) {
	loader := newFixtureLoader()
	create := &event.Event{EventID: "$create", RoomID: "!r:h", Type: event.TypeCreate}
	pl := &event.Event{EventID: "$pl", RoomID: "!r:h", Type: event.TypePowerLevels, AuthEvents: []string{"$create"}}
	member := &event.Event{EventID: "$mem", RoomID: "!r:h", Type: event.TypeMember, AuthEvents: []string{"$create", "$pl"}}
	loader.add(1, create)
	loader.add(2, pl)
	loader.add(3, member)

	start := &event.Event{EventID: "$new", RoomID: "!r:h", AuthEvents: []string{"$mem", "$pl"}}

	idxs, err := Chain(loader, start)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, idxs)
}

func TestChain_MissingReferenceSkipped(t *testing.T) {
	loader := newFixtureLoader()
	create := &event.Event{EventID: "$create", RoomID: "!r:h", Type: event.TypeCreate}
	loader.add(1, create)

	start := &event.Event{EventID: "$new", RoomID: "!r:h", AuthEvents: []string{"$create", "$missing"}}

	idxs, err := Chain(loader, start)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, idxs)
}

func TestChainIDs_RoundTrips(t *testing.T) {
	loader := newFixtureLoader()
	create := &event.Event{EventID: "$create", RoomID: "!r:h", Type: event.TypeCreate}
	loader.add(1, create)
	start := &event.Event{EventID: "$new", RoomID: "!r:h", AuthEvents: []string{"$create"}}

	ids, err := ChainIDs(loader, start)
	require.NoError(t, err)
	assert.Equal(t, []string{"$create"}, ids)
}
