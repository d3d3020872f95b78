package store

import (
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	eng, err := OpenEngine(EngineOptions{Dir: "", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng, zap.NewNop())
}

func TestStore_PutAndGetEvent(t *testing.T) {
	s := newTestStore(t)
	txn := NewTxn()
	raw := []byte(`{"event_id":"$a","room_id":"!r:h","type":"m.room.create","sender":"@a:h"}`)
	txn.PutEvent(1, "$a", "!r:h", "m.room.create", "@a:h", "h", 0, raw)
	require.NoError(t, s.Commit(txn, false))

	idx, err := s.GetEventIdx("$a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	got, err := s.GetEventJSON(idx, Blocking)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestStore_CachedOnlyMissFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEventJSON(999, CachedOnly)
	require.Error(t, err)
	assert.Equal(t, errs.Incomplete, errs.KindOf(err))
}

func TestStore_RoomStateAndHeads(t *testing.T) {
	s := newTestStore(t)
	txn := NewTxn()
	raw := []byte(`{"event_id":"$c","room_id":"!r:h","type":"m.room.create","sender":"@a:h"}`)
	txn.PutEvent(1, "$c", "!r:h", "m.room.create", "@a:h", "h", 0, raw)
	txn.SetRoomState("!r:h", "m.room.create", "", 1)
	txn.AddRoomHead("!r:h", "$c", 1)
	require.NoError(t, s.Commit(txn, false))

	state, err := s.GetRoomState("!r:h")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state[StateKey{Type: "m.room.create", StateKey: ""}])

	heads, err := s.GetRoomHeads("!r:h")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), heads["$c"])
}

func TestStore_RedactionMarker(t *testing.T) {
	s := newTestStore(t)
	txn := NewTxn()
	raw := []byte(`{"event_id":"$m","room_id":"!r:h","type":"m.room.message","sender":"@a:h"}`)
	txn.PutEvent(5, "$m", "!r:h", "m.room.message", "@a:h", "h", 1, raw)
	require.NoError(t, s.Commit(txn, false))

	txn2 := NewTxn()
	txn2.MarkRedacted(5, "$redaction")
	require.NoError(t, s.Commit(txn2, false))

	because, err := s.RedactedBecause(5)
	require.NoError(t, err)
	assert.Equal(t, "$redaction", because)
}

func TestStore_AddRefAndGetRefs(t *testing.T) {
	s := newTestStore(t)
	txn := NewTxn()
	txn.AddRef(1, RefNext, 2)
	txn.AddRef(1, RefNextAuth, 3)
	require.NoError(t, s.Commit(txn, false))

	refs, err := s.GetRefs(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, refs[RefNext])
	assert.Equal(t, []uint64{3}, refs[RefNextAuth])
	assert.Empty(t, refs[RefPrevState])
}

func TestStore_Purge(t *testing.T) {
	s := newTestStore(t)
	txn := NewTxn()
	raw := []byte(`{"event_id":"$c","room_id":"!r:h","type":"m.room.create","sender":"@a:h"}`)
	txn.PutEvent(1, "$c", "!r:h", "m.room.create", "@a:h", "h", 0, raw)
	txn.SetRoomState("!r:h", "m.room.create", "", 1)
	txn.AddRoomHead("!r:h", "$c", 1)
	require.NoError(t, s.Commit(txn, false))

	require.NoError(t, s.Purge("!r:h"))

	heads, err := s.GetRoomHeads("!r:h")
	require.NoError(t, err)
	assert.Empty(t, heads)

	// event_json (a global column) survives purge by design.
	_, err = s.GetEventJSON(1, Blocking)
	assert.NoError(t, err)
}
