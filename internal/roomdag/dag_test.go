package roomdag

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	eng, err := store.OpenEngine(store.EngineOptions{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	st := store.New(eng, zap.NewNop())
	return New(st), st
}

func putEvent(t *testing.T, st *store.Store, idx uint64, id, room string, depth int64, prev []string) {
	t.Helper()
	if prev == nil {
		prev = []string{}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"event_id": id, "room_id": room, "type": "m.room.message", "sender": "@a:h",
		"depth": depth, "prev_events": prev,
	})
	require.NoError(t, err)
	txn := store.NewTxn()
	txn.PutEvent(idx, id, room, "m.room.message", "@a:h", "h", depth, raw)
	require.NoError(t, st.Commit(txn, false))
}

func TestRebuild_ComputesHeadsFromDepthOrder(t *testing.T) {
	m, st := newTestManager(t)
	putEvent(t, st, 1, "$a", "!r:h", 0, nil)
	putEvent(t, st, 2, "$b", "!r:h", 1, []string{"$a"})
	putEvent(t, st, 3, "$c", "!r:h", 1, []string{"$a"})

	heads, _, err := m.Rebuild("!r:h")
	require.NoError(t, err)
	assert.Contains(t, heads, "$b")
	assert.Contains(t, heads, "$c")
	assert.NotContains(t, heads, "$a")
}

func TestReset_ReplacesDurableHeads(t *testing.T) {
	m, st := newTestManager(t)
	putEvent(t, st, 1, "$a", "!r:h", 0, nil)
	putEvent(t, st, 2, "$b", "!r:h", 1, []string{"$a"})

	stale := store.NewTxn()
	stale.AddRoomHead("!r:h", "$a", 1)
	require.NoError(t, st.Commit(stale, false))

	heads, err := m.Reset("!r:h")
	require.NoError(t, err)
	assert.Contains(t, heads, "$b")

	durable, err := st.GetRoomHeads("!r:h")
	require.NoError(t, err)
	assert.Contains(t, durable, "$b")
	assert.NotContains(t, durable, "$a")
}

func TestSounding_ReportsGapDepthRange(t *testing.T) {
	m, st := newTestManager(t)
	putEvent(t, st, 1, "$a", "!r:h", 5, []string{"$missing1"})
	putEvent(t, st, 2, "$b", "!r:h", 9, []string{"$missing2"})

	first, last, hasGap, err := m.Sounding("!r:h")
	require.NoError(t, err)
	assert.True(t, hasGap)
	assert.Equal(t, int64(5), first)
	assert.Equal(t, int64(9), last)
}

func TestTwain_FindsLargestSpan(t *testing.T) {
	m, st := newTestManager(t)
	putEvent(t, st, 1, "$a", "!r:h", 1, []string{"$missing1"})
	putEvent(t, st, 2, "$b", "!r:h", 3, []string{"$missing2"})
	putEvent(t, st, 3, "$c", "!r:h", 20, []string{"$missing3"})

	low, high, hasSpan, err := m.Twain("!r:h")
	require.NoError(t, err)
	assert.True(t, hasSpan)
	assert.Equal(t, int64(3), low)
	assert.Equal(t, int64(20), high)
}

func TestResolveGap_ConsumesHorizonEntries(t *testing.T) {
	m, st := newTestManager(t)
	txn := store.NewTxn()
	txn.AddHorizonEntry("$missing", 7)
	require.NoError(t, st.Commit(txn, false))

	consumeTxn := store.NewTxn()
	referrers, err := m.ResolveGap(consumeTxn, "$missing")
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, referrers)
	require.NoError(t, st.Commit(consumeTxn, false))

	remaining, err := st.GetHorizonReferrers("$missing")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
