package access

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	eng, err := store.OpenEngine(store.EngineOptions{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return store.New(eng, zap.NewNop())
}

func putACL(t *testing.T, st *store.Store, roomID string, content string) {
	t.Helper()
	empty := ""
	raw, err := json.Marshal(event.Event{
		EventID: "$acl", RoomID: roomID, Type: event.TypeServerACL, StateKey: &empty,
		Sender: "@a:h", Content: json.RawMessage(content),
	})
	require.NoError(t, err)
	txn := store.NewTxn()
	txn.PutEvent(1, "$acl", roomID, event.TypeServerACL, "@a:h", "h", 0, raw)
	txn.SetRoomState(roomID, event.TypeServerACL, "", 1)
	require.NoError(t, st.Commit(txn, false))
}

func TestCheckAccess_NoACLAllowsAnyOrigin(t *testing.T) {
	st := newTestStore(t)
	c := New(st)
	assert.NoError(t, c.CheckAccess(context.Background(), "!r:h", "evil.example", "@a:evil.example"))
}

func TestCheckAccess_DeniesOriginMatchingDenyGlob(t *testing.T) {
	st := newTestStore(t)
	putACL(t, st, "!r:h", `{"allow":["*"],"deny":["evil.*"]}`)
	c := New(st)

	err := c.CheckAccess(context.Background(), "!r:h", "evil.example", "@a:evil.example")
	assert.Error(t, err)
	assert.NoError(t, c.CheckAccess(context.Background(), "!r:h", "good.example", "@a:good.example"))
}

func TestCheckAccess_AllowListExcludesUnlistedOrigins(t *testing.T) {
	st := newTestStore(t)
	putACL(t, st, "!r:h", `{"allow":["good.example"]}`)
	c := New(st)

	assert.NoError(t, c.CheckAccess(context.Background(), "!r:h", "good.example", "@a:good.example"))
	assert.Error(t, c.CheckAccess(context.Background(), "!r:h", "other.example", "@a:other.example"))
}
