package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/peers"
	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/store"
	"github.com/matrixcore/homeserver/internal/vm"
)

func newTestCoordinator(t *testing.T, originName, originURL string) (*Coordinator, *store.Store) {
	t.Helper()
	eng, err := store.OpenEngine(store.EngineOptions{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	st := store.New(eng, zap.NewNop())

	dag := roomdag.New(st)
	machine := vm.New(st, nil, nil, nil, nil, zap.NewNop())
	machine.DAG = dag

	pool := peers.New(peers.Options{Timeout: 2 * time.Second}, zap.NewNop())
	if originName != "" {
		pool.Get(originName)
	}

	c := New(st, dag, pool, machine, 4, zap.NewNop())
	if originName != "" {
		// point well-known resolution straight at the httptest server,
		// same trick pool_test.go uses to avoid a real TLS handshake.
		pool.SetWellKnown(originName, originURL, time.Hour)
	}
	return c, st
}

func createPDU(id, room, sender string) []byte {
	b, _ := json.Marshal(event.Event{
		EventID: id, RoomID: room, Type: event.TypeCreate,
		StateKey: strp(""), Sender: sender, Depth: 0,
		PrevEvents: []string{}, AuthEvents: []string{},
		Content: json.RawMessage(`{"creator":"` + sender + `"}`),
	})
	return b
}

func strp(s string) *string { return &s }

func TestEnsureEvents_FetchesAndAdmitsMissingCreateEvent(t *testing.T) {
	roomID := "!r:origin.example"
	pdu := createPDU("$create:origin.example", roomID, "@alice:origin.example")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"pdus": []json.RawMessage{pdu},
		})
	}))
	defer srv.Close()

	c, st := newTestCoordinator(t, "origin.example", srv.URL)

	err := c.EnsureEvents(context.Background(), roomID, []string{"$create:origin.example"})
	require.NoError(t, err)

	present, err := st.HasEvent("$create:origin.example")
	require.NoError(t, err)
	assert.True(t, present)
}

func TestEnsureEvents_SkipsAlreadyPresentEvents(t *testing.T) {
	c, st := newTestCoordinator(t, "", "")
	roomID := "!r:h"

	txn := store.NewTxn()
	txn.PutEvent(1, "$known", roomID, "m.room.message", "@a:h", "h", 0, []byte(`{}`))
	require.NoError(t, st.Commit(txn, false))

	err := c.EnsureEvents(context.Background(), roomID, []string{"$known"})
	require.NoError(t, err)
}

func TestEnsureEvents_NoOriginsReturnsNoError(t *testing.T) {
	// EnsureEvents itself never returns an error to the VM for individual
	// resolution failures (§4.5's retry-outcome contract); it only logs.
	c, _ := newTestCoordinator(t, "", "")
	err := c.EnsureEvents(context.Background(), "!r:h", []string{"$missing"})
	assert.NoError(t, err)
}

func TestOrderedOrigins_PrefersLowerFailureStreak(t *testing.T) {
	c, _ := newTestCoordinator(t, "", "")
	c.noteOriginResult("flaky.example", false)
	c.noteOriginResult("flaky.example", false)
	c.noteOriginResult("stable.example", true)

	ordered := c.orderedOrigins([]string{"flaky.example", "stable.example"})
	assert.Equal(t, []string{"stable.example", "flaky.example"}, ordered)
}
