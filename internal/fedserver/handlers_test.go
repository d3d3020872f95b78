package fedserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/store"
	"github.com/matrixcore/homeserver/internal/vm"
)

type noopAccess struct{}

func (noopAccess) CheckAccess(ctx context.Context, roomID, origin, sender string) error { return nil }

type noopVerify struct{}

func (noopVerify) VerifyEvent(ctx context.Context, e *event.Event) error { return nil }

type noopFetch struct{}

func (noopFetch) EnsureEvents(ctx context.Context, roomID string, ids []string) error { return nil }
func (noopFetch) EnsureState(ctx context.Context, roomID string, ids []string) error  { return nil }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	eng, err := store.OpenEngine(store.EngineOptions{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	st := store.New(eng, zap.NewNop())
	machine := vm.New(st, nil, noopAccess{}, noopVerify{}, noopFetch{}, zap.NewNop())

	return &Server{
		VM:            machine,
		Store:         st,
		Logger:        zap.NewNop(),
		NodeID:        "test-node",
		ServerVersion: "test",
	}, st
}

func createEventJSON(eventID, roomID, sender string) []byte {
	sk := ""
	b, _ := json.Marshal(event.Event{
		EventID: eventID, RoomID: roomID, Type: event.TypeCreate,
		StateKey: &sk, Sender: sender, Depth: 0,
		PrevEvents: []string{}, AuthEvents: []string{},
		Content: json.RawMessage(`{"creator":"` + sender + `","room_version":"9"}`),
	})
	return b
}

func TestHandleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_matrix/federation/v1/version", nil)
	rec := httptest.NewRecorder()

	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp versionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "matrixcore-homeserver", resp.Server.Name)
}

func TestHandleGetEvent_ReturnsStoredPDU(t *testing.T) {
	s, st := newTestServer(t)
	roomID := "!r:h"

	txn := store.NewTxn()
	txn.PutEvent(1, "$create", roomID, event.TypeCreate, "@a:h", "", 0, createEventJSON("$create", roomID, "@a:h"))
	require.NoError(t, st.Commit(txn, false))

	req := httptest.NewRequest(http.MethodGet, "/_matrix/federation/v1/event/$create", nil)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.PDUs, 1)
}

func TestHandleGetEvent_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_matrix/federation/v1/event/$missing", nil)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSend_AdmitsNewCreateEvent(t *testing.T) {
	s, st := newTestServer(t)
	roomID := "!r:origin.example"
	pdu := createEventJSON("$create:origin.example", roomID, "@alice:origin.example")

	body, _ := json.Marshal(sendRequest{Origin: "origin.example", PDUs: []json.RawMessage{pdu}})
	req := httptest.NewRequest(http.MethodPut, "/_matrix/federation/v1/send/txn1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	present, err := st.HasEvent("$create:origin.example")
	require.NoError(t, err)
	assert.True(t, present)
}

func TestHandleEventAuth_ReturnsFullChainByDefault(t *testing.T) {
	s, st := newTestServer(t)
	roomID := "!r:h"

	createRaw := createEventJSON("$create", roomID, "@a:h")
	joinRaw, _ := json.Marshal(event.Event{
		EventID: "$join", RoomID: roomID, Type: event.TypeMember, StateKey: strp("@a:h"),
		Sender: "@a:h", Depth: 1, PrevEvents: []string{"$create"}, AuthEvents: []string{"$create"},
		Content: json.RawMessage(`{"membership":"join"}`),
	})

	txn := store.NewTxn()
	txn.PutEvent(1, "$create", roomID, event.TypeCreate, "@a:h", "", 0, createRaw)
	txn.PutEvent(2, "$join", roomID, event.TypeMember, "@a:h", "", 1, joinRaw)
	require.NoError(t, st.Commit(txn, false))

	req := httptest.NewRequest(http.MethodGet, "/_matrix/federation/v1/event_auth/"+roomID+"/$join", nil)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		AuthChain []json.RawMessage `json:"auth_chain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.AuthChain, 1)
	var got event.Event
	require.NoError(t, json.Unmarshal(resp.AuthChain[0], &got))
	assert.Equal(t, "$create", got.EventID)
}

func TestHandleEventAuth_IDsOnlyReturnsBareIDs(t *testing.T) {
	s, st := newTestServer(t)
	roomID := "!r:h"

	createRaw := createEventJSON("$create", roomID, "@a:h")
	joinRaw, _ := json.Marshal(event.Event{
		EventID: "$join", RoomID: roomID, Type: event.TypeMember, StateKey: strp("@a:h"),
		Sender: "@a:h", Depth: 1, PrevEvents: []string{"$create"}, AuthEvents: []string{"$create"},
		Content: json.RawMessage(`{"membership":"join"}`),
	})

	txn := store.NewTxn()
	txn.PutEvent(1, "$create", roomID, event.TypeCreate, "@a:h", "", 0, createRaw)
	txn.PutEvent(2, "$join", roomID, event.TypeMember, "@a:h", "", 1, joinRaw)
	require.NoError(t, st.Commit(txn, false))

	req := httptest.NewRequest(http.MethodGet, "/_matrix/federation/v1/event_auth/"+roomID+"/$join?ids_only=true", nil)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		AuthChainIDs []string `json:"auth_chain_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"$create"}, resp.AuthChainIDs)
}

func strp(s string) *string { return &s }

func TestHandlePublicRooms_ReturnsEmptyChunk(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_matrix/federation/v1/publicRooms", nil)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
