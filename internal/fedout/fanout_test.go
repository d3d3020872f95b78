package fedout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/peers"
)

func newPoolWithOrigins(t *testing.T, servers map[string]http.HandlerFunc) *peers.Pool {
	t.Helper()
	pool := peers.New(peers.Options{Timeout: 2 * time.Second}, zap.NewNop())
	for name, handler := range servers {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		pool.Get(name)
		pool.SetWellKnown(name, srv.URL, time.Hour)
	}
	return pool
}

func TestFanout_CollectsAllResponses(t *testing.T) {
	pool := newPoolWithOrigins(t, map[string]http.HandlerFunc{
		"a.example": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"server": "a"})
		},
		"b.example": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"server": "b"})
		},
	})

	var got []string
	Fanout(context.Background(), pool, zap.NewNop(), OpVersion, Options{Timeout: time.Second}, func(r Response) bool {
		got = append(got, r.Origin)
		return false
	})

	assert.ElementsMatch(t, []string{"a.example", "b.example"}, got)
}

func TestFanout_StopsEarlyOnCallbackStop(t *testing.T) {
	pool := newPoolWithOrigins(t, map[string]http.HandlerFunc{
		"a.example": func(w http.ResponseWriter, r *http.Request) { _ = json.NewEncoder(w).Encode(map[string]string{}) },
		"b.example": func(w http.ResponseWriter, r *http.Request) { _ = json.NewEncoder(w).Encode(map[string]string{}) },
	})

	var count int
	Fanout(context.Background(), pool, zap.NewNop(), OpVersion, Options{Timeout: time.Second}, func(r Response) bool {
		count++
		return true
	})

	assert.Equal(t, 1, count)
}

func TestFanout_OneOriginFailureDoesNotBlockOthers(t *testing.T) {
	pool := newPoolWithOrigins(t, map[string]http.HandlerFunc{
		"bad.example": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
		"good.example": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
		},
	})

	var successes int
	Fanout(context.Background(), pool, zap.NewNop(), OpVersion, Options{Timeout: time.Second}, func(r Response) bool {
		if r.Err == nil {
			successes++
		}
		return false
	})

	assert.Equal(t, 1, successes)
}

func TestRequestFor_MatchesEndpointTemplates(t *testing.T) {
	method, path := requestFor(OpEvent, "origin.example", Options{EventID: "$abc"})
	assert.Equal(t, http.MethodGet, method)
	assert.Equal(t, "/_matrix/federation/v1/event/$abc", path)

	method, path = requestFor(OpSend, "origin.example", Options{EventID: "txn1"})
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/_matrix/federation/v1/send/txn1", path)

	_, path = requestFor(OpBackfill, "origin.example", Options{RoomID: "!r:h", EventID: "$a", Limit: 10})
	assert.Equal(t, "/_matrix/federation/v1/backfill/!r:h?event_id=$a&limit=10", path)
}
