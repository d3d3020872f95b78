package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPeer_LatchAndClear(t *testing.T) {
	p := NewPeer("origin.example", 20, 40)
	has, _ := p.ErrLatched()
	assert.False(t, has)

	p.Latch("boom")
	has, msg := p.ErrLatched()
	assert.True(t, has)
	assert.Equal(t, "boom", msg)

	p.ErrClear()
	has, _ = p.ErrLatched()
	assert.False(t, has)
}

func TestPeer_AcquireRespectsDeadline(t *testing.T) {
	p := NewPeer("origin.example", 1000000, 1)
	assert.True(t, p.Acquire(time.Now().Add(time.Second)))
	assert.False(t, p.Acquire(time.Now().Add(-time.Second)))
}

func TestPool_DoJSONSuccessClearsLatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/matrix/server" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"server_name": "origin.example"})
	}))
	defer srv.Close()

	pool := New(Options{}, zap.NewNop())
	peer := pool.Get("origin.example")
	peer.Latch("stale")

	// Point resolution directly at the test server since well-known
	// discovery falls back to https://origin.example otherwise.
	pool.SetWellKnown("origin.example", srv.URL, time.Hour)

	var out map[string]string
	err := pool.DoJSON(context.Background(), "origin.example", http.MethodGet, "/_matrix/federation/v1/version", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "origin.example", out["server_name"])

	has, _ := peer.ErrLatched()
	assert.False(t, has)
}

func TestPool_DoJSONServerErrorLatchesPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool := New(Options{}, zap.NewNop())
	pool.SetWellKnown("bad.example", srv.URL, time.Hour)

	err := pool.DoJSON(context.Background(), "bad.example", http.MethodGet, "/_matrix/federation/v1/version", nil, nil)
	assert.Error(t, err)

	peer := pool.Get("bad.example")
	has, _ := peer.ErrLatched()
	assert.True(t, has)
}

func TestPool_OriginsExcludesLatchedPeers(t *testing.T) {
	pool := New(Options{}, zap.NewNop())
	pool.Get("a.example")
	pool.Get("b.example").Latch("down")

	origins := pool.Origins()
	assert.Contains(t, origins, "a.example")
	assert.NotContains(t, origins, "b.example")
}
