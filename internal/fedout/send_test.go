package fedout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSendEvent_DeliversTransactionToEveryOrigin(t *testing.T) {
	var received int32
	pool := newPoolWithOrigins(t, map[string]http.HandlerFunc{
		"a.example": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&received, 1)
			var body sendTransactionBody
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "local.example", body.Origin)
			assert.Len(t, body.PDUs, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"pdus": map[string]interface{}{}})
		},
		"b.example": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&received, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"pdus": map[string]interface{}{}})
		},
	})

	s := NewSender(pool, "local.example", zap.NewNop())
	s.Timeout = time.Second
	s.SendEvent(context.Background(), "!r:h", json.RawMessage(`{"event_id":"$a"}`))

	assert.Equal(t, int32(2), atomic.LoadInt32(&received))
}

func TestSendEvent_NoOriginsIsNoop(t *testing.T) {
	pool := newPoolWithOrigins(t, map[string]http.HandlerFunc{})
	s := NewSender(pool, "local.example", zap.NewNop())
	s.SendEvent(context.Background(), "!r:h", json.RawMessage(`{}`))
}
