package fedout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/peers"
)

// Sender fans a locally-injected event out to every known origin of its
// room via PUT .../send/{txnID}, completing the loop opts.NotifyServers
// names in internal/vm/options.go: a local write must reach federation,
// not just this server's own store.
type Sender struct {
	Pool       *peers.Pool
	Logger     *zap.Logger
	ServerName string
	Timeout    time.Duration
}

// NewSender builds a Sender over pool, stamping outbound transactions with
// serverName as their origin.
func NewSender(pool *peers.Pool, serverName string, logger *zap.Logger) *Sender {
	return &Sender{Pool: pool, Logger: logger, ServerName: serverName, Timeout: 15 * time.Second}
}

type sendTransactionBody struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// SendEvent transmits one locally-committed PDU to every origin currently
// believed to participate in roomID, each under a freshly minted
// transaction id. Origin failures are logged and otherwise swallowed:
// federation delivery is best-effort, matching the teacher's own
// best-effort notification contract (internal/notify.PublishCommit) rather
// than blocking the committing goroutine on every peer's availability.
func (s *Sender) SendEvent(ctx context.Context, roomID string, raw json.RawMessage) {
	origins := originsFor(s.Pool, OpSend, Options{RoomID: roomID})
	if len(origins) == 0 {
		return
	}

	body := sendTransactionBody{
		Origin:         s.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{raw},
	}
	txnID := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	Fanout(ctx, s.Pool, s.Logger, OpSend, Options{RoomID: roomID, EventID: txnID, Body: body}, func(r Response) bool {
		if r.Err != nil && s.Logger != nil {
			s.Logger.Warn("fedout: send transaction failed", zap.String("origin", r.Origin), zap.String("txn_id", txnID), zap.Error(r.Err))
		}
		return false
	})
}
