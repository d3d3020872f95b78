// Package notify publishes and streams post-commit event notifications.
//
// This is the realization of Open Question 1 in SPEC_FULL.md: the VM's NOTIFY
// phase (see internal/vm) publishes exactly one message per commit to a
// per-room Redis Pub/Sub channel and appends it to a capped Redis Stream so
// that late subscribers (a restarted sync worker, an operator console) can
// catch up rather than losing events that arrived while disconnected.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/config"
)

// DefaultStreamMaxLen bounds the per-room commit stream so old rooms do not
// grow Redis memory unboundedly; subscribers that need full history read the
// event store directly instead.
const DefaultStreamMaxLen = 10000

// Client wraps a Redis connection used only for the room-commit notification
// fabric; it holds no event data of record, the store (internal/store) is the
// only durable source of truth.
type Client struct {
	rdb          *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// New creates a notification client from environment configuration.
func New(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := config.Env("REDIS_HOST", "localhost")
	port := config.Env("REDIS_PORT", "6379")
	password := config.Env("REDIS_PASSWORD", "")
	db := config.EnvInt("REDIS_DB", 0)
	streamMaxLen := config.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("connected to notification store",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Int64("stream_max_len", streamMaxLen))

	return &Client{rdb: rdb, logger: logger, streamMaxLen: streamMaxLen}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Health reports whether the notification fabric is reachable.
func (c *Client) Health(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// roomChannel returns the Pub/Sub channel name carrying live commit notices
// for a room, and roomStream the capped Stream key carrying the same
// notices durably for catch-up.
func roomChannel(roomID string) string { return "room-commit:" + roomID }
func roomStream(roomID string) string  { return "room-commit-stream:" + roomID }

// Commit is the payload described by Open Question 1's decision: published
// once per VM commit by NOTIFY, after WRITE has made the event durable and
// before RETIRE advances `committed` past EventIdx.
type Commit struct {
	RoomID     string `json:"room_id"`
	EventID    string `json:"event_id"`
	EventIdx   uint64 `json:"event_idx"`
	Type       string `json:"type"`
	IsState    bool   `json:"is_state"`
	SoftFailed bool   `json:"soft_failed"`
}

// PublishCommit fans a commit notice out to the room's live subscribers and
// appends it to the durable catch-up stream. Both operations are best-effort:
// a notification failure must never fail or retry the VM's RETIRE phase, so
// errors are logged and swallowed, matching the teacher's Publish/XAdd
// contract (pkg/redis: "best-effort ... to prevent failures from affecting
// critical workflows").
func (c *Client) PublishCommit(ctx context.Context, ev Commit) {
	values := map[string]interface{}{
		"event_id":    ev.EventID,
		"event_idx":   ev.EventIdx,
		"type":        ev.Type,
		"is_state":    ev.IsState,
		"soft_failed": ev.SoftFailed,
	}

	payload, err := json.Marshal(ev)
	if err == nil {
		err = c.rdb.Publish(ctx, roomChannel(ev.RoomID), payload).Err()
	}
	if err != nil {
		c.logger.Warn("failed to publish room commit notice",
			zap.String("room_id", ev.RoomID), zap.Error(err))
	}

	args := &redis.XAddArgs{Stream: roomStream(ev.RoomID), Values: values}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}
	if _, err := c.rdb.XAdd(ctx, args).Result(); err != nil {
		c.logger.Warn("failed to append room commit stream entry",
			zap.String("room_id", ev.RoomID), zap.Error(err))
	}
}

// Subscribe opens a live Pub/Sub subscription to a room's commit channel.
// Callers are responsible for closing the returned PubSub.
func (c *Client) Subscribe(ctx context.Context, roomID string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, roomChannel(roomID))
}

// ReadSince returns commit stream entries recorded after lastID, blocking up
// to block for new entries when the stream is caught up ("$" style catch-up
// reads use lastID = the last seen entry ID; "0" reads from the beginning).
func (c *Client) ReadSince(ctx context.Context, roomID, lastID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{roomStream(roomID), lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}
