// Package fedout implements §4.6's federation fan-out: run the same
// logical query against every known origin of a room concurrently and
// stream results back to a callback as they arrive.
package fedout

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/fiber"
	"github.com/matrixcore/homeserver/internal/peers"
)

// Op names one of §4.6's enumerated fan-out operations.
type Op string

const (
	OpVersion  Op = "version"
	OpState    Op = "state"
	OpEvent    Op = "event"
	OpHead     Op = "head"
	OpAuth     Op = "auth"
	OpKeys     Op = "keys"
	OpBackfill Op = "backfill"
	OpSend     Op = "send"
)

// Options configures one fan-out call, per §4.6's option set.
type Options struct {
	RoomID  string
	EventID string
	Timeout time.Duration

	// UserID is required for OpHead.
	UserID string

	// ServerName/KeyID are the positional args for OpKeys.
	ServerName string
	KeyID      string

	// Limit is the positional arg for OpBackfill.
	Limit int

	// Body is the request payload for OpSend.
	Body interface{}
}

// Response is what one origin contributed, per §4.6's {origin, eptr,
// object} triple. Err is nil on success; Object is the raw decoded JSON
// body on success.
type Response struct {
	Origin string
	Err    error
	Object json.RawMessage
}

// Fanout runs op against every unlatched origin of opts.RoomID (or, for
// OpKeys, the single opts.ServerName), invoking onResult as each answers.
// onResult returns false to stop early; Fanout also stops once every
// origin has responded or opts.Timeout elapses (§4.6's termination
// conditions). Results are independent: one origin's failure never fails
// the others', and arrival order is not stable across calls.
func Fanout(ctx context.Context, pool *peers.Pool, log *zap.Logger, op Op, opts Options, onResult func(Response) (stop bool)) {
	origins := originsFor(pool, op, opts)
	if len(origins) == 0 {
		return
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chans := make([]<-chan fiber.Result[Response], 0, len(origins))
	for _, origin := range origins {
		origin := origin
		ch := make(chan fiber.Result[Response], 1)
		chans = append(chans, ch)
		go func() {
			resp := query(fanCtx, pool, op, origin, opts)
			ch <- fiber.Result[Response]{Value: resp}
		}()
	}

	fiber.WhenAny(fanCtx, chans, func(r fiber.Result[Response]) bool {
		if r.Err != nil {
			if log != nil {
				log.Debug("fedout: fan-out channel error", zap.Error(r.Err))
			}
			return false
		}
		return onResult(r.Value)
	})
}

// originsFor enumerates the servers a fan-out call should query. For
// OpKeys this is the single named server; for every other op it is the
// pool's full unlatched origin set, which stands in for "live members of
// the room" until room membership tracking narrows it further (see
// internal/fetch's originsForRoom, which carries the identical
// simplification and the identical justification).
func originsFor(pool *peers.Pool, op Op, opts Options) []string {
	if op == OpKeys && opts.ServerName != "" {
		return []string{opts.ServerName}
	}
	return pool.Origins()
}

func query(ctx context.Context, pool *peers.Pool, op Op, origin string, opts Options) Response {
	method, path := requestFor(op, origin, opts)

	var raw json.RawMessage
	var payload interface{}
	if op == OpSend {
		payload = opts.Body
	}

	err := pool.DoJSON(ctx, origin, method, path, payload, &raw)
	return Response{Origin: origin, Err: err, Object: raw}
}
