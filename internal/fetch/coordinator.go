// Package fetch implements §4.5's fetch coordinator: single-flight
// retrieval of missing events, auth chains, state, and backfill batches
// from federation peers, dispatched under a per-room concurrency cap.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/peers"
	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/store"
	"github.com/matrixcore/homeserver/internal/vm"
)

// Op names one of the four fetchable entity kinds (§4.5).
type Op int

const (
	OpEvent Op = iota
	OpAuth
	OpState
	OpBackfill
)

// Key identifies one fetch request entity: (op, room_id, event_id).
type Key struct {
	Op      Op
	RoomID  string
	EventID string
}

// request is the coordinator's bookkeeping for one in-flight or completed
// key, per §4.5's field list.
type request struct {
	opts      Key
	started   time.Time
	attempted map[string]bool
	eptr      error
	finished  chan struct{}
	origin    string
}

// Coordinator implements §4.5's policies: at most one in-flight request
// per key with concurrent callers subscribing to the same promise, a
// per-room concurrency cap, per-origin failure-streak demotion, and an
// explicit attempted-origins list.
type Coordinator struct {
	store *store.Store
	dag   *roomdag.Manager
	pool  *peers.Pool
	vm    *vm.VM
	log   *zap.Logger

	roomConcurrency int

	mu        sync.Mutex
	inflight  map[Key]*request
	roomPools map[string]pond.Pool
	streaks   map[string]int // origin -> consecutive failure count
}

// New constructs a Coordinator. roomConcurrency bounds how many fetch
// requests may be in flight for a single room at once (§4.5 policy b).
// Retrieved events are resubmitted through machine so that CONFORM/AUTH
// run exactly as they would for any other admission path (§4.5 policy e).
func New(st *store.Store, dag *roomdag.Manager, pool *peers.Pool, machine *vm.VM, roomConcurrency int, log *zap.Logger) *Coordinator {
	if roomConcurrency <= 0 {
		roomConcurrency = 4
	}
	return &Coordinator{
		store:           st,
		dag:             dag,
		pool:            pool,
		vm:              machine,
		log:             log,
		roomConcurrency: roomConcurrency,
		inflight:        map[Key]*request{},
		roomPools:       map[string]pond.Pool{},
		streaks:         map[string]int{},
	}
}

// roomVersion reads the room's create event to determine which version
// strategy governs it, defaulting to "1" if no create event is locally
// known yet (the case exactly when fetch is asked to retrieve it).
func (c *Coordinator) roomVersion(roomID string) string {
	state, err := c.store.GetRoomState(roomID)
	if err != nil {
		return "1"
	}
	idx, ok := state[store.StateKey{Type: event.TypeCreate}]
	if !ok {
		return "1"
	}
	create, err := c.store.EventByIdx(idx)
	if err != nil {
		return "1"
	}
	if v := create.ContentString("room_version"); v != "" {
		return v
	}
	return "1"
}

func (c *Coordinator) roomPool(roomID string) pond.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.roomPools[roomID]
	if !ok {
		p = pond.NewPool(c.roomConcurrency, pond.WithQueueSize(c.roomConcurrency*4))
		c.roomPools[roomID] = p
	}
	return p
}

// orderedOrigins returns candidateOrigins sorted so that origins with a
// lower recent failure streak are tried first (§4.5 policy c).
func (c *Coordinator) orderedOrigins(candidateOrigins []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), candidateOrigins...)
	sort.SliceStable(out, func(i, j int) bool {
		return c.streaks[out[i]] < c.streaks[out[j]]
	})
	return out
}

func (c *Coordinator) noteOriginResult(origin string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.streaks[origin] = 0
	} else {
		c.streaks[origin]++
	}
}

// join subscribes to (or starts) the single-flight request for key,
// running fn exactly once even if many callers ask for the same key
// concurrently (§4.5 policy a). fn receives the shared request so it can
// record each origin it tries and, on success, which one answered.
func (c *Coordinator) join(key Key, fn func(*request) error) error {
	c.mu.Lock()
	if req, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-req.finished
		return req.eptr
	}
	req := &request{opts: key, started: time.Now(), attempted: map[string]bool{}, finished: make(chan struct{})}
	c.inflight[key] = req
	c.mu.Unlock()

	req.eptr = fn(req)
	close(req.finished)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	if req.eptr != nil && c.log != nil {
		c.log.Debug("fetch: request finished with error",
			zap.String("room_id", req.opts.RoomID), zap.String("event_id", req.opts.EventID),
			zap.Duration("elapsed", time.Since(req.started)), zap.Int("origins_tried", len(req.attempted)),
			zap.Error(req.eptr))
	}

	return req.eptr
}

// EnsureEvents fetches every id in eventIDs not already present in the
// store, satisfying internal/vm.Fetcher for FETCH_PREV/FETCH_AUTH.
func (c *Coordinator) EnsureEvents(ctx context.Context, roomID string, eventIDs []string) error {
	pool := c.roomPool(roomID)
	group := pool.NewGroupContext(ctx)

	for _, id := range eventIDs {
		id := id
		if present, err := c.store.HasEvent(id); err == nil && present {
			continue
		}
		group.Submit(func() {
			key := Key{Op: OpEvent, RoomID: roomID, EventID: id}
			_ = c.join(key, func(req *request) error { return c.fetchOneEvent(ctx, req, roomID, id) })
		})
	}
	return group.Wait()
}

// EnsureState fetches the room state as of atEventIDs if any of it is
// missing locally, satisfying internal/vm.Fetcher for FETCH_STATE.
func (c *Coordinator) EnsureState(ctx context.Context, roomID string, atEventIDs []string) error {
	key := Key{Op: OpState, RoomID: roomID, EventID: joinIDs(atEventIDs)}
	return c.join(key, func(req *request) error {
		origins := c.originsForRoom(roomID)
		if len(origins) == 0 {
			return fmt.Errorf("fetch: no known origins for room %s", roomID)
		}
		var lastErr error
		for _, origin := range c.orderedOrigins(origins) {
			req.attempted[origin] = true
			var resp struct {
				PDUs      []json.RawMessage `json:"pdus"`
				AuthChain []json.RawMessage `json:"auth_chain"`
			}
			path := "/_matrix/federation/v1/state/" + roomID + "?event_id=" + firstOf(atEventIDs)
			err := c.pool.DoJSON(ctx, origin, "GET", path, nil, &resp)
			c.noteOriginResult(origin, err == nil)
			if err != nil {
				lastErr = err
				continue
			}
			req.origin = origin
			return c.admitPDUs(ctx, roomID, append(resp.AuthChain, resp.PDUs...))
		}
		return lastErr
	})
}

// fetchOneEvent retrieves a single missing event from any known origin,
// trying origins in failure-streak order and recording every attempt
// (§4.5 policy d). On exhaustion it returns the last error; it records no
// horizon entry itself.
func (c *Coordinator) fetchOneEvent(ctx context.Context, req *request, roomID, eventID string) error {
	origins := c.originsForRoom(roomID)
	if len(origins) == 0 {
		return fmt.Errorf("fetch: no known origins for room %s", roomID)
	}

	var lastErr error
	for _, origin := range c.orderedOrigins(origins) {
		req.attempted[origin] = true
		var resp struct {
			PDUs []json.RawMessage `json:"pdus"`
		}
		path := "/_matrix/federation/v1/event/" + eventID
		err := c.pool.DoJSON(ctx, origin, "GET", path, nil, &resp)
		c.noteOriginResult(origin, err == nil)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.PDUs) == 0 {
			lastErr = fmt.Errorf("fetch: origin %s returned no pdus for %s", origin, eventID)
			continue
		}
		req.origin = origin
		return c.admitPDUs(ctx, roomID, resp.PDUs)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("fetch: event %s unresolved, no origins tried", eventID)
	}
	return lastErr
}

// admitPDUs resubmits every retrieved PDU through the VM in prev-events
// depth order so each gets the full CONFORM/AUTH pipeline exactly as a
// directly-received event would (§4.5 policy e, §8's S2 scenario's
// "soft-fail is recoverable once the missing prev arrives" resolution
// path).
func (c *Coordinator) admitPDUs(ctx context.Context, roomID string, pdus []json.RawMessage) error {
	version := c.roomVersion(roomID)
	opts := vm.FetchedEvent("fetch-coordinator")

	sort.SliceStable(pdus, func(i, j int) bool {
		ei, erri := event.ParseJSON(pdus[i])
		ej, errj := event.ParseJSON(pdus[j])
		if erri != nil || errj != nil {
			return false
		}
		return ei.Depth < ej.Depth
	})

	var firstErr error
	for _, raw := range pdus {
		e, err := event.ParseJSON(raw)
		if err != nil {
			continue
		}
		if present, _ := c.store.HasEvent(e.EventID); present {
			continue
		}
		if _, err := c.vm.Evaluate(ctx, roomID, version, raw, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		gapTxn := store.NewTxn()
		if referrers, err := c.dag.ResolveGap(gapTxn, e.EventID); err == nil && len(referrers) > 0 {
			_ = c.store.Commit(gapTxn, false)
			c.log.Debug("fetch: resolved horizon gap", zap.String("event_id", e.EventID), zap.Int("referrers", len(referrers)))
		}
	}
	return firstErr
}

// originsForRoom returns the servers currently believed to participate in
// roomID, drawn from the peer pool's known, unlatched origins. A future
// membership-aware source can narrow this; today it is the pool's full
// unlatched set, which is correct but coarse for rooms sharing a
// homeserver process.
func (c *Coordinator) originsForRoom(roomID string) []string {
	return c.pool.Origins()
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
