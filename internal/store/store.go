package store

import (
	"encoding/binary"
	"encoding/json"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/errs"
)

// Store is the narrow, single-writer event store described in §4.1: durable
// column families over Engine, plus an in-memory hot cache used to satisfy
// the "cached only / non-blocking" read mode (§4.1, §5's suspension-point
// design) without touching the engine.
type Store struct {
	engine *Engine
	logger *zap.Logger

	// jsonCache holds recently written/read canonical event bodies keyed by
	// event_idx. It is a cache, not a source of truth: eviction is safe at
	// any time (§3.4 "Ownership": "the store may evict entries from
	// in-memory caches at any time").
	jsonCache *xsync.Map[uint64, []byte]
}

// New wraps engine in a Store.
func New(engine *Engine, logger *zap.Logger) *Store {
	return &Store{engine: engine, logger: logger, jsonCache: xsync.NewMap[uint64, []byte]()}
}

// ReadOpts controls whether a read may suspend the calling fiber to perform
// engine I/O (§4.1's read contract).
type ReadOpts struct {
	// CachedOnly, when true, never touches the engine; a cache miss fails
	// with errs.Incomplete rather than blocking.
	CachedOnly bool
}

// Blocking is the default read mode: cache first, engine on miss.
var Blocking = ReadOpts{CachedOnly: false}

// CachedOnly is the non-blocking read mode used by hot VM paths.
var CachedOnly = ReadOpts{CachedOnly: true}

// Txn accumulates column deltas for one atomic transaction (§4.1's write
// contract: "a group of column deltas that must be applied atomically").
// It is not safe for concurrent use; the VM's WRITE phase composes one Txn
// per event on its own goroutine and hands it to Store.Commit.
type Txn struct {
	sets       map[string][]byte
	dels       map[string]struct{}
	cacheAfter map[uint64][]byte
}

// NewTxn begins a new transaction.
func NewTxn() *Txn {
	return &Txn{sets: map[string][]byte{}, dels: map[string]struct{}{}, cacheAfter: map[uint64][]byte{}}
}

func (t *Txn) set(key, value []byte) {
	t.sets[string(key)] = value
	delete(t.dels, string(key))
}

func (t *Txn) del(key []byte) {
	t.dels[string(key)] = struct{}{}
	delete(t.sets, string(key))
}

// PutEvent stages the primary record and every deterministic secondary
// index for a newly admitted event (§4.1's "Indexing rule": "on write, the
// transaction includes every derived delta").
func (t *Txn) PutEvent(idx uint64, eventID, roomID, typ, sender, origin string, depth int64, raw []byte) {
	t.set(KeyEventIDToIdx(eventID), idx8bytes(idx))
	t.set(KeyEventJSON(idx), raw)
	t.set(KeyBySender(sender, idx), nil)
	t.set(KeyByType(typ, idx), nil)
	t.set(KeyByOrigin(origin, idx), nil)
	t.set(KeyRoomDepth(roomID, depth, idx), nil)
	t.cacheAfter[idx] = raw
}

// PutEventField stages one field-column projection, used to support narrow
// reads that only need a handful of an event's fields (§4.1's rehydration
// contract: "return event_idx first so the caller can decide which fields
// to fetch").
func (t *Txn) PutEventField(idx uint64, field string, value json.RawMessage) {
	t.set(KeyEventField(idx, field), value)
}

// PutStateNode stages a state-history entry for (room, depth, type,
// state_key) -> event_idx.
func (t *Txn) PutStateNode(room string, depth int64, typ, stateKey string, idx uint64) {
	t.set(KeyStateNode(room, depth, typ, stateKey), idx8bytes(idx))
}

// SetRoomState stages the current resolved state slot.
func (t *Txn) SetRoomState(room, typ, stateKey string, idx uint64) {
	t.set(KeyRoomState(room, typ, stateKey), idx8bytes(idx))
}

// AddRoomHead stages a head-set addition.
func (t *Txn) AddRoomHead(room, eventID string, idx uint64) {
	t.set(KeyRoomHead(room, eventID), idx8bytes(idx))
}

// RemoveRoomHead stages a head-set removal (an event just got a successor).
func (t *Txn) RemoveRoomHead(room, eventID string) {
	t.del(KeyRoomHead(room, eventID))
}

// AddRef stages a reverse-adjacency edge.
func (t *Txn) AddRef(idx uint64, kind RefKind, referrerIdx uint64) {
	t.set(KeyEventRef(idx, kind, referrerIdx), nil)
}

// AddHorizonEntry stages a pending-dependency record (§4.4's gap tracking).
// Commit only writes the row; no waiter is notified.
func (t *Txn) AddHorizonEntry(missingEventID string, referrerIdx uint64) {
	t.set(KeyEventHorizon(missingEventID, referrerIdx), nil)
}

// ConsumeHorizon stages removal of every horizon row waiting on
// missingEventID; the caller (room DAG manager) is responsible for
// re-submitting the referring events to the VM once the dependency lands.
func (t *Txn) ConsumeHorizon(missingEventID string, referrerIdxs []uint64) {
	for _, idx := range referrerIdxs {
		t.del(KeyEventHorizon(missingEventID, idx))
	}
}

func idx8bytes(idx uint64) []byte { return idx8(idx) }

// Commit atomically applies a transaction. sync forces a write-ahead log
// flush before returning, satisfying the explicit "sync" boundary of §4.1;
// callers pass sync=true for the WRITE phase of locally authored events
// where durability-before-federation-ack matters more than latency.
func (s *Store) Commit(t *Txn, sync bool) error {
	bt := s.engine.newBatch()
	for k, v := range t.sets {
		bt.set([]byte(k), v)
	}
	for k := range t.dels {
		bt.del([]byte(k))
	}
	if err := s.engine.commit(bt, sync); err != nil {
		return err
	}
	for idx, raw := range t.cacheAfter {
		s.jsonCache.Store(idx, raw)
	}
	return nil
}

// GetEventIdx resolves an event id to its event_idx (§3.4's primary
// allocator column).
func (s *Store) GetEventIdx(eventID string) (uint64, error) {
	v, err := s.engine.get(KeyEventIDToIdx(eventID))
	if err != nil {
		return 0, err
	}
	return decodeIdx(v), nil
}

// HasEvent reports whether eventID is already durably known, used by
// FETCH_PREV/FETCH_AUTH to decide whether a reference needs fetching.
func (s *Store) HasEvent(eventID string) (bool, error) {
	return s.engine.has(KeyEventIDToIdx(eventID))
}

// GetEventJSON rehydrates an event's canonical source by event_idx (§4.1's
// fast rehydration path), honoring opts.CachedOnly.
func (s *Store) GetEventJSON(idx uint64, opts ReadOpts) ([]byte, error) {
	if v, ok := s.jsonCache.Load(idx); ok {
		return v, nil
	}
	if opts.CachedOnly {
		return nil, errs.New(errs.Incomplete, "event json not cached")
	}
	v, err := s.engine.get(KeyEventJSON(idx))
	if err != nil {
		return nil, err
	}
	s.jsonCache.Store(idx, v)
	return v, nil
}

// GetEventField performs a narrow read of one field-column, without
// rehydrating the whole event (§4.1's "narrow read APIs").
func (s *Store) GetEventField(idx uint64, field string) (json.RawMessage, error) {
	v, err := s.engine.get(KeyEventField(idx, field))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

func decodeIdx(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
