package store

import (
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"

	"github.com/matrixcore/homeserver/internal/errs"
)

// Engine wraps the pebble handle. It is the "narrow adapter" over the
// underlying LSM engine described in §1/§4.1: nothing outside this package
// touches a *pebble.DB directly.
type Engine struct {
	db *pebble.DB
}

// EngineOptions configures the durability/flush behavior of §4.1's write
// contract ("The adapter over the underlying engine must flush the
// write-ahead log on configured boundaries; default is lazy with explicit
// sync available").
type EngineOptions struct {
	Dir string

	// FS overrides the filesystem pebble opens Dir against; nil means the
	// real OS filesystem. Tests use vfs.NewMem() to avoid touching disk.
	FS vfs.FS
}

// OpenEngine opens (creating if absent) the pebble store at dir.
func OpenEngine(opts EngineOptions) (*Engine, error) {
	pebbleOpts := &pebble.Options{}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}
	db, err := pebble.Open(opts.Dir, pebbleOpts)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "open event store engine", err)
	}
	return &Engine{db: db}, nil
}

// Close flushes and closes the engine.
func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return errs.Wrap(errs.Internal, "close event store engine", err)
	}
	return nil
}

// get performs a raw point lookup, returning errs.NotFound when absent.
func (e *Engine) get(key []byte) ([]byte, error) {
	v, closer, err := e.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, errs.New(errs.NotFound, "key not present")
		}
		return nil, errs.Wrap(errs.Internal, "engine get", err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

func (e *Engine) has(key []byte) (bool, error) {
	_, err := e.get(key)
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	return false, err
}

// batch is a group of column deltas applied atomically, realizing §4.1's
// write contract: "the store guarantees that any future reader observes
// either all deltas or none".
type batch struct {
	b *pebble.Batch
}

func (e *Engine) newBatch() *batch { return &batch{b: e.db.NewBatch()} }

func (bt *batch) set(key, value []byte) { _ = bt.b.Set(key, value, nil) }
func (bt *batch) del(key []byte)        { _ = bt.b.Delete(key, nil) }

// commit applies the batch, flushing the write-ahead log when sync is
// requested (the explicit "sync" boundary named in §4.1).
func (e *Engine) commit(bt *batch, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	if err := bt.b.Commit(opts); err != nil {
		return errs.Wrap(errs.Internal, "commit event store transaction", err)
	}
	return nil
}

// scanPrefix iterates all keys sharing prefix in ascending order, invoking
// fn(key, value) for each. Iteration stops early if fn returns false.
func (e *Engine) scanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	upper := prefixUpperBound(prefix)
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return errs.Wrap(errs.Internal, "open iterator", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...)) {
			break
		}
	}
	return nil
}
