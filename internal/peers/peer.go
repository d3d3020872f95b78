// Package peers implements §4.7's peer & link pool: per-remote-server
// connection reuse, token-bucket pacing, and a circuit-breaker latch that
// fan-out and fetch consult before ever dialing a server known to be bad.
package peers

import (
	"sync"
	"sync/atomic"
	"time"
)

// CloseMode names how a peer's connections are torn down (§4.7's
// close(peer, mode)).
type CloseMode int

const (
	CloseRST CloseMode = iota
	CloseSSLNotify
)

// Peer tracks one remote homeserver's connection state, request pacing,
// and error-latch, per §4.7.
type Peer struct {
	ServerName string

	mu       sync.Mutex
	errHas   bool
	errMsg   string
	errUntil time.Time

	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	bytesRead    int64
	bytesWritten int64
	tagsQueued   int64
	tagsDone     int64
	linkCount    int64

	cancelled atomic.Bool
}

// NewPeer constructs a Peer with the given token-bucket pacing.
func NewPeer(serverName string, rps, burst int) *Peer {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	p := &Peer{
		ServerName:  serverName,
		maxTokens:   int64(burst),
		tokens:      int64(burst),
		refillEvery: time.Second / time.Duration(rps),
	}
	p.lastRefill.Store(time.Now())
	return p
}

func (p *Peer) refill() {
	last := p.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= p.refillEvery {
		if atomic.LoadInt64(&p.tokens) < p.maxTokens {
			atomic.AddInt64(&p.tokens, 1)
		}
		p.lastRefill.Store(now)
	}
}

// Acquire blocks (via a small sleep loop, honoring the passed-in
// cancellation) until a token-bucket slot is available or deadline is
// reached, implementing §4.7's backpressure: "the caller that can wait,
// waits."
func (p *Peer) Acquire(deadline time.Time) bool {
	for {
		p.refill()
		if atomic.LoadInt64(&p.tokens) > 0 {
			atomic.AddInt64(&p.tokens, -1)
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(p.refillEvery / 2)
	}
}

// ErrLatched reports whether the peer is currently latched in error and, if
// so, its message. Latched peers are skipped by fan-out enumeration
// (§4.7, §8 invariant 9) until ErrClear is called; there is no automatic
// un-latch.
func (p *Peer) ErrLatched() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errHas, p.errMsg
}

// Latch marks the peer in error with msg. Recovery is probed only by the
// next successful use, or by an explicit ErrClear (§4.7).
func (p *Peer) Latch(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errHas = true
	p.errMsg = msg
	p.errUntil = time.Now()
}

// ErrClear is the manual operator action clearing a latch (§4.7: "err_clear
// is a manual operator action; there is no automatic un-latch").
func (p *Peer) ErrClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errHas = false
	p.errMsg = ""
}

// NoteSuccess clears the latch on a successful use, the "health recovery is
// probed by the next successful use" half of §4.7's contract.
func (p *Peer) NoteSuccess() {
	p.ErrClear()
}

// Cancel aborts in-flight tags for this peer (§4.7's cancel(peer)).
func (p *Peer) Cancel() {
	p.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (p *Peer) Cancelled() bool { return p.cancelled.Load() }

// Stats snapshots the counters named in §4.7.
type Stats struct {
	BytesRead    int64
	BytesWritten int64
	TagsQueued   int64
	TagsDone     int64
	LinkCount    int64
}

func (p *Peer) Stats() Stats {
	return Stats{
		BytesRead:    atomic.LoadInt64(&p.bytesRead),
		BytesWritten: atomic.LoadInt64(&p.bytesWritten),
		TagsQueued:   atomic.LoadInt64(&p.tagsQueued),
		TagsDone:     atomic.LoadInt64(&p.tagsDone),
		LinkCount:    atomic.LoadInt64(&p.linkCount),
	}
}

func (p *Peer) noteTagQueued()          { atomic.AddInt64(&p.tagsQueued, 1) }
func (p *Peer) noteTagDone()            { atomic.AddInt64(&p.tagsDone, 1) }
func (p *Peer) noteBytesRead(n int64)   { atomic.AddInt64(&p.bytesRead, n) }
func (p *Peer) noteBytesWritten(n int64) { atomic.AddInt64(&p.bytesWritten, n) }
