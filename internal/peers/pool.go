package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/retry"
)

// Pool is the process-wide peer & link registry of §4.7: one Peer per
// remote server name, created on first use and reused for the process
// lifetime.
type Pool struct {
	client *http.Client
	logger *zap.Logger

	peers      *xsync.Map[string, *Peer]
	wellKnown  *xsync.Map[string, wellKnownEntry]
	rps, burst int
}

type wellKnownEntry struct {
	baseURL string
	expires time.Time
}

const wellKnownTTL = 24 * time.Hour

// Options configures a Pool.
type Options struct {
	Timeout time.Duration
	RPS     int
	Burst   int
}

// New constructs a Pool. A zero Options gets the same defaults §4.7's
// grounding client used: 20rps/burst 40, 15s timeout.
func New(opts Options, logger *zap.Logger) *Pool {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	return &Pool{
		client:    &http.Client{Timeout: opts.Timeout},
		logger:    logger,
		peers:     xsync.NewMap[string, *Peer](),
		wellKnown: xsync.NewMap[string, wellKnownEntry](),
		rps:       opts.RPS,
		burst:     opts.Burst,
	}
}

// Get returns the Peer for serverName, creating it (with a fresh link and
// token bucket) on first use.
func (p *Pool) Get(serverName string) *Peer {
	peer, _ := p.peers.LoadOrCompute(serverName, func() (*Peer, bool) {
		np := NewPeer(serverName, p.rps, p.burst)
		np.linkCount = 1
		return np, false
	})
	return peer
}

// Close tears down peer's connections per mode (§4.7's close(peer, mode)).
// The pooled http.Transport owns actual socket lifetime; Close records the
// mode's intent by cancelling in-flight tags for RST and leaving graceful
// completion for SSLNotify.
func (p *Pool) Close(serverName string, mode CloseMode) {
	peer, ok := p.peers.Load(serverName)
	if !ok {
		return
	}
	if mode == CloseRST {
		peer.Cancel()
	}
}

// Cancel aborts serverName's in-flight tags (§4.7's cancel(peer)).
func (p *Pool) Cancel(serverName string) {
	if peer, ok := p.peers.Load(serverName); ok {
		peer.Cancel()
	}
}

// Origins returns every server name the pool currently knows about that is
// not latched in error, the enumeration §4.6's fan-out construction walks.
func (p *Pool) Origins() []string {
	var out []string
	p.peers.Range(func(name string, peer *Peer) bool {
		if has, _ := peer.ErrLatched(); !has {
			out = append(out, name)
		}
		return true
	})
	return out
}

type wellKnownDoc struct {
	Server string `json:"m.server"`
}

// resolveBaseURL applies the well-known discovery of §6.1: try
// https://{server}/.well-known/matrix/server, cache the result (or the
// absence of one) for wellKnownTTL, and fall back to the server name
// itself as host:port.
func (p *Pool) resolveBaseURL(ctx context.Context, serverName string) string {
	if entry, ok := p.wellKnown.Load(serverName); ok && time.Now().Before(entry.expires) {
		return entry.baseURL
	}

	base := "https://" + serverName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+serverName+"/.well-known/matrix/server", nil)
	if err == nil {
		if resp, err := p.client.Do(req); err == nil {
			if resp.StatusCode == http.StatusOK {
				var doc wellKnownDoc
				if json.NewDecoder(resp.Body).Decode(&doc) == nil && doc.Server != "" {
					base = "https://" + doc.Server
				}
			}
			_ = drainAndClose(resp.Body)
		}
	}

	p.wellKnown.Store(serverName, wellKnownEntry{baseURL: base, expires: time.Now().Add(wellKnownTTL)})
	return base
}

// SetWellKnown seeds the well-known cache directly, bypassing discovery.
// Used by config-provided static federation targets and by tests that
// need to point a server name at a local httptest server.
func (p *Pool) SetWellKnown(serverName, baseURL string, ttl time.Duration) {
	p.wellKnown.Store(serverName, wellKnownEntry{baseURL: baseURL, expires: time.Now().Add(ttl)})
}

// Tag is one request/response pair pipelined over a peer's link, per
// §4.7's vocabulary. DoJSON issues a tag: it paces via the peer's token
// bucket and latches the peer on a 5xx or transport failure while leaving
// 4xx as the caller's problem to interpret (its distinct error kind, not a
// peer health signal). A peer latched in error is still contacted when
// named directly, and a success clears its latch (NoteSuccess); fan-out
// enumeration (Origins) is what skips latched peers. A
// transport failure or 5xx is retried with backoff (retry.FetchConfig:
// a handful of short attempts, since a stalled origin should fail over
// to the next candidate rather than hold up a VM phase); a 4xx or local
// error is permanent and returned on the first attempt.
func (p *Pool) DoJSON(ctx context.Context, serverName, method, path string, payload, out any) error {
	peer := p.Get(serverName)

	if peer.Cancelled() {
		return fmt.Errorf("peer %s cancelled", serverName)
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}

	base := p.resolveBaseURL(ctx, serverName)

	var permanent error
	retryErr := retry.WithBackoff(ctx, retry.FetchConfig(), p.logger, method+" "+serverName+path, func() error {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			deadline = time.Now().Add(15 * time.Second)
		}
		if !peer.Acquire(deadline) {
			permanent = fmt.Errorf("peer %s: rate limit deadline exceeded", serverName)
			return nil
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
			peer.noteBytesWritten(int64(len(body)))
		}

		req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
		if err != nil {
			permanent = err
			return nil
		}
		req.Header.Set("Content-Type", "application/json")

		peer.noteTagQueued()
		resp, err := p.client.Do(req)
		if err != nil {
			peer.Latch(err.Error())
			peer.noteTagDone()
			return err
		}
		defer peer.noteTagDone()

		if resp.StatusCode >= 500 {
			peer.Latch(fmt.Sprintf("server %d", resp.StatusCode))
			_ = drainAndClose(resp.Body)
			return fmt.Errorf("peer %s: server error %d", serverName, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			_ = drainAndClose(resp.Body)
			permanent = fmt.Errorf("peer %s: http %d", serverName, resp.StatusCode)
			return nil
		}

		if out != nil {
			buf, err := io.ReadAll(resp.Body)
			_ = drainAndClose(resp.Body)
			if err != nil {
				permanent = err
				return nil
			}
			peer.noteBytesRead(int64(len(buf)))
			if err := json.Unmarshal(buf, out); err != nil {
				permanent = err
				return nil
			}
		} else {
			_ = drainAndClose(resp.Body)
		}

		peer.NoteSuccess()
		return nil
	})

	if permanent != nil {
		return permanent
	}
	return retryErr
}

func drainAndClose(body io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
