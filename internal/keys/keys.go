// Package keys implements §6.1's server signing-key endpoints: publishing
// this server's own verify keys and caching other servers' keys fetched
// through federation.
package keys

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/config"
	"github.com/matrixcore/homeserver/internal/peers"
)

// DefaultValidity is how long a published server key descriptor is valid
// for before a client must re-fetch it, per §6.1's valid_until_ts field.
const DefaultValidity = 24 * time.Hour

// Server answers /_matrix/key/v2/* requests for this homeserver's own
// identity and caches remote descriptors fetched on behalf of callers that
// need to verify an event signed by another server.
type Server struct {
	ServerName string
	KeyPair    canonical.KeyPair
	Validity   time.Duration

	pool   *peers.Pool
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry // serverName -> descriptor
}

type cacheEntry struct {
	descriptor canonical.ServerKeyDescriptor
	expires    time.Time
}

// New constructs a Server with a freshly generated signing identity; no
// persisted key is loaded. Every running instance mints its own identity
// on boot, so signatures made before a restart no longer verify against
// the new key.
func New(pool *peers.Pool, logger *zap.Logger) (*Server, error) {
	serverName := config.Env("MATRIX_SERVER_NAME", "localhost")
	keyVersion := config.Env("MATRIX_SIGNING_KEY_VERSION", "auto1")
	validityHours := config.EnvInt("MATRIX_KEY_VALIDITY_HOURS", 24)

	kp, err := canonical.GenerateKeyPair(keyVersion)
	if err != nil {
		return nil, err
	}

	logger.Info("generated server signing identity",
		zap.String("server_name", serverName), zap.String("key_id", kp.KeyID))

	return &Server{
		ServerName: serverName,
		KeyPair:    kp,
		Validity:   time.Duration(validityHours) * time.Hour,
		pool:       pool,
		logger:     logger,
		cache:      map[string]cacheEntry{},
	}, nil
}

// LocalDescriptor builds and self-signs this server's current key
// descriptor, per §6.1's GET /_matrix/key/v2/server response body.
func (s *Server) LocalDescriptor() (canonical.ServerKeyDescriptor, error) {
	d := canonical.ServerKeyDescriptor{
		ServerName:   s.ServerName,
		ValidUntilTS: time.Now().Add(s.Validity).UnixMilli(),
		VerifyKeys: map[string]canonical.VerifyKeyEntry{
			s.KeyPair.KeyID: {Key: b64PublicKey(s.KeyPair)},
		},
	}
	return canonical.SignServerKeyDescriptor(d, s.KeyPair)
}

// HandleServerKey serves GET /_matrix/key/v2/server[/{keyID}]. The keyID
// path variable is accepted but ignored, matching the reference server's
// behavior of always returning the full current descriptor regardless of
// which key id was asked for.
func (s *Server) HandleServerKey(w http.ResponseWriter, r *http.Request) {
	d, err := s.LocalDescriptor()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// queryRequest is the body of POST /_matrix/key/v2/query, keyed by server
// name and mapping to the (currently unused, always-fetch-latest)
// minimum_valid_until_ts filter from the Matrix spec.
type queryRequest struct {
	ServerKeys map[string]map[string]interface{} `json:"server_keys"`
}

type queryResponse struct {
	ServerKeys []canonical.ServerKeyDescriptor `json:"server_keys"`
}

// HandleQuery serves POST /_matrix/key/v2/query: a notary lookup of other
// servers' keys, batched by server name. Every requested server not
// already fresh in cache is fetched directly (this server acting as its
// own notary rather than delegating to a third party, the simplest
// conforming behavior and the one the reference implementation falls back
// to when no perspective server is configured).
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	out := queryResponse{}
	for serverName := range req.ServerKeys {
		d, err := s.Fetch(ctx, serverName)
		if err != nil {
			s.logger.Debug("keys: query fetch failed", zap.String("server_name", serverName), zap.Error(err))
			continue
		}
		out.ServerKeys = append(out.ServerKeys, d)
	}
	writeJSON(w, http.StatusOK, out)
}

// Fetch returns serverName's key descriptor, using a cached copy if it has
// not yet reached valid_until_ts and otherwise querying the server
// directly over its own /_matrix/key/v2/server endpoint (§6.1).
func (s *Server) Fetch(ctx context.Context, serverName string) (canonical.ServerKeyDescriptor, error) {
	if serverName == s.ServerName {
		return s.LocalDescriptor()
	}

	s.mu.Lock()
	entry, ok := s.cache[serverName]
	s.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.descriptor, nil
	}

	var d canonical.ServerKeyDescriptor
	if err := s.pool.DoJSON(ctx, serverName, http.MethodGet, "/_matrix/key/v2/server", nil, &d); err != nil {
		return canonical.ServerKeyDescriptor{}, err
	}

	expires := time.UnixMilli(d.ValidUntilTS)
	s.mu.Lock()
	s.cache[serverName] = cacheEntry{descriptor: d, expires: expires}
	s.mu.Unlock()

	return d, nil
}
