// Package fedserver implements §6.1's federation HTTP surface: the fixed
// set of /_matrix/federation/v1/* and /_matrix/key/v2/* endpoints other
// homeservers call into.
package fedserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/keys"
	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/store"
	"github.com/matrixcore/homeserver/internal/vm"
)

// Server holds the dependencies every federation handler needs.
type Server struct {
	VM     *vm.VM
	Store  *store.Store
	DAG    *roomdag.Manager
	Keys   *keys.Server
	Logger *zap.Logger
	NodeID string

	ServerVersion string
}

// NewRouter builds the federation router, one route per §6.1 endpoint.
// Route shapes are bit-exact: interoperating servers parse them literally.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/_matrix/federation/v1/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/event/{eventID}", s.handleGetEvent).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/event_auth/{roomID}/{eventID}", s.handleEventAuth).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/state/{roomID}", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/backfill/{roomID}", s.handleBackfill).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/get_missing_events/{roomID}", s.handleGetMissingEvents).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/federation/v1/make_join/{roomID}/{userID}", s.handleMakeJoin).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/send/{txnID}", s.handleSend).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/federation/v1/query_auth/{roomID}/{eventID}", s.handleQueryAuth).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/federation/v1/publicRooms", s.handlePublicRooms).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/user/devices/{userID}", s.handleUserDevices).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/user/keys/query", s.handleUserKeysQuery).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/federation/v1/user/keys/claim", s.handleUserKeysClaim).Methods(http.MethodPost)

	if s.Keys != nil {
		r.HandleFunc("/_matrix/key/v2/server", s.Keys.HandleServerKey).Methods(http.MethodGet)
		r.HandleFunc("/_matrix/key/v2/server/{keyID}", s.Keys.HandleServerKey).Methods(http.MethodGet)
		r.HandleFunc("/_matrix/key/v2/query", s.Keys.HandleQuery).Methods(http.MethodPost)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.Logger != nil {
		s.Logger.Warn("fedserver: failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errcode, reason string) {
	s.writeJSON(w, status, map[string]string{"errcode": errcode, "error": reason})
}

func vars(r *http.Request) map[string]string { return mux.Vars(r) }

// storeReadOpts governs how event JSON is read back for federation
// responses: cache-bypassing reads are unnecessary here since anything a
// federation peer can legally ask for has already been committed.
func storeReadOpts() store.ReadOpts { return store.Blocking }

func createStateKey() store.StateKey { return store.StateKey{Type: event.TypeCreate} }

// rawIDs extracts event_id from each raw PDU, for the *_ids response
// variant of the state endpoint.
func rawIDs(pdus []json.RawMessage) []string {
	out := make([]string, 0, len(pdus))
	for _, raw := range pdus {
		var stub struct {
			EventID string `json:"event_id"`
		}
		if json.Unmarshal(raw, &stub) == nil && stub.EventID != "" {
			out = append(out, stub.EventID)
			continue
		}
		if id, err := parseEventID(raw); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func parseEventID(raw json.RawMessage) (string, error) {
	e, err := event.ParseJSON(raw)
	if err != nil {
		return "", err
	}
	if e.EventID != "" {
		return e.EventID, nil
	}
	return "", err
}

// roomVersionOf reads the target room's create-event room_version so an
// inbound PDU is evaluated under the strategy its room actually uses;
// falls back to "1" for a room this server has never seen (the strategy
// applied to the create event itself, or to genuinely unknown rooms).
func (s *Server) roomVersionOf(raw json.RawMessage) (roomID, version string) {
	e, err := event.ParseJSON(raw)
	if err != nil {
		return "", "1"
	}
	return e.RoomID, s.Store.RoomVersion(e.RoomID)
}
