package fedserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/authchain"
	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/vm"
)

// versionResponse mirrors the reference server_version block; a homeserver
// identifies itself here mostly for interop debugging, never for feature
// negotiation.
type versionResponse struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	var resp versionResponse
	resp.Server.Name = "matrixcore-homeserver"
	resp.Server.Version = s.ServerVersion
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetEvent serves GET /_matrix/federation/v1/event/{eventID}: a
// single PDU wrapped in the {"pdus": [...]} envelope of §6.1.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := vars(r)["eventID"]

	idx, err := s.Store.GetEventIdx(eventID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "M_NOT_FOUND", "event not found")
		return
	}
	raw, err := s.Store.GetEventJSON(idx, storeReadOpts())
	if err != nil {
		s.writeErrKind(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": []json.RawMessage{raw}})
}

// handleEventAuth serves GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}:
// the full auth chain of eventID, per §4.2.1/§6.1 as raw PDUs, or (S6,
// ?ids_only=true) as bare event ids via authchain.ChainIDs.
func (s *Server) handleEventAuth(w http.ResponseWriter, r *http.Request) {
	eventID := vars(r)["eventID"]

	e, _, err := s.Store.EventByID(eventID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "M_NOT_FOUND", "event not found")
		return
	}

	if r.URL.Query().Get("ids_only") == "true" {
		ids, err := authchain.ChainIDs(s.Store, e)
		if err != nil {
			s.writeErrKind(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"auth_chain_ids": ids})
		return
	}

	chain, err := authchain.Chain(s.Store, e)
	if err != nil {
		s.writeErrKind(w, err)
		return
	}

	pdus := make([]json.RawMessage, 0, len(chain))
	for _, idx := range chain {
		raw, err := s.Store.GetEventJSON(idx, storeReadOpts())
		if err != nil {
			continue
		}
		pdus = append(pdus, raw)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"auth_chain": pdus})
}

// handleState serves GET /_matrix/federation/v1/state/{roomID}?event_id=...:
// the room's current resolved state (and its auth chain), per §3.3/§6.1.
// event_id is required, but the state returned is the current one, not the
// state as of that event.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	roomID := vars(r)["roomID"]
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		s.writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "event_id is required")
		return
	}

	state, err := s.Store.GetRoomState(roomID)
	if err != nil {
		s.writeErrKind(w, err)
		return
	}

	idsOnly := r.URL.Query().Get("format") == "event_ids" || r.URL.Query().Get("ids_only") == "true"

	var pdus []json.RawMessage
	var authIdx = map[uint64]bool{}
	for _, idx := range state {
		raw, err := s.Store.GetEventJSON(idx, storeReadOpts())
		if err != nil {
			continue
		}
		pdus = append(pdus, raw)

		e, err := s.Store.EventByIdx(idx)
		if err == nil {
			if chain, err := authchain.Chain(s.Store, e); err == nil {
				for _, aidx := range chain {
					authIdx[aidx] = true
				}
			}
		}
	}

	var authChain []json.RawMessage
	for idx := range authIdx {
		raw, err := s.Store.GetEventJSON(idx, storeReadOpts())
		if err != nil {
			continue
		}
		authChain = append(authChain, raw)
	}

	if idsOnly {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"pdu_ids":       rawIDs(pdus),
			"auth_chain_ids": rawIDs(authChain),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": pdus, "auth_chain": authChain})
}

// handleBackfill serves GET /_matrix/federation/v1/backfill/{roomID}?event_id=...&limit=...:
// up to limit events walking backwards from event_id in depth order,
// per §4.5's backfill fetch op and §6.1's endpoint.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	roomID := vars(r)["roomID"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	order, err := s.Store.RoomDepthOrder(roomID)
	if err != nil {
		s.writeErrKind(w, err)
		return
	}

	fromIdx := len(order)
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		if idx, err := s.Store.GetEventIdx(eventID); err == nil {
			for i, oidx := range order {
				if oidx == idx {
					fromIdx = i + 1
					break
				}
			}
		}
	}

	start := fromIdx - limit
	if start < 0 {
		start = 0
	}
	pdus := make([]json.RawMessage, 0, fromIdx-start)
	for i := fromIdx - 1; i >= start; i-- {
		raw, err := s.Store.GetEventJSON(order[i], storeReadOpts())
		if err != nil {
			continue
		}
		pdus = append(pdus, raw)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": pdus})
}

// getMissingEventsRequest is the body of POST get_missing_events (§6.1):
// walk backward from latest_events, stopping at earliest_events, up to
// limit results and min_depth deep.
type getMissingEventsRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
}

func (s *Server) handleGetMissingEvents(w http.ResponseWriter, r *http.Request) {
	roomID := vars(r)["roomID"]
	var req getMissingEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid request body")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	earliest := map[string]bool{}
	for _, id := range req.EarliestEvents {
		earliest[id] = true
	}

	order, err := s.Store.RoomDepthOrder(roomID)
	if err != nil {
		s.writeErrKind(w, err)
		return
	}

	frontier := map[uint64]bool{}
	for _, id := range req.LatestEvents {
		if idx, err := s.Store.GetEventIdx(id); err == nil {
			frontier[idx] = true
		}
	}

	var pdus []json.RawMessage
	for i := len(order) - 1; i >= 0 && len(pdus) < req.Limit; i-- {
		idx := order[i]
		e, err := s.Store.EventByIdx(idx)
		if err != nil {
			continue
		}
		if earliest[e.EventID] {
			continue
		}
		referencesFrontier := len(frontier) == 0
		for _, prev := range e.PrevEvents {
			if pidx, err := s.Store.GetEventIdx(prev); err == nil && frontier[pidx] {
				referencesFrontier = true
			}
		}
		if !referencesFrontier {
			continue
		}
		raw, err := s.Store.GetEventJSON(idx, storeReadOpts())
		if err != nil {
			continue
		}
		pdus = append(pdus, raw)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": pdus})
}

// handleMakeJoin serves GET /_matrix/federation/v1/make_join/{roomID}/{userID}:
// this server does not yet implement room joins as a distinct workflow
// (joins arrive as ordinary m.room.member PDUs through /send), so this
// endpoint reports the room's current create-event room_version and lets
// the caller build its own join template, matching the minimal subset of
// the make_join contract that a fully-federating server must still answer.
func (s *Server) handleMakeJoin(w http.ResponseWriter, r *http.Request) {
	roomID := vars(r)["roomID"]
	state, err := s.Store.GetRoomState(roomID)
	if err != nil {
		s.writeErrKind(w, err)
		return
	}
	version := "1"
	if idx, ok := state[createStateKey()]; ok {
		if e, err := s.Store.EventByIdx(idx); err == nil {
			if v := e.ContentString("room_version"); v != "" {
				version = v
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"room_version": version})
}

// handleSend serves PUT /_matrix/federation/v1/send/{txnID}: the workhorse
// endpoint, admitting a transaction's PDUs through the VM exactly as any
// other inbound federation event (§4.3.4's Inbound preset: no re-fan-out,
// soft-fail on unresolved auth relations rather than hard rejection).
type sendRequest struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid request body")
		return
	}

	pduResults := map[string]interface{}{}
	for _, raw := range req.PDUs {
		e, err := parseEventID(raw)
		if err != nil {
			continue
		}
		roomID, version := s.roomVersionOf(raw)
		_, err = s.VM.Evaluate(r.Context(), roomID, version, raw, vm.Inbound(s.NodeID))
		if err != nil {
			pduResults[e] = map[string]string{"error": err.Error()}
			if s.Logger != nil {
				s.Logger.Debug("fedserver: send PDU rejected", zap.String("event_id", e), zap.Error(err))
			}
			continue
		}
		pduResults[e] = map[string]string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": pduResults})
}

// handleQueryAuth serves POST /_matrix/federation/v1/query_auth/{roomID}/{eventID}:
// the caller proposes an auth chain and diff for eventID and this server
// echoes back the chain it actually has, letting divergences settle
// through §4.2's normal state-resolution machinery rather than a bespoke
// merge here.
func (s *Server) handleQueryAuth(w http.ResponseWriter, r *http.Request) {
	eventID := vars(r)["eventID"]
	e, _, err := s.Store.EventByID(eventID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "M_NOT_FOUND", "event not found")
		return
	}
	chain, err := authchain.Chain(s.Store, e)
	if err != nil {
		s.writeErrKind(w, err)
		return
	}
	pdus := make([]json.RawMessage, 0, len(chain))
	for _, idx := range chain {
		if raw, err := s.Store.GetEventJSON(idx, storeReadOpts()); err == nil {
			pdus = append(pdus, raw)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"auth_chain": pdus,
		"missing":    []json.RawMessage{},
		"rejects":    map[string]interface{}{},
	})
}

// handlePublicRooms serves GET /_matrix/federation/v1/publicRooms. Room
// directory publication is out of scope for this core (SPEC_FULL.md names
// it a non-goal); an empty, well-formed response keeps directory-crawling
// peers from treating this server as broken rather than merely private.
func (s *Server) handlePublicRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunk":      []interface{}{},
		"total_room_count_estimate": 0,
	})
}

// handleUserDevices serves GET /_matrix/federation/v1/user/devices/{userID}.
// Device/E2E-encryption tracking is out of this core's scope; a minimal
// stream_id-and-empty-devices reply keeps the endpoint's shape valid for
// callers that unconditionally probe it before falling back to no
// encryption support for the user.
func (s *Server) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := vars(r)["userID"]
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"stream_id":  0,
		"devices":    []interface{}{},
	})
}

func (s *Server) handleUserKeysQuery(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_keys":     map[string]interface{}{},
		"master_keys":     map[string]interface{}{},
		"self_signing_keys": map[string]interface{}{},
	})
}

func (s *Server) handleUserKeysClaim(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"one_time_keys": map[string]interface{}{}})
}

// writeErrKind maps this core's closed error taxonomy (internal/errs) onto
// HTTP status codes for federation responses, a mapping that belongs here
// rather than in errs itself since errs is deliberately transport-agnostic
// (§7).
func (s *Server) writeErrKind(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	errcode := "M_UNKNOWN"
	switch kind {
	case errs.NotFound:
		status, errcode = http.StatusNotFound, "M_NOT_FOUND"
	case errs.BadJSON:
		status, errcode = http.StatusBadRequest, "M_BAD_JSON"
	case errs.Conforms, errs.AuthFail:
		status, errcode = http.StatusForbidden, "M_FORBIDDEN"
	case errs.VerifyFail:
		status, errcode = http.StatusUnauthorized, "M_UNAUTHORIZED"
	case errs.Timeout:
		status, errcode = http.StatusGatewayTimeout, "M_TIMEOUT"
	case errs.Unavailable:
		status, errcode = http.StatusServiceUnavailable, "M_UNAVAILABLE"
	case errs.Incomplete:
		status, errcode = http.StatusConflict, "M_INCOMPLETE"
	case errs.Corruption, errs.Internal:
		status, errcode = http.StatusInternalServerError, "M_UNKNOWN"
	}
	s.writeError(w, status, errcode, err.Error())
}
