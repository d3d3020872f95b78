package fedout

import (
	"net/http"
	"strconv"
)

// requestFor renders op into the exact federation HTTP endpoint template
// of §6.1 (bit-exact URI shapes, since interoperating servers parse them
// literally).
func requestFor(op Op, origin string, opts Options) (method, path string) {
	switch op {
	case OpVersion:
		return http.MethodGet, "/_matrix/federation/v1/version"

	case OpEvent:
		return http.MethodGet, "/_matrix/federation/v1/event/" + opts.EventID

	case OpAuth:
		return http.MethodGet, "/_matrix/federation/v1/event_auth/" + opts.RoomID + "/" + opts.EventID

	case OpState:
		return http.MethodGet, "/_matrix/federation/v1/state/" + opts.RoomID + "?event_id=" + opts.EventID

	case OpBackfill:
		limit := opts.Limit
		if limit <= 0 {
			limit = 100
		}
		return http.MethodGet, "/_matrix/federation/v1/backfill/" + opts.RoomID +
			"?event_id=" + opts.EventID + "&limit=" + strconv.Itoa(limit)

	case OpHead:
		return http.MethodGet, "/_matrix/federation/v1/make_join/" + opts.RoomID + "/" + opts.UserID

	case OpKeys:
		if opts.KeyID != "" {
			return http.MethodGet, "/_matrix/key/v2/server/" + opts.KeyID
		}
		return http.MethodGet, "/_matrix/key/v2/server"

	case OpSend:
		return http.MethodPut, "/_matrix/federation/v1/send/" + opts.EventID
	}
	return http.MethodGet, "/_matrix/federation/v1/version"
}
