package keys

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/matrixcore/homeserver/internal/canonical"
)

func b64PublicKey(kp canonical.KeyPair) string {
	return base64.RawStdEncoding.EncodeToString(kp.PublicKey)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
