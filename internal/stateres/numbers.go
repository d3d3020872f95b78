package stateres

import "encoding/json"

func unmarshal(raw json.RawMessage, out interface{}) error {
	return json.Unmarshal(raw, out)
}

func asInt64(v interface{}, def int64) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return def
}
