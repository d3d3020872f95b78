package authchain

import "encoding/json"

func jsonUnmarshal(raw json.RawMessage, out interface{}) error {
	return json.Unmarshal(raw, out)
}

func toInt64(v interface{}, def int64) int64 {
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

func toInt64Field(m map[string]interface{}, field string, def int64) int64 {
	if v, ok := m[field]; ok {
		return toInt64(v, def)
	}
	return def
}
