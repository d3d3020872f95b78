// Package canonical implements Matrix canonical JSON (§6.2) and the
// hash/signature preimage rules of §3.1/§6.2: UTF-8, sorted object keys, no
// insignificant whitespace, integers restricted to the safe-integer range.
//
// No canonical-JSON library appears anywhere in the example pack, and one
// pulled from the wider ecosystem would need patching to match Matrix's
// exact key-ordering and float-rejection rules anyway, so this is
// implemented directly over encoding/json (see SPEC_FULL.md's stdlib
// justification section).
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/matrixcore/homeserver/internal/errs"
)

// strippedTopLevelKeys are removed from an event's JSON object before the
// canonical preimage is computed, per §3.1 and §6.2.
var strippedTopLevelKeys = map[string]bool{
	"event_id":   true,
	"hashes":     true,
	"signatures": true,
	"unsigned":   true,
}

// Marshal renders v (already decoded into a JSON-compatible value, typically
// map[string]interface{} or json.RawMessage re-decoded) as canonical JSON.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePreimage decodes raw event JSON, strips the fields excluded from the
// signed/hashed form, and returns the canonical preimage bytes.
func EncodePreimage(raw []byte) ([]byte, error) {
	var obj map[string]interface{}
	if err := DecodeNumberPreserving(raw, &obj); err != nil {
		return nil, errs.Wrap(errs.BadJSON, "decode event json", err)
	}
	for k := range strippedTopLevelKeys {
		delete(obj, k)
	}
	return Marshal(obj)
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case json.Number:
		return encodeNumber(buf, val)
	case float64:
		return encodeNumber(buf, json.Number(fmt.Sprintf("%v", val)))
	case map[string]interface{}:
		return encodeObject(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	default:
		return errs.New(errs.BadJSON, fmt.Sprintf("unsupported canonical JSON value type %T", v))
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString writes s as a JSON string with HTML escaping disabled: Matrix
// canonical JSON (§6.2) is a hash/signature preimage, not HTML output, and
// json.Marshal's default escaping of '<', '>', '&' to Unicode escape sequences
// would silently change the preimage from what every other homeserver
// computes for the same event.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return errs.Wrap(errs.BadJSON, "encode string", err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// safeIntegerBound is 2^53, the boundary named in §6.2.
const safeIntegerBound = 1 << 53

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if f, err := n.Float64(); err == nil {
		if f != math.Trunc(f) {
			return errs.New(errs.BadJSON, "canonical JSON forbids non-integer numbers: "+n.String())
		}
		if f >= safeIntegerBound || f <= -safeIntegerBound {
			return errs.New(errs.BadJSON, "integer out of canonical JSON safe range: "+n.String())
		}
	}
	buf.WriteString(n.String())
	return nil
}

// DecodeNumberPreserving decodes raw JSON using json.Number for integers so
// that round-tripping through canonical.Marshal does not lose precision or
// silently coerce to float64.
func DecodeNumberPreserving(raw []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
