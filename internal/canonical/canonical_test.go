package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAndDropsWhitespace(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"b": json.Number("1"),
		"a": "x",
		"c": []interface{}{json.Number("1"), json.Number("2"), json.Number("3")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[1,2,3]}`, string(out))
}

func TestMarshal_DoesNotHTMLEscapeStrings(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"body": "<script>alert(1)</script> & 'quote'",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"body":"<script>alert(1)</script> & 'quote'"}`, string(out))
	assert.NotContains(t, string(out), `<`)
	assert.NotContains(t, string(out), `&`)
}

func TestMarshal_RejectsNonIntegerAndOutOfRangeNumbers(t *testing.T) {
	var obj map[string]interface{}
	require.NoError(t, DecodeNumberPreserving([]byte(`{"n":1.5}`), &obj))
	_, err := Marshal(obj)
	assert.Error(t, err)

	require.NoError(t, DecodeNumberPreserving([]byte(`{"n":9007199254740993}`), &obj))
	_, err = Marshal(obj)
	assert.Error(t, err)
}

func TestEncodePreimage_StripsSignedFields(t *testing.T) {
	raw := []byte(`{"type":"m.room.message","event_id":"$x","hashes":{"sha256":"abc"},"signatures":{"h":{"k":"v"}},"unsigned":{"age":5},"content":{"body":"hi"}}`)
	out, err := EncodePreimage(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"content":{"body":"hi"},"type":"m.room.message"}`, string(out))
}
