package verify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/event"
)

type stubKeys struct {
	descriptor canonical.ServerKeyDescriptor
	err        error
}

func (s stubKeys) Fetch(ctx context.Context, serverName string) (canonical.ServerKeyDescriptor, error) {
	return s.descriptor, s.err
}

func signedEvent(t *testing.T, kp canonical.KeyPair, origin string) *event.Event {
	t.Helper()
	empty := ""
	e := event.Event{
		RoomID: "!r:h", Type: event.TypeCreate, StateKey: &empty, Sender: "@a:h", Origin: origin,
		PrevEvents: []string{}, AuthEvents: []string{}, Content: json.RawMessage(`{"creator":"@a:h"}`),
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	hash, sig, err := canonical.SignEvent(raw, kp)
	require.NoError(t, err)
	e.Hashes = map[string]string{"sha256": hash}
	e.Signatures = map[string]map[string]string{origin: {kp.KeyID: sig}}
	return &e
}

func TestVerifyEvent_AcceptsValidSignature(t *testing.T) {
	kp, err := canonical.GenerateKeyPair("1")
	require.NoError(t, err)
	e := signedEvent(t, kp, "origin.example")

	descriptor := canonical.ServerKeyDescriptor{
		ServerName: "origin.example",
		VerifyKeys: map[string]canonical.VerifyKeyEntry{
			kp.KeyID: {Key: base64RawStd(kp.PublicKey)},
		},
	}
	v := New(stubKeys{descriptor: descriptor})
	assert.NoError(t, v.VerifyEvent(context.Background(), e))
}

func TestVerifyEvent_RejectsTamperedContent(t *testing.T) {
	kp, err := canonical.GenerateKeyPair("1")
	require.NoError(t, err)
	e := signedEvent(t, kp, "origin.example")
	e.Content = json.RawMessage(`{"creator":"@mallory:h"}`)

	descriptor := canonical.ServerKeyDescriptor{
		VerifyKeys: map[string]canonical.VerifyKeyEntry{kp.KeyID: {Key: base64RawStd(kp.PublicKey)}},
	}
	v := New(stubKeys{descriptor: descriptor})
	assert.Error(t, v.VerifyEvent(context.Background(), e))
}

func TestVerifyEvent_RejectsMissingSignature(t *testing.T) {
	e := &event.Event{RoomID: "!r:h", Type: event.TypeCreate, Origin: "origin.example"}
	e.Hashes = map[string]string{"sha256": "x"}
	v := New(stubKeys{})
	assert.Error(t, v.VerifyEvent(context.Background(), e))
}

func base64RawStd(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}
