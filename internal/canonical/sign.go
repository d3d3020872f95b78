package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/matrixcore/homeserver/internal/errs"
	"golang.org/x/crypto/ed25519"
)

func b64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// HashSHA256 computes the base64-encoded sha256 hash of a canonical
// preimage, the value stored at event.hashes.sha256 (§3.1).
func HashSHA256(preimage []byte) string {
	sum := sha256.Sum256(preimage)
	return b64(sum[:])
}

// KeyPair is a homeserver signing identity: an Ed25519 key under a key id
// of the form "ed25519:<version>", matching §6.1's key_id convention.
type KeyPair struct {
	KeyID      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new signing identity with the given key version.
func GenerateKeyPair(version string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return KeyPair{}, errs.Wrap(errs.Internal, "generate ed25519 key", err)
	}
	return KeyPair{KeyID: fmtKeyID(version), PublicKey: pub, PrivateKey: priv}, nil
}

// Sign signs a canonical preimage, returning the base64 signature to be
// stored at event.signatures[origin][key_id].
func (kp KeyPair) Sign(preimage []byte) string {
	return b64(ed25519.Sign(kp.PrivateKey, preimage))
}

// Verify checks a base64 signature against a canonical preimage.
func Verify(pub ed25519.PublicKey, preimage []byte, sigB64 string) error {
	sig, err := unb64(sigB64)
	if err != nil {
		return errs.Wrap(errs.VerifyFail, "decode signature", err)
	}
	if !ed25519.Verify(pub, preimage, sig) {
		return errs.New(errs.VerifyFail, "signature does not verify")
	}
	return nil
}

// ComputeEventHash strips event_id/hashes/signatures/unsigned from raw event
// JSON, canonicalizes it, and returns the base64 sha256 digest plus the
// preimage bytes (the preimage is also needed by SignEvent/VerifyEvent).
func ComputeEventHash(raw []byte) (hash string, preimage []byte, err error) {
	preimage, err = EncodePreimage(raw)
	if err != nil {
		return "", nil, err
	}
	return HashSHA256(preimage), preimage, nil
}

// DeriveEventID computes the room-version >= 3 content-addressed event id:
// "$" + base64(sha256(canonical_preimage)).
func DeriveEventID(raw []byte) (string, error) {
	preimage, err := EncodePreimage(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(preimage)
	return "$" + b64(sum[:]), nil
}

// hashesPreimage is the preimage used for the signature: the canonical form
// with the hashes field re-added (event_id/signatures/unsigned still
// stripped), matching the Matrix reference algorithm where hashing happens
// before signing and the hash IS covered by the signature.
func hashesPreimage(raw []byte, hash string) ([]byte, error) {
	var obj map[string]interface{}
	if err := DecodeNumberPreserving(raw, &obj); err != nil {
		return nil, errs.Wrap(errs.BadJSON, "decode event json", err)
	}
	delete(obj, "event_id")
	delete(obj, "signatures")
	delete(obj, "unsigned")
	obj["hashes"] = map[string]interface{}{"sha256": hash}
	return Marshal(obj)
}

// SignEvent computes the content hash of raw event JSON, then signs the
// hash-annotated preimage, returning the hash and signature to be merged
// back into the event's hashes/signatures objects by the caller.
func SignEvent(raw []byte, kp KeyPair) (hash, signature string, err error) {
	preimage, err := EncodePreimage(raw)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(preimage)
	hash = b64(sum[:])

	signPreimage, err := hashesPreimage(raw, hash)
	if err != nil {
		return "", "", err
	}
	signature = kp.Sign(signPreimage)
	return hash, signature, nil
}

// VerifyEventSignature re-derives the hash-annotated preimage from raw event
// JSON and checks it against a claimed signature, per §4.3.1's VERIFY phase.
func VerifyEventSignature(raw []byte, claimedHash string, pub ed25519.PublicKey, signature string) error {
	signPreimage, err := hashesPreimage(raw, claimedHash)
	if err != nil {
		return err
	}
	return Verify(pub, signPreimage, signature)
}

// ServerKeyDescriptor is the body of GET /_matrix/key/v2/server/{key_id?}.
type ServerKeyDescriptor struct {
	ServerName    string                       `json:"server_name"`
	ValidUntilTS  int64                         `json:"valid_until_ts"`
	VerifyKeys    map[string]VerifyKeyEntry     `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKeyEntry  `json:"old_verify_keys,omitempty"`
	Signatures    map[string]map[string]string  `json:"signatures"`
}

// VerifyKeyEntry names a currently-valid public key.
type VerifyKeyEntry struct {
	Key string `json:"key"`
}

// OldVerifyKeyEntry names a retired public key kept for verifying old events.
type OldVerifyKeyEntry struct {
	Key          string `json:"key"`
	ExpiredTS    int64  `json:"expired_ts"`
}

// SignServerKeyDescriptor signs a server-key descriptor's own canonical form
// and attaches the resulting self-signature under signatures[serverName].
func SignServerKeyDescriptor(d ServerKeyDescriptor, kp KeyPair) (ServerKeyDescriptor, error) {
	if d.Signatures == nil {
		d.Signatures = map[string]map[string]string{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return d, errs.Wrap(errs.Internal, "marshal server key descriptor", err)
	}
	preimage, err := EncodePreimage(raw)
	if err != nil {
		return d, err
	}
	sig := kp.Sign(preimage)
	if d.Signatures[d.ServerName] == nil {
		d.Signatures[d.ServerName] = map[string]string{}
	}
	d.Signatures[d.ServerName][kp.KeyID] = sig
	return d, nil
}

// fmtKeyID formats a versioned Ed25519 key id.
func fmtKeyID(version string) string { return fmt.Sprintf("ed25519:%s", version) }
