// Package verify implements the VERIFY phase: an event's claimed content
// hash and its origin server's Ed25519 signature, checked against the
// signing keys internal/keys resolves (§6.2, §4.3.1).
package verify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/keys"
)

// KeyFetcher resolves a server's current signing keys, satisfied by
// *keys.Server in production and a stub in tests.
type KeyFetcher interface {
	Fetch(ctx context.Context, serverName string) (canonical.ServerKeyDescriptor, error)
}

var _ KeyFetcher = (*keys.Server)(nil)

// Verifier implements vm.Verifier against a KeyFetcher.
type Verifier struct {
	Keys KeyFetcher
}

// New builds a Verifier resolving keys through kf.
func New(kf KeyFetcher) *Verifier {
	return &Verifier{Keys: kf}
}

// VerifyEvent checks e.Hashes["sha256"] and every signature under
// e.Signatures[e.Origin] against the origin's currently published verify
// keys. A room-create event with no prior state is not special-cased here;
// its authenticity still rests on origin's signature, same as any event.
func (v *Verifier) VerifyEvent(ctx context.Context, e *event.Event) error {
	claimedHash, ok := e.Hashes["sha256"]
	if !ok || claimedHash == "" {
		return errs.New(errs.VerifyFail, "event carries no sha256 hash")
	}

	sigs, ok := e.Signatures[e.Origin]
	if !ok || len(sigs) == 0 {
		return errs.New(errs.VerifyFail, "event carries no signature from its origin")
	}

	descriptor, err := v.Keys.Fetch(ctx, e.Origin)
	if err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("fetch signing keys for %s", e.Origin), err)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return errs.Wrap(errs.BadJSON, "marshal event for verification", err)
	}

	var lastErr error
	for keyID, sig := range sigs {
		entry, ok := descriptor.VerifyKeys[keyID]
		if !ok {
			lastErr = errs.New(errs.VerifyFail, "unknown key id "+keyID)
			continue
		}
		pub, err := decodeVerifyKey(entry.Key)
		if err != nil {
			lastErr = err
			continue
		}
		if err := canonical.VerifyEventSignature(raw, claimedHash, pub, sig); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errs.New(errs.VerifyFail, "no verifiable signature found")
	}
	return lastErr
}

func decodeVerifyKey(encoded string) (ed25519.PublicKey, error) {
	pub, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		if pub, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, errs.Wrap(errs.VerifyFail, "decode verify key", err)
		}
	}
	return ed25519.PublicKey(pub), nil
}
