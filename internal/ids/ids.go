// Package ids parses and validates the sigil-prefixed identifiers of §6.3:
// events ($), rooms (!), users (@), room aliases (#), and groups (+).
package ids

import (
	"strings"

	"github.com/matrixcore/homeserver/internal/errs"
)

// Sigil is the leading byte that names an identifier's kind.
type Sigil byte

const (
	SigilEvent Sigil = '$'
	SigilRoom  Sigil = '!'
	SigilUser  Sigil = '@'
	SigilAlias Sigil = '#'
	SigilGroup Sigil = '+'
)

// ID is a parsed <sigil><localpart>[:<server_name>] identifier.
type ID struct {
	Sigil     Sigil
	Localpart string
	Server    string // empty for room versions >= 3 event ids
	Raw       string
}

// Parse splits raw into its sigil, localpart, and server components.
// Event ids in room versions >= 3 may omit the server component entirely.
func Parse(raw string) (ID, error) {
	if len(raw) < 2 {
		return ID{}, errs.New(errs.BadJSON, "identifier too short: "+raw)
	}
	sigil := Sigil(raw[0])
	switch sigil {
	case SigilEvent, SigilRoom, SigilUser, SigilAlias, SigilGroup:
	default:
		return ID{}, errs.New(errs.BadJSON, "unknown sigil in identifier: "+raw)
	}

	rest := raw[1:]
	localpart, server, _ := strings.Cut(rest, ":")

	if localpart == "" && sigil != SigilEvent {
		return ID{}, errs.New(errs.BadJSON, "empty localpart in identifier: "+raw)
	}
	if server == "" && sigil != SigilEvent {
		return ID{}, errs.New(errs.BadJSON, "identifier missing server name: "+raw)
	}

	return ID{Sigil: sigil, Localpart: localpart, Server: server, Raw: raw}, nil
}

// MustParse panics on a malformed identifier; used only for identifiers this
// server itself constructed (e.g. formatting a new local event id).
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// IsUser reports whether raw is a syntactically valid user id.
func IsUser(raw string) bool {
	id, err := Parse(raw)
	return err == nil && id.Sigil == SigilUser
}

// SameServer reports whether two identifiers name the same server_name.
func SameServer(a, b string) bool {
	ia, erra := Parse(a)
	ib, errb := Parse(b)
	if erra != nil || errb != nil {
		return false
	}
	return ia.Server == ib.Server
}

// NewLocalEventID formats a server-assigned event id, used for room versions
// 1-2 where the id is not content-addressed (§3.1).
func NewLocalEventID(localID, serverName string) string {
	return string(SigilEvent) + localID + ":" + serverName
}
