// Package roomversion centralizes the room-version-conditional behavior that
// the original implementation spread across small string branches on
// room_version (SPEC_FULL.md Open Question 3): event-id derivation, which
// state-resolution algorithm applies, and two per-version auth flags
// (StrictPowerLevelInts, SpecialCaseAliasesAuth). auth_events selection does
// not vary by room version.
package roomversion

import (
	"github.com/matrixcore/homeserver/internal/errs"
)

// ID names a supported Matrix room version.
type ID string

const (
	V1 ID = "1"
	V2 ID = "2"
	V3 ID = "3"
	V4 ID = "4"
	V5 ID = "5"
	V6 ID = "6"
)

// ResolutionAlgorithm names the state-conflict resolution algorithm a
// room version uses (§4.2.4).
type ResolutionAlgorithm string

const (
	ResolutionV1 ResolutionAlgorithm = "v1" // control events first, then power, depth, event_id
	ResolutionV2 ResolutionAlgorithm = "v2" // power, depth, event_id; no control-event precedence, no auth-difference step
)

// Strategy bundles the room-version-dependent decisions a single component
// would otherwise implement as conditionals.
type Strategy struct {
	Version ID

	// ContentAddressedEventIDs is true for room versions >= 3 (§3.1).
	ContentAddressedEventIDs bool

	// Resolution names the conflict-resolution algorithm (§4.2.4).
	Resolution ResolutionAlgorithm

	// StrictPowerLevelInts marks room version 6, which tightened power-level
	// parsing versus earlier, more lenient versions. No component reads it:
	// authchain parses power-level values the same way for every version.
	StrictPowerLevelInts bool

	// SpecialCaseAliasesAuth marks the room versions in which m.room.aliases
	// events skip the standard state-dependent power check. No component
	// reads it: authchain applies the standard check in every version.
	SpecialCaseAliasesAuth bool
}

// For returns the Strategy for a given room version string, or an error if
// the version is not one of the six supported by this server (§1's
// "Pluggable event schemas beyond Matrix room versions 1-6" non-goal).
func For(version string) (Strategy, error) {
	switch ID(version) {
	case V1:
		return Strategy{Version: V1, ContentAddressedEventIDs: false, Resolution: ResolutionV1, SpecialCaseAliasesAuth: true}, nil
	case V2:
		return Strategy{Version: V2, ContentAddressedEventIDs: false, Resolution: ResolutionV2, SpecialCaseAliasesAuth: true}, nil
	case V3:
		return Strategy{Version: V3, ContentAddressedEventIDs: true, Resolution: ResolutionV2, SpecialCaseAliasesAuth: true}, nil
	case V4:
		return Strategy{Version: V4, ContentAddressedEventIDs: true, Resolution: ResolutionV2, SpecialCaseAliasesAuth: true}, nil
	case V5:
		return Strategy{Version: V5, ContentAddressedEventIDs: true, Resolution: ResolutionV2, SpecialCaseAliasesAuth: true}, nil
	case V6:
		return Strategy{Version: V6, ContentAddressedEventIDs: true, Resolution: ResolutionV2, StrictPowerLevelInts: true, SpecialCaseAliasesAuth: false}, nil
	default:
		return Strategy{}, errs.New(errs.Conforms, "unsupported room version: "+version)
	}
}

// Supported reports whether version is one of the six this server accepts.
func Supported(version string) bool {
	_, err := For(version)
	return err == nil
}
