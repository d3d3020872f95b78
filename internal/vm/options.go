package vm

// PhaseMask is a bitmask over Phase values, used by nothrows (downgrade FAIL
// to a logged error) and per-phase enable/disable (§4.3.3).
type PhaseMask uint32

func maskOf(phases ...Phase) PhaseMask {
	var m PhaseMask
	for _, p := range phases {
		m |= 1 << uint(p)
	}
	return m
}

// Has reports whether phase p is set in the mask.
func (m PhaseMask) Has(p Phase) bool { return m&(1<<uint(p)) != 0 }

// Mask builds a PhaseMask from the given phases, for callers outside this
// package assembling Options (e.g. internal/fetch's post-retrieval
// resubmission).
func Mask(phases ...Phase) PhaseMask { return maskOf(phases...) }

// Options configures one evaluation, per §4.3.3's enumerated option set.
type Options struct {
	// NotifyServers: true for local injection (federation must fan the
	// event out), false for inbound events received over federation.
	NotifyServers bool

	// Replays: accept an event whose event_id already exists as an
	// idempotent no-op rather than a NOT-UNIQUE failure (§8 invariant 5).
	Replays bool

	// Nothrows downgrades FAIL on the listed phases to a logged error
	// instead of aborting the evaluation; used for soft-fail policies.
	Nothrows PhaseMask

	// Disabled skips the listed phases entirely; used by debugging tools
	// and trusted bulk-load paths.
	Disabled PhaseMask

	// RoomHead: whether WRITE updates the head set in the event's own
	// transaction; NOTIFY does not touch the head set.
	RoomHead bool
	// RoomHeadResolve forces a head-set recomputation after commit.
	RoomHeadResolve bool

	// NodeID/UserID identify the submitter. The pipeline does not read
	// them: ACCESS checks the event's own origin and sender.
	NodeID string
	UserID string

	InfologAccept  bool
	DebuglogAccept bool

	// Limit is a cap on events consumed from a batch input (zero means
	// unlimited); Evaluate takes a single event and does not read it.
	Limit int
}

// LocalInjection is the option set for events authored by this server's own
// users (§8's S1 scenario): notify federation, resolve heads eagerly.
func LocalInjection(userID string) Options {
	return Options{NotifyServers: true, RoomHead: true, RoomHeadResolve: true, UserID: userID}
}

// Inbound is the option set for events received over federation: do not
// re-notify federation, and soft-fail rather than hard-fail on AUTH_RELA so
// the event is retained for causality (§4.3.4's SOFT FAIL definition).
func Inbound(nodeID string) Options {
	return Options{
		NotifyServers: false,
		RoomHead:      true,
		NodeID:        nodeID,
		Nothrows:      maskOf(PhaseAuthRela),
	}
}

// FetchedEvent is the option set for an event retrieved by the fetch
// coordinator and resubmitted for evaluation: FETCH_PREV is downgraded to
// nothrows since a freshly fetched event may itself reference further
// missing prevs, and RoomHeadResolve forces the head set to catch up
// immediately (§4.5 policy e).
func FetchedEvent(nodeID string) Options {
	return Options{
		NotifyServers:   false,
		RoomHead:        true,
		RoomHeadResolve: true,
		NodeID:          nodeID,
		Nothrows:        maskOf(PhaseAuthRela, PhaseFetchPrev),
	}
}
