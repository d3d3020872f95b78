package vm

import (
	"context"

	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/authchain"
	"github.com/matrixcore/homeserver/internal/canonical"
	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
	"github.com/matrixcore/homeserver/internal/notify"
	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/roomversion"
	"github.com/matrixcore/homeserver/internal/store"
)

// VM is the single funnel every event passes through before durable commit
// (§4.3's opening line). One VM instance owns the process-wide counters and
// is safe for concurrent Evaluate calls: per-room serialization happens at
// FETCH_PREV (§4.3.2), not by locking the whole VM.
type VM struct {
	Store    *store.Store
	Notify   *notify.Client
	Access   AccessChecker
	Verify   Verifier
	Fetch    Fetcher
	Sender   Sender
	Counters *Counters
	Logger   *zap.Logger

	// DAG records horizon entries when FETCH_AUTH/FETCH_PREV can't resolve
	// a reference (§4.4) and serves RoomHeadResolve's post-commit head-set
	// recomputation; nil disables both, which is fine for tests that never
	// expect a fetch to fail.
	DAG *roomdag.Manager
}

// New constructs a VM over its dependencies.
func New(st *store.Store, nt *notify.Client, access AccessChecker, verify Verifier, fetch Fetcher, logger *zap.Logger) *VM {
	return &VM{Store: st, Notify: nt, Access: access, Verify: verify, Fetch: fetch, Counters: &Counters{}, Logger: logger}
}

// Result is what Evaluate returns: the outcome of the run, the allocated
// event_idx (0 if ISSUE never ran), and whether the event was committed to
// current state (false for a soft-failed write).
type Result struct {
	EventIdx   uint64
	Applied    bool
	SoftFailed bool
	Outcome    *Outcome // nil on success
}

// Evaluate runs one event through the full pipeline of §4.3.1, honoring
// opts. It is the only path by which an event, local or remote, becomes
// durable.
func (m *VM) Evaluate(ctx context.Context, roomID, version string, raw []byte, opts Options) (Result, error) {
	strategy, err := roomversion.For(version)
	if err != nil {
		return Result{}, err
	}

	e, err := event.ParseJSON(raw)
	if err != nil {
		return Result{}, errs.Wrap(errs.BadJSON, "parse event", err)
	}
	e.RoomID = roomID

	ev := &evaluation{
		vm:       m,
		opts:     opts,
		event:    e,
		raw:      raw,
		strategy: strategy,
	}
	return ev.run(ctx)
}

// evaluation is one first-class pipeline run, per §4.3's "each evaluation is
// a first-class object with lifetime over the phase sequence."
type evaluation struct {
	vm       *VM
	opts     Options
	event    *event.Event
	raw      []byte
	strategy roomversion.Strategy

	idx        uint64
	auth       authchain.AuthEvents
	softFailed bool
}

func (ev *evaluation) run(ctx context.Context) (Result, error) {
	m := ev.vm

	if ev.event.EventID == "" && ev.strategy.ContentAddressedEventIDs {
		if id, err := canonical.DeriveEventID(ev.raw); err == nil {
			ev.event.EventID = id
		}
	}

	if exists, err := m.Store.HasEvent(ev.event.EventID); err == nil && exists {
		if !ev.opts.Replays {
			return Result{}, errs.New(errs.Conforms, "event already exists")
		}
		idx, _ := m.Store.GetEventIdx(ev.event.EventID)
		return Result{EventIdx: idx, Applied: true}, nil
	}

	for _, phase := range phaseOrder {
		if ev.opts.Disabled.Has(phase) {
			continue
		}
		outcome := ev.runPhase(ctx, phase)
		if outcome == nil {
			continue
		}
		if outcome.Severity == SeveritySoftFail {
			ev.softFailed = true
			if m.Logger != nil {
				m.Logger.Info("event soft-failed", zap.String("phase", phase.String()), zap.String("reason", outcome.Reason))
			}
			continue
		}
		if ev.opts.Nothrows.Has(phase) {
			if m.Logger != nil {
				m.Logger.Warn("phase failure downgraded by nothrows", zap.String("phase", phase.String()), zap.String("reason", outcome.Reason))
			}
			continue
		}
		if outcome.Severity == SeverityRetry {
			return Result{EventIdx: ev.idx, Outcome: outcome}, errs.New(errs.Timeout, outcome.Reason)
		}
		return Result{EventIdx: ev.idx, Outcome: outcome}, errs.New(errs.AuthFail, outcome.Reason)
	}

	return Result{EventIdx: ev.idx, Applied: !ev.softFailed, SoftFailed: ev.softFailed}, nil
}

func (ev *evaluation) runPhase(ctx context.Context, phase Phase) *Outcome {
	m := ev.vm
	switch phase {
	case PhaseIssue:
		ev.idx = m.Counters.NextIdx()
		m.Counters.markPending()
		return ok()

	case PhaseAccess:
		if m.Access == nil {
			return ok()
		}
		if err := m.Access.CheckAccess(ctx, ev.event.RoomID, ev.event.Origin, ev.event.Sender); err != nil {
			return failOutcome(err.Error())
		}
		return ok()

	case PhaseVerify:
		if m.Verify == nil {
			return ok()
		}
		if err := m.Verify.VerifyEvent(ctx, ev.event); err != nil {
			return failOutcome(err.Error())
		}
		return ok()

	case PhaseFetchAuth:
		if m.Fetch == nil || len(ev.event.AuthEvents) == 0 {
			return ok()
		}
		if err := m.Fetch.EnsureEvents(ctx, ev.event.RoomID, ev.event.AuthEvents); err != nil {
			ev.recordHorizonGaps(ev.event.AuthEvents)
			return retryOutcome(err.Error())
		}
		return ok()

	case PhaseFetchPrev:
		if m.Fetch == nil || len(ev.event.PrevEvents) == 0 {
			return ok()
		}
		if err := m.Fetch.EnsureEvents(ctx, ev.event.RoomID, ev.event.PrevEvents); err != nil {
			ev.recordHorizonGaps(ev.event.PrevEvents)
			return retryOutcome(err.Error())
		}
		return ok()

	case PhaseFetchState:
		if m.Fetch == nil {
			return ok()
		}
		if err := m.Fetch.EnsureState(ctx, ev.event.RoomID, ev.event.PrevEvents); err != nil {
			return softFailOutcome(err.Error())
		}
		return ok()

	case PhaseConform:
		return ev.conform()

	case PhaseAuthStatic:
		return ev.loadAuthAndCheck()

	case PhaseAuthRela:
		return ev.checkAgainstCurrentState(ctx)

	case PhaseAuthPres:
		return ev.checkAgainstPrevState(ctx)

	case PhaseWrite:
		return ev.write()

	case PhaseNotify:
		ev.notifyPostCommit(ctx)
		return ok()

	case PhaseRetire:
		m.Counters.advanceCommitted(ev.idx)
		m.Counters.advanceRetired(ev.idx)
		m.Counters.clearPending()
		return ok()
	}
	return ok()
}
