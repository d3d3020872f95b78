// Package backfill drives §4.4/§4.5's background retrieval: a periodic scan
// for rooms with an open sounding (a locally-known gap in the DAG), each
// tick handing the fetch coordinator the concrete list of missing
// references to chase down, plus Temporal-backed maintenance workflows for
// slower, operator-triggered room repair and purge.
package backfill

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/fetch"
	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/store"
)

// DefaultSchedule matches every 15 seconds, in seconds-precision cron
// syntax, the same tick rate the teacher's reconciler uses for its own
// periodic sweep.
const DefaultSchedule = "*/15 * * * * *"

// Sweeper runs the sounding scan on a cron schedule: every tick, every room
// with an open sounding gets its missing references handed to the fetch
// coordinator (§4.4's "sounding" query drives §4.5's fetch policy).
type Sweeper struct {
	Store  *store.Store
	DAG    *roomdag.Manager
	Fetch  *fetch.Coordinator
	Logger *zap.Logger

	Schedule string

	cron *cron.Cron
}

// Start builds and starts the cron scheduler, mirroring the teacher's
// cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger))) +
// AddFunc setup.
func (s *Sweeper) Start(ctx context.Context) error {
	schedule := s.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}

	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{s.Logger})))
	_, err := s.cron.AddFunc(schedule, func() {
		tickCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := s.tick(tickCtx); err != nil {
			s.Logger.Warn("backfill: sweep tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.Logger.Info("backfill: sweep started", zap.String("schedule", schedule))
	return nil
}

// Stop drains in-flight ticks and stops the scheduler.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// tick enumerates every known room and, for each with an open sounding,
// hands its missing references to the fetch coordinator.
func (s *Sweeper) tick(ctx context.Context) error {
	rooms, err := s.Store.AllRoomIDs()
	if err != nil {
		return err
	}

	for _, room := range rooms {
		_, _, hasGap, err := s.DAG.Sounding(room)
		if err != nil || !hasGap {
			continue
		}

		missing, err := s.DAG.MissingReferences(room)
		if err != nil || len(missing) == 0 {
			continue
		}

		s.Logger.Debug("backfill: sweep found open sounding",
			zap.String("room_id", room), zap.Int("missing", len(missing)))

		if err := s.Fetch.EnsureEvents(ctx, room, missing); err != nil {
			s.Logger.Debug("backfill: sweep fetch incomplete",
				zap.String("room_id", room), zap.Error(err))
		}
	}
	return nil
}

// cronLogger adapts *zap.Logger to cron.Logger, the same adaptation shape
// pkg/temporal's ZapAdapter uses for the Temporal SDK's logger interface.
type cronLogger struct{ z *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.z.Sugar().Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.z.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
