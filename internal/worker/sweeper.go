package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resetter puts tasks claimed more than olderThan ago back to pending.
type Resetter interface {
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper recovers tasks orphaned by a crashed node: it runs once on Start,
// then on the configured cron schedule.
type Sweeper struct {
	resetter   Resetter
	staleAfter time.Duration
	cron       *cron.Cron
	ctx        context.Context
}

func NewSweeper(ctx context.Context, r Resetter, staleAfter time.Duration, schedule string) (*Sweeper, error) {
	logger := cronLogger{log.Ctx(ctx)}
	s := &Sweeper{
		resetter:   r,
		staleAfter: staleAfter,
		ctx:        ctx,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.Sweep(s.ctx) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	_, _ = s.Sweep(s.ctx)
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.resetter.ResetStale(ctx, s.staleAfter)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("stale task sweep failed")
		return 0, err
	}
	log.Ctx(ctx).Debug().Int64("reset", n).Msg("stale task sweep done")
	return n, nil
}

type cronLogger struct {
	l *zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
