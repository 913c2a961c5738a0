package worker

import (
	"cequeue/internal/domain"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type State string

const (
	StateStopped    State = "STOPPED"
	StateScheduling State = "SCHEDULING"
)

// Runner is one worker cycle. Run reports whether it processed a task.
type Runner interface {
	Run(ctx context.Context) bool
}

type RunnerFunc func(ctx context.Context) bool

func (f RunnerFunc) Run(ctx context.Context) bool { return f(ctx) }

type Options struct {
	Workers         int
	Delay           time.Duration
	ShutdownTimeout time.Duration
	Trigger         Trigger // FixedDelay when nil
}

type Stats struct {
	State   State `json:"state"`
	Workers int   `json:"workers"`
	Busy    int64 `json:"busy"`
}

// Scheduler feeds a bounded pool with worker cycles. Each pass fills the free
// slots; a slot whose cycle processed a task runs another one right away, an
// idle slot waits for the next pass.
type Scheduler struct {
	runner  Runner
	pool    *Pool
	trigger Trigger
	delay   time.Duration
	grace   time.Duration

	mu          sync.Mutex
	state       State
	stopTrigger func()
	runCtx      context.Context
	interrupt   context.CancelFunc
}

func NewScheduler(runner Runner, opts Options) *Scheduler {
	if opts.Trigger == nil {
		opts.Trigger = FixedDelay{}
	}
	return &Scheduler{
		runner:  runner,
		pool:    NewPool(opts.Workers),
		trigger: opts.Trigger,
		delay:   opts.Delay,
		grace:   opts.ShutdownTimeout,
		state:   StateStopped,
	}
}

// Start begins periodic scheduling. Calling it while already scheduling does
// nothing. Workers run with the values of ctx but are only cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateScheduling {
		log.Ctx(ctx).Info().Msg("scheduler already started")
		return
	}
	s.runCtx, s.interrupt = context.WithCancel(context.WithoutCancel(ctx))
	s.state = StateScheduling
	s.stopTrigger = s.trigger.Start(s.delay, s.pass)

	log.Ctx(ctx).Info().
		Int("workers", s.pool.Size()).
		Dur("delay", s.delay).
		Msg("scheduler started")
}

// TriggerNow runs an out-of-band pass. The periodic cadence is unchanged.
func (s *Scheduler) TriggerNow() {
	s.pass()
}

// Stop cancels the trigger and waits up to the shutdown timeout for in-flight
// tasks. Tasks still running after that are interrupted through their context
// and waited for until ctx is done. Stopping a stopped scheduler does nothing.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	stopTrigger, interrupt := s.stopTrigger, s.interrupt
	s.mu.Unlock()

	stopTrigger()
	defer interrupt()

	logger := log.Ctx(ctx)
	logger.Info().Int64("in_flight", s.pool.Busy()).Msg("stopping scheduler")

	graceCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	if err := s.pool.Wait(graceCtx); err == nil {
		logger.Info().Msg("scheduler stopped")
		return nil
	}

	logger.Warn().Int64("in_flight", s.pool.Busy()).Msg("shutdown timeout reached, interrupting tasks")
	interrupt()
	if err := s.pool.Wait(ctx); err != nil {
		return fmt.Errorf("tasks still running after interrupt: %w", err)
	}
	logger.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		State:   s.State(),
		Workers: s.pool.Size(),
		Busy:    s.pool.Busy(),
	}
}

func (s *Scheduler) pass() {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Err(fmt.Errorf("%w: %v", domain.ErrSchedulerCycle, p)).
				Bytes("stack", debug.Stack()).
				Msg("scheduling pass failed")
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScheduling {
		return
	}
	ctx := s.runCtx
	for i := 0; i < s.pool.Size(); i++ {
		if !s.pool.TrySubmit(func() { s.work(ctx) }) {
			return
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for s.runOnce(ctx) {
		if ctx.Err() != nil || s.State() != StateScheduling {
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) (processed bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Ctx(ctx).Error().
				Err(fmt.Errorf("%w: %v", domain.ErrSchedulerCycle, p)).
				Bytes("stack", debug.Stack()).
				Msg("worker cycle failed")
			processed = false
		}
	}()
	return s.runner.Run(ctx)
}
