// Package worker runs the Compute Engine of a node: a bounded pool fed by a
// fixed-delay scheduler, plus the stale task sweep.
package worker

import (
	"cequeue/internal/celog"
	"cequeue/internal/config"
	"cequeue/internal/metrics"
	"cequeue/internal/usecase"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Node is one Compute Engine instance. Several nodes may share a store.
type Node struct {
	Queue     *usecase.Queue
	Scheduler *Scheduler
	Sweeper   *Sweeper
}

func NewNode(ctx context.Context, cfg config.CE, q *usecase.Queue, reg *usecase.Registry, logs *celog.Logs, rec *metrics.Recorder) (*Node, error) {
	runnable := &usecase.Runnable{
		Queue:     q,
		Registry:  reg,
		Logs:      logs,
		Metrics:   rec,
		Heartbeat: cfg.Heartbeat,
	}
	sched := NewScheduler(runnable, Options{
		Workers:         cfg.WorkerCount,
		Delay:           cfg.Delay,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	sweeper, err := NewSweeper(ctx, q, cfg.StaleAfter, cfg.SweepSchedule)
	if err != nil {
		return nil, err
	}
	return &Node{Queue: q, Scheduler: sched, Sweeper: sweeper}, nil
}

func (n *Node) Start(ctx context.Context) {
	n.Sweeper.Start()
	n.Scheduler.Start(ctx)
}

func (n *Node) Stop(ctx context.Context) error {
	n.Sweeper.Stop()
	if err := n.Scheduler.Stop(ctx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

// Run starts the node and blocks until SIGINT or SIGTERM, then shuts it down.
func (n *Node) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n.Start(ctx)
	<-ctx.Done()
	log.Ctx(ctx).Info().Msg("shutdown signal received")

	return n.Stop(context.WithoutCancel(ctx))
}
