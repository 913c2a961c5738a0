package cmd

import (
	"cequeue/internal/worker"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		workers    int
		migrate    bool
		reportWork time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start a Compute Engine node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, migrate)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			ce := rt.cfg.CE
			if workers > 0 {
				ce.WorkerCount = workers
			}
			node, err := worker.NewNode(ctx, ce, rt.queue, worker.DefaultRegistry(reportWork), rt.logs, rt.recorder)
			if err != nil {
				return err
			}
			return node.Run(ctx)
		},
	}

	command.Flags().IntVar(&workers, "workers", 0, "Number of workers (default CE_WORKER_COUNT)")
	command.Flags().BoolVar(&migrate, "migrate", false, "Apply SQL migrations before starting")
	command.Flags().DurationVar(&reportWork, "report-work", 500*time.Millisecond, "Simulated processing time of REPORT tasks")

	return command
}
