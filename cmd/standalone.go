package cmd

import (
	"cequeue/internal/api"
	"cequeue/internal/worker"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func standaloneCmd() *cobra.Command {
	var (
		port       int
		workers    int
		reportWork time.Duration
	)

	var command = &cobra.Command{
		Use:   "standalone",
		Short: "Start the API and a Compute Engine node in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			ce := rt.cfg.CE
			if workers > 0 {
				ce.WorkerCount = workers
			}
			if port == 0 {
				port = rt.cfg.HTTP.Port
			}

			node, err := worker.NewNode(ctx, ce, rt.queue, worker.DefaultRegistry(reportWork), rt.logs, rt.recorder)
			if err != nil {
				return err
			}
			node.Start(ctx)

			server := api.NewServer(api.Deps{
				Queue:    rt.queue,
				Engine:   node.Scheduler,
				Logs:     rt.logs,
				Metrics:  rt.recorder,
				Provider: rt.provider,
			})
			serveErr := server.Run(ctx, port)
			if serveErr != nil {
				log.Ctx(ctx).Error().Err(serveErr).Msg("api server failed")
			}

			stopErr := node.Stop(context.WithoutCancel(ctx))
			return errors.Join(serveErr, stopErr)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 0, "Port to run the server on (default HTTP_PORT)")
	command.Flags().IntVar(&workers, "workers", 0, "Number of workers (default CE_WORKER_COUNT)")
	command.Flags().DurationVar(&reportWork, "report-work", 500*time.Millisecond, "Simulated processing time of REPORT tasks")
	return command
}
