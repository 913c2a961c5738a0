package cmd

import (
	"cequeue/internal/api"
	"cequeue/internal/config"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start the submission and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			if rt.cfg.Store.Driver == config.DriverMemory {
				return errors.New("the memory store is only reachable from its own process, use standalone")
			}
			if port == 0 {
				port = rt.cfg.HTTP.Port
			}

			server := api.NewServer(api.Deps{
				Queue:    rt.queue,
				Logs:     rt.logs,
				Metrics:  rt.recorder,
				Provider: rt.provider,
			})
			return server.Run(ctx, port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 0, "Port to run the server on (default HTTP_PORT)")
	return command
}
