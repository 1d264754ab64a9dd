package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c.mueller/tasksync/internal/app"
	"github.com/c.mueller/tasksync/internal/config"
	"github.com/spf13/cobra"
)

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the queue processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.HTTP.Port = port
			}

			slog.Info("Starting tasksync", "log_level", cfg.LogLevel, "connectivity", cfg.Connectivity.Mode)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Stop()

			if err := a.Start(); err != nil {
				return err
			}
			if err := a.Serve(ctx); err != nil {
				return err
			}

			slog.Info("Server exited")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (overrides config)")
	return cmd
}
