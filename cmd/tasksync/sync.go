package main

import (
	"context"
	"fmt"

	"github.com/c.mueller/tasksync/internal/app"
	"github.com/c.mueller/tasksync/internal/config"
	"github.com/spf13/cobra"
)

func syncCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run the queue once and report what is left",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Serf membership needs time to settle; one-shot runs probe instead
			if cfg.Connectivity.Mode == config.ModeSerf {
				cfg.Connectivity.Mode = config.ModeProbe
			}

			ctx := context.Background()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Stop()

			if !a.CheckConnectivity() {
				return fmt.Errorf("remote service at %s is unreachable", cfg.Remote.BaseURL)
			}
			if err := a.Processor.SyncNow(ctx); err != nil {
				return err
			}

			c, err := a.Queue.Counts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Sync finished: %d pending, %d failed\n", c.Pending, c.Failed)
			return nil
		},
	}
}
