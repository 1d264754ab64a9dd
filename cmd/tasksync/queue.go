package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/c.mueller/tasksync/internal/app"
	"github.com/c.mueller/tasksync/internal/config"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/spf13/cobra"
)

func queueCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued operations",
	}

	// withQueue opens the configured store for one command
	withQueue := func(fn func(ctx context.Context, q *queue.Queue) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		ctx := context.Background()
		q, err := app.OpenQueue(ctx, cfg, notify.New())
		if err != nil {
			return err
		}
		defer q.Close()
		return fn(ctx, q)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show pending and failed counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				c, err := q.Counts(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Pending: %d\nFailed:  %d\n", c.Pending, c.Failed)
				return nil
			})
		},
	})

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List every entry in enqueue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				entries, err := q.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}
				if len(entries) == 0 {
					fmt.Println("Queue is empty")
					return nil
				}
				for _, e := range entries {
					line := fmt.Sprintf("%s  %-10s  %-11s  retries=%d  %s",
						e.EnqueuedAt.Format("2006-01-02 15:04:05"), e.Status, e.Operation.Type(), e.RetryCount, e.ID)
					if e.LastError != "" {
						line += "  (" + e.LastError + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	list.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Reset failed entries to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				n, err := q.RetryAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Reset %d failed entries\n", n)
				return nil
			})
		},
	})

	var failed, pending, all bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard failed, pending or all entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var what string
			var fn func(*queue.Queue, context.Context) (int, error)
			switch {
			case all:
				what, fn = "all", (*queue.Queue).ClearAll
			case pending:
				what, fn = "pending", (*queue.Queue).ClearPending
			case failed:
				what, fn = "failed", (*queue.Queue).ClearFailed
			default:
				return fmt.Errorf("one of --failed, --pending or --all is required")
			}
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				n, err := fn(q, ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Cleared %d %s %s\n", n, what, plural(n, "entry", "entries"))
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&failed, "failed", false, "Discard failed entries")
	clearCmd.Flags().BoolVar(&pending, "pending", false, "Discard pending entries")
	clearCmd.Flags().BoolVar(&all, "all", false, "Discard every entry")
	clearCmd.MarkFlagsMutuallyExclusive("failed", "pending", "all")
	cmd.AddCommand(clearCmd)

	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
