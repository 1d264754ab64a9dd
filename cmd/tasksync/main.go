package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/c.mueller/tasksync/internal/config"
	"github.com/spf13/cobra"
)

var Version = "dev"

// slogWriter adapts slog to io.Writer interface for standard log package
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(string(p))
	return len(p), nil
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "tasksync",
		Short:         "Offline-first task client with a durable operation queue",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML)")

	load := func() (*config.Config, error) {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.LoadConfig(configPath); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
		setupLogging(cfg.LogLevel)
		return cfg, nil
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(queueCmd(load))
	rootCmd.AddCommand(syncCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging routes the standard logger through slog at the configured level
func setupLogging(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(level),
	}))
	slog.SetDefault(logger)
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})
}
