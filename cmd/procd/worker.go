package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ericvicenti/botical-sub001/internal/config"
	"github.com/ericvicenti/botical-sub001/internal/ptyworker"
)

func init() {
	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the PTY worker on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runWorker,
	}
	rootCmd.AddCommand(workerCmd)
}

func workerConfig(cfg *config.Config) ptyworker.Config {
	return ptyworker.Config{
		Shell:     cfg.Worker.Shell,
		KillGrace: cfg.Worker.KillGrace.Duration,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// The parent decides when we stop by closing stdin. A terminal ^C reaches
	// the whole process group and must not take the worker down first.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	worker := ptyworker.New(workerConfig(cfg), os.Stdin, os.Stdout, logger.Named("worker"))
	return worker.Run(ctx)
}
