package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ericvicenti/botical-sub001/internal/config"
	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/events"
	"github.com/ericvicenti/botical-sub001/internal/manifest"
	"github.com/ericvicenti/botical-sub001/internal/notify"
	"github.com/ericvicenti/botical-sub001/internal/process"
	"github.com/ericvicenti/botical-sub001/internal/retention"
	"github.com/ericvicenti/botical-sub001/internal/workerchannel"
	"github.com/ericvicenti/botical-sub001/web/api"
)

var (
	servePort     int
	serveManifest string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the process daemon and HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveManifest, "manifest", "", "spawn the processes in this manifest at startup")
	rootCmd.AddCommand(serveCmd)
}

// workerSpawner launches the configured worker binary, or this binary's own
// worker subcommand when none is configured
func workerSpawner(cfg *config.Config, logger *zap.SugaredLogger) (workerchannel.Spawner, error) {
	if cfg.Worker.Path != "" {
		return &workerchannel.ExecSpawner{Path: cfg.Worker.Path, Args: cfg.Worker.Args, Logger: logger}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating procd binary: %w", err)
	}
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &workerchannel.ExecSpawner{Path: exe, Args: args, Logger: logger}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	// Load the manifest before anything starts so a bad file fails fast
	var defs []domain.SpawnDefinition
	if serveManifest != "" {
		m, err := manifest.Load(serveManifest)
		if err != nil {
			return err
		}
		if defs, err = m.Definitions(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := events.NewHub(0, logger.Named("events"))
	sinks := []events.Sink{hub, events.NewLogSink(logger.Named("events"))}
	if cfg.Notify.Enabled() {
		notifier := notify.NewMultiNotifier(
			notify.NewSlackNotifier(cfg.Notify.WebhookURL),
			notify.NewDesktopNotifier(cfg.Notify.Desktop),
		)
		var statuses []domain.ProcessStatus
		for _, st := range cfg.Notify.On {
			statuses = append(statuses, domain.ProcessStatus(st))
		}
		notifySink := notify.NewSink(notifier, statuses, logger.Named("notify"))
		// Runs after channel.Close, which still publishes final exits
		defer notifySink.Close()
		sinks = append(sinks, notifySink)
	}

	spawner, err := workerSpawner(cfg, logger.Named("worker"))
	if err != nil {
		return err
	}
	channel := workerchannel.New(workerchannel.Config{
		RestartDelay: cfg.Worker.RestartDelay.Duration,
	}, spawner, logger.Named("channel"))
	// The channel outlives ctx so Close can collect final exits
	channel.Start(context.Background())
	defer channel.Close()

	svc := process.NewService(store, channel, events.NewMultiSink(sinks...), logger.Named("process"))

	if err := channel.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for worker: %w", err)
	}
	if _, err := svc.ReconcileOrphans(ctx); err != nil {
		return fmt.Errorf("reconciling orphans: %w", err)
	}

	for _, def := range defs {
		p, err := svc.Spawn(ctx, def, cfg.General.BasePath)
		if err != nil {
			return fmt.Errorf("spawning %s: %w", manifest.Name(def), err)
		}
		logger.Infow("spawned from manifest", "id", p.ID, "name", manifest.Name(def))
	}

	var sched *retention.Scheduler
	if cfg.Retention.Schedule != "" {
		if sched, err = retention.New(cfg.Retention.Schedule, cfg.Retention.Keep, svc, logger.Named("retention")); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(svc, hub, cfg.General.BasePath, addr, logger.Named("api"))
	g.Go(func() error {
		return server.Run(gctx)
	})
	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Infow("shutting down")
	return err
}
