package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/events"
	"github.com/ericvicenti/botical-sub001/internal/manifest"
	"github.com/ericvicenti/botical-sub001/internal/process"
	"github.com/ericvicenti/botical-sub001/internal/workerchannel"
)

// runEventBuffer is generous because a subscriber that falls behind is dropped
const runEventBuffer = 4096

var prefixStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

func init() {
	runCmd := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Spawn a manifest locally and stream its output until every process ends",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	defs, err := m.Definitions()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	channel := workerchannel.New(workerchannel.Config{
		RestartDelay: cfg.Worker.RestartDelay.Duration,
	}, &workerchannel.InProcessSpawner{Config: workerConfig(cfg), Logger: logger.Named("worker")}, logger.Named("channel"))
	channel.Start(context.Background())
	defer channel.Close()

	hub := events.NewHub(runEventBuffer, logger.Named("events"))
	svc := process.NewService(store, channel, hub, logger.Named("process"))

	sub := hub.Subscribe("")
	defer sub.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	names := make(map[string]string, len(defs))
	for _, def := range defs {
		p, err := svc.Spawn(ctx, def, cfg.General.BasePath)
		if err != nil {
			return fmt.Errorf("spawning %s: %w", manifest.Name(def), err)
		}
		names[p.ID] = manifest.Name(def)
	}

	prefix := func(id string) string {
		if len(names) == 1 {
			return ""
		}
		return prefixStyle.Render("["+names[id]+"]") + " "
	}

	interrupted := ctx.Done()
	remaining := len(names)
	var unsuccessful int
	for remaining > 0 {
		select {
		case <-interrupted:
			interrupted = nil
			for id := range names {
				if err := svc.Kill(context.Background(), id); err != nil {
					logger.Debugw("kill on interrupt", "id", id, "error", err)
				}
			}
		case e, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("output stream fell behind")
			}
			if _, mine := names[e.ProcessID]; !mine {
				continue
			}
			switch e.Type {
			case events.ProcessOutput:
				fmt.Fprint(os.Stdout, prefix(e.ProcessID)+e.Data)
			case events.ProcessExited, events.ProcessKilled:
				remaining--
				if e.Status != domain.StatusCompleted {
					unsuccessful++
				}
				fmt.Fprintf(os.Stderr, "%s%s %s\n", prefix(e.ProcessID), names[e.ProcessID], statusStyle(e.Status).Render(describeEnd(e.Status, e.ExitCode)))
			}
		}
	}

	if unsuccessful > 0 {
		return fmt.Errorf("%d of %d processes did not complete", unsuccessful, len(names))
	}
	return nil
}

func describeEnd(status domain.ProcessStatus, exitCode *int) string {
	if exitCode == nil {
		return string(status)
	}
	return fmt.Sprintf("%s (exit %d)", status, *exitCode)
}
