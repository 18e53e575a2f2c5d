package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/logtail"
	"github.com/ericvicenti/botical-sub001/internal/processstore"
)

var (
	listProject string
	listScope   string
	listScopeID string
	listStatus  []string
	listLimit   int

	outputLimit  int
	outputOffset int
	outputSince  time.Duration

	logsFollow bool

	trimKeep int
)

var (
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	killedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func init() {
	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listProject, "project", "", "filter by project")
	listCmd.Flags().StringVar(&listScope, "scope", "", "filter by scope (task, mission, project)")
	listCmd.Flags().StringVar(&listScopeID, "scope-id", "", "filter by scope id")
	listCmd.Flags().StringSliceVar(&listStatus, "status", nil, "filter by status (repeatable)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows, 0 for all")
	rootCmd.AddCommand(listCmd)

	// output command
	outputCmd := &cobra.Command{
		Use:   "output ID",
		Short: "Print stored output of a process",
		Args:  cobra.ExactArgs(1),
		RunE:  runOutput,
	}
	outputCmd.Flags().IntVar(&outputLimit, "limit", 0, "maximum chunks, 0 for all")
	outputCmd.Flags().IntVar(&outputOffset, "offset", 0, "chunks to skip")
	outputCmd.Flags().DurationVar(&outputSince, "since", 0, "only output newer than this, e.g. 10m")
	rootCmd.AddCommand(outputCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print the log file of a service process",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing as the log grows")
	rootCmd.AddCommand(logsCmd)

	// trim command
	trimCmd := &cobra.Command{
		Use:   "trim [ID]",
		Short: "Drop old output, keeping the newest chunks of one or every process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTrim,
	}
	trimCmd.Flags().IntVar(&trimKeep, "keep", 1000, "chunks to keep per process")
	rootCmd.AddCommand(trimCmd)

	// delete command
	deleteCmd := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete finished processes and their output",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDelete,
	}
	rootCmd.AddCommand(deleteCmd)
}

func statusStyle(status domain.ProcessStatus) lipgloss.Style {
	switch status {
	case domain.StatusStarting, domain.StatusRunning:
		return runningStyle
	case domain.StatusFailed:
		return failedStyle
	case domain.StatusKilled:
		return killedStyle
	default:
		return completedStyle
	}
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func truncateCommand(command string, n int) string {
	command = strings.Join(strings.Fields(command), " ")
	if len(command) <= n {
		return command
	}
	return command[:n-3] + "..."
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := processstore.ListOptions{
		ProjectID: listProject,
		Scope:     domain.Scope(listScope),
		ScopeID:   listScopeID,
		Limit:     listLimit,
	}
	for _, s := range listStatus {
		opts.Statuses = append(opts.Statuses, domain.ProcessStatus(s))
	}

	procs, err := store.ListProcesses(cmd.Context(), opts)
	if err != nil {
		return err
	}

	printProcesses(os.Stdout, procs, time.Now())
	return nil
}

// printProcesses writes a table of processes. Status is the last column so
// color codes do not disturb the alignment.
func printProcesses(out io.Writer, procs []*domain.Process, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tLABEL\tCOMMAND\tCREATED\tEXIT\tSTATUS")
	for _, p := range procs {
		label := p.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.ProjectID, label, truncateCommand(p.Command, 40),
			humanize.RelTime(p.CreatedAt, now, "ago", "from now"),
			formatExitCode(p.ExitCode), statusStyle(p.Status).Render(string(p.Status)))
	}
	w.Flush()
}

func runOutput(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if _, err := store.GetProcess(ctx, args[0]); err != nil {
		return err
	}

	q := processstore.OutputQuery{Limit: outputLimit, Offset: outputOffset}
	if outputSince > 0 {
		q.Since = time.Now().Add(-outputSince)
	}
	chunks, err := store.GetOutput(ctx, args[0], q)
	if err != nil {
		return err
	}

	var total uint64
	for _, c := range chunks {
		os.Stdout.Write(c.Data)
		total += uint64(len(c.Data))
	}
	fmt.Fprintf(os.Stderr, "\n%d chunks, %s\n", len(chunks), humanize.Bytes(total))
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	p, err := store.GetProcess(cmd.Context(), args[0])
	store.Close()
	if err != nil {
		return err
	}
	if p.LogPath == "" {
		return fmt.Errorf("process %s has no log file", p.ID)
	}

	if !logsFollow {
		f, err := os.Open(p.LogPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tail, err := logtail.New(p.LogPath, true)
	if err != nil {
		return err
	}
	if err := tail.Run(ctx, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runTrim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	var removed int64
	if len(args) == 1 {
		if _, err := store.GetProcess(ctx, args[0]); err != nil {
			return err
		}
		removed, err = store.TrimOutput(ctx, args[0], trimKeep)
	} else {
		removed, err = store.TrimAllOutput(ctx, trimKeep)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Removed %s output chunks\n", humanize.Comma(removed))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	var failed int
	for _, id := range args {
		if err := store.DeleteProcess(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("Deleted %s\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletes failed", failed, len(args))
	}
	return nil
}
