package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ericvicenti/botical-sub001/internal/config"
	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/workerchannel"
)

func TestTruncateCommand(t *testing.T) {
	tests := []struct {
		command string
		n       int
		want    string
	}{
		{"echo hi", 40, "echo hi"},
		{"echo   hi\n  there", 40, "echo hi there"},
		{"npm run dev -- --port 3000", 12, "npm run d..."},
	}

	for _, tt := range tests {
		if got := truncateCommand(tt.command, tt.n); got != tt.want {
			t.Errorf("truncateCommand(%q, %d) = %q, want %q", tt.command, tt.n, got, tt.want)
		}
	}
}

func TestDescribeEnd(t *testing.T) {
	code := 2
	if got := describeEnd(domain.StatusFailed, &code); got != "failed (exit 2)" {
		t.Errorf("describeEnd = %q", got)
	}
	if got := describeEnd(domain.StatusKilled, nil); got != "killed" {
		t.Errorf("describeEnd = %q", got)
	}
}

func TestPrintProcesses(t *testing.T) {
	now := time.Now()
	zero := 0
	procs := []*domain.Process{
		{ID: "proc_a", ProjectID: "prj_1", Label: "web", Command: "npm run dev", Status: domain.StatusRunning, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "proc_b", ProjectID: "prj_1", Command: "make test", Status: domain.StatusCompleted, ExitCode: &zero, CreatedAt: now.Add(-time.Hour)},
	}

	var buf bytes.Buffer
	printProcesses(&buf, procs, now)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Errorf("header = %q", lines[0])
	}
	for _, want := range []string{"proc_a", "web", "2 minutes ago", "running"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	for _, want := range []string{"proc_b", "make test", "1 hour ago", "completed"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("row %q missing %q", lines[2], want)
		}
	}
}

func TestWorkerSpawner(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Path = "/opt/procd-worker"
	cfg.Worker.Args = []string{"--verbose"}

	spawner, err := workerSpawner(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	es, ok := spawner.(*workerchannel.ExecSpawner)
	if !ok {
		t.Fatalf("spawner = %T, want *workerchannel.ExecSpawner", spawner)
	}
	if es.Path != "/opt/procd-worker" || len(es.Args) != 1 || es.Args[0] != "--verbose" {
		t.Errorf("spawner = %s %v", es.Path, es.Args)
	}

	// Without a configured path the binary runs its own worker subcommand
	cfg.Worker.Path = ""
	spawner, err = workerSpawner(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	es = spawner.(*workerchannel.ExecSpawner)
	if es.Path == "" || len(es.Args) == 0 || es.Args[0] != "worker" {
		t.Errorf("spawner = %s %v", es.Path, es.Args)
	}
}
