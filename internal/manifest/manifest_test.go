package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ericvicenti/botical-sub001/internal/domain"
)

const sample = `
project_id: prj_1
scope: project
scope_id: prj_1
defaults:
  cwd: /srv/app
  env:
    NODE_ENV: development
    PORT: "3000"
processes:
  - label: web
    type: service
    command: npm run dev
    env:
      PORT: "4000"
  - command: make test
    scope: task
    scope_id: task_9
    cols: 120
    rows: 40
`

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procs.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	defs, err := m.Definitions()
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	web := defs[0]
	if web.Type != domain.TypeService {
		t.Errorf("web.Type = %q, want service", web.Type)
	}
	if web.Cwd != "/srv/app" {
		t.Errorf("web.Cwd = %q, want /srv/app", web.Cwd)
	}
	if web.Env["PORT"] != "4000" || web.Env["NODE_ENV"] != "development" {
		t.Errorf("web.Env = %v, want merged env with PORT=4000", web.Env)
	}
	if web.Cols != domain.DefaultCols || web.Rows != domain.DefaultRows {
		t.Errorf("web geometry = %dx%d, want defaults", web.Cols, web.Rows)
	}

	test := defs[1]
	if test.Type != domain.TypeCommand {
		t.Errorf("test.Type = %q, want command", test.Type)
	}
	if test.Scope != domain.ScopeTask || test.ScopeID != "task_9" {
		t.Errorf("test scope = %s/%s, want task/task_9", test.Scope, test.ScopeID)
	}
	if test.ProjectID != "prj_1" {
		t.Errorf("test.ProjectID = %q, want prj_1", test.ProjectID)
	}
	if test.Cols != 120 || test.Rows != 40 {
		t.Errorf("test geometry = %dx%d, want 120x40", test.Cols, test.Rows)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty", "", "empty manifest"},
		{"no processes", "project_id: prj_1\n", "no processes"},
		{"unknown key", "project_id: prj_1\nprocesses:\n  - command: ls\n    shell: zsh\n", "shell"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefinitions_ValidatesEachEntry(t *testing.T) {
	m, err := Parse([]byte(`
project_id: prj_1
scope: project
scope_id: prj_1
processes:
  - command: ls
  - label: broken
    command: ls
    cols: 5000
`))
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Definitions()
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Definitions() error = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "process 1 (broken)") {
		t.Errorf("error %q does not name the entry", err)
	}
}
