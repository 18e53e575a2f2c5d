// Package manifest loads YAML files describing processes to spawn.
//
//	project_id: prj_1
//	scope: project
//	scope_id: prj_1
//	defaults:
//	  cwd: /srv/app
//	  env:
//	    NODE_ENV: development
//	processes:
//	  - label: web
//	    type: service
//	    command: npm run dev
//	  - command: make test
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ericvicenti/botical-sub001/internal/domain"
)

// Manifest is a set of process definitions sharing an owner
type Manifest struct {
	ProjectID string                   `yaml:"project_id"`
	Scope     domain.Scope             `yaml:"scope"`
	ScopeID   string                   `yaml:"scope_id"`
	Defaults  Defaults                 `yaml:"defaults"`
	Processes []domain.SpawnDefinition `yaml:"processes"`
}

// Defaults fill fields a process entry leaves empty
type Defaults struct {
	Cwd  string            `yaml:"cwd"`
	Env  map[string]string `yaml:"env"`
	Cols int               `yaml:"cols"`
	Rows int               `yaml:"rows"`
}

// Load reads and parses a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty manifest")
		}
		return nil, err
	}
	if len(m.Processes) == 0 {
		return nil, fmt.Errorf("manifest defines no processes")
	}
	return &m, nil
}

// Definitions returns one validated spawn definition per entry with the
// manifest's owner and defaults applied
func (m *Manifest) Definitions() ([]domain.SpawnDefinition, error) {
	defs := make([]domain.SpawnDefinition, 0, len(m.Processes))
	for i, p := range m.Processes {
		if p.ProjectID == "" {
			p.ProjectID = m.ProjectID
		}
		if p.Scope == "" {
			p.Scope = m.Scope
		}
		if p.ScopeID == "" {
			p.ScopeID = m.ScopeID
		}
		if p.Cwd == "" {
			p.Cwd = m.Defaults.Cwd
		}
		if p.Cols == 0 {
			p.Cols = m.Defaults.Cols
		}
		if p.Rows == 0 {
			p.Rows = m.Defaults.Rows
		}
		p.Env = mergeEnv(m.Defaults.Env, p.Env)

		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("process %d (%s): %w", i, Name(p), err)
		}
		defs = append(defs, p)
	}
	return defs, nil
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	env := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range override {
		env[k] = v
	}
	return env
}

// Name is how a definition is referred to in messages: its label, or its
// command when unlabelled
func Name(d domain.SpawnDefinition) string {
	if d.Label != "" {
		return d.Label
	}
	return d.Command
}
