package domain

import "time"

// ProcessType distinguishes one-shot commands from long-running services
type ProcessType string

const (
	TypeCommand ProcessType = "command"
	TypeService ProcessType = "service"
)

// ProcessStatus represents the persisted lifecycle state of a process
type ProcessStatus string

const (
	StatusStarting  ProcessStatus = "starting"
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusFailed    ProcessStatus = "failed"
	StatusKilled    ProcessStatus = "killed"
)

// IsTerminal reports whether no further transitions are possible
func (s ProcessStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// IsLive reports whether the process is starting or running
func (s ProcessStatus) IsLive() bool {
	return s == StatusStarting || s == StatusRunning
}

// Scope is the logical owner tag used for bulk operations
type Scope string

const (
	ScopeTask    Scope = "task"
	ScopeMission Scope = "mission"
	ScopeProject Scope = "project"
)

// Stream discriminates output chunks
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ExitCodeAbnormal is reported when a process ends without a real exit code:
// the worker crashed, or the worker could not start the command at all.
const ExitCodeAbnormal = -1

// Process is the persisted record of a supervised terminal process
type Process struct {
	ID        string
	ProjectID string
	Scope     Scope
	ScopeID   string
	Type      ProcessType
	Command   string
	Cwd       string
	Env       map[string]string
	Cols      int
	Rows      int
	Status    ProcessStatus
	ExitCode  *int
	Label     string
	ServiceID string
	LogPath   string
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// ProcessOutput is one append-only chunk of process output
type ProcessOutput struct {
	Seq       int64
	ProcessID string
	Timestamp time.Time
	Stream    Stream
	Data      []byte
}

// SpawnDefinition is what a caller supplies to start a process
type SpawnDefinition struct {
	ProjectID string            `json:"project_id" yaml:"project_id"`
	Scope     Scope             `json:"scope" yaml:"scope"`
	ScopeID   string            `json:"scope_id" yaml:"scope_id"`
	Type      ProcessType       `json:"type" yaml:"type"`
	Command   string            `json:"command" yaml:"command"`
	Cwd       string            `json:"cwd,omitempty" yaml:"cwd"`
	Env       map[string]string `json:"env,omitempty" yaml:"env"`
	Cols      int               `json:"cols,omitempty" yaml:"cols"`
	Rows      int               `json:"rows,omitempty" yaml:"rows"`
	Label     string            `json:"label,omitempty" yaml:"label"`
	ServiceID string            `json:"service_id,omitempty" yaml:"service_id"`
	LogPath   string            `json:"log_path,omitempty" yaml:"log_path"`
}
