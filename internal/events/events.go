// Package events carries process lifecycle and output notifications to
// whoever is listening. Delivery is fire-and-forget and at most once.
package events

import (
	"time"

	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
)

// Type names a notification
type Type string

const (
	ProcessSpawned Type = "process.spawned"
	ProcessOutput  Type = "process.output"
	ProcessExited  Type = "process.exited"
	ProcessKilled  Type = "process.killed"
)

// Event is a single notification about one process
type Event struct {
	Type      Type                 `json:"type"`
	ProcessID string               `json:"id"`
	ProjectID string               `json:"project_id,omitempty"`
	Label     string               `json:"label,omitempty"`
	Stream    domain.Stream        `json:"stream,omitempty"`
	Data      string               `json:"data,omitempty"`
	ExitCode  *int                 `json:"exit_code,omitempty"`
	Status    domain.ProcessStatus `json:"status,omitempty"`
	Time      time.Time            `json:"time"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(e Event)
}

// MultiSink publishes to every sink in order
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that forwards to all provided sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish forwards e to each sink
func (m *MultiSink) Publish(e Event) {
	for _, s := range m.sinks {
		s.Publish(e)
	}
}

// NopSink drops everything (for tests or when nobody listens)
type NopSink struct{}

func (NopSink) Publish(Event) {}

// LogSink writes lifecycle events to a logger. Output events are logged at
// debug level only.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs e
func (l *LogSink) Publish(e Event) {
	switch e.Type {
	case ProcessOutput:
		l.logger.Debugw("process output", "id", e.ProcessID, "stream", e.Stream, "bytes", len(e.Data))
	case ProcessExited:
		fields := []interface{}{"id", e.ProcessID, "status", e.Status}
		if e.ExitCode != nil {
			fields = append(fields, "exit_code", *e.ExitCode)
		}
		l.logger.Infow("process exited", fields...)
	default:
		l.logger.Infow(string(e.Type), "id", e.ProcessID, "project", e.ProjectID)
	}
}
