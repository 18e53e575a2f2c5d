// Package process is the lifecycle service for supervised terminal
// processes. It validates requests, persists every state transition, talks
// to the worker channel and publishes notifications.
package process

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/events"
	"github.com/ericvicenti/botical-sub001/internal/processstore"
	"github.com/ericvicenti/botical-sub001/internal/workerchannel"
)

// Channel is the part of the worker channel the service drives
type Channel interface {
	Create(id string, opts workerchannel.CreateOptions, handler workerchannel.Handler) error
	Write(id string, data []byte) bool
	Resize(id string, cols, rows int) bool
	Kill(id string) bool
	Cancel(id string) bool
	Cleanup(id string)
	Registry() *workerchannel.Registry
}

// Service owns the persisted process records. All mutations for one process
// id are serialized.
type Service struct {
	store   *processstore.Store
	channel Channel
	sink    events.Sink
	logger  *zap.SugaredLogger

	now   func() time.Time
	newID func() string

	locks *keyedMutex

	// lastOutput keeps output timestamps non-decreasing per process
	outputMu   sync.Mutex
	lastOutput map[string]time.Time
}

// NewService wires a service. A nil sink publishes nowhere.
func NewService(store *processstore.Store, channel Channel, sink events.Sink, logger *zap.SugaredLogger) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		store:      store,
		channel:    channel,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return "proc_" + uuid.NewString() },
		locks:      newKeyedMutex(),
		lastOutput: make(map[string]time.Time),
	}
}

// DefaultLogPath is where service-type processes log when no path is given
func DefaultLogPath(basePath, id string) string {
	return filepath.Join(basePath, "logs", "processes", id+".log")
}

// Spawn validates def, persists a starting record, hands the command to the
// worker channel and moves the record to running. Running only means the
// create was issued; the outcome arrives later through the channel.
func (s *Service) Spawn(ctx context.Context, def domain.SpawnDefinition, basePath string) (*domain.Process, error) {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	id := s.newID()
	logPath := def.LogPath
	if logPath == "" && def.Type == domain.TypeService && basePath != "" {
		logPath = DefaultLogPath(basePath, id)
	}

	p := &domain.Process{
		ID:        id,
		ProjectID: def.ProjectID,
		Scope:     def.Scope,
		ScopeID:   def.ScopeID,
		Type:      def.Type,
		Command:   def.Command,
		Cwd:       def.Cwd,
		Env:       def.Env,
		Cols:      def.Cols,
		Rows:      def.Rows,
		Status:    domain.StatusStarting,
		Label:     def.Label,
		ServiceID: def.ServiceID,
		LogPath:   logPath,
		CreatedAt: s.now(),
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.CreateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("persisting process: %w", err)
	}

	err := s.channel.Create(id, workerchannel.CreateOptions{
		Command: p.Command,
		Cwd:     p.Cwd,
		Env:     p.Env,
		Cols:    p.Cols,
		Rows:    p.Rows,
		LogPath: p.LogPath,
	}, channelHandler{s})
	if err != nil {
		code := domain.ExitCodeAbnormal
		if ferr := s.store.Finish(ctx, id, domain.StatusFailed, &code, s.now()); ferr != nil {
			s.logger.Errorw("failing unsent process", "id", id, "error", ferr)
		} else {
			s.sink.Publish(events.Event{
				Type:      events.ProcessExited,
				ProcessID: id,
				ProjectID: p.ProjectID,
				Label:     p.Label,
				ExitCode:  &code,
				Status:    domain.StatusFailed,
				Time:      s.now(),
			})
		}
		return nil, fmt.Errorf("creating process: %w", err)
	}

	started := s.now()
	if err := s.store.MarkRunning(ctx, id, started); err != nil {
		return nil, fmt.Errorf("marking process running: %w", err)
	}
	p.Status = domain.StatusRunning
	p.StartedAt = &started

	s.logger.Infow("process spawned", "id", id, "project", p.ProjectID, "type", p.Type, "command", p.Command)
	s.sink.Publish(events.Event{
		Type:      events.ProcessSpawned,
		ProcessID: id,
		ProjectID: p.ProjectID,
		Label:     p.Label,
		Status:    p.Status,
		Time:      started,
	})
	return p, nil
}

// Kill asks the worker to stop a live process and records it as killed
// without waiting for the worker to confirm.
func (s *Service) Kill(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.IsLive() {
		return domain.ErrNotRunning
	}

	if !s.signal(id) {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}

	if err := s.store.Finish(ctx, id, domain.StatusKilled, nil, s.now()); err != nil {
		return err
	}
	s.logger.Infow("process killed", "id", id)
	s.sink.Publish(events.Event{Type: events.ProcessKilled, ProcessID: id, ProjectID: p.ProjectID, Label: p.Label, Status: domain.StatusKilled, Time: s.now()})
	return nil
}

// signal delivers a kill, or withdraws the create if it never reached a
// worker. It reports false when the channel holds no handle for id.
func (s *Service) signal(id string) bool {
	if s.channel.Kill(id) {
		return true
	}
	if s.channel.Cancel(id) {
		return true
	}
	// A handle that exists but cannot be reached right now belongs to a
	// worker that just went away; its abnormal exit is on its way.
	return s.channel.Registry().Exists(id)
}

// Write sends input to a running process
func (s *Service) Write(ctx context.Context, id string, data []byte) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.requireRunning(ctx, id); err != nil {
		return err
	}
	if !s.channel.Write(id, data) {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	return nil
}

// Resize changes the terminal geometry of a running process and persists it
func (s *Service) Resize(ctx context.Context, id string, cols, rows int) error {
	if err := domain.ValidateGeometry(cols, rows); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.requireRunning(ctx, id); err != nil {
		return err
	}
	if !s.channel.Resize(id, cols, rows) {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	return s.store.UpdateGeometry(ctx, id, cols, rows)
}

func (s *Service) requireRunning(ctx context.Context, id string) (*domain.Process, error) {
	p, err := s.store.GetProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusRunning {
		return nil, domain.ErrNotRunning
	}
	return p, nil
}

// Get returns the persisted record
func (s *Service) Get(ctx context.Context, id string) (*domain.Process, error) {
	return s.store.GetProcess(ctx, id)
}

// ActivePID returns the OS pid the worker reported for id, if it has a live
// handle
func (s *Service) ActivePID(id string) (int, bool) {
	return s.channel.Registry().GetPID(id)
}

// ListByProject returns every process of a project, newest first
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]*domain.Process, error) {
	return s.store.ListProcesses(ctx, processstore.ListOptions{ProjectID: projectID})
}

// ListRunning returns the running processes of a project
func (s *Service) ListRunning(ctx context.Context, projectID string) ([]*domain.Process, error) {
	return s.store.ListProcesses(ctx, processstore.ListOptions{
		ProjectID: projectID,
		Statuses:  []domain.ProcessStatus{domain.StatusRunning},
	})
}

// ListByScope returns every process tagged with scope and scopeID
func (s *Service) ListByScope(ctx context.Context, scope domain.Scope, scopeID string) ([]*domain.Process, error) {
	return s.store.ListProcesses(ctx, processstore.ListOptions{Scope: scope, ScopeID: scopeID})
}

// CountRunning returns the number of running processes in a project
func (s *Service) CountRunning(ctx context.Context, projectID string) (int, error) {
	return s.store.CountProcesses(ctx, processstore.ListOptions{
		ProjectID: projectID,
		Statuses:  []domain.ProcessStatus{domain.StatusRunning},
	})
}

// GetOutput returns a window of the process's output chunks
func (s *Service) GetOutput(ctx context.Context, id string, q processstore.OutputQuery) ([]domain.ProcessOutput, error) {
	if _, err := s.store.GetProcess(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetOutput(ctx, id, q)
}

// GetOutputText returns all output of a process concatenated in arrival order
func (s *Service) GetOutputText(ctx context.Context, id string) (string, error) {
	if _, err := s.store.GetProcess(ctx, id); err != nil {
		return "", err
	}
	return s.store.GetOutputText(ctx, id)
}

// TrimOutput keeps only the newest keep chunks of a process
func (s *Service) TrimOutput(ctx context.Context, id string, keep int) (int64, error) {
	if _, err := s.store.GetProcess(ctx, id); err != nil {
		return 0, err
	}
	return s.store.TrimOutput(ctx, id, keep)
}

// TrimAllOutput keeps only the newest keep chunks of every process
func (s *Service) TrimAllOutput(ctx context.Context, keep int) (int64, error) {
	return s.store.TrimAllOutput(ctx, keep)
}

// KillByScope kills every live process tagged with scope and scopeID and
// returns how many records moved to killed
func (s *Service) KillByScope(ctx context.Context, scope domain.Scope, scopeID string) (int, error) {
	if err := domain.ValidateScope(scope, scopeID); err != nil {
		return 0, err
	}
	live, err := s.store.ListProcesses(ctx, processstore.ListOptions{
		Scope:    scope,
		ScopeID:  scopeID,
		Statuses: []domain.ProcessStatus{domain.StatusStarting, domain.StatusRunning},
	})
	if err != nil {
		return 0, err
	}
	if len(live) == 0 {
		return 0, nil
	}

	ids := make([]string, len(live))
	for i, p := range live {
		ids[i] = p.ID
	}
	unlock := s.locks.LockAll(ids)
	defer unlock()

	// Statuses may have moved on between the listing and taking the locks
	var killed []*domain.Process
	for _, id := range ids {
		p, err := s.store.GetProcess(ctx, id)
		if err != nil || !p.Status.IsLive() {
			continue
		}
		if !s.signal(id) {
			s.logger.Warnw("no worker handle for scoped kill", "id", id, "scope", scope, "scope_id", scopeID)
		}
		killed = append(killed, p)
	}

	killedIDs := make([]string, len(killed))
	for i, p := range killed {
		killedIDs[i] = p.ID
	}
	n, err := s.store.KillProcesses(ctx, killedIDs, s.now())
	if err != nil {
		return 0, err
	}

	now := s.now()
	for _, p := range killed {
		s.sink.Publish(events.Event{Type: events.ProcessKilled, ProcessID: p.ID, ProjectID: p.ProjectID, Label: p.Label, Status: domain.StatusKilled, Time: now})
	}
	s.logger.Infow("killed processes by scope", "scope", scope, "scope_id", scopeID, "count", n)
	return int(n), nil
}

// Delete removes a terminal process and its output
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.DeleteProcess(ctx, id); err != nil {
		return err
	}
	s.channel.Cleanup(id)
	s.forgetOutput(id)
	return nil
}

// ReconcileOrphans fails live records the worker channel knows nothing
// about, typically left over from a previous daemon run. It returns the
// number of records changed.
func (s *Service) ReconcileOrphans(ctx context.Context) (int, error) {
	live, err := s.store.ListProcesses(ctx, processstore.ListOptions{
		Statuses: []domain.ProcessStatus{domain.StatusStarting, domain.StatusRunning},
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range live {
		if s.channel.Registry().Exists(p.ID) {
			continue
		}
		if s.finish(ctx, p.ID, domain.ExitCodeAbnormal) {
			count++
		}
	}
	if count > 0 {
		s.logger.Warnw("failed orphaned processes", "count", count)
	}
	return count, nil
}

// finish records a worker-reported exit and publishes it. It reports whether
// the record changed.
func (s *Service) finish(ctx context.Context, id string, exitCode int) bool {
	unlock := s.locks.Lock(id)
	defer unlock()

	defer s.forgetOutput(id)

	status := domain.StatusCompleted
	if exitCode != 0 {
		status = domain.StatusFailed
	}

	p, err := s.store.GetProcess(ctx, id)
	if err != nil {
		s.logger.Warnw("exit for unknown process", "id", id, "error", err)
		return false
	}

	err = s.store.Finish(ctx, id, status, &exitCode, s.now())
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		s.logger.Debugw("exit after terminal status", "id", id, "exit_code", exitCode)
		return false
	}
	if err != nil {
		s.logger.Errorw("persisting exit", "id", id, "error", err)
		return false
	}

	s.sink.Publish(events.Event{
		Type:      events.ProcessExited,
		ProcessID: id,
		ProjectID: p.ProjectID,
		Label:     p.Label,
		ExitCode:  &exitCode,
		Status:    status,
		Time:      s.now(),
	})
	return true
}

func (s *Service) appendOutput(id string, data []byte) {
	if len(data) == 0 {
		return
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	s.outputMu.Lock()
	ts := s.now()
	if last, ok := s.lastOutput[id]; ok && ts.Before(last) {
		ts = last
	}
	s.lastOutput[id] = ts
	s.outputMu.Unlock()

	chunk := &domain.ProcessOutput{
		ProcessID: id,
		Timestamp: ts,
		Stream:    domain.StreamStdout,
		Data:      data,
	}
	err := s.store.AppendOutput(context.Background(), chunk)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		s.logger.Debugw("dropping output after terminal status", "id", id, "bytes", len(data))
		return
	}
	if err != nil {
		s.logger.Errorw("persisting output", "id", id, "error", err)
		return
	}

	s.sink.Publish(events.Event{
		Type:      events.ProcessOutput,
		ProcessID: id,
		Stream:    chunk.Stream,
		Data:      string(data),
		Time:      ts,
	})
}

func (s *Service) forgetOutput(id string) {
	s.outputMu.Lock()
	delete(s.lastOutput, id)
	s.outputMu.Unlock()
}

// channelHandler receives the worker channel's callbacks for one process
type channelHandler struct {
	s *Service
}

func (h channelHandler) ProcessCreated(id string, pid int) {
	h.s.logger.Debugw("process created", "id", id, "pid", pid)
}

func (h channelHandler) ProcessOutput(id string, data []byte) {
	h.s.appendOutput(id, data)
}

func (h channelHandler) ProcessExited(id string, exitCode int) {
	h.s.finish(context.Background(), id, exitCode)
	h.s.channel.Cleanup(id)
}

// ProcessFailed moves a process the worker could not start to failed
// instead of leaving it live forever.
func (h channelHandler) ProcessFailed(id string, message string) {
	h.s.logger.Infow("marking process failed", "id", id, "reason", message)
	h.s.finish(context.Background(), id, domain.ExitCodeAbnormal)
	h.s.channel.Cleanup(id)
}
