// Package workerchannel supervises the PTY worker process and translates
// typed calls into ptyprotocol records. One Channel owns exactly one worker
// at a time and restarts it after a fixed delay whenever it exits.
package workerchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/ptyprotocol"
)

// State is the channel's own lifecycle state
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopped  State = "stopped"
)

const (
	defaultRestartDelay = 1 * time.Second
	closeTimeout        = 15 * time.Second
	readBufferSize      = 64 * 1024
)

var (
	// ErrDuplicateID is returned by Create when id already has a handle
	ErrDuplicateID = errors.New("process id already registered")
	// ErrClosed is returned by Create after Close
	ErrClosed = errors.New("worker channel closed")
)

// Handler receives the asynchronous results for one process id. Calls for a
// given id arrive sequentially in worker emission order.
type Handler interface {
	// ProcessCreated reports the OS pid once the worker started the command
	ProcessCreated(id string, pid int)
	// ProcessOutput delivers raw PTY output
	ProcessOutput(id string, data []byte)
	// ProcessExited reports the end of the process. exitCode is
	// domain.ExitCodeAbnormal when the worker itself went away.
	ProcessExited(id string, exitCode int)
	// ProcessFailed reports that the worker could not start the command
	ProcessFailed(id string, message string)
}

// CreateOptions describes the command to start
type CreateOptions struct {
	Command string
	Cwd     string
	Env     map[string]string
	Cols    int
	Rows    int
	LogPath string
}

// Config configures the channel
type Config struct {
	RestartDelay time.Duration
}

// Channel owns the worker process
type Channel struct {
	config   Config
	spawner  Spawner
	logger   *zap.SugaredLogger
	registry *Registry

	mu      sync.Mutex
	state   State
	pending []queuedCreate
	outbox  *outbox
	conn    *WorkerConn

	readyMu sync.Mutex
	readyCh chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type queuedCreate struct {
	id   string
	line []byte
}

// New creates a channel. Call Start to launch the worker.
func New(config Config, spawner Spawner, logger *zap.SugaredLogger) *Channel {
	if config.RestartDelay <= 0 {
		config.RestartDelay = defaultRestartDelay
	}
	return &Channel{
		config:   config,
		spawner:  spawner,
		logger:   logger,
		registry: NewRegistry(),
		state:    StateStarting,
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Registry exposes read-only lookups over live handles
func (c *Channel) Registry() *Registry {
	return c.registry
}

// State returns the current channel state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the supervision loop
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		c.supervise(ctx)
	}()
}

// WaitReady blocks until the channel is ready or ctx ends
func (c *Channel) WaitReady(ctx context.Context) error {
	c.readyMu.Lock()
	ch := c.readyCh
	c.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops supervision. The worker's stdin is closed so it can kill its
// sessions and report their exits before it is killed outright.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		conn.Stdin.Close()
	}

	if c.cancel != nil {
		select {
		case <-c.done:
		case <-time.After(closeTimeout):
			if conn != nil && conn.Kill != nil {
				conn.Kill()
			}
			<-c.done
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return nil
}

// Create registers handler for id and asks the worker to start the command.
// While the worker is not ready the request is queued and flushed in arrival
// order on the next ready handshake. The outcome is reported through handler.
func (c *Channel) Create(id string, opts CreateOptions, handler Handler) error {
	line, err := ptyprotocol.Encode(ptyprotocol.TypeCreate, ptyprotocol.CreateMessage{
		ID:      id,
		Command: opts.Command,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
		LogPath: opts.LogPath,
	})
	if err != nil {
		return fmt.Errorf("encoding create: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return ErrClosed
	}
	if !c.registry.add(&handle{id: id, handler: handler}) {
		return ErrDuplicateID
	}

	if c.state == StateReady && c.outbox.push(line) {
		c.registry.markSent(id)
		return nil
	}
	c.pending = append(c.pending, queuedCreate{id: id, line: line})
	c.logger.Debugw("worker not ready, queued create", "id", id, "queued", len(c.pending))
	return nil
}

// Write sends input to a live process. It returns false when the channel is
// not ready or id has no live handle.
func (c *Channel) Write(id string, data []byte) bool {
	return c.sendToLive(id, ptyprotocol.TypeWrite, ptyprotocol.WriteMessage{ID: id, Data: data})
}

// Resize changes the terminal geometry of a live process
func (c *Channel) Resize(id string, cols, rows int) bool {
	return c.sendToLive(id, ptyprotocol.TypeResize, ptyprotocol.ResizeMessage{ID: id, Cols: cols, Rows: rows})
}

// Kill asks the worker to terminate a live process
func (c *Channel) Kill(id string) bool {
	return c.sendToLive(id, ptyprotocol.TypeKill, ptyprotocol.KillMessage{ID: id})
}

// Cancel withdraws a create that is still queued for the next worker. It
// returns false when the create already reached a worker or id is unknown.
func (c *Channel) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dropPending(id) {
		return false
	}
	c.registry.remove(id)
	return true
}

// Cleanup drops the handle for id once its owner processed the exit
func (c *Channel) Cleanup(id string) {
	c.mu.Lock()
	c.dropPending(id)
	c.mu.Unlock()
	c.registry.remove(id)
}

func (c *Channel) dropPending(id string) bool {
	for i, q := range c.pending {
		if q.id == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) sendToLive(id, msgType string, payload interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || !c.registry.Exists(id) {
		return false
	}
	line, err := ptyprotocol.Encode(msgType, payload)
	if err != nil {
		c.logger.Errorw("encoding record", "type", msgType, "id", id, "error", err)
		return false
	}
	return c.outbox.push(line)
}

func (c *Channel) supervise(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.spawner.Spawn(ctx)
		if err != nil {
			c.logger.Errorw("starting worker failed", "error", err, "retry_in", c.config.RestartDelay)
		} else {
			c.serve(conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.RestartDelay):
			c.logger.Infow("restarting worker")
		}
	}
}

// serve runs one worker connection until the worker's output ends
func (c *Channel) serve(conn *WorkerConn) {
	box := newOutbox()
	c.mu.Lock()
	c.state = StateStarting
	c.conn = conn
	c.outbox = box
	c.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := box.run(conn.Stdin); err != nil {
			c.logger.Warnw("writing to worker failed", "error", err)
		}
	}()

	readErr := c.readLoop(conn.Stdout)

	box.close()
	<-writerDone
	conn.Stdin.Close()
	waitErr := conn.Wait()

	c.mu.Lock()
	c.state = StateStarting
	c.conn = nil
	c.outbox = nil
	c.mu.Unlock()

	c.readyMu.Lock()
	select {
	case <-c.readyCh:
		c.readyCh = make(chan struct{})
	default:
	}
	c.readyMu.Unlock()

	orphans := c.registry.drainSent()
	c.logger.Warnw("worker exited",
		"read_error", readErr,
		"wait_error", waitErr,
		"orphaned", len(orphans),
	)
	for _, h := range orphans {
		h.handler.ProcessExited(h.id, domain.ExitCodeAbnormal)
	}
}

func (c *Channel) readLoop(r io.Reader) error {
	var lines ptyprotocol.LineBuffer
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines.Write(buf[:n])
			for {
				line, ok, lineErr := lines.Next()
				if lineErr != nil {
					c.logger.Warnw("discarding worker record", "error", lineErr)
					continue
				}
				if !ok {
					break
				}
				c.dispatch(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Channel) dispatch(line []byte) {
	msg, err := ptyprotocol.DecodeInbound(line)
	if err != nil {
		c.logger.Warnw("discarding malformed worker record", "error", err, "line", truncate(line, 200))
		return
	}

	switch m := msg.(type) {
	case *ptyprotocol.ReadyMessage:
		c.markReady(m.PID)
	case *ptyprotocol.CreatedMessage:
		if h := c.registry.setPID(m.ID, m.PID); h != nil {
			h.ProcessCreated(m.ID, m.PID)
		}
	case *ptyprotocol.DataMessage:
		if h := c.registry.live(m.ID); h != nil {
			h.ProcessOutput(m.ID, m.Data)
		} else {
			c.logger.Debugw("dropping output for unknown process", "id", m.ID, "bytes", len(m.Data))
		}
	case *ptyprotocol.ExitMessage:
		if h := c.registry.markExited(m.ID, false); h != nil {
			h.ProcessExited(m.ID, m.ExitCode)
		}
	case *ptyprotocol.ErrorMessage:
		if h := c.registry.markExited(m.ID, true); h != nil {
			c.logger.Warnw("worker failed to start process", "id", m.ID, "error", m.Error)
			h.ProcessFailed(m.ID, m.Error)
			return
		}
		c.logger.Warnw("worker reported error", "id", m.ID, "error", m.Error)
	case *ptyprotocol.AckMessage:
		if !m.OK {
			c.logger.Warnw("worker rejected request", "id", m.ID, "op", m.Op)
		}
	}
}

func (c *Channel) markReady(workerPID int) {
	c.mu.Lock()
	c.state = StateReady
	flushed := len(c.pending)
	for _, q := range c.pending {
		if c.outbox.push(q.line) {
			c.registry.markSent(q.id)
		}
	}
	c.pending = nil
	c.mu.Unlock()

	c.readyMu.Lock()
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
	c.readyMu.Unlock()

	c.logger.Infow("worker ready", "worker_pid", workerPID, "flushed", flushed)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
