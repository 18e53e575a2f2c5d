// Package ptyworker implements the PTY worker process. It owns every
// pseudo-terminal, reads commands from its input stream and reports results and
// output on its output stream using the ptyprotocol line format.
package ptyworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/ptyprotocol"
)

const (
	defaultShell      = "/bin/sh"
	defaultKillGrace  = 5 * time.Second
	defaultDrainWait  = 500 * time.Millisecond
	inputQueueSize    = 256
	readBufferSize    = 32 * 1024
	shutdownWaitLimit = 10 * time.Second
)

// Config configures the worker
type Config struct {
	// Shell runs each command as `Shell -c command`
	Shell string
	// KillGrace is how long a killed process group gets between SIGTERM and SIGKILL
	KillGrace time.Duration
	// DrainWait bounds how long output is still read after the command exits
	DrainWait time.Duration
}

// Worker serves one channel connection
type Worker struct {
	config Config
	in     io.Reader
	out    io.Writer
	logger *zap.SugaredLogger

	outMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New creates a worker reading records from in and writing records to out
func New(config Config, in io.Reader, out io.Writer, logger *zap.SugaredLogger) *Worker {
	if config.Shell == "" {
		config.Shell = defaultShell
	}
	if config.KillGrace <= 0 {
		config.KillGrace = defaultKillGrace
	}
	if config.DrainWait <= 0 {
		config.DrainWait = defaultDrainWait
	}
	return &Worker{
		config:   config,
		in:       in,
		out:      out,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Run announces readiness and processes records until the input stream ends
// or ctx is cancelled. All sessions are killed before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.send(ptyprotocol.TypeReady, ptyprotocol.ReadyMessage{PID: os.Getpid()}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-readErr:
	}

	w.shutdown()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (w *Worker) readLoop() error {
	var lines ptyprotocol.LineBuffer
	buf := make([]byte, readBufferSize)
	for {
		n, err := w.in.Read(buf)
		if n > 0 {
			lines.Write(buf[:n])
			for {
				line, ok, lineErr := lines.Next()
				if lineErr != nil {
					w.logger.Warnw("discarding record", "error", lineErr)
					continue
				}
				if !ok {
					break
				}
				w.handleLine(line)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (w *Worker) handleLine(line []byte) {
	msg, err := ptyprotocol.DecodeOutbound(line)
	if err != nil {
		w.logger.Warnw("discarding malformed record", "error", err)
		return
	}

	switch m := msg.(type) {
	case *ptyprotocol.CreateMessage:
		w.handleCreate(m)
	case *ptyprotocol.WriteMessage:
		s := w.lookup(m.ID)
		if s == nil {
			w.sendUnknown(m.ID, ptyprotocol.TypeWrite)
			return
		}
		w.ack(m.ID, ptyprotocol.TypeWrite, s.enqueueInput(m.Data))
	case *ptyprotocol.ResizeMessage:
		s := w.lookup(m.ID)
		if s == nil {
			w.sendUnknown(m.ID, ptyprotocol.TypeResize)
			return
		}
		err := s.resize(m.Cols, m.Rows)
		if err != nil {
			w.logger.Warnw("resize failed", "id", m.ID, "error", err)
		}
		w.ack(m.ID, ptyprotocol.TypeResize, err == nil)
	case *ptyprotocol.KillMessage:
		s := w.lookup(m.ID)
		if s == nil {
			w.sendUnknown(m.ID, ptyprotocol.TypeKill)
			return
		}
		s.kill(w.config.KillGrace)
		w.ack(m.ID, ptyprotocol.TypeKill, true)
	}
}

func (w *Worker) handleCreate(m *ptyprotocol.CreateMessage) {
	w.mu.Lock()
	_, exists := w.sessions[m.ID]
	w.mu.Unlock()
	if exists {
		w.sendError(m.ID, "process id already in use")
		return
	}

	s, err := startSession(w.config.Shell, m)
	if err != nil {
		w.logger.Warnw("spawn failed", "id", m.ID, "command", m.Command, "error", err)
		w.sendError(m.ID, err.Error())
		return
	}

	w.mu.Lock()
	w.sessions[m.ID] = s
	w.mu.Unlock()

	// created must precede any data record for this id
	w.send(ptyprotocol.TypeCreated, ptyprotocol.CreatedMessage{ID: m.ID, PID: s.pid()})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		exitCode := s.run(w.config.DrainWait, func(data []byte) {
			w.send(ptyprotocol.TypeData, ptyprotocol.DataMessage{ID: m.ID, Data: data})
		})

		w.mu.Lock()
		delete(w.sessions, m.ID)
		w.mu.Unlock()

		w.send(ptyprotocol.TypeExit, ptyprotocol.ExitMessage{ID: m.ID, ExitCode: exitCode})
	}()
}

func (w *Worker) lookup(id string) *session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[id]
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	for _, s := range w.sessions {
		s.kill(w.config.KillGrace)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWaitLimit):
		w.logger.Warnw("sessions still running at shutdown")
	}
}

func (w *Worker) ack(id, op string, ok bool) {
	w.send(ptyprotocol.TypeAck, ptyprotocol.AckMessage{ID: id, Op: op, OK: ok})
}

func (w *Worker) sendUnknown(id, op string) {
	w.sendError(id, fmt.Sprintf("%s: unknown process id", op))
}

func (w *Worker) sendError(id, message string) {
	w.send(ptyprotocol.TypeError, ptyprotocol.ErrorMessage{ID: id, Error: message})
}

func (w *Worker) send(msgType string, payload interface{}) error {
	line, err := ptyprotocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	w.outMu.Lock()
	defer w.outMu.Unlock()
	_, err = w.out.Write(line)
	return err
}
