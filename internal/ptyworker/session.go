package ptyworker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ericvicenti/botical-sub001/internal/ptyprotocol"
)

// session is one command running on its own PTY
type session struct {
	id      string
	master  *os.File
	logFile *os.File
	proc    *os.Process
	wait    func() error

	input chan []byte
	done  chan struct{}

	killOnce sync.Once
}

func (s *session) pid() int {
	return s.proc.Pid
}

// enqueueInput queues bytes for the PTY. It returns false when the process is
// not consuming its input fast enough.
func (s *session) enqueueInput(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.input <- data:
		return true
	default:
		return false
	}
}

func (s *session) inputLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.input:
			if _, err := s.master.Write(data); err != nil {
				return
			}
		}
	}
}

// run forwards output until the command exits and its output has drained,
// then returns the exit code
func (s *session) run(drainWait time.Duration, onData func([]byte)) int {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, readBufferSize)
		for {
			n, err := s.master.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if s.logFile != nil {
					s.logFile.Write(chunk)
				}
				onData(chunk)
			}
			if err != nil {
				// EIO is the normal signal that the PTY slave closed
				return
			}
		}
	}()
	go s.inputLoop()

	waitErr := s.wait()

	select {
	case <-readDone:
	case <-time.After(drainWait):
		// Background children may keep the slave open.
	}
	close(s.done)
	// Unblock the reader even when a background child still holds the slave
	s.master.SetReadDeadline(time.Now())
	s.master.Close()
	<-readDone

	if s.logFile != nil {
		s.logFile.Close()
	}
	return exitCode(waitErr)
}

func (s *session) kill(grace time.Duration) {
	s.killOnce.Do(func() {
		if err := signalGroup(s.proc.Pid, false); err != nil {
			return
		}
		go func() {
			select {
			case <-s.done:
			case <-time.After(grace):
				signalGroup(s.proc.Pid, true)
			}
		}()
	})
}

func (s *session) resize(cols, rows int) error {
	return setWindowSize(s.master, cols, rows)
}

// buildEnv merges the worker environment with per-process overrides in a
// deterministic order
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	if _, ok := overrides["TERM"]; !ok && os.Getenv("TERM") == "" {
		env = append(env, "TERM=xterm-256color")
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func newSession(m *ptyprotocol.CreateMessage) *session {
	return &session{
		id:    m.ID,
		input: make(chan []byte, inputQueueSize),
		done:  make(chan struct{}),
	}
}
