package workerchannel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/ptyworker"
)

// WorkerConn is a running worker as seen by the channel
type WorkerConn struct {
	// Stdin receives channel -> worker records
	Stdin io.WriteCloser
	// Stdout yields worker -> channel records until the worker exits
	Stdout io.Reader
	// Wait blocks until the worker has exited. Called after Stdout hit EOF.
	Wait func() error
	// Kill forcibly stops the worker
	Kill func() error
}

// Spawner starts a worker process
type Spawner interface {
	Spawn(ctx context.Context) (*WorkerConn, error)
}

// SpawnFunc adapts a function to Spawner
type SpawnFunc func(ctx context.Context) (*WorkerConn, error)

// Spawn calls f
func (f SpawnFunc) Spawn(ctx context.Context) (*WorkerConn, error) {
	return f(ctx)
}

// ExecSpawner runs the worker as a child process. Its stderr is forwarded to
// the logger line by line.
type ExecSpawner struct {
	Path   string
	Args   []string
	Logger *zap.SugaredLogger
}

// Spawn starts the worker binary
func (s *ExecSpawner) Spawn(ctx context.Context) (*WorkerConn, error) {
	cmd := exec.Command(s.Path, s.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", s.Path, err)
	}
	s.Logger.Infow("worker started", "path", s.Path, "pid", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.Logger.Warnw("worker stderr", "line", scanner.Text())
		}
	}()

	return &WorkerConn{
		Stdin:  stdin,
		Stdout: stdout,
		Wait: func() error {
			<-stderrDone
			return cmd.Wait()
		},
		Kill: func() error {
			return cmd.Process.Kill()
		},
	}, nil
}

// InProcessSpawner runs a ptyworker.Worker inside this process, connected
// through pipes. Used by tests and single-binary setups without a separate
// worker executable.
type InProcessSpawner struct {
	Config ptyworker.Config
	Logger *zap.SugaredLogger
}

// Spawn starts a worker goroutine
func (s *InProcessSpawner) Spawn(ctx context.Context) (*WorkerConn, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	worker := ptyworker.New(s.Config, inR, outW, s.Logger)
	done := make(chan error, 1)
	go func() {
		err := worker.Run(context.Background())
		outW.Close()
		inR.Close()
		done <- err
	}()

	return &WorkerConn{
		Stdin:  inW,
		Stdout: outR,
		Wait: func() error {
			return <-done
		},
		Kill: func() error {
			inW.Close()
			return nil
		},
	}, nil
}
