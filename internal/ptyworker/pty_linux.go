//go:build linux

package ptyworker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/ptyprotocol"
)

// startSession allocates a PTY and starts the command as a session leader
// with the PTY as its controlling terminal
func startSession(shell string, m *ptyprotocol.CreateMessage) (*session, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}
	// Close slave in parent; the child has its own copy via fd 0/1/2.
	defer slave.Close()

	if err := setWindowSize(master, m.Cols, m.Rows); err != nil {
		master.Close()
		return nil, fmt.Errorf("set window size: %w", err)
	}

	logFile, err := openLogFile(m.LogPath)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(shell, "-c", m.Command)
	cmd.Dir = m.Cwd
	cmd.Env = buildEnv(m.Env)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start command: %w", err)
	}

	s := newSession(m)
	s.master = master
	s.logFile = logFile
	s.proc = cmd.Process
	s.wait = cmd.Wait
	return s, nil
}

// openPTY allocates a PTY master/slave pair using the Linux devpts interface.
// Returns the master as an *os.File and the filesystem path to the slave.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var ptyNumber int
	err = ioctl(master, func(fd int) (err error) {
		ptyNumber, err = unix.IoctlGetInt(fd, unix.TIOCGPTN)
		return err
	})
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
	}

	err = ioctl(master, func(fd int) error {
		return unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0)
	})
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
	}

	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// setWindowSize sets the terminal dimensions on a PTY master. This
// propagates SIGWINCH to the foreground process group.
func setWindowSize(master *os.File, cols, rows int) error {
	return ioctl(master, func(fd int) error {
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{
			Col: uint16(cols),
			Row: uint16(rows),
		})
	})
}

// ioctl runs fn on the raw descriptor of f. Going through SyscallConn keeps
// the descriptor non-blocking and registered with the runtime poller, so
// Close and read deadlines still interrupt a pending Read.
func ioctl(f *os.File, fn func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	}); err != nil {
		return err
	}
	return opErr
}

// signalGroup signals the whole process group led by pid
func signalGroup(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// exitCode maps a Wait error to a shell-style exit code. Signal deaths are
// reported as 128+signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return domain.ExitCodeAbnormal
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}
