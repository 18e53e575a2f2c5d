//go:build !linux

package ptyworker

import (
	"errors"
	"os"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/ptyprotocol"
)

var errUnsupported = errors.New("pseudo-terminals are only supported on linux")

func startSession(shell string, m *ptyprotocol.CreateMessage) (*session, error) {
	return nil, errUnsupported
}

func setWindowSize(master *os.File, cols, rows int) error { return errUnsupported }

func signalGroup(pid int, force bool) error { return errUnsupported }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return domain.ExitCodeAbnormal
}
