// Package ptyprotocol defines the line-delimited records exchanged between the
// worker channel and the PTY worker process. Every record is one JSON envelope
// followed by a newline; the channel writes to the worker's stdin and reads the
// worker's stdout.
package ptyprotocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope wraps all records with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving records where the payload
// needs to be unmarshaled based on the record type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel -> Worker records

// CreateMessage asks the worker to start a command on a new PTY
type CreateMessage struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols"`
	Rows    int               `json:"rows"`
	LogPath string            `json:"log_path,omitempty"`
}

// WriteMessage sends input to a PTY. Data is base64 on the wire.
type WriteMessage struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// ResizeMessage changes PTY geometry
type ResizeMessage struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// KillMessage requests termination of a PTY's process group
type KillMessage struct {
	ID string `json:"id"`
}

// Worker -> Channel records

// ReadyMessage is the handshake sent once the worker accepts commands
type ReadyMessage struct {
	PID int `json:"pid"`
}

// CreatedMessage reports the OS pid of a started command
type CreatedMessage struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// DataMessage carries raw PTY output. Data is base64 on the wire.
type DataMessage struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// ExitMessage reports that a command ended and its output has drained
type ExitMessage struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exit_code"`
}

// ErrorMessage reports a failure for an id, e.g. an OS-level spawn failure
type ErrorMessage struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// AckMessage acknowledges write, resize and kill
type AckMessage struct {
	ID string `json:"id"`
	Op string `json:"op"`
	OK bool   `json:"ok"`
}

// Record type constants
const (
	TypeCreate  = "create"
	TypeWrite   = "write"
	TypeResize  = "resize"
	TypeKill    = "kill"
	TypeReady   = "ready"
	TypeCreated = "created"
	TypeData    = "data"
	TypeExit    = "exit"
	TypeError   = "error"
	TypeAck     = "ack"
)

var errMissingID = errors.New("missing id")

// Validate checks required fields
func (m *CreateMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	if m.Command == "" {
		return errors.New("missing command")
	}
	if m.Cols <= 0 || m.Rows <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", m.Cols, m.Rows)
	}
	return nil
}

// Validate checks required fields
func (m *WriteMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	return nil
}

// Validate checks required fields
func (m *ResizeMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	if m.Cols <= 0 || m.Rows <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", m.Cols, m.Rows)
	}
	return nil
}

// Validate checks required fields
func (m *KillMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	return nil
}

// Validate accepts any ready record
func (m *ReadyMessage) Validate() error { return nil }

// Validate checks required fields
func (m *CreatedMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	if m.PID <= 0 {
		return fmt.Errorf("invalid pid %d", m.PID)
	}
	return nil
}

// Validate checks required fields
func (m *DataMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	return nil
}

// Validate checks required fields
func (m *ExitMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	return nil
}

// Validate checks required fields
func (m *ErrorMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	return nil
}

// Validate checks required fields
func (m *AckMessage) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	switch m.Op {
	case TypeWrite, TypeResize, TypeKill:
		return nil
	}
	return fmt.Errorf("unknown ack op %q", m.Op)
}
