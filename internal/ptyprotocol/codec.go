package ptyprotocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxLineSize bounds a single record. Longer lines are discarded.
const MaxLineSize = 4 * 1024 * 1024

// ErrLineTooLong is returned by LineBuffer when a record exceeds MaxLineSize
var ErrLineTooLong = errors.New("record exceeds maximum line size")

// Encode marshals a record as one newline-terminated line
func Encode(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// validator is implemented by every record payload
type validator interface {
	Validate() error
}

var inboundTypes = map[string]func() validator{
	TypeReady:   func() validator { return &ReadyMessage{} },
	TypeCreated: func() validator { return &CreatedMessage{} },
	TypeData:    func() validator { return &DataMessage{} },
	TypeExit:    func() validator { return &ExitMessage{} },
	TypeError:   func() validator { return &ErrorMessage{} },
	TypeAck:     func() validator { return &AckMessage{} },
}

var outboundTypes = map[string]func() validator{
	TypeCreate: func() validator { return &CreateMessage{} },
	TypeWrite:  func() validator { return &WriteMessage{} },
	TypeResize: func() validator { return &ResizeMessage{} },
	TypeKill:   func() validator { return &KillMessage{} },
}

// DecodeInbound parses and validates a worker -> channel record. The returned
// value is a pointer to one of the worker message structs.
func DecodeInbound(line []byte) (interface{}, error) {
	return decode(line, inboundTypes)
}

// DecodeOutbound parses and validates a channel -> worker record
func DecodeOutbound(line []byte) (interface{}, error) {
	return decode(line, outboundTypes)
}

func decode(line []byte, types map[string]func() validator) (interface{}, error) {
	var env EnvelopeRaw
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	newMsg, ok := types[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown record type %q", env.Type)
	}
	msg := newMsg()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s record: %w", env.Type, err)
	}
	return msg, nil
}

// LineBuffer reassembles records from an arbitrarily fragmented byte stream.
// Feed it whatever the transport delivers and drain complete lines with Next.
type LineBuffer struct {
	buf      []byte
	overflow bool
}

// Write appends raw bytes from the transport. It never fails.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next returns the next complete line without its delimiter. ok is false when
// no complete line is buffered. A line longer than MaxLineSize is dropped and
// reported once as ErrLineTooLong.
func (b *LineBuffer) Next() (line []byte, ok bool, err error) {
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			if len(b.buf) > MaxLineSize {
				// Keep discarding until the delimiter of the oversized line shows up.
				b.buf = b.buf[:0]
				if !b.overflow {
					b.overflow = true
					return nil, false, ErrLineTooLong
				}
			}
			return nil, false, nil
		}

		line = b.buf[:idx]
		rest := b.buf[idx+1:]
		if b.overflow {
			b.overflow = false
			b.buf = append(b.buf[:0], rest...)
			continue
		}
		line = bytes.TrimSuffix(append([]byte(nil), line...), []byte("\r"))
		b.buf = append(b.buf[:0], rest...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) > MaxLineSize {
			return nil, false, ErrLineTooLong
		}
		return line, true, nil
	}
}

// Buffered returns the number of bytes waiting for a delimiter
func (b *LineBuffer) Buffered() int {
	return len(b.buf)
}
