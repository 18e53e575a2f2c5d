package workerchannel

import (
	"io"
	"sync"
)

// outbox is an unbounded ordered queue of encoded records drained by a single
// writer goroutine, so enqueueing never blocks on the worker's stdin
type outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(line []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, line)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// run writes queued records to w until the outbox is closed and drained, or a
// write fails
func (o *outbox) run(w io.Writer) error {
	for range o.signal {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, line := range batch {
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		if closed {
			return nil
		}
	}
	return nil
}
