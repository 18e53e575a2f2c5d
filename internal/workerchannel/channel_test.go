package workerchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/ptyprotocol"
)

// fakeWorker speaks the worker side of the protocol under test control
type fakeWorker struct {
	t       *testing.T
	stdout  *io.PipeWriter
	records chan interface{}
	exited  chan error
	once    sync.Once
}

func (f *fakeWorker) emit(msgType string, payload interface{}) {
	f.t.Helper()
	line, err := ptyprotocol.Encode(msgType, payload)
	require.NoError(f.t, err)
	_, err = f.stdout.Write(line)
	require.NoError(f.t, err)
}

func (f *fakeWorker) emitRaw(s string) {
	_, err := f.stdout.Write([]byte(s))
	require.NoError(f.t, err)
}

func (f *fakeWorker) crash() {
	f.once.Do(func() {
		f.stdout.Close()
		f.exited <- errors.New("signal: killed")
	})
}

func (f *fakeWorker) next() interface{} {
	f.t.Helper()
	select {
	case msg, ok := <-f.records:
		require.True(f.t, ok, "channel closed worker stdin")
		return msg
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for record from channel")
	}
	return nil
}

func (f *fakeWorker) expectNone() {
	f.t.Helper()
	select {
	case msg, ok := <-f.records:
		if ok {
			f.t.Fatalf("unexpected record %#v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSpawner struct {
	t       *testing.T
	workers chan *fakeWorker
}

func (s *fakeSpawner) Spawn(ctx context.Context) (*WorkerConn, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := &fakeWorker{
		t:       s.t,
		stdout:  outW,
		records: make(chan interface{}, 100),
		exited:  make(chan error, 1),
	}
	go func() {
		defer close(w.records)
		var lines ptyprotocol.LineBuffer
		buf := make([]byte, 1024)
		for {
			n, err := inR.Read(buf)
			lines.Write(buf[:n])
			for {
				line, ok, _ := lines.Next()
				if !ok {
					break
				}
				msg, decodeErr := ptyprotocol.DecodeOutbound(line)
				if decodeErr == nil {
					w.records <- msg
				}
			}
			if err != nil {
				// stdin closed: behave like a worker shutting down
				w.crash()
				return
			}
		}
	}()
	s.workers <- w
	return &WorkerConn{
		Stdin:  inW,
		Stdout: outR,
		Wait:   func() error { return <-w.exited },
		Kill:   func() error { w.crash(); return nil },
	}, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) add(format string, args ...interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf(format, args...))
}

func (h *recordingHandler) ProcessCreated(id string, pid int)    { h.add("created:%s:%d", id, pid) }
func (h *recordingHandler) ProcessOutput(id string, data []byte) { h.add("data:%s:%s", id, data) }
func (h *recordingHandler) ProcessExited(id string, code int)    { h.add("exit:%s:%d", id, code) }
func (h *recordingHandler) ProcessFailed(id string, msg string)  { h.add("failed:%s:%s", id, msg) }

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) waitLen(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.snapshot()) >= n }, 5*time.Second, 5*time.Millisecond)
	return h.snapshot()
}

func newTestChannel(t *testing.T) (*Channel, *fakeSpawner) {
	t.Helper()
	spawner := &fakeSpawner{t: t, workers: make(chan *fakeWorker, 4)}
	c := New(Config{RestartDelay: 10 * time.Millisecond}, spawner, zap.NewNop().Sugar())
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, spawner
}

func (s *fakeSpawner) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case w := <-s.workers:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not spawned")
	}
	return nil
}

func readyWorker(t *testing.T, c *Channel, s *fakeSpawner) *fakeWorker {
	t.Helper()
	w := s.next(t)
	w.emit(ptyprotocol.TypeReady, ptyprotocol.ReadyMessage{PID: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	return w
}

func opts() CreateOptions {
	return CreateOptions{Command: "echo hi", Cols: 80, Rows: 24}
}

func TestChannel_QueuesCreatesUntilReady(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := spawner.next(t)
	h := &recordingHandler{}

	ids := []string{"p1", "p2", "p3", "p4"}
	for _, id := range ids {
		require.NoError(t, c.Create(id, opts(), h))
	}
	assert.Equal(t, StateStarting, c.State())
	assert.False(t, c.Write("p1", []byte("x")), "write must be rejected before ready")
	assert.False(t, c.Kill("p1"), "kill must be rejected before ready")
	w.expectNone()

	w.emit(ptyprotocol.TypeReady, ptyprotocol.ReadyMessage{PID: 1})

	for _, id := range ids {
		create, ok := w.next().(*ptyprotocol.CreateMessage)
		require.True(t, ok)
		assert.Equal(t, id, create.ID)
	}
	w.expectNone()
	assert.Equal(t, StateReady, c.State())
}

func TestChannel_DispatchesInEmissionOrder(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := readyWorker(t, c, spawner)
	h := &recordingHandler{}

	require.NoError(t, c.Create("p1", opts(), h))
	_, ok := w.next().(*ptyprotocol.CreateMessage)
	require.True(t, ok)

	w.emit(ptyprotocol.TypeCreated, ptyprotocol.CreatedMessage{ID: "p1", PID: 42})
	for _, chunk := range []string{"a", "b", "c"} {
		w.emit(ptyprotocol.TypeData, ptyprotocol.DataMessage{ID: "p1", Data: []byte(chunk)})
	}
	h.waitLen(t, 4)

	pid, ok := c.Registry().GetPID("p1")
	assert.True(t, ok)
	assert.Equal(t, 42, pid)

	w.emit(ptyprotocol.TypeExit, ptyprotocol.ExitMessage{ID: "p1", ExitCode: 0})
	events := h.waitLen(t, 5)
	assert.Equal(t, []string{"created:p1:42", "data:p1:a", "data:p1:b", "data:p1:c", "exit:p1:0"}, events)

	assert.False(t, c.Registry().Exists("p1"))
	c.Cleanup("p1")
	assert.Equal(t, 0, c.Registry().ActiveCount())
}

func TestChannel_OperationsRequireLiveHandle(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := readyWorker(t, c, spawner)
	h := &recordingHandler{}

	assert.False(t, c.Write("ghost", []byte("x")))
	assert.False(t, c.Resize("ghost", 80, 24))
	assert.False(t, c.Kill("ghost"))

	require.NoError(t, c.Create("p1", opts(), h))
	w.next()

	assert.True(t, c.Write("p1", []byte("ls\n")))
	assert.True(t, c.Resize("p1", 100, 30))
	assert.True(t, c.Kill("p1"))

	write := w.next().(*ptyprotocol.WriteMessage)
	assert.Equal(t, "ls\n", string(write.Data))
	resize := w.next().(*ptyprotocol.ResizeMessage)
	assert.Equal(t, 100, resize.Cols)
	assert.Equal(t, 30, resize.Rows)
	kill := w.next().(*ptyprotocol.KillMessage)
	assert.Equal(t, "p1", kill.ID)

	assert.ErrorIs(t, c.Create("p1", opts(), h), ErrDuplicateID)
}

func TestChannel_WorkerErrorOnCreateReportsFailure(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := readyWorker(t, c, spawner)
	h := &recordingHandler{}

	require.NoError(t, c.Create("bad", opts(), h))
	require.NoError(t, c.Create("good", opts(), h))
	w.next()
	w.next()

	w.emit(ptyprotocol.TypeError, ptyprotocol.ErrorMessage{ID: "bad", Error: "no such directory"})
	w.emit(ptyprotocol.TypeCreated, ptyprotocol.CreatedMessage{ID: "good", PID: 7})
	// An error for an already-created process is only logged.
	w.emit(ptyprotocol.TypeError, ptyprotocol.ErrorMessage{ID: "good", Error: "write failed"})
	w.emit(ptyprotocol.TypeExit, ptyprotocol.ExitMessage{ID: "good", ExitCode: 2})

	events := h.waitLen(t, 3)
	assert.Equal(t, []string{"failed:bad:no such directory", "created:good:7", "exit:good:2"}, events)
	assert.False(t, c.Registry().Exists("bad"))
}

func TestChannel_MalformedRecordsAreDiscarded(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := readyWorker(t, c, spawner)
	h := &recordingHandler{}

	require.NoError(t, c.Create("p1", opts(), h))
	w.next()

	w.emitRaw("this is not json\n")
	w.emitRaw(`{"type":"created","payload":{"id":"p1","pid":-4}}` + "\n")
	w.emitRaw(`{"type":"data","payload":{"id":"p1","data":"aGk="}}`)
	w.emitRaw("\n")

	events := h.waitLen(t, 1)
	assert.Equal(t, []string{"data:p1:hi"}, events)
	assert.Equal(t, StateReady, c.State())
}

func TestChannel_CrashNotifiesEachActiveHandleOnceAndRestarts(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := readyWorker(t, c, spawner)
	h := &recordingHandler{}

	require.NoError(t, c.Create("p1", opts(), h))
	require.NoError(t, c.Create("p2", opts(), h))
	require.NoError(t, c.Create("done", opts(), h))
	w.next()
	w.next()
	w.next()
	w.emit(ptyprotocol.TypeCreated, ptyprotocol.CreatedMessage{ID: "p1", PID: 10})
	w.emit(ptyprotocol.TypeExit, ptyprotocol.ExitMessage{ID: "done", ExitCode: 0})
	h.waitLen(t, 2)

	w.crash()

	events := h.waitLen(t, 4)
	abnormal := fmt.Sprintf("%d", domain.ExitCodeAbnormal)
	assert.ElementsMatch(t, []string{
		"created:p1:10",
		"exit:done:0",
		"exit:p1:" + abnormal,
		"exit:p2:" + abnormal,
	}, events)
	assert.Equal(t, 0, c.Registry().ActiveCount())

	// A create issued while the replacement worker is starting is queued
	// and delivered once it is ready.
	w2 := spawner.next(t)
	require.NoError(t, c.Create("p3", opts(), h))
	w2.emit(ptyprotocol.TypeReady, ptyprotocol.ReadyMessage{PID: 2})
	create := w2.next().(*ptyprotocol.CreateMessage)
	assert.Equal(t, "p3", create.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.snapshot(), 4, "no duplicate abnormal exits")
}

func TestChannel_CancelWithdrawsQueuedCreate(t *testing.T) {
	c, spawner := newTestChannel(t)
	w := spawner.next(t)
	h := &recordingHandler{}

	require.NoError(t, c.Create("p1", opts(), h))
	require.NoError(t, c.Create("p2", opts(), h))
	assert.True(t, c.Cancel("p1"))
	assert.False(t, c.Cancel("p1"))
	assert.False(t, c.Registry().Exists("p1"))

	w.emit(ptyprotocol.TypeReady, ptyprotocol.ReadyMessage{PID: 1})
	create := w.next().(*ptyprotocol.CreateMessage)
	assert.Equal(t, "p2", create.ID)
	w.expectNone()
	assert.False(t, c.Cancel("p2"), "sent creates cannot be cancelled")
}

func TestChannel_CreateAfterCloseFails(t *testing.T) {
	c, spawner := newTestChannel(t)
	readyWorker(t, c, spawner)

	require.NoError(t, c.Close())
	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Create("p1", opts(), &recordingHandler{}), ErrClosed)
}

func TestRegistry_Lookups(t *testing.T) {
	r := NewRegistry()
	h := &recordingHandler{}
	require.True(t, r.add(&handle{id: "b", handler: h}))
	require.True(t, r.add(&handle{id: "a", handler: h}))
	require.False(t, r.add(&handle{id: "a", handler: h}))

	assert.Equal(t, []string{"a", "b"}, r.ActiveIDs())
	assert.Equal(t, 2, r.ActiveCount())

	_, ok := r.GetPID("a")
	assert.False(t, ok, "no pid before created")

	r.markSent("a")
	r.setPID("a", 99)
	pid, ok := r.GetPID("a")
	assert.True(t, ok)
	assert.Equal(t, 99, pid)

	assert.NotNil(t, r.markExited("a", false))
	assert.Nil(t, r.markExited("a", false), "exit is delivered once")
	assert.False(t, r.Exists("a"))
	assert.Equal(t, []string{"b"}, r.ActiveIDs())

	drained := r.drainSent()
	assert.Empty(t, drained, "exited handles are not reported again")
	assert.True(t, r.Exists("b"), "unsent handles survive a crash")
}
