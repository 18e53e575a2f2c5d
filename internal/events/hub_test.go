package events

import (
	"testing"

	"go.uber.org/zap"
)

func TestHub_FiltersByProcess(t *testing.T) {
	hub := NewHub(4, zap.NewNop().Sugar())
	all := hub.Subscribe("")
	defer all.Close()
	onlyA := hub.Subscribe("a")
	defer onlyA.Close()

	hub.Publish(Event{Type: ProcessSpawned, ProcessID: "a"})
	hub.Publish(Event{Type: ProcessSpawned, ProcessID: "b"})

	if got := len(all.C); got != 2 {
		t.Errorf("all subscriber buffered = %d, want 2", got)
	}
	if got := len(onlyA.C); got != 1 {
		t.Fatalf("filtered subscriber buffered = %d, want 1", got)
	}
	if e := <-onlyA.C; e.ProcessID != "a" {
		t.Errorf("ProcessID = %q, want %q", e.ProcessID, "a")
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(1, zap.NewNop().Sugar())
	slow := hub.Subscribe("")

	hub.Publish(Event{Type: ProcessOutput, ProcessID: "a", Data: "1"})
	hub.Publish(Event{Type: ProcessOutput, ProcessID: "a", Data: "2"})

	if hub.Count() != 0 {
		t.Errorf("Count = %d, want 0", hub.Count())
	}

	// The buffered event is still readable, then the channel is closed
	if e, ok := <-slow.C; !ok || e.Data != "1" {
		t.Errorf("first receive = %v/%v, want event 1", e, ok)
	}
	if _, ok := <-slow.C; ok {
		t.Error("channel should be closed after drop")
	}

	// Closing a dropped subscription is harmless
	slow.Close()
}

func TestHub_CloseUnregisters(t *testing.T) {
	hub := NewHub(0, zap.NewNop().Sugar())
	sub := hub.Subscribe("a")
	sub.Close()
	sub.Close()

	if hub.Count() != 0 {
		t.Errorf("Count = %d, want 0", hub.Count())
	}
	hub.Publish(Event{Type: ProcessKilled, ProcessID: "a"})
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Publish(e Event) { r.events = append(r.events, e) }

func TestMultiSink_PublishesToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := NewMultiSink(a, NopSink{}, b, NewLogSink(zap.NewNop().Sugar()))

	code := 0
	m.Publish(Event{Type: ProcessExited, ProcessID: "x", ExitCode: &code})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(a.events), len(b.events))
	}
}
