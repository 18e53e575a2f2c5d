package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTrimmer struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeTrimmer) TrimAllOutput(ctx context.Context, keep int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keep)
	return 7, f.err
}

func (f *fakeTrimmer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 * * *", false},
		{"*/5 * * * *", false},
		{"@every 1h", false},
		{"@daily", false},
		{"invalid", true},
		{"0 0 3 * * *", true}, // seconds field not accepted
	}

	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	logger := zap.NewNop().Sugar()
	if _, err := New("0 3 * * *", -1, &fakeTrimmer{}, logger); err == nil {
		t.Error("negative keep should error")
	}
	if _, err := New("never", 10, &fakeTrimmer{}, logger); err == nil {
		t.Error("bad schedule should error")
	}
}

func TestScheduler_NextRun(t *testing.T) {
	s, err := New("0 3 * * *", 10, &fakeTrimmer{}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	next := s.NextRun(from)
	want := time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	trimmer := &fakeTrimmer{}
	s, err := New("@every 1h", 25, trimmer, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}

	removed, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 7 {
		t.Errorf("removed = %d, want 7", removed)
	}
	if len(trimmer.calls) != 1 || trimmer.calls[0] != 25 {
		t.Errorf("calls = %v, want [25]", trimmer.calls)
	}

	trimmer.err = errors.New("disk full")
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Error("RunOnce should surface trimmer errors")
	}
}

func TestScheduler_RunFiresAndStops(t *testing.T) {
	trimmer := &fakeTrimmer{}
	s, err := New("@every 1s", 5, trimmer, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for trimmer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if trimmer.count() == 0 {
		t.Fatal("job never fired")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
