// Package notify tells people when supervised processes end badly.
package notify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/events"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

const defaultQueueSize = 64

// Notification represents a notification to be sent
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	ProcessID string
	ProjectID string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// FromEvent builds the notification for a process ending. ok is false for
// events that are not endings.
func FromEvent(e events.Event) (n Notification, ok bool) {
	if e.Type != events.ProcessExited && e.Type != events.ProcessKilled {
		return Notification{}, false
	}

	name := e.Label
	if name == "" {
		name = e.ProcessID
	}
	n = Notification{
		Title:     fmt.Sprintf("%s %s", name, e.Status),
		ProcessID: e.ProcessID,
		ProjectID: e.ProjectID,
	}
	switch e.Status {
	case domain.StatusCompleted:
		n.Type = NotifySuccess
		n.Message = "Process completed"
	case domain.StatusKilled:
		n.Type = NotifyWarning
		n.Message = "Process was killed"
	default:
		n.Type = NotifyError
		n.Message = "Process failed"
	}
	if e.ExitCode != nil {
		n.Message = fmt.Sprintf("%s with exit code %d", n.Message, *e.ExitCode)
	}
	if e.ProjectID != "" {
		n.Message = fmt.Sprintf("%s (project %s)", n.Message, e.ProjectID)
	}
	return n, true
}

// Sink is an events.Sink that notifies about processes ending in one of the
// selected statuses. Sends happen on a background goroutine; when the queue
// is full the notification is dropped.
type Sink struct {
	notifier Notifier
	statuses map[domain.ProcessStatus]bool
	logger   *zap.SugaredLogger

	queue chan Notification
	done  chan struct{}
}

// NewSink starts a sink. Call Close to stop it.
func NewSink(notifier Notifier, statuses []domain.ProcessStatus, logger *zap.SugaredLogger) *Sink {
	s := &Sink{
		notifier: notifier,
		statuses: make(map[domain.ProcessStatus]bool, len(statuses)),
		logger:   logger,
		queue:    make(chan Notification, defaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, st := range statuses {
		s.statuses[st] = true
	}
	go s.loop()
	return s
}

// Publish queues a notification for matching events
func (s *Sink) Publish(e events.Event) {
	if !s.statuses[e.Status] {
		return
	}
	n, ok := FromEvent(e)
	if !ok {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.logger.Warnw("notification queue full, dropping", "id", e.ProcessID)
	}
}

// Close sends what is queued and stops the sink. Publish must not be called
// afterwards.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}

func (s *Sink) loop() {
	defer close(s.done)
	for n := range s.queue {
		if err := s.notifier.Send(n); err != nil {
			s.logger.Warnw("notification failed", "id", n.ProcessID, "error", err)
		}
	}
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
