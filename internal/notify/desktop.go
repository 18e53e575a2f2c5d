package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
)

// DesktopNotifier shows notifications on the local desktop through
// notify-send on Linux or osascript on macOS. Other platforms are ignored.
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS, run: runCommand}
}

func runCommand(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Send displays n
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := d.command(n)
	if !ok {
		return nil
	}
	if err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (d *DesktopNotifier) command(n Notification) (name string, args []string, ok bool) {
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", strconv.Quote(n.Message), strconv.Quote(n.Title))
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{"--urgency", urgency(n.Type), "--icon", IconForType(n.Type), n.Title, n.Message}, true
	}
	return "", nil, false
}

func urgency(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyWarning:
		return "normal"
	default:
		return "low"
	}
}

// IconForType returns a freedesktop icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
