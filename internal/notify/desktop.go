package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends desktop notifications
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil // Unsupported
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	return exec.Command("osascript", "-e", appleScript(n)).Run()
}

func appleScript(n Notification) string {
	script := `display notification "` + escapeAppleScript(n.Message) + `" with title "` + escapeAppleScript(n.Title) + `"`
	if n.RunID != "" {
		script += ` subtitle "` + escapeAppleScript("Run "+n.RunID) + `"`
	}
	return script
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	return exec.Command("notify-send", notifySendArgs(n)...).Run()
}

// notifySendArgs keeps failed runs on screen until dismissed
func notifySendArgs(n Notification) []string {
	urgency := "normal"
	if n.Type == NotifyError {
		urgency = "critical"
	}
	return []string{"--app-name", "testorch", "--urgency", urgency, "--icon", IconForType(n.Type), n.Title, n.Message}
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconForType returns an icon name for the notification type
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
