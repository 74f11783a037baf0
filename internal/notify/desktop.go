package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows local desktop notifications through notify-send or osascript
type DesktopNotifier struct {
	enabled bool
	run     func(ctx context.Context, name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Send shows n; unsupported platforms are a no-op
func (d *DesktopNotifier) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := desktopCommand(runtime.GOOS, n)
	if name == "" {
		return nil
	}
	return d.run(ctx, name, args...)
}

func desktopCommand(goos string, n Notification) (string, []string) {
	body := n.Message
	if n.PRURL != "" {
		body += "\n" + n.PRURL
	}
	switch goos {
	case "darwin":
		script := `display notification "` + escapeAppleScript(body) + `" with title "` + escapeAppleScript(n.Title) + `"`
		if n.WorkItem != "" {
			script += ` subtitle "` + escapeAppleScript(n.WorkItem) + `"`
		}
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{
			"--app-name", "issue-orchestrator",
			"--urgency", urgency(n.Type),
			"--icon", IconForType(n.Type),
			n.Title, body,
		}
	}
	return "", nil
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// Exhausted and failed tasks wait for a human, so they stay on screen.
func urgency(t NotificationType) string {
	switch t {
	case NotifyWarning, NotifyError:
		return "critical"
	}
	return "normal"
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
