// internal/notify/desktop.go
package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier pops up a notification on the local machine. Platforms
// other than macOS and Linux are ignored.
type DesktopNotifier struct{}

func (DesktopNotifier) Send(ctx context.Context, n Notification) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		q := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
		cmd = exec.CommandContext(ctx, "osascript", "-e",
			`display notification "`+q.Replace(n.Message)+`" with title "`+q.Replace(n.Title)+`"`)
	case "linux":
		cmd = exec.CommandContext(ctx, "notify-send", "--app-name=promptledger", "--icon="+desktopIcon(n.Type), n.Title, n.Message)
	default:
		return nil
	}
	return cmd.Run()
}

func desktopIcon(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	}
	return "dialog-information"
}
