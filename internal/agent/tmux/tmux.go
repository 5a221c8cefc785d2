// Package tmux drives an external terminal multiplexer out-of-process:
// one persistent named session, one window per logical terminal,
// synchronous key injection and rendered-text capture.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const commandTimeout = 10 * time.Second

// Runner invokes the multiplexer binary. The binary is configurable so
// the same driver works against a native tmux or one tunneled into a
// Linux environment (e.g. wsl.exe -e tmux).
type Runner struct {
	command  string
	baseArgs []string
	session  string
}

// NewRunner creates a Runner for the named session.
func NewRunner(command string, baseArgs []string, session string) *Runner {
	return &Runner{command: command, baseArgs: baseArgs, session: session}
}

// Session returns the multiplexer session name.
func (r *Runner) Session() string { return r.session }

// Tunneled reports whether the multiplexer runs behind a WSL tunnel,
// in which case Windows paths must be translated for cwd arguments.
func (r *Runner) Tunneled() bool {
	base := strings.ToLower(r.command)
	return strings.HasSuffix(base, "wsl") || strings.HasSuffix(base, "wsl.exe")
}

func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := append(append([]string{}, r.baseArgs...), args...)
	cmd := exec.CommandContext(ctx, r.command, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// Reachable verifies the multiplexer binary responds at all.
func (r *Runner) Reachable(ctx context.Context) error {
	_, err := r.run(ctx, "-V")
	return err
}

// HasSession reports whether the named session exists.
func (r *Runner) HasSession(ctx context.Context) bool {
	_, err := r.run(ctx, "has-session", "-t", r.session)
	return err == nil
}

// KillSession tears down the session. Missing sessions are not errors.
func (r *Runner) KillSession(ctx context.Context) error {
	_, err := r.run(ctx, "kill-session", "-t", r.session)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// NewSession creates the session detached with a bootstrap window.
func (r *Runner) NewSession(ctx context.Context, bootstrapWindow, cwd string) error {
	args := []string{"new-session", "-d", "-s", r.session, "-n", bootstrapWindow}
	if cwd != "" {
		args = append(args, "-c", r.TranslatePath(cwd))
	}
	_, err := r.run(ctx, args...)
	return err
}

// NewWindow spawns a window in the session and returns its window and
// pane identifiers.
func (r *Runner) NewWindow(ctx context.Context, name, cwd string) (windowID, paneID string, err error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{window_id} #{pane_id}", "-t", r.session + ":", "-n", name}
	if cwd != "" {
		args = append(args, "-c", r.TranslatePath(cwd))
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("tmux new-window: unexpected output %q", strings.TrimSpace(out))
	}
	return fields[0], fields[1], nil
}

// KillWindow removes a window. Missing windows are not errors.
func (r *Runner) KillWindow(ctx context.Context, windowID string) error {
	_, err := r.run(ctx, "kill-window", "-t", windowID)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// SendLiteral injects text byte-exact into a pane.
func (r *Runner) SendLiteral(ctx context.Context, paneID, text string) error {
	_, err := r.run(ctx, "send-keys", "-t", paneID, "-l", text)
	return err
}

// SendKey injects a named key (Enter, Tab, Escape, C-c, ...).
func (r *Runner) SendKey(ctx context.Context, paneID, key string) error {
	_, err := r.run(ctx, "send-keys", "-t", paneID, key)
	return err
}

// CapturePane returns the rendered text of the pane's last n lines.
func (r *Runner) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	out, err := r.run(ctx, "capture-pane", "-p", "-t", paneID, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// PaneCommand returns the foreground command running in a pane.
func (r *Runner) PaneCommand(ctx context.Context, paneID string) (string, error) {
	out, err := r.run(ctx, "display-message", "-p", "-t", paneID, "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsNotFound reports whether an error is the multiplexer's
// pane/window/session-not-found failure.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't find pane") ||
		strings.Contains(msg, "can't find window") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no such window") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no server running")
}

var driveRe = regexp.MustCompile(`^([A-Za-z]):[\\/]`)

// TranslatePath maps a Windows drive path onto the tunneled Linux
// layout (C:\Users\x -> /mnt/c/Users/x) when the runner is tunneled.
// Other paths pass through unchanged.
func (r *Runner) TranslatePath(p string) string {
	if !r.Tunneled() {
		return p
	}
	m := driveRe.FindStringSubmatch(p)
	if m == nil {
		return p
	}
	rest := strings.ReplaceAll(p[len(m[0]):], `\`, "/")
	return "/mnt/" + strings.ToLower(m[1]) + "/" + rest
}
