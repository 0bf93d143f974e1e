package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbweber/anvil/internal/remote"
)

// mockExecutor records commands and answers them through respond.
type mockExecutor struct {
	respond  func(cmd string) (remote.Result, error)
	commands []string
}

func (m *mockExecutor) Run(ctx context.Context, cmd string) (remote.Result, error) {
	m.commands = append(m.commands, cmd)
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	if m.respond != nil {
		return m.respond(cmd)
	}
	return remote.Result{}, nil
}

// ran reports whether a recorded command starts with prefix.
func (m *mockExecutor) ran(prefix string) bool {
	return m.find(prefix) != ""
}

// find returns the first recorded command starting with prefix.
func (m *mockExecutor) find(prefix string) string {
	for _, c := range m.commands {
		if strings.HasPrefix(c, prefix) {
			return c
		}
	}
	return ""
}

func exitError(cmd string, status int) error {
	return &remote.ExitError{Command: cmd, Result: remote.Result{ExitStatus: status, Stderr: fmt.Sprintf("exit %d", status)}}
}

// guestResponder answers like a healthy Fedora guest with a btrfs root.
// overrides take precedence for commands starting with their key.
func guestResponder(overrides map[string]func(string) (remote.Result, error)) func(string) (remote.Result, error) {
	return func(cmd string) (remote.Result, error) {
		for prefix, fn := range overrides {
			if strings.HasPrefix(cmd, prefix) {
				return fn(cmd)
			}
		}

		switch {
		case strings.HasPrefix(cmd, "findmnt"):
			return remote.Result{Stdout: "/dev/vda5[/root]\n"}, nil
		case strings.HasPrefix(cmd, "blkid"):
			return remote.Result{Stdout: "abcd-1234\n"}, nil
		case cmd == "grubby --default-kernel":
			return remote.Result{Stdout: "/boot/vmlinuz-custom\n"}, nil
		case cmd == "systemctl reboot":
			return remote.Result{}, fmt.Errorf("%w: reboot", remote.ErrConnectionLost)
		}
		return remote.Result{}, nil
	}
}
