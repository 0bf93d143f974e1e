// Package remote runs commands inside the guest.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrConnectionLost is returned when the connection drops before the remote
// command reported an exit status. A guest reboot ends this way.
var ErrConnectionLost = errors.New("remote connection lost")

// Result is the outcome of a remote command.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Output returns stdout and stderr combined, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// ExitError is returned when a remote command exits non-zero.
type ExitError struct {
	Command string
	Result  Result
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.Result.ExitStatus)
	if out := e.Result.Output(); out != "" {
		msg += "\nOutput: " + out
	}
	return msg
}

// Executor runs a shell command in the guest.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
}

// ExitStatus extracts the remote exit status from err, if there is one.
func ExitStatus(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Result.ExitStatus, true
	}
	return 0, false
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~=%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Sudo wraps a shell command so it runs as root without prompting.
func Sudo(command string) string {
	return "sudo -n sh -c " + ShellQuote(command)
}
