package qemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/logging"
)

// logTail is how much of the process log is quoted when launch fails.
const logTail = 2048

// Process is a running hypervisor process. Its lifetime is not managed:
// it keeps running after anvil exits and has to be stopped by the operator.
type Process struct {
	pid  int
	done chan struct{}
	err  error
}

// PID returns the process identifier.
func (p *Process) PID() int {
	return p.pid
}

// Launcher starts the hypervisor.
type Launcher struct {
	spec          CommandSpec
	livenessDelay time.Duration
	processLog    string
	command       func(name string, args ...string) *exec.Cmd
	log           logrus.FieldLogger
}

// NewLauncher creates a Launcher. The process output goes to processLog;
// the liveness check runs livenessDelay after start.
func NewLauncher(spec CommandSpec, livenessDelay time.Duration, processLog string, log logrus.FieldLogger) *Launcher {
	return &Launcher{
		spec:          spec,
		livenessDelay: livenessDelay,
		processLog:    processLog,
		command:       exec.Command,
		log:           logging.Ensure(log).WithField("component", "qemu"),
	}
}

// Launch starts exactly one hypervisor process in its own session and
// returns once it survived the liveness check.
//
// The process is not bound to ctx: cancelling ctx during the liveness check kills it,
// cancelling afterwards does not.
func (l *Launcher) Launch(ctx context.Context) (*Process, error) {
	args, err := l.spec.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	for _, p := range []string{l.processLog, l.spec.ConsoleLog} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create log directory: %v", ErrLaunch, err)
		}
	}

	cmd := l.command(l.spec.Executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var logFile *os.File
	if l.processLog != "" {
		logFile, err = os.OpenFile(l.processLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open process log: %v", ErrLaunch, err)
		}
		// The child holds its own descriptor once started.
		defer func() { _ = logFile.Close() }()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	l.log.WithField("command", cmd.String()).Debug("Starting hypervisor")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	proc := &Process{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	timer := time.NewTimer(l.livenessDelay)
	defer timer.Stop()

	select {
	case <-proc.done:
		return nil, fmt.Errorf("%w: process exited during startup: %v%s",
			ErrLaunch, exitReason(proc.err), l.tail())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-proc.done
		return nil, ctx.Err()
	case <-timer.C:
	}

	l.log.WithField("pid", proc.pid).Info("Hypervisor running")

	return proc, nil
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Error()
	}
	return err.Error()
}

// tail returns the end of the process log, formatted for an error message.
func (l *Launcher) tail() string {
	if l.processLog == "" {
		return ""
	}
	data, err := os.ReadFile(l.processLog)
	if err != nil || len(data) == 0 {
		return ""
	}
	if len(data) > logTail {
		data = data[len(data)-logTail:]
	}
	return "\nOutput: " + string(bytes.TrimSpace(data))
}
