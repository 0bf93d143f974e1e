package install

import (
	"errors"
	"fmt"

	"github.com/jbweber/anvil/internal/remote"
)

var (
	// ErrUUIDResolution is returned when the root filesystem UUID cannot be
	// determined.
	ErrUUIDResolution = errors.New("root UUID resolution failed")

	// ErrBootLoaderRegistration is returned when grubby cannot register the
	// boot entry. The installer recovers by regenerating the grub config and
	// only fails if that fallback fails too.
	ErrBootLoaderRegistration = errors.New("boot loader registration failed")
)

// StepError reports the step that aborted an installation.
type StepError struct {
	Step Step
	Err  error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("install step %s failed: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// ExitStatus returns the remote exit status behind the failure, if the step
// failed because a guest command exited non-zero.
func (e *StepError) ExitStatus() (int, bool) {
	return remote.ExitStatus(e.Err)
}
