package qemu

import "errors"

var (
	// ErrInvalidSpec is returned by [CommandSpec.Validate] for values qemu
	// would reject or misparse.
	ErrInvalidSpec = errors.New("invalid qemu command")

	// ErrArgumentCollision is returned if an option that qemu accepts once
	// is given twice.
	ErrArgumentCollision = errors.New("option given twice")

	// ErrLaunch is returned if the hypervisor process could not be started
	// or exited before the liveness check.
	ErrLaunch = errors.New("vm launch failed")
)
