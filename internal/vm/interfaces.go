package vm

import (
	"context"

	"github.com/jbweber/anvil/internal/cloudinit"
	"github.com/jbweber/anvil/internal/install"
	"github.com/jbweber/anvil/internal/qemu"
)

// diskPreparer makes sure the writable disk overlay exists.
//
// In production, this is satisfied by *disk.Manager.
// In tests, this is satisfied by mock implementations.
type diskPreparer interface {
	// EnsureDiskImage creates the overlay if missing and reports whether it did
	EnsureDiskImage(ctx context.Context) (bool, error)
}

// seedBuilder makes sure the cloud-init seed image exists.
//
// In production, this is satisfied by *cloudinit.Builder.
type seedBuilder interface {
	// EnsureSeedImage builds the seed if missing and reports whether it did
	EnsureSeedImage(ctx context.Context, seed cloudinit.Seed) (bool, error)
}

// launcher starts the hypervisor.
//
// In production, this is satisfied by *qemu.Launcher.
type launcher interface {
	Launch(ctx context.Context) (*qemu.Process, error)
}

// poller waits for the guest SSH port.
//
// In production, this is satisfied by *readiness.Poller.
type poller interface {
	// Wait returns the number of attempts made
	Wait(ctx context.Context) (int, error)
}

// installer installs the kernel inside the guest.
//
// In production, this is satisfied by *install.Installer.
type installer interface {
	Install(ctx context.Context) (*install.Report, error)
}

// connectFunc opens the remote session and returns an installer bound to
// it, plus a function releasing the session.
type connectFunc func(ctx context.Context) (installer, func(), error)

// deps bundles the collaborators of a run.
type deps struct {
	disk     diskPreparer
	seed     seedBuilder
	launcher launcher
	poller   poller
	connect  connectFunc
}
