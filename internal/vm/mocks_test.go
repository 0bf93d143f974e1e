package vm

import (
	"context"

	"github.com/jbweber/anvil/internal/cloudinit"
	"github.com/jbweber/anvil/internal/install"
	"github.com/jbweber/anvil/internal/kernel"
	"github.com/jbweber/anvil/internal/qemu"
)

// mockDisk is a mock implementation of diskPreparer for testing.
type mockDisk struct {
	ensureFunc func(ctx context.Context) (bool, error)
	calls      int
}

func (m *mockDisk) EnsureDiskImage(ctx context.Context) (bool, error) {
	m.calls++
	if m.ensureFunc != nil {
		return m.ensureFunc(ctx)
	}
	return true, nil
}

// mockSeed is a mock implementation of seedBuilder for testing.
type mockSeed struct {
	ensureFunc func(ctx context.Context, seed cloudinit.Seed) (bool, error)
	seeds      []cloudinit.Seed
}

func (m *mockSeed) EnsureSeedImage(ctx context.Context, seed cloudinit.Seed) (bool, error) {
	m.seeds = append(m.seeds, seed)
	if m.ensureFunc != nil {
		return m.ensureFunc(ctx, seed)
	}
	return true, nil
}

// mockLauncher is a mock implementation of launcher for testing.
type mockLauncher struct {
	launchFunc func(ctx context.Context) (*qemu.Process, error)
	calls      int
}

func (m *mockLauncher) Launch(ctx context.Context) (*qemu.Process, error) {
	m.calls++
	if m.launchFunc != nil {
		return m.launchFunc(ctx)
	}
	return &qemu.Process{}, nil
}

// mockPoller is a mock implementation of poller for testing.
type mockPoller struct {
	waitFunc func(ctx context.Context) (int, error)
	calls    int
}

func (m *mockPoller) Wait(ctx context.Context) (int, error) {
	m.calls++
	if m.waitFunc != nil {
		return m.waitFunc(ctx)
	}
	return 1, nil
}

// mockInstaller is a mock implementation of installer for testing.
type mockInstaller struct {
	installFunc func(ctx context.Context) (*install.Report, error)
	calls       int
}

func (m *mockInstaller) Install(ctx context.Context) (*install.Report, error) {
	m.calls++
	if m.installFunc != nil {
		return m.installFunc(ctx)
	}
	return &install.Report{Release: &kernel.Release{Version: "6.1"}, Completed: install.Steps}, nil
}

// mockDeps bundles mocks and counts remote sessions.
type mockDeps struct {
	disk       *mockDisk
	seed       *mockSeed
	launcher   *mockLauncher
	poller     *mockPoller
	installer  *mockInstaller
	connectErr error
	connects   int
	releases   int
}

func newMockDeps() *mockDeps {
	return &mockDeps{
		disk:      &mockDisk{},
		seed:      &mockSeed{},
		launcher:  &mockLauncher{},
		poller:    &mockPoller{},
		installer: &mockInstaller{},
	}
}

func (m *mockDeps) deps() deps {
	return deps{
		disk:     m.disk,
		seed:     m.seed,
		launcher: m.launcher,
		poller:   m.poller,
		connect: func(context.Context) (installer, func(), error) {
			m.connects++
			if m.connectErr != nil {
				return nil, nil, m.connectErr
			}
			return m.installer, func() { m.releases++ }, nil
		},
	}
}
