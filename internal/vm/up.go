package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/cloudinit"
	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/disk"
	"github.com/jbweber/anvil/internal/install"
	"github.com/jbweber/anvil/internal/logging"
	"github.com/jbweber/anvil/internal/qemu"
	"github.com/jbweber/anvil/internal/readiness"
	"github.com/jbweber/anvil/internal/remote"
	"github.com/jbweber/anvil/internal/status"
)

// handshakeTimeout bounds connecting to the guest sshd. Commands themselves
// are not bounded.
const handshakeTimeout = 30 * time.Second

// Options selects the optional parts of a run.
type Options struct {
	InstallKernel bool
	RunTests      bool // Accepted but not acted upon yet
}

// Summary describes the outcome of a run.
type Summary struct {
	Name               string              `json:"name" yaml:"name"`
	InstanceID         string              `json:"instanceId" yaml:"instanceId"`
	Phase              status.Phase        `json:"phase" yaml:"phase"`
	PID                int                 `json:"pid,omitempty" yaml:"pid,omitempty"`
	DiskPath           string              `json:"diskPath" yaml:"diskPath"`
	DiskCreated        bool                `json:"diskCreated" yaml:"diskCreated"`
	SeedPath           string              `json:"seedPath" yaml:"seedPath"`
	SeedCreated        bool                `json:"seedCreated" yaml:"seedCreated"`
	SSHAddress         string              `json:"sshAddress" yaml:"sshAddress"`
	SSHAttempts        int                 `json:"sshAttempts,omitempty" yaml:"sshAttempts,omitempty"`
	ConsoleLog         string              `json:"consoleLog" yaml:"consoleLog"`
	KernelVersion      string              `json:"kernelVersion,omitempty" yaml:"kernelVersion,omitempty"`
	RootUUID           string              `json:"rootUUID,omitempty" yaml:"rootUUID,omitempty"`
	BootLoaderFallback bool                `json:"bootLoaderFallback,omitempty" yaml:"bootLoaderFallback,omitempty"` // grub2-mkconfig replaced grubby
	InstallSteps       []install.Step      `json:"installSteps,omitempty" yaml:"installSteps,omitempty"`             // Completed in order
	Elapsed            time.Duration       `json:"elapsed" yaml:"elapsed"`
	Transitions        []status.Transition `json:"transitions" yaml:"transitions"`
}

// Up provisions the VM described by cfg. Paths in cfg must already be
// resolved.
//
// This orchestrates the entire run:
//  1. Prepare the disk overlay (download the base image if needed)
//  2. Build the cloud-init seed image if missing
//  3. Launch the hypervisor detached
//  4. Wait for the forwarded SSH port
//  5. Optionally install the kernel from the artifact share and reboot
//
// The returned Summary is valid on failure too and records the failed phase.
func Up(ctx context.Context, cfg *config.Config, opts Options, log logrus.FieldLogger) (*Summary, error) {
	log = logging.Ensure(log)

	tool, err := cloudinit.NewIsoTool(cfg.Images.IsoBackend)
	if err != nil {
		return nil, err
	}

	d := deps{
		disk:     disk.NewManager(cfg.Images, log),
		seed:     cloudinit.NewBuilder(cfg.Images.SeedPath, tool, log),
		launcher: qemu.NewLauncher(qemu.SpecFromConfig(cfg), cfg.Machine.LivenessDelay, cfg.Machine.ProcessLog, log),
		poller:   readiness.NewPoller(cfg.SSHAddress(), cfg.Readiness, log),
		connect:  remoteConnector(cfg, log),
	}

	return upWithDeps(ctx, cfg, opts, d, log)
}

// remoteConnector dials the guest with the configured account.
func remoteConnector(cfg *config.Config, log logrus.FieldLogger) connectFunc {
	return func(ctx context.Context) (installer, func(), error) {
		creds := remote.Credentials{
			User:           cfg.Account.User,
			Password:       cfg.Account.Password,
			PrivateKeyPath: cfg.Account.PrivateKey,
		}
		exec, err := remote.Dial(ctx, cfg.SSHAddress(), creds, handshakeTimeout, log)
		if err != nil {
			return nil, nil, err
		}
		release := func() {
			// The guest reboots at the end of the install, so the connection
			// is usually gone already.
			_ = exec.Close()
		}
		return install.New(exec, cfg, log), release, nil
	}
}

// upWithDeps runs the provisioning with injected dependencies.
// This allows for testing by accepting interfaces instead of concrete types.
func upWithDeps(ctx context.Context, cfg *config.Config, opts Options, d deps, log logrus.FieldLogger) (*Summary, error) {
	log = logging.Ensure(log)
	tracker := status.NewTracker(log)

	summary := &Summary{
		Name:       cfg.Name,
		InstanceID: cfg.InstanceID,
		DiskPath:   cfg.Images.DiskPath,
		SeedPath:   cfg.Images.SeedPath,
		SSHAddress: cfg.SSHAddress(),
		ConsoleLog: cfg.Machine.ConsoleLog,
	}
	defer func() {
		summary.Phase = tracker.Phase()
		summary.Elapsed = tracker.Elapsed()
		summary.Transitions = tracker.History()
	}()

	fail := func(reason string, err error) (*Summary, error) {
		tracker.Fail(reason, err)
		return summary, err
	}

	if opts.RunTests {
		log.Warn("Running tests is not supported yet, ignoring --run-tests")
	}

	// Step 1: Disk overlay
	if err := tracker.TransitionTo(status.PhasePreparing); err != nil {
		return fail("InvalidTransition", err)
	}
	created, err := d.disk.EnsureDiskImage(ctx)
	if err != nil {
		return fail("DiskPreparationFailed", fmt.Errorf("failed to prepare disk image: %w", err))
	}
	summary.DiskCreated = created

	// Step 2: Seed image
	if err := tracker.TransitionTo(status.PhaseSeeding); err != nil {
		return fail("InvalidTransition", err)
	}
	created, err = d.seed.EnsureSeedImage(ctx, cloudinit.SeedFromConfig(cfg))
	if err != nil {
		return fail("SeedBuildFailed", fmt.Errorf("failed to build seed image: %w", err))
	}
	summary.SeedCreated = created

	// Step 3: Hypervisor
	if err := tracker.TransitionTo(status.PhaseLaunching); err != nil {
		return fail("InvalidTransition", err)
	}
	proc, err := d.launcher.Launch(ctx)
	if err != nil {
		return fail("LaunchFailed", fmt.Errorf("failed to launch VM: %w", err))
	}
	summary.PID = proc.PID()
	log.WithFields(logrus.Fields{
		"pid":     summary.PID,
		"console": cfg.Machine.ConsoleLog,
	}).Info("VM started")

	// Step 4: SSH
	if err := tracker.TransitionTo(status.PhaseWaitingForSSH); err != nil {
		return fail("InvalidTransition", err)
	}
	attempts, err := d.poller.Wait(ctx)
	summary.SSHAttempts = attempts
	if err != nil {
		// The VM keeps running for inspection.
		log.WithField("pid", summary.PID).Warn("VM left running")
		return fail("SSHUnreachable", fmt.Errorf("guest did not become reachable: %w", err))
	}
	log.WithField("address", summary.SSHAddress).Info("SSH is up")

	// Step 5: Kernel
	if opts.InstallKernel {
		if err := tracker.TransitionTo(status.PhaseInstalling); err != nil {
			return fail("InvalidTransition", err)
		}
		if err := runInstall(ctx, d.connect, summary); err != nil {
			return fail("InstallFailed", err)
		}
		log.WithFields(logrus.Fields{
			"version":  summary.KernelVersion,
			"fallback": summary.BootLoaderFallback,
		}).Info("Kernel installed, guest is rebooting")
	}

	if err := tracker.TransitionTo(status.PhaseReady); err != nil {
		return fail("InvalidTransition", err)
	}
	return summary, nil
}

func runInstall(ctx context.Context, connect connectFunc, summary *Summary) error {
	inst, release, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to open remote session: %w", err)
	}
	defer release()

	report, err := inst.Install(ctx)
	if report != nil {
		if report.Release != nil {
			summary.KernelVersion = report.Release.Version
		}
		summary.RootUUID = report.RootUUID
		summary.BootLoaderFallback = report.UsedFallback
		summary.InstallSteps = report.Completed
	}
	if err != nil {
		return fmt.Errorf("failed to install kernel: %w", err)
	}
	return nil
}
