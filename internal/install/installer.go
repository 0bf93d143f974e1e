// Package install installs a kernel from the shared artifact directory into
// a running guest and reboots it into that kernel.
//
// The procedure is a fixed sequence of named steps. The first failing step
// aborts the rest and is reported as a *StepError.
package install

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/kernel"
	"github.com/jbweber/anvil/internal/logging"
	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/remote"
)

// Step names one stage of the installation.
type Step string

const (
	StepMount               Step = "mount"
	StepDetectVersion       Step = "detect-version"
	StepValidateArtifact    Step = "validate-artifact"
	StepResolveUUID         Step = "resolve-uuid"
	StepRemountBoot         Step = "remount-boot"
	StepCopyFiles           Step = "copy-files"
	StepRegenerateInitramfs Step = "regenerate-initramfs"
	StepRegisterBootEntry   Step = "register-boot-entry"
	StepVerifyDefault       Step = "verify-default"
	StepReboot              Step = "reboot"
)

// Steps lists every step in execution order.
var Steps = []Step{
	StepMount,
	StepDetectVersion,
	StepValidateArtifact,
	StepResolveUUID,
	StepRemountBoot,
	StepCopyFiles,
	StepRegenerateInitramfs,
	StepRegisterBootEntry,
	StepVerifyDefault,
	StepReboot,
}

// rebootDisconnectStatus is what ssh reports when the server goes away
// mid-command.
const rebootDisconnectStatus = 255

// Report summarizes a completed installation.
type Report struct {
	Release      *kernel.Release
	RootUUID     string // Empty unless root UUID resolution is enabled
	UsedFallback bool   // grub2-mkconfig replaced grubby registration
	Completed    []Step
}

// Installer drives the installation over a remote executor.
type Installer struct {
	exec        remote.Executor
	cfg         config.InstallConfig
	artifactDir string // Host side of the artifact share
	asRoot      bool
	log         logrus.FieldLogger
}

// New creates an Installer for cfg. Commands run through sudo unless the
// guest account is root.
func New(exec remote.Executor, cfg *config.Config, log logrus.FieldLogger) *Installer {
	return &Installer{
		exec:        exec,
		cfg:         cfg.Install,
		artifactDir: cfg.ArtifactDir(),
		asRoot:      cfg.Account.User == "root",
		log:         logging.Ensure(log).WithField("component", "install"),
	}
}

// Install runs every step in order and stops at the first failure.
func (i *Installer) Install(ctx context.Context) (*Report, error) {
	report := &Report{}

	actions := map[Step]func(context.Context, *Report) error{
		StepMount:               i.mount,
		StepDetectVersion:       i.detectVersion,
		StepValidateArtifact:    i.validateArtifact,
		StepResolveUUID:         i.resolveUUID,
		StepRemountBoot:         i.remountBoot,
		StepCopyFiles:           i.copyFiles,
		StepRegenerateInitramfs: i.regenerateInitramfs,
		StepRegisterBootEntry:   i.registerBootEntry,
		StepVerifyDefault:       i.verifyDefault,
		StepReboot:              i.reboot,
	}

	for n, step := range Steps {
		if err := ctx.Err(); err != nil {
			return report, &StepError{Step: step, Err: err}
		}

		i.log.WithField("step", step).Infof("Step %d/%d: %s", n+1, len(Steps), step)
		if err := actions[step](ctx, report); err != nil {
			return report, &StepError{Step: step, Err: err}
		}
		report.Completed = append(report.Completed, step)
	}

	return report, nil
}

// run executes a guest command with root privileges.
func (i *Installer) run(ctx context.Context, command string) (remote.Result, error) {
	if !i.asRoot {
		command = remote.Sudo(command)
	}
	return i.exec.Run(ctx, command)
}

func (i *Installer) mount(ctx context.Context, _ *Report) error {
	mp := remote.ShellQuote(i.cfg.MountPoint)
	cmd := fmt.Sprintf("mountpoint -q %s || (mkdir -p %s && mount -t 9p -o trans=virtio,version=9p2000.L %s %s)",
		mp, mp, remote.ShellQuote(i.cfg.ArtifactTag), mp)
	_, err := i.run(ctx, cmd)
	return err
}

func (i *Installer) detectVersion(_ context.Context, report *Report) error {
	release, err := kernel.Detect(i.artifactDir, kernel.Layout(i.cfg.Layout))
	if err != nil {
		return err
	}
	report.Release = release
	i.log.WithField("version", release.Version).Info("Detected kernel version")
	return nil
}

func (i *Installer) validateArtifact(ctx context.Context, report *Report) error {
	if err := report.Release.Validate(); err != nil {
		return err
	}

	guestImage := report.Release.GuestBootImage(i.cfg.MountPoint)
	_, err := i.run(ctx, "test -f "+remote.ShellQuote(guestImage))
	if _, ok := remote.ExitStatus(err); ok {
		return fmt.Errorf("%w: %s not visible in guest", kernel.ErrArtifactMissing, guestImage)
	}
	return err
}

func (i *Installer) resolveUUID(ctx context.Context, report *Report) error {
	if !i.cfg.ResolveRootUUID {
		i.log.Debug("Root UUID resolution disabled")
		return nil
	}

	res, err := i.run(ctx, "findmnt -n -o SOURCE /")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUUIDResolution, err)
	}
	device := naming.StripSubvolume(res.Stdout)
	if device == "" {
		return fmt.Errorf("%w: root source is empty", ErrUUIDResolution)
	}

	res, err = i.run(ctx, "blkid -s UUID -o value "+remote.ShellQuote(device))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUUIDResolution, err)
	}
	uuid := strings.TrimSpace(res.Stdout)
	if uuid == "" {
		return fmt.Errorf("%w: no UUID for %s", ErrUUIDResolution, device)
	}

	report.RootUUID = uuid
	i.log.WithFields(logrus.Fields{"device": device, "uuid": uuid}).Info("Resolved root filesystem")
	return nil
}

func (i *Installer) remountBoot(ctx context.Context, _ *Report) error {
	_, err := i.run(ctx, "mountpoint -q /boot")
	if _, ok := remote.ExitStatus(err); ok {
		i.log.Debug("/boot is not a separate mount, skipping remount")
		return nil
	}
	if err != nil {
		return err
	}

	_, err = i.run(ctx, "mount -o remount,rw /boot")
	return err
}

func (i *Installer) copyFiles(ctx context.Context, report *Report) error {
	release := report.Release

	cmd := fmt.Sprintf("cp %s %s",
		remote.ShellQuote(release.GuestBootImage(i.cfg.MountPoint)),
		remote.ShellQuote(i.cfg.KernelPath))
	if _, err := i.run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to copy boot image: %w", err)
	}

	dest := remote.ShellQuote(naming.ModulesDir(release.Version))
	cmd = fmt.Sprintf("rm -rf %s && cp -a %s %s",
		dest, remote.ShellQuote(release.GuestModulesDir(i.cfg.MountPoint)), dest)
	if _, err := i.run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to copy modules: %w", err)
	}
	return nil
}

func (i *Installer) regenerateInitramfs(ctx context.Context, report *Report) error {
	cmd := "dracut --force"
	if len(i.cfg.InitramfsDrivers) > 0 {
		cmd += " --add-drivers " + remote.ShellQuote(strings.Join(i.cfg.InitramfsDrivers, " "))
	}
	cmd += " " + remote.ShellQuote(i.cfg.InitramfsPath) + " " + remote.ShellQuote(report.Release.Version)

	_, err := i.run(ctx, cmd)
	return err
}

func (i *Installer) registerBootEntry(ctx context.Context, report *Report) error {
	version := report.Release.Version

	cmd := fmt.Sprintf("grubby --add-kernel=%s --initrd=%s --title=%s",
		remote.ShellQuote(i.cfg.KernelPath),
		remote.ShellQuote(i.cfg.InitramfsPath),
		remote.ShellQuote(naming.BootEntryTitle(version)))
	if args := naming.KernelArgs(report.RootUUID, i.cfg.RootFlags, i.cfg.Console); args != "" {
		cmd += " --args=" + remote.ShellQuote(args)
	}
	cmd += " --make-default"

	_, err := i.run(ctx, cmd)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	i.log.WithError(fmt.Errorf("%w: %w", ErrBootLoaderRegistration, err)).Warn("grubby failed, regenerating grub config")
	if _, fbErr := i.run(ctx, "grub2-mkconfig -o "+remote.ShellQuote(i.cfg.GrubConfig)); fbErr != nil {
		return fmt.Errorf("%w: fallback failed: %w", ErrBootLoaderRegistration, fbErr)
	}
	report.UsedFallback = true
	return nil
}

func (i *Installer) verifyDefault(ctx context.Context, _ *Report) error {
	res, err := i.run(ctx, "grubby --default-kernel")
	if err != nil {
		return err
	}

	current := strings.TrimSpace(res.Stdout)
	if current == i.cfg.KernelPath {
		return nil
	}

	i.log.WithFields(logrus.Fields{"current": current, "want": i.cfg.KernelPath}).Warn("Custom kernel is not the default, setting it")
	_, err = i.run(ctx, "grubby --set-default="+remote.ShellQuote(i.cfg.KernelPath))
	return err
}

func (i *Installer) reboot(ctx context.Context, _ *Report) error {
	_, err := i.run(ctx, "systemctl reboot")
	switch {
	case err == nil, errors.Is(err, remote.ErrConnectionLost):
		return nil
	}
	if status, ok := remote.ExitStatus(err); ok && status == rebootDisconnectStatus {
		return nil
	}
	return err
}
