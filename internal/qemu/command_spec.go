// Package qemu builds the hypervisor command line for the test VM and
// starts it as a detached process.
package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/anvil/internal/config"
)

const (
	netdevID     = "net0"
	accelKVM     = "kvm"
	bootOrderCD  = "order=dc"
	maxTagLength = 31
)

// Share is a host directory exported to the guest over virtio-9p.
type Share struct {
	Path string
	Tag  string
}

// CommandSpec defines the parameters of the hypervisor process.
type CommandSpec struct {
	// Path to the qemu-system binary.
	Executable string

	// Accelerator. "kvm" adds -enable-kvm, anything else is passed to -accel.
	Accel string

	// Memory for the machine in MiB.
	MemoryMiB int

	// Guest CPU count.
	VCPUs int

	// Writable qcow2 disk attached as the primary virtio block device.
	DiskPath string

	// Read-only seed image attached as an optical drive. Booting checks the
	// optical drive first, which falls through to the disk once the seed
	// image has nothing bootable on it.
	SeedPath string

	// Host directories exported with passthrough security model.
	Shares []Share

	// User-mode NAT port forward for SSH.
	HostSSHPort  int
	GuestSSHPort int

	// Guest serial console output file.
	ConsoleLog string

	// ExtraArgs are appended last, verbatim. They must not repeat a
	// single-use option such as -m or -smp.
	ExtraArgs []string
}

// SpecFromConfig builds a CommandSpec from the run configuration.
func SpecFromConfig(cfg *config.Config) CommandSpec {
	shares := make([]Share, 0, len(cfg.Shares))
	for _, s := range cfg.Shares {
		shares = append(shares, Share{Path: s.Path, Tag: s.Tag})
	}

	return CommandSpec{
		Executable:   cfg.Machine.Binary,
		Accel:        cfg.Machine.Accel,
		MemoryMiB:    cfg.Machine.MemoryMiB,
		VCPUs:        cfg.Machine.VCPUs,
		DiskPath:     cfg.Images.DiskPath,
		SeedPath:     cfg.Images.SeedPath,
		Shares:       shares,
		HostSSHPort:  cfg.Network.HostSSHPort,
		GuestSSHPort: cfg.Network.GuestSSHPort,
		ConsoleLog:   cfg.Machine.ConsoleLog,
		ExtraArgs:    cfg.Machine.ExtraArgs,
	}
}

// Validate checks for values QEMU would reject or misparse.
func (s *CommandSpec) Validate() error {
	if s.Executable == "" {
		return fmt.Errorf("%w: executable is required", ErrInvalidSpec)
	}
	if s.MemoryMiB <= 0 || s.VCPUs <= 0 {
		return fmt.Errorf("%w: memory and vcpus must be positive", ErrInvalidSpec)
	}
	if s.DiskPath == "" || s.SeedPath == "" {
		return fmt.Errorf("%w: disk and seed paths are required", ErrInvalidSpec)
	}
	for _, p := range []string{s.DiskPath, s.SeedPath} {
		// A comma would start a new -drive option.
		if strings.Contains(p, ",") {
			return fmt.Errorf("%w: path must not contain commas: %s", ErrInvalidSpec, p)
		}
	}
	for _, share := range s.Shares {
		if len(share.Tag) == 0 || len(share.Tag) > maxTagLength {
			return fmt.Errorf("%w: mount tag %q must be 1-%d characters", ErrInvalidSpec, share.Tag, maxTagLength)
		}
		if strings.Contains(share.Path, ",") {
			return fmt.Errorf("%w: share path must not contain commas: %s", ErrInvalidSpec, share.Path)
		}
	}
	return nil
}

// HostForward returns the user-mode NAT forwarding rule.
func (s *CommandSpec) HostForward() string {
	return fmt.Sprintf("tcp::%d-:%d", s.HostSSHPort, s.GuestSSHPort)
}

// Build validates s and returns the qemu argument strings.
func (s *CommandSpec) Build() ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	c := newCmdline()
	if s.Accel == "" || s.Accel == accelKVM {
		c.once("enable-kvm")
	} else {
		c.once("accel", s.Accel)
	}

	c.once("m", strconv.Itoa(s.MemoryMiB))
	c.once("smp", strconv.Itoa(s.VCPUs))
	c.add("drive", "file="+s.DiskPath, "if=virtio", "format=qcow2")
	c.add("drive", "file="+s.SeedPath, "media=cdrom", "readonly=on")
	c.once("boot", bootOrderCD)
	c.add("netdev", "user", "id="+netdevID, "hostfwd="+s.HostForward())
	c.add("device", "virtio-net-pci", "netdev="+netdevID)

	for _, share := range s.Shares {
		c.add("virtfs",
			"local",
			"path="+share.Path,
			"mount_tag="+share.Tag,
			"security_model=passthrough",
			"id="+share.Tag,
		)
	}

	c.once("display", "none")

	if s.ConsoleLog != "" {
		c.once("serial", "file:"+s.ConsoleLog)
	}

	c.raw(s.ExtraArgs)
	return c.build()
}
