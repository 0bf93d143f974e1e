package config

import "time"

const (
	// DefaultBaseImageURL is the Fedora Cloud image the disk overlay is built on.
	DefaultBaseImageURL = "https://download.fedoraproject.org/pub/fedora/linux/releases/41/Cloud/x86_64/images/Fedora-Cloud-Base-Generic-41-1.4.x86_64.qcow2"

	// TagOut is the mount tag of the kernel build output share.
	TagOut = "host_out"

	// TagTests is the mount tag of the test share.
	TagTests = "host_tests"
)

// Default returns the preset configuration for a variant. Relative paths are
// resolved later by ResolvePaths.
func Default(variant Variant) *Config {
	cfg := &Config{
		Variant:  VariantFull,
		PathBase: PathBaseExecutable,
		Name:     "kernel-test",
		Account: AccountConfig{
			User:     "fedora",
			Password: "fedora",
		},
		Machine: MachineConfig{
			Binary:        "qemu-system-x86_64",
			Accel:         "kvm",
			MemoryMiB:     4096,
			VCPUs:         4,
			LivenessDelay: 2 * time.Second,
			ConsoleLog:    "vm/console.log",
			ProcessLog:    "vm/qemu.log",
		},
		Images: ImagesConfig{
			BaseURL:    DefaultBaseImageURL,
			BasePath:   "vm/base.qcow2",
			DiskPath:   "vm/disk.qcow2",
			DiskSize:   "20G",
			SeedPath:   "vm/seed.iso",
			IsoBackend: IsoBackendGenisoimage,
		},
		Shares: []ShareConfig{
			{Path: "out", Tag: TagOut},
			{Path: "tests", Tag: TagTests},
		},
		Network: NetworkConfig{
			Host:         "127.0.0.1",
			HostSSHPort:  2222,
			GuestSSHPort: 22,
		},
		Readiness: ReadinessConfig{
			Attempts:    60,
			Interval:    5 * time.Second,
			DialTimeout: 2 * time.Second,
			CheckBanner: false,
		},
		Install: InstallConfig{
			Layout:           LayoutVersioned,
			ArtifactTag:      TagOut,
			MountPoint:       "/mnt/host_out",
			ResolveRootUUID:  true,
			RootFlags:        "subvol=root",
			Console:          "ttyS0",
			KernelPath:       "/boot/vmlinuz-custom",
			InitramfsPath:    "/boot/initramfs-custom.img",
			InitramfsDrivers: []string{"virtio_blk", "virtio_pci"},
			GrubConfig:       "/boot/grub2/grub.cfg",
		},
	}

	if variant == VariantSimple {
		cfg.Variant = VariantSimple
		cfg.PathBase = PathBaseCwd
		cfg.Shares = []ShareConfig{{Path: "out", Tag: TagOut}}
		cfg.Install.Layout = LayoutFlat
		cfg.Install.ResolveRootUUID = false
		cfg.Install.RootFlags = ""
		cfg.Install.Console = ""
	}

	return cfg
}
