// Package config defines the anvil run configuration: machine resources,
// image locations, guest credentials, shared directories and the kernel
// install procedure. A Config is loaded once and then passed explicitly to
// every component; nothing reads global state.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Variant selects a preset of defaults.
type Variant string

const (
	// VariantFull resolves paths next to the executable, exports two shares,
	// expects the versioned kernel layout and pins root by UUID.
	VariantFull Variant = "full"
	// VariantSimple resolves paths against the working directory, exports a
	// single share and expects the flat kernel layout.
	VariantSimple Variant = "simple"
)

// PathBase controls how relative paths in the configuration are resolved.
type PathBase string

const (
	PathBaseExecutable PathBase = "executable" // Directory of the running binary
	PathBaseCwd        PathBase = "cwd"        // Current working directory
)

// Kernel artifact layouts.
const (
	LayoutVersioned = "versioned" // v<version>/bzImage-custom + v<version>/lib/modules/<version>
	LayoutFlat      = "flat"      // bzImage + lib/modules/<version>
)

// Seed ISO backends.
const (
	IsoBackendGenisoimage = "genisoimage"
	IsoBackendNative      = "native"
)

// Config is the complete run configuration.
type Config struct {
	Variant    Variant         `yaml:"variant"`
	PathBase   PathBase        `yaml:"path_base"`
	Name       string          `yaml:"name"`                  // Hostname and instance name
	InstanceID string          `yaml:"instance_id,omitempty"` // Derived from Name when empty
	Account    AccountConfig   `yaml:"account"`
	Machine    MachineConfig   `yaml:"machine"`
	Images     ImagesConfig    `yaml:"images"`
	Shares     []ShareConfig   `yaml:"shares"`
	Network    NetworkConfig   `yaml:"network"`
	Readiness  ReadinessConfig `yaml:"readiness"`
	Install    InstallConfig   `yaml:"install"`
}

// AccountConfig is the guest login created on first boot.
type AccountConfig struct {
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	SSHKeys  []string `yaml:"ssh_keys,omitempty"`
	// PrivateKey is an optional key file used for the remote session in
	// addition to password authentication.
	PrivateKey string `yaml:"private_key,omitempty"`
}

// MachineConfig defines the hypervisor process.
type MachineConfig struct {
	Binary        string        `yaml:"binary"`
	Accel         string        `yaml:"accel"` // kvm, tcg, hvf
	MemoryMiB     int           `yaml:"memory_mib"`
	VCPUs         int           `yaml:"vcpus"`
	LivenessDelay time.Duration `yaml:"liveness_delay"`       // Liveness check delay after launch
	ConsoleLog    string        `yaml:"console_log"`          // Guest serial console output
	ProcessLog    string        `yaml:"process_log"`          // Hypervisor stdout/stderr
	ExtraArgs     []string      `yaml:"extra_args,omitempty"` // Appended to the qemu command line
}

// ImagesConfig locates the base, disk and seed images.
type ImagesConfig struct {
	BaseURL    string `yaml:"base_url"`
	BasePath   string `yaml:"base_path"`
	DiskPath   string `yaml:"disk_path"`
	DiskSize   string `yaml:"disk_size"` // qemu-img size, e.g. "20G"
	SeedPath   string `yaml:"seed_path"`
	IsoBackend string `yaml:"iso_backend"`
}

// ShareConfig is a host directory exported to the guest over 9p.
type ShareConfig struct {
	Path string `yaml:"path"`
	Tag  string `yaml:"tag"` // Mount tag the guest references
}

// NetworkConfig is the user-mode NAT port forward used for SSH.
type NetworkConfig struct {
	Host         string `yaml:"host"`
	HostSSHPort  int    `yaml:"host_ssh_port"`
	GuestSSHPort int    `yaml:"guest_ssh_port"`
}

// ReadinessConfig bounds the wait for the forwarded SSH port.
type ReadinessConfig struct {
	Attempts    int           `yaml:"attempts"`
	Interval    time.Duration `yaml:"interval"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// CheckBanner additionally waits for the SSH identification string.
	// Off by default: an accepted TCP connection counts as ready. User-mode
	// NAT accepts forwarded connections before the guest listens, so turn it
	// on when that matters.
	CheckBanner bool `yaml:"check_banner"`
}

// InstallConfig drives the in-guest kernel installation.
type InstallConfig struct {
	Layout           string   `yaml:"layout"`
	ArtifactTag      string   `yaml:"artifact_tag"` // Share holding kernel artifacts
	MountPoint       string   `yaml:"mount_point"`  // Guest mount point of that share
	ResolveRootUUID  bool     `yaml:"resolve_root_uuid"`
	RootFlags        string   `yaml:"root_flags,omitempty"`
	Console          string   `yaml:"console,omitempty"`
	KernelPath       string   `yaml:"kernel_path"`
	InitramfsPath    string   `yaml:"initramfs_path"`
	InitramfsDrivers []string `yaml:"initramfs_drivers"`
	GrubConfig       string   `yaml:"grub_config"`
}

// Validate checks the configuration for errors.
// It does not check that referenced files or binaries exist.
func (c *Config) Validate() error {
	if c.Variant != VariantFull && c.Variant != VariantSimple {
		return fmt.Errorf("variant must be %q or %q, got %q", VariantFull, VariantSimple, c.Variant)
	}
	if c.PathBase != PathBaseExecutable && c.PathBase != PathBaseCwd {
		return fmt.Errorf("path_base must be %q or %q, got %q", PathBaseExecutable, PathBaseCwd, c.PathBase)
	}

	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	// Must be usable as a hostname label
	namePattern := `^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`
	matched, err := regexp.MatchString(namePattern, c.Name)
	if err != nil {
		return fmt.Errorf("name validation error: %w", err)
	}
	if !matched {
		return fmt.Errorf("name must be a valid hostname label, got %q", c.Name)
	}

	if err := c.Account.Validate(); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if err := c.Machine.Validate(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := c.Images.Validate(); err != nil {
		return fmt.Errorf("images: %w", err)
	}

	if len(c.Shares) == 0 {
		return fmt.Errorf("at least one shares entry is required")
	}
	tagsSeen := make(map[string]bool)
	for i, share := range c.Shares {
		if err := share.Validate(); err != nil {
			return fmt.Errorf("shares[%d]: %w", i, err)
		}
		if tagsSeen[share.Tag] {
			return fmt.Errorf("shares[%d]: duplicate tag %q", i, share.Tag)
		}
		tagsSeen[share.Tag] = true
	}

	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.Readiness.Validate(); err != nil {
		return fmt.Errorf("readiness: %w", err)
	}
	if err := c.Install.Validate(); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if !tagsSeen[c.Install.ArtifactTag] {
		return fmt.Errorf("install: artifact_tag %q does not match any share", c.Install.ArtifactTag)
	}

	return nil
}

// Validate checks the guest account.
func (a *AccountConfig) Validate() error {
	if a.User == "" {
		return fmt.Errorf("user is required")
	}
	if a.Password == "" {
		return fmt.Errorf("password is required")
	}
	for i, key := range a.SSHKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("ssh_keys[%d] is not a valid SSH public key: %w", i, err)
		}
	}
	return nil
}

// Validate checks the hypervisor settings.
func (m *MachineConfig) Validate() error {
	if m.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if m.MemoryMiB <= 0 {
		return fmt.Errorf("memory_mib must be > 0, got %d", m.MemoryMiB)
	}
	if m.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", m.VCPUs)
	}
	if m.LivenessDelay < 0 {
		return fmt.Errorf("liveness_delay must not be negative")
	}
	return nil
}

var diskSizePattern = regexp.MustCompile(`^[1-9][0-9]*[KMGT]?$`)

// Validate checks the image settings.
func (i *ImagesConfig) Validate() error {
	if i.BasePath == "" {
		return fmt.Errorf("base_path is required")
	}
	if i.DiskPath == "" {
		return fmt.Errorf("disk_path is required")
	}
	if i.SeedPath == "" {
		return fmt.Errorf("seed_path is required")
	}
	if i.BasePath == i.DiskPath {
		return fmt.Errorf("disk_path must differ from base_path")
	}
	if !diskSizePattern.MatchString(i.DiskSize) {
		return fmt.Errorf("disk_size must look like 20G, got %q", i.DiskSize)
	}
	if i.IsoBackend != IsoBackendGenisoimage && i.IsoBackend != IsoBackendNative {
		return fmt.Errorf("iso_backend must be %q or %q, got %q", IsoBackendGenisoimage, IsoBackendNative, i.IsoBackend)
	}
	return nil
}

// Validate checks a share definition.
func (s *ShareConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	if s.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	// virtio-9p limits mount tags to 31 bytes
	if len(s.Tag) > 31 {
		return fmt.Errorf("tag %q exceeds 31 characters", s.Tag)
	}
	if strings.ContainsAny(s.Tag, ", ") {
		return fmt.Errorf("tag %q must not contain commas or spaces", s.Tag)
	}
	return nil
}

// Validate checks the port forward.
func (n *NetworkConfig) Validate() error {
	if n.Host == "" {
		return fmt.Errorf("host is required")
	}
	if n.HostSSHPort <= 0 || n.HostSSHPort > 65535 {
		return fmt.Errorf("host_ssh_port out of range: %d", n.HostSSHPort)
	}
	if n.GuestSSHPort <= 0 || n.GuestSSHPort > 65535 {
		return fmt.Errorf("guest_ssh_port out of range: %d", n.GuestSSHPort)
	}
	return nil
}

// Validate checks the readiness budget.
func (r *ReadinessConfig) Validate() error {
	if r.Attempts <= 0 {
		return fmt.Errorf("attempts must be > 0, got %d", r.Attempts)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if r.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be > 0")
	}
	return nil
}

// Validate checks the install procedure settings.
func (i *InstallConfig) Validate() error {
	if i.Layout != LayoutVersioned && i.Layout != LayoutFlat {
		return fmt.Errorf("layout must be %q or %q, got %q", LayoutVersioned, LayoutFlat, i.Layout)
	}
	if i.ArtifactTag == "" {
		return fmt.Errorf("artifact_tag is required")
	}
	for name, p := range map[string]string{
		"mount_point":    i.MountPoint,
		"kernel_path":    i.KernelPath,
		"initramfs_path": i.InitramfsPath,
		"grub_config":    i.GrubConfig,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must be an absolute guest path, got %q", name, p)
		}
	}
	return nil
}

// Share returns the share with the given tag.
func (c *Config) Share(tag string) (ShareConfig, bool) {
	for _, s := range c.Shares {
		if s.Tag == tag {
			return s, true
		}
	}
	return ShareConfig{}, false
}

// ArtifactDir returns the host directory holding kernel build artifacts.
func (c *Config) ArtifactDir() string {
	s, _ := c.Share(c.Install.ArtifactTag)
	return s.Path
}

// SSHAddress returns host:port of the forwarded SSH port.
func (c *Config) SSHAddress() string {
	return fmt.Sprintf("%s:%d", c.Network.Host, c.Network.HostSSHPort)
}

// Normalize sanitizes user input to consistent formats.
// This is called automatically by Load before validation.
func (c *Config) Normalize() {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	c.Account.User = strings.TrimSpace(c.Account.User)

	if c.Variant == "" {
		c.Variant = VariantFull
	}
	if c.PathBase == "" {
		c.PathBase = Default(c.Variant).PathBase
	}

	// cloud-init only re-provisions when the instance id changes, so the id
	// must be stable for a given name.
	if c.InstanceID == "" && c.Name != "" {
		c.InstanceID = InstanceIDFor(c.Name)
	}

	if c.Install.ArtifactTag == "" && len(c.Shares) > 0 {
		c.Install.ArtifactTag = c.Shares[0].Tag
	}
}

// InstanceIDFor derives a deterministic cloud-init instance id from a name.
func InstanceIDFor(name string) string {
	return "iid-" + uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// Load builds a configuration from the variant defaults, overlays the YAML
// file at path (if any), then normalizes and validates it.
func Load(path string, variant Variant) (*Config, error) {
	if variant == "" {
		variant = VariantFull
	}
	cfg := Default(variant)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		// A file may switch variant; re-seed the defaults it did not set.
		if cfg.Variant != variant {
			overlay := Default(cfg.Variant)
			if err := yaml.Unmarshal(data, overlay); err != nil {
				return nil, fmt.Errorf("failed to parse YAML: %w", err)
			}
			cfg = overlay
		}
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
