// Package kernel locates a freshly built kernel inside the shared artifact
// directory. The directory is produced by an external build and read from
// the host side; nothing here writes to it.
package kernel

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// Layout describes how build artifacts are arranged below the root.
type Layout string

const (
	// LayoutVersioned holds one directory per build:
	// v<version>/bzImage-custom and v<version>/lib/modules/<version>/.
	LayoutVersioned Layout = "versioned"

	// LayoutFlat holds a single build at the root:
	// bzImage and lib/modules/<version>/.
	LayoutFlat Layout = "flat"
)

const (
	versionedBootImage = "bzImage-custom"
	flatBootImage      = "bzImage"
	modulesSubdir      = "lib/modules"
)

// Release is a kernel build found in the artifact root. Paths are relative
// to the root so they can be mapped to either side of the share.
type Release struct {
	Version    string // Kernel release as used by /lib/modules
	BootImage  string // Boot image path relative to the root
	ModulesDir string // Module tree path relative to the root
	root       string
}

// Detect finds the highest kernel version below root for the given layout.
// Versions are compared numerically on their leading dotted number, so 5.12
// sorts above 5.9 and suffixes like .fc39.x86_64 or _custom are kept as part
// of Version.
func Detect(root string, layout Layout) (*Release, error) {
	switch layout {
	case LayoutVersioned:
		name, err := highestVersion(root, "v")
		if err != nil {
			return nil, err
		}
		v := strings.TrimPrefix(name, "v")
		return &Release{
			Version:    v,
			BootImage:  path.Join(name, versionedBootImage),
			ModulesDir: path.Join(name, modulesSubdir, v),
			root:       root,
		}, nil
	case LayoutFlat:
		v, err := highestVersion(filepath.Join(root, modulesSubdir), "")
		if err != nil {
			return nil, err
		}
		return &Release{
			Version:    v,
			BootImage:  flatBootImage,
			ModulesDir: path.Join(modulesSubdir, v),
			root:       root,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrLayoutUnknown, layout)
	}
}

// numericPrefix matches the dotted numeric part a kernel release starts
// with, such as 6.1.0 in 6.1.0-200.fc39.x86_64.
var numericPrefix = regexp.MustCompile(`^\d+(\.\d+)*`)

type candidate struct {
	name   string
	prefix *version.Version
	full   *version.Version // nil if the release is not a valid semver
}

// newer reports whether c sorts above o. The numeric prefix decides; equal
// prefixes fall back to the full version and then to the name.
func (c candidate) newer(o candidate) bool {
	if cmp := c.prefix.Compare(o.prefix); cmp != 0 {
		return cmp > 0
	}
	if c.full != nil && o.full != nil {
		if cmp := c.full.Compare(o.full); cmp != 0 {
			return cmp > 0
		}
	}
	return c.name > o.name
}

// highestVersion returns the name of the subdirectory of dir with the
// highest version. Names must carry prefix. Entries without a numeric
// release after the prefix are ignored, unless the directory is the only
// candidate and prefix is empty.
func highestVersion(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s does not exist", ErrVersionDetection, dir)
		}
		return "", fmt.Errorf("%w: %v", ErrVersionDetection, err)
	}

	var (
		dirs []string
		best *candidate
	)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		dirs = append(dirs, entry.Name())

		release := strings.TrimPrefix(entry.Name(), prefix)
		num := numericPrefix.FindString(release)
		if num == "" {
			continue
		}
		v, err := version.NewVersion(num)
		if err != nil {
			continue
		}
		c := candidate{name: entry.Name(), prefix: v}
		if full, err := ParseVersion(release); err == nil {
			c.full = full
		}
		if best == nil || c.newer(*best) {
			best = &c
		}
	}

	switch {
	case best != nil:
		return best.name, nil
	case prefix == "" && len(dirs) == 1:
		// A lone module tree is the release, whatever it is called.
		return dirs[0], nil
	default:
		return "", fmt.Errorf("%w in %s", ErrVersionDetection, dir)
	}
}

// ParseVersion parses a kernel release string. The local-version marker
// "+" appended to dirty builds is ignored.
func ParseVersion(s string) (*version.Version, error) {
	v, err := version.NewVersion(strings.TrimSuffix(s, "+"))
	if err != nil {
		return nil, fmt.Errorf("invalid kernel version %q: %w", s, err)
	}
	return v, nil
}

// Validate checks that the boot image of the release exists and is a
// regular file.
func (r *Release) Validate() error {
	p := r.HostBootImage()
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, p)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrArtifactMissing, p)
	}
	return nil
}

// HostBootImage returns the boot image path on the host.
func (r *Release) HostBootImage() string {
	return filepath.Join(r.root, filepath.FromSlash(r.BootImage))
}

// GuestBootImage returns the boot image path inside a guest that mounted
// the artifact root at mountPoint.
func (r *Release) GuestBootImage(mountPoint string) string {
	return path.Join(mountPoint, r.BootImage)
}

// GuestModulesDir returns the module tree path inside a guest that mounted
// the artifact root at mountPoint.
func (r *Release) GuestModulesDir(mountPoint string) string {
	return path.Join(mountPoint, r.ModulesDir)
}
