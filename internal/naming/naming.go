// Package naming provides the naming conventions anvil applies inside the
// guest: boot entry titles, kernel command lines and block device names
// as reported by findmnt.
//
// These rules are shared by the installer and its tests so both agree on
// the exact strings written to the boot loader.
package naming

import (
	"fmt"
	"path"
	"strings"
)

// BootEntryTitle returns the boot loader title for a custom kernel.
//
// Example: 6.1.0 → "Custom Kernel 6.1.0"
func BootEntryTitle(version string) string {
	return fmt.Sprintf("Custom Kernel %s", version)
}

// StripSubvolume removes the bracketed subvolume suffix findmnt appends to
// btrfs sources.
//
// Example: /dev/vda5[/root] → /dev/vda5
func StripSubvolume(source string) string {
	source = strings.TrimSpace(source)
	if i := strings.IndexByte(source, '['); i >= 0 {
		return source[:i]
	}
	return source
}

// KernelArgs builds the extra kernel command line for the custom boot
// entry. Empty parts are omitted; an empty uuid yields no root= argument.
//
// Example: ("abcd", "subvol=root", "ttyS0") → "root=UUID=abcd rootflags=subvol=root console=ttyS0"
func KernelArgs(uuid, rootFlags, console string) string {
	var args []string
	if uuid != "" {
		args = append(args, "root=UUID="+uuid)
		if rootFlags != "" {
			args = append(args, "rootflags="+rootFlags)
		}
	}
	if console != "" {
		args = append(args, "console="+console)
	}
	return strings.Join(args, " ")
}

// ModulesDir returns the guest module tree for a kernel release.
// Format: /lib/modules/{version}
func ModulesDir(version string) string {
	return path.Join("/lib/modules", version)
}
