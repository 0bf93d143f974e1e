package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MinFreeBytes is the headroom required before creating an overlay. A fresh
// overlay is small, but the guest starts writing to it immediately.
const MinFreeBytes = 1 << 30

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to get filesystem stats for %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CheckDiskSpace verifies that at least need bytes are available in dir.
func CheckDiskSpace(free func(string) (uint64, error), dir string, need uint64) error {
	available, err := free(dir)
	if err != nil {
		return err
	}
	if available < need {
		return fmt.Errorf("%w: need %dMiB in %s, have %dMiB available",
			ErrInsufficientSpace, need>>20, dir, available>>20)
	}
	return nil
}
