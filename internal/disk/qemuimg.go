package disk

import (
	"context"
	"fmt"
	"os/exec"
)

// ImageTool creates disk images.
type ImageTool interface {
	// CreateOverlay creates a qcow2 image at path backed by backing.
	CreateOverlay(ctx context.Context, backing string, backingFormat Format, path, size string) error
}

// QemuImg runs the qemu-img binary.
type QemuImg struct {
	Binary string // Defaults to "qemu-img" from PATH
}

// CreateOverlay runs qemu-img create with a backing file.
func (q *QemuImg) CreateOverlay(ctx context.Context, backing string, backingFormat Format, path, size string) error {
	binary := q.Binary
	if binary == "" {
		binary = "qemu-img"
	}

	cmd := exec.CommandContext(ctx,
		binary, "create",
		"-f", string(FormatQCOW2),
		"-b", backing,
		"-F", string(backingFormat),
		path,
		size,
	)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: %v\nOutput: %s", ErrImageCreate, path, err, string(output))
	}

	return nil
}
