package cloudinit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/anvil/internal/config"
)

// VolumeID is the label the NoCloud datasource looks for. cloud-init
// matches it case-insensitively.
const VolumeID = "cidata"

// File is a single file placed in the root of the seed image.
type File struct {
	Name string
	Data []byte
}

// IsoTool packages files into an ISO image.
type IsoTool interface {
	Build(ctx context.Context, out string, files []File) error
}

// Genisoimage builds the image with the genisoimage binary, using Joliet
// and Rock Ridge extensions so the lowercase file names survive.
type Genisoimage struct {
	Binary string // Defaults to "genisoimage" from PATH
}

// Build implements IsoTool.
func (g *Genisoimage) Build(ctx context.Context, out string, files []File) error {
	binary := g.Binary
	if binary == "" {
		binary = "genisoimage"
	}

	// The tool runs inside workDir.
	out, err := filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIsoBuild, err)
	}

	workDir, err := os.MkdirTemp("", "anvil-seed-")
	if err != nil {
		return fmt.Errorf("%w: failed to create working directory: %v", ErrIsoBuild, err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	args := []string{"-output", out, "-volid", VolumeID, "-joliet", "-rock"}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(workDir, f.Name), f.Data, 0644); err != nil {
			return fmt.Errorf("%w: failed to write %s: %v", ErrIsoBuild, f.Name, err)
		}
		args = append(args, f.Name)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: %v\nOutput: %s", ErrIsoBuild, out, err, string(output))
	}

	return nil
}

// Native builds the image in-process with the iso9660 writer.
type Native struct{}

// Build implements IsoTool.
func (Native) Build(_ context.Context, out string, files []File) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("%w: failed to create ISO writer: %v", ErrIsoBuild, err)
	}
	defer func() { _ = writer.Cleanup() }()

	for _, f := range files {
		if err := writer.AddFile(bytes.NewReader(f.Data), f.Name); err != nil {
			return fmt.Errorf("%w: failed to add %s: %v", ErrIsoBuild, f.Name, err)
		}
	}

	fh, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIsoBuild, err)
	}

	// ISO9660 volume ids are restricted to upper-case d-characters.
	if err := writer.WriteTo(fh, "CIDATA"); err != nil {
		_ = fh.Close()
		return fmt.Errorf("%w: failed to write ISO image: %v", ErrIsoBuild, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIsoBuild, err)
	}

	return nil
}

// NewIsoTool returns the backend named in the configuration.
func NewIsoTool(backend string) (IsoTool, error) {
	switch backend {
	case config.IsoBackendGenisoimage, "":
		return &Genisoimage{}, nil
	case config.IsoBackendNative:
		return Native{}, nil
	default:
		return nil, fmt.Errorf("unknown iso backend %q", backend)
	}
}
