package disk

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Format is a disk image format as understood by qemu-img.
type Format string

const (
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

var (
	// qcow2Magic is "QFI" followed by 0xfb at offset 0.
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature sits at offset 510 of every bootable disk, including the
	// protective MBR of GPT disks.
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectImageFormat reads the magic bytes of an image file.
// Raw images are only accepted if they carry a boot sector signature.
func DetectImageFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, len(qcow2Magic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("%w: %s is too small to be an image", ErrUnknownFormat, path)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return FormatQCOW2, nil
	}

	if _, err := f.Seek(510, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to boot sector signature: %w", err)
	}
	sig := make([]byte, len(mbrSignature))
	if _, err := io.ReadFull(f, sig); err != nil {
		return "", fmt.Errorf("%w: %s is smaller than a boot sector", ErrUnknownFormat, path)
	}
	if bytes.Equal(sig, mbrSignature) {
		return FormatRaw, nil
	}

	return "", fmt.Errorf("%w: %s is not qcow2 and has no boot sector signature", ErrUnknownFormat, path)
}
