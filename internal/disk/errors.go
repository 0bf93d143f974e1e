package disk

import "errors"

var (
	// ErrDownload is returned if the base image could not be fetched.
	ErrDownload = errors.New("base image download failed")

	// ErrImageCreate is returned if the image tool failed to create the
	// disk overlay.
	ErrImageCreate = errors.New("disk image creation failed")

	// ErrInsufficientSpace is returned if the target filesystem is too full
	// to hold a new image.
	ErrInsufficientSpace = errors.New("insufficient disk space")

	// ErrUnknownFormat is returned if an image is neither qcow2 nor a
	// bootable raw disk.
	ErrUnknownFormat = errors.New("unsupported image format")
)
