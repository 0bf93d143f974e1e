package kernel

import "errors"

var (
	// ErrVersionDetection is returned if no kernel version can be found in
	// the artifact root.
	ErrVersionDetection = errors.New("no kernel version found")

	// ErrArtifactMissing is returned if the boot image of the detected
	// version does not exist.
	ErrArtifactMissing = errors.New("kernel artifact missing")

	// ErrLayoutUnknown is returned for an unsupported [Layout].
	ErrLayoutUnknown = errors.New("unknown artifact layout")
)
