package cloudinit

import "errors"

// ErrIsoBuild is returned if the seed image could not be packaged.
var ErrIsoBuild = errors.New("seed image build failed")
