package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the directory relative paths are resolved against.
func BaseDir(base PathBase) (string, error) {
	switch base {
	case PathBaseCwd:
		dir, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return dir, nil
	case PathBaseExecutable:
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("failed to locate executable: %w", err)
		}
		exe, err = filepath.EvalSymlinks(exe)
		if err != nil {
			return "", fmt.Errorf("failed to resolve executable path: %w", err)
		}
		return filepath.Dir(exe), nil
	default:
		return "", fmt.Errorf("unknown path base %q", base)
	}
}

// ResolvePaths makes every host path in the configuration absolute against
// dir. Absolute paths are left untouched. Guest paths are not host paths and
// are never rewritten.
func (c *Config) ResolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	c.Machine.ConsoleLog = abs(c.Machine.ConsoleLog)
	c.Machine.ProcessLog = abs(c.Machine.ProcessLog)
	c.Images.BasePath = abs(c.Images.BasePath)
	c.Images.DiskPath = abs(c.Images.DiskPath)
	c.Images.SeedPath = abs(c.Images.SeedPath)
	c.Account.PrivateKey = abs(c.Account.PrivateKey)
	for i := range c.Shares {
		c.Shares[i].Path = abs(c.Shares[i].Path)
	}
}
