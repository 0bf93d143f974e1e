package cloudinit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/logging"
)

const (
	userDataFile = "user-data"
	metaDataFile = "meta-data"
)

// Builder writes the seed image once and never regenerates it.
type Builder struct {
	path string
	tool IsoTool
	log  logrus.FieldLogger
}

// NewBuilder creates a Builder for the seed image at path.
func NewBuilder(path string, tool IsoTool, log logrus.FieldLogger) *Builder {
	return &Builder{
		path: path,
		tool: tool,
		log:  logging.Ensure(log).WithField("component", "cloudinit"),
	}
}

// EnsureSeedImage writes the seed image unless it already exists and
// returns true if it was written by this call.
//
// An existing image is kept even when seed differs from what it holds; the
// guest has usually consumed it already and cloud-init would not apply the
// change without a new instance id. A mismatch is logged as a warning.
func (b *Builder) EnsureSeedImage(ctx context.Context, seed Seed) (bool, error) {
	if _, err := os.Stat(b.path); err == nil {
		b.log.WithField("path", b.path).Info("Seed image already exists")
		b.warnOnDrift(seed)
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to check %s: %w", b.path, err)
	}

	userData, err := GenerateUserData(seed)
	if err != nil {
		return false, fmt.Errorf("%w: failed to generate user-data: %v", ErrIsoBuild, err)
	}
	metaData, err := GenerateMetaData(seed)
	if err != nil {
		return false, fmt.Errorf("%w: failed to generate meta-data: %v", ErrIsoBuild, err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", b.path, err)
	}

	b.log.WithFields(logrus.Fields{
		"path":        b.path,
		"instance_id": seed.InstanceID,
		"user":        seed.User,
	}).Info("Building seed image")

	// A failed build must not leave a file at path; existence means done.
	tmpPath := b.path + ".tmp"
	files := []File{
		{Name: userDataFile, Data: []byte(userData)},
		{Name: metaDataFile, Data: []byte(metaData)},
	}
	if err := b.tool.Build(ctx, tmpPath, files); err != nil {
		_ = os.Remove(tmpPath)
		return false, err
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return false, fmt.Errorf("%w: %v", ErrIsoBuild, err)
	}

	return true, nil
}

// warnOnDrift compares an existing seed image with seed.
func (b *Builder) warnOnDrift(seed Seed) {
	files, err := ReadSeedImage(b.path)
	if err != nil {
		b.log.WithError(err).Debug("Could not inspect existing seed image")
		return
	}

	var drift []string
	if want, err := GenerateMetaData(seed); err == nil && files[metaDataFile] != want {
		drift = append(drift, "instance")
	}
	if userData, err := ParseUserData(files[userDataFile]); err == nil && len(userData.Users) > 0 {
		u := userData.Users[0]
		if u.Name != seed.User || !VerifyPassword(u.Passwd, seed.Password) {
			drift = append(drift, "account")
		}
	}

	if len(drift) > 0 {
		b.log.WithFields(logrus.Fields{
			"path":    b.path,
			"changed": strings.Join(drift, ","),
		}).Warn("Seed image differs from configuration and will not be regenerated; delete it to apply changes")
	}
}

// ReadSeedImage returns the root files of a seed image keyed by name.
func ReadSeedImage(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open ISO image: %w", err)
	}
	root, err := img.RootDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get root directory: %w", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return nil, fmt.Errorf("failed to list root directory: %w", err)
	}

	files := make(map[string]string, len(children))
	for _, child := range children {
		if child.IsDir() {
			continue
		}
		content, err := io.ReadAll(child.Reader())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", child.Name(), err)
		}
		files[normalizeISOName(child.Name())] = string(content)
	}
	return files, nil
}

// normalizeISOName maps a plain ISO9660 name such as "USER_DAT.;1" back to
// the file it was written as, for images without Rock Ridge names.
func normalizeISOName(name string) string {
	n := strings.ToLower(name)
	n = strings.TrimSuffix(n, ";1")
	n = strings.TrimSuffix(n, ".")
	n = strings.ReplaceAll(n, "_", "-")
	switch {
	case strings.HasPrefix(n, "user-dat"):
		return userDataFile
	case strings.HasPrefix(n, "meta-dat"):
		return metaDataFile
	}
	return n
}
