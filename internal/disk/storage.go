// Package disk prepares the copy-on-write boot disk: it fetches the base
// image when missing and layers a qcow2 overlay on top of it with qemu-img.
package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/logging"
)

// DirPermissions are the permissions for image directories.
const DirPermissions = 0755

// Manager ensures the disk overlay exists.
//
// No rollback is performed: if the image tool fails midway, whatever it
// wrote stays on disk and the next run treats it as existing.
type Manager struct {
	images     config.ImagesConfig
	tool       ImageTool
	downloader Downloader
	freeSpace  func(string) (uint64, error)
	log        logrus.FieldLogger
}

// NewManager creates a Manager using qemu-img and HTTP.
func NewManager(images config.ImagesConfig, log logrus.FieldLogger) *Manager {
	return newManagerWithDeps(images, &QemuImg{}, &HTTPDownloader{}, FreeSpace, log)
}

func newManagerWithDeps(images config.ImagesConfig, tool ImageTool, dl Downloader, free func(string) (uint64, error), log logrus.FieldLogger) *Manager {
	return &Manager{
		images:     images,
		tool:       tool,
		downloader: dl,
		freeSpace:  free,
		log:        logging.Ensure(log).WithField("component", "disk"),
	}
}

// EnsureDiskImage makes sure the disk image exists and returns true if it
// was created by this call. An existing disk image is never touched.
func (m *Manager) EnsureDiskImage(ctx context.Context) (bool, error) {
	diskPath := m.images.DiskPath

	exists, err := fileExists(diskPath)
	if err != nil {
		return false, err
	}
	if exists {
		m.log.WithField("path", diskPath).Info("Disk image already exists")
		return false, nil
	}

	if err := m.ensureBaseImage(ctx); err != nil {
		return false, err
	}

	format, err := DetectImageFormat(m.images.BasePath)
	if err != nil {
		return false, fmt.Errorf("%w: base image: %v", ErrImageCreate, err)
	}

	diskDir := filepath.Dir(diskPath)
	if err := os.MkdirAll(diskDir, DirPermissions); err != nil {
		return false, fmt.Errorf("failed to create directory %s: %w", diskDir, err)
	}
	if err := CheckDiskSpace(m.freeSpace, diskDir, MinFreeBytes); err != nil {
		return false, err
	}

	m.log.WithFields(logrus.Fields{
		"path":    diskPath,
		"backing": m.images.BasePath,
		"format":  format,
		"size":    m.images.DiskSize,
	}).Info("Creating disk overlay")

	if err := m.tool.CreateOverlay(ctx, m.images.BasePath, format, diskPath, m.images.DiskSize); err != nil {
		return false, err
	}

	return true, nil
}

// ensureBaseImage downloads the base image if it is not present yet.
func (m *Manager) ensureBaseImage(ctx context.Context) error {
	basePath := m.images.BasePath

	exists, err := fileExists(basePath)
	if err != nil {
		return err
	}
	if exists {
		m.log.WithField("path", basePath).Debug("Base image present")
		return nil
	}

	if m.images.BaseURL == "" {
		return fmt.Errorf("%w: %s is missing and no base_url is configured", ErrDownload, basePath)
	}

	baseDir := filepath.Dir(basePath)
	if err := os.MkdirAll(baseDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}

	m.log.WithFields(logrus.Fields{
		"url":  m.images.BaseURL,
		"path": basePath,
	}).Info("Downloading base image")

	return m.downloader.Download(ctx, m.images.BaseURL, basePath)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check %s: %w", path, err)
}
