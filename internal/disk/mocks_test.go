package disk

import (
	"context"
	"os"
)

// mockImageTool is a mock implementation of ImageTool for testing.
type mockImageTool struct {
	CreateOverlayFunc func(ctx context.Context, backing string, backingFormat Format, path, size string) error

	// Call tracking
	CreateOverlayCalls []overlayCall
}

type overlayCall struct {
	Backing       string
	BackingFormat Format
	Path          string
	Size          string
}

func (m *mockImageTool) CreateOverlay(ctx context.Context, backing string, backingFormat Format, path, size string) error {
	m.CreateOverlayCalls = append(m.CreateOverlayCalls, overlayCall{backing, backingFormat, path, size})
	if m.CreateOverlayFunc != nil {
		return m.CreateOverlayFunc(ctx, backing, backingFormat, path, size)
	}
	// Stand in for qemu-img by writing a qcow2 header
	return os.WriteFile(path, qcow2Header(), 0644)
}

// mockDownloader is a mock implementation of Downloader for testing.
type mockDownloader struct {
	DownloadFunc func(ctx context.Context, url, dest string) error

	// Call tracking
	DownloadCalls []string
}

func (m *mockDownloader) Download(ctx context.Context, url, dest string) error {
	m.DownloadCalls = append(m.DownloadCalls, url)
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, url, dest)
	}
	return os.WriteFile(dest, qcow2Header(), 0644)
}

// plentyOfSpace reports a filesystem that is never full.
func plentyOfSpace(string) (uint64, error) {
	return 1 << 40, nil
}
