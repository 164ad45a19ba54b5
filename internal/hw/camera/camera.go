package camera

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Device is the high-level interface used by the capture workflow.
// It represents an abstract imaging device, regardless of how it is
// controlled (GPIO remote shutter, USB tether, synthetic mock, ...).
type Device interface {
	// Name identifies the device in logs and page metadata.
	Name() string
	// Prepare gets the device ready for a capture run.
	Prepare(ctx context.Context) error
	// Capture takes one page and stores it as a JPEG at path.
	Capture(ctx context.Context, path string) error
	// Release returns the device to an idle, safe state.
	Release() error
}

// moveFile renames src to dst, copying when they live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
