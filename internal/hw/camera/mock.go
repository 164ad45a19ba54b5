package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cjeanneret/PageGo/internal/debug"
)

// Mock is a Device that renders synthetic page images.
// Used for development on PC and in tests.
type Mock struct {
	name   string
	width  int
	height int
	delay  time.Duration // simulated exposure + download time

	mu       sync.Mutex
	prepared bool
	shots    int
}

// NewMock creates a synthetic device producing width x height JPEGs.
func NewMock(name string, width, height int, delay time.Duration) *Mock {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 960
	}
	return &Mock{name: name, width: width, height: height, delay: delay}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Prepare(ctx context.Context) error {
	debug.Verbose("Mock %s: preparing", m.name)
	if err := sleepCtx(ctx, m.delay); err != nil {
		return err
	}
	m.mu.Lock()
	m.prepared = true
	m.mu.Unlock()
	return nil
}

// Capture writes a page with a dark band whose position encodes the shot number.
func (m *Mock) Capture(ctx context.Context, path string) error {
	m.mu.Lock()
	if !m.prepared {
		m.mu.Unlock()
		return fmt.Errorf("mock %s: not prepared", m.name)
	}
	m.shots++
	shot := m.shots
	m.mu.Unlock()

	if err := sleepCtx(ctx, m.delay); err != nil {
		return err
	}

	img := image.NewGray(image.Rect(0, 0, m.width, m.height))
	band := (shot * 37) % m.height
	for y := 0; y < m.height; y++ {
		c := color.Gray{Y: 235}
		if y >= band && y < band+m.height/20 {
			c = color.Gray{Y: 40}
		}
		for x := 0; x < m.width; x++ {
			img.SetGray(x, y, c)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 80}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	debug.Verbose("Mock %s: wrote %s", m.name, path)
	return os.Rename(tmp, path)
}

func (m *Mock) Release() error {
	m.mu.Lock()
	m.prepared = false
	m.mu.Unlock()
	debug.Verbose("Mock %s: released", m.name)
	return nil
}

// Shots returns the number of captures attempted so far.
func (m *Mock) Shots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shots
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
