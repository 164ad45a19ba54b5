package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/hw/gpio"
)

// GPIOTriggerConfig describes a camera fired through its wired remote
// connector (GND, FOCUS, SHUTTER; both lines active LOW) whose images are
// downloaded by a tether tool into IncomingDir.
type GPIOTriggerConfig struct {
	Name         string
	FocusPin     int
	ShutterPin   int
	FocusDelay   time.Duration // time for autofocus
	ShutterDelay time.Duration // shutter hold time

	IncomingDir     string        // directory the tether tool downloads into
	DownloadTimeout time.Duration // how long to wait for the downloaded file
	PollInterval    time.Duration
}

// GPIOTrigger is a Device for a tethered camera with a GPIO remote shutter.
//
// Capture sequence:
// 1. FOCUS to LOW (activates autofocus)
// 2. Wait for autofocus to complete
// 3. SHUTTER to LOW (triggers the shot)
// 4. Hold for a moment
// 5. Set SHUTTER and FOCUS back to HIGH
// 6. Wait for a new JPEG in IncomingDir and move it to the page path
type GPIOTrigger struct {
	gpio gpio.Driver
	cfg  GPIOTriggerConfig
}

// NewGPIOTrigger creates a GPIO-triggered device.
func NewGPIOTrigger(g gpio.Driver, cfg GPIOTriggerConfig) *GPIOTrigger {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &GPIOTrigger{gpio: g, cfg: cfg}
}

func (t *GPIOTrigger) Name() string { return t.cfg.Name }

// Prepare configures both lines as outputs, idles them HIGH and makes sure
// the incoming directory exists.
func (t *GPIOTrigger) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	debug.Verbose("Camera %s: preparing (focus=%d, shutter=%d)", t.cfg.Name, t.cfg.FocusPin, t.cfg.ShutterPin)
	for _, pin := range []int{t.cfg.FocusPin, t.cfg.ShutterPin} {
		if err := t.gpio.SetupPin(pin, gpio.Output); err != nil {
			return fmt.Errorf("setup pin %d: %w", pin, err)
		}
		if err := t.gpio.WritePin(pin, gpio.High); err != nil {
			return fmt.Errorf("idle pin %d: %w", pin, err)
		}
	}
	if err := os.MkdirAll(t.cfg.IncomingDir, 0o755); err != nil {
		return fmt.Errorf("incoming dir: %w", err)
	}
	return nil
}

func (t *GPIOTrigger) Capture(ctx context.Context, path string) error {
	started := time.Now()
	if err := t.fire(ctx); err != nil {
		return err
	}
	src, err := t.waitForDownload(ctx, started)
	if err != nil {
		return err
	}
	debug.Verbose("Camera %s: picked up %s", t.cfg.Name, src)
	return moveFile(src, path)
}

func (t *GPIOTrigger) fire(ctx context.Context) error {
	debug.Verbose("Camera %s: activating FOCUS (pin %d -> LOW)", t.cfg.Name, t.cfg.FocusPin)
	if err := t.gpio.WritePin(t.cfg.FocusPin, gpio.Low); err != nil {
		return err
	}
	if err := sleepCtx(ctx, t.cfg.FocusDelay); err != nil {
		_ = t.gpio.WritePin(t.cfg.FocusPin, gpio.High)
		return err
	}

	debug.Verbose("Camera %s: activating SHUTTER (pin %d -> LOW)", t.cfg.Name, t.cfg.ShutterPin)
	if err := t.gpio.WritePin(t.cfg.ShutterPin, gpio.Low); err != nil {
		_ = t.gpio.WritePin(t.cfg.FocusPin, gpio.High)
		return err
	}
	// The hold is not interruptible: a half-pressed shutter must always be released.
	time.Sleep(t.cfg.ShutterDelay)

	if err := t.gpio.WritePin(t.cfg.ShutterPin, gpio.High); err != nil {
		return err
	}
	if err := t.gpio.WritePin(t.cfg.FocusPin, gpio.High); err != nil {
		return err
	}
	debug.Verbose("Camera %s: shot triggered", t.cfg.Name)
	return nil
}

// waitForDownload polls IncomingDir for the oldest JPEG modified at or after since.
func (t *GPIOTrigger) waitForDownload(ctx context.Context, since time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DownloadTimeout)
	defer cancel()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		path, err := newestJPEG(t.cfg.IncomingDir, since)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("camera %s: no image downloaded to %s: %w", t.cfg.Name, t.cfg.IncomingDir, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newestJPEG(dir string, since time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read incoming dir: %w", err)
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".jpg" && ext != ".jpeg" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(since.Truncate(time.Second)) {
			continue
		}
		if best == "" || mod.Before(bestMod) {
			best, bestMod = filepath.Join(dir, e.Name()), mod
		}
	}
	return best, nil
}

// Release puts both lines back to HIGH (inactive).
func (t *GPIOTrigger) Release() error {
	debug.Verbose("Camera %s: releasing lines", t.cfg.Name)
	if err := t.gpio.WritePin(t.cfg.ShutterPin, gpio.High); err != nil {
		return err
	}
	return t.gpio.WritePin(t.cfg.FocusPin, gpio.High)
}
