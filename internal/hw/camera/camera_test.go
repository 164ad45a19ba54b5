package camera

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/PageGo/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification. When onShutter is
// set it runs as the shutter line goes LOW, standing in for the tether tool.
type recordingDriver struct {
	calls      []gpioCall
	shutterPin int
	onShutter  func()
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	if pin == d.shutterPin && level == gpio.Low && d.onShutter != nil {
		d.onShutter()
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func newTrigger(t *testing.T, drv *recordingDriver) (*GPIOTrigger, string) {
	t.Helper()
	incoming := filepath.Join(t.TempDir(), "incoming")
	drv.shutterPin = 25
	return NewGPIOTrigger(drv, GPIOTriggerConfig{
		Name:            "left",
		FocusPin:        24,
		ShutterPin:      25,
		FocusDelay:      time.Microsecond,
		ShutterDelay:    time.Microsecond,
		IncomingDir:     incoming,
		DownloadTimeout: 200 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}), incoming
}

func TestGPIOTrigger_PreparePinsHigh(t *testing.T) {
	drv := &recordingDriver{}
	cam, incoming := newTrigger(t, drv)

	if err := cam.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	focusHigh, shutterHigh := false, false
	for _, c := range drv.writeCalls() {
		if c.pin == 24 && c.level == gpio.High {
			focusHigh = true
		}
		if c.pin == 25 && c.level == gpio.High {
			shutterHigh = true
		}
	}
	if !focusHigh {
		t.Error("focus pin should be idled HIGH")
	}
	if !shutterHigh {
		t.Error("shutter pin should be idled HIGH")
	}
	if _, err := os.Stat(incoming); err != nil {
		t.Errorf("incoming dir should exist: %v", err)
	}
}

func TestGPIOTrigger_CaptureSequence(t *testing.T) {
	drv := &recordingDriver{}
	cam, incoming := newTrigger(t, drv)
	if err := cam.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	drv.onShutter = func() {
		if err := os.WriteFile(filepath.Join(incoming, "DSC_0001.JPG"), []byte("jpeg"), 0o644); err != nil {
			t.Errorf("simulate download: %v", err)
		}
	}
	drv.calls = nil

	target := filepath.Join(t.TempDir(), "raw", "000.jpg")
	if err := cam.Capture(context.Background(), target); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	expected := []struct {
		pin   int
		level gpio.Level
		desc  string
	}{
		{24, gpio.Low, "focus LOW (activate AF)"},
		{25, gpio.Low, "shutter LOW (trigger)"},
		{25, gpio.High, "shutter HIGH (release)"},
		{24, gpio.High, "focus HIGH (release)"},
	}
	writes := drv.writeCalls()
	if len(writes) != len(expected) {
		t.Fatalf("expected %d writes, got %d: %v", len(expected), len(writes), writes)
	}
	for i, exp := range expected {
		if writes[i].pin != exp.pin || writes[i].level != exp.level {
			t.Errorf("step %d (%s): pin=%d level=%v, want pin=%d level=%v",
				i, exp.desc, writes[i].pin, writes[i].level, exp.pin, exp.level)
		}
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("target content = %q, want %q", data, "jpeg")
	}
	if _, err := os.Stat(filepath.Join(incoming, "DSC_0001.JPG")); !os.IsNotExist(err) {
		t.Error("downloaded file should be moved out of the incoming dir")
	}
}

func TestGPIOTrigger_DownloadTimeout(t *testing.T) {
	drv := &recordingDriver{}
	cam, _ := newTrigger(t, drv)
	if err := cam.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	err := cam.Capture(context.Background(), filepath.Join(t.TempDir(), "000.jpg"))
	if err == nil {
		t.Fatal("expected error when no image is downloaded")
	}
}

func TestGPIOTrigger_IgnoresNonJPEG(t *testing.T) {
	drv := &recordingDriver{}
	cam, incoming := newTrigger(t, drv)
	if err := cam.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	drv.onShutter = func() {
		_ = os.WriteFile(filepath.Join(incoming, "DSC_0001.NEF"), []byte("raw"), 0o644)
	}

	if err := cam.Capture(context.Background(), filepath.Join(t.TempDir(), "000.jpg")); err == nil {
		t.Error("expected timeout when only non-JPEG files arrive")
	}
}

func TestGPIOTrigger_ReleaseLinesHigh(t *testing.T) {
	drv := &recordingDriver{}
	cam, _ := newTrigger(t, drv)
	if err := cam.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for _, c := range drv.writeCalls() {
		if c.level != gpio.High {
			t.Errorf("Release wrote %v to pin %d, want HIGH", c.level, c.pin)
		}
	}
}

func TestMock_CaptureWritesJPEG(t *testing.T) {
	cam := NewMock("even", 40, 60, 0)
	if err := cam.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	path := filepath.Join(t.TempDir(), "raw", "001.jpg")
	if err := cam.Capture(context.Background(), path); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 60 {
		t.Errorf("size = %dx%d, want 40x60", b.Dx(), b.Dy())
	}
	if cam.Shots() != 1 {
		t.Errorf("shots = %d, want 1", cam.Shots())
	}
}

func TestMock_CaptureRequiresPrepare(t *testing.T) {
	cam := NewMock("odd", 10, 10, 0)
	if err := cam.Capture(context.Background(), filepath.Join(t.TempDir(), "x.jpg")); err == nil {
		t.Error("expected error when capturing before Prepare")
	}
}

func TestMock_CaptureHonoursContext(t *testing.T) {
	cam := NewMock("odd", 10, 10, time.Second)
	cam.prepared = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cam.Capture(ctx, filepath.Join(t.TempDir(), "x.jpg")); err == nil {
		t.Error("expected context error")
	}
}

func TestDevicesImplementInterface(t *testing.T) {
	var _ Device = NewMock("m", 1, 1, 0)
	var _ Device = NewGPIOTrigger(&recordingDriver{}, GPIOTriggerConfig{})
}
