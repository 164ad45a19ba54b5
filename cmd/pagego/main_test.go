package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/PageGo/internal/config"
	"github.com/cjeanneret/PageGo/internal/hw/camera"
	"github.com/cjeanneret/PageGo/internal/hw/gpio"
	"github.com/cjeanneret/PageGo/internal/session"
	"github.com/cjeanneret/PageGo/internal/storage"
	"github.com/cjeanneret/PageGo/internal/storage/sqlite"
	"github.com/cjeanneret/PageGo/internal/workflow"
)

// ---------- newDeviceFromConfig ----------

func TestNewDeviceFromConfig(t *testing.T) {
	g := gpio.NewMockDriver()
	cases := []struct {
		name    string
		dc      config.DeviceConfig
		wantErr bool
	}{
		{"mock", config.DeviceConfig{Name: "odd", Type: config.DeviceMock}, false},
		{"gpio_trigger", config.DeviceConfig{Name: "even", Type: config.DeviceGPIOTrigger, FocusPin: 23, ShutterPin: 24}, false},
		{"unknown", config.DeviceConfig{Name: "x", Type: "webcam"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := newDeviceFromConfig(g, tc.dc)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newDeviceFromConfig: %v", err)
			}
			if d.Name() != tc.dc.Name {
				t.Errorf("Name = %q, want %q", d.Name(), tc.dc.Name)
			}
		})
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := &config.Config{Session: config.SessionConfig{PrepareTimeoutMs: 1500, CaptureTimeoutMs: 250}}
	opts := sessionOptions(cfg)
	if opts.PrepareTimeout != 1500*time.Millisecond || opts.CaptureTimeout != 250*time.Millisecond {
		t.Errorf("options = %+v", opts)
	}
}

// ---------- runShots ----------

func openMockWorkflow(t *testing.T, devices ...camera.Device) *workflow.Workflow {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "pagego.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	wf, err := workflow.Open(context.Background(), store, dir, "book", devices)
	if err != nil {
		t.Fatalf("open workflow: %v", err)
	}
	return wf
}

func TestRunShots(t *testing.T) {
	wf := openMockWorkflow(t, camera.NewMock("odd", 32, 48, 0), camera.NewMock("even", 32, 48, 0))
	var out bytes.Buffer

	sum, err := runShots(context.Background(), wf, session.Options{}, shotPlan{Shots: 3}, &out)
	if err != nil {
		t.Fatalf("runShots: %v", err)
	}
	if sum.InitialPages != 0 || sum.FinalPages != 6 {
		t.Errorf("summary = %+v", sum)
	}
	if n := len(wf.Images()); n != 6 {
		t.Errorf("images = %d, want 6", n)
	}
	if !strings.Contains(out.String(), "shot 3/3: 6 pages") {
		t.Errorf("output = %q", out.String())
	}

	// The session released the devices, so a new trigger is rejected.
	done := make(chan error, 1)
	wf.TriggerCapture(false, func(err error) { done <- err })
	if err := <-done; !errors.Is(err, workflow.ErrNotPrepared) {
		t.Errorf("trigger after run = %v, want ErrNotPrepared", err)
	}
}

// failingDevice fails its first n captures.
type failingDevice struct {
	*camera.Mock
	failures int
}

func (f *failingDevice) Capture(ctx context.Context, path string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("shutter jammed")
	}
	return f.Mock.Capture(ctx, path)
}

func TestRunShots_RetriesFailedCapture(t *testing.T) {
	dev := &failingDevice{Mock: camera.NewMock("odd", 32, 48, 0), failures: 1}
	wf := openMockWorkflow(t, dev)

	sum, err := runShots(context.Background(), wf, session.Options{}, shotPlan{Shots: 2, Retries: 1}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runShots: %v", err)
	}
	if sum.FinalPages != 2 {
		t.Errorf("final pages = %d, want 2", sum.FinalPages)
	}
}

func TestRunShots_FailureWithoutRetries(t *testing.T) {
	dev := &failingDevice{Mock: camera.NewMock("odd", 32, 48, 0), failures: 1}
	wf := openMockWorkflow(t, dev)

	_, err := runShots(context.Background(), wf, session.Options{}, shotPlan{Shots: 2}, &bytes.Buffer{})
	if !errors.Is(err, session.ErrCaptureFailed) {
		t.Errorf("err = %v, want ErrCaptureFailed", err)
	}
}

// ---------- tracing ----------

func TestFlushTraces_UsesLiveContext(t *testing.T) {
	var (
		called      bool
		ctxErr      error
		hasDeadline bool
	)
	flushTraces(func(ctx context.Context) error {
		called = true
		ctxErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		return nil
	})
	if !called {
		t.Fatal("shutdown not called")
	}
	if ctxErr != nil {
		t.Errorf("flush context already done: %v", ctxErr)
	}
	if !hasDeadline {
		t.Error("flush context should be bounded")
	}
}

// ---------- printing ----------

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, "book", nil)
	if !strings.Contains(buf.String(), `No sessions recorded for "book"`) {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	printSessions(&buf, "book", []storage.SessionRecord{{
		StartedAt:    start,
		FinishedAt:   start.Add(90 * time.Minute),
		InitialPages: 10,
		FinalPages:   40,
		PagesPerHour: 20,
	}})
	out := buf.String()
	for _, want := range []string{"PAGES/HOUR", "1h30m0s", "30", "20"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

// ---------- commands ----------

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := `
workflow:
  name: book
  data_dir: ` + filepath.Join(dir, "data") + `
devices:
  - {name: odd, type: mock, width_px: 32, height_px: 48}
  - {name: even, type: mock, width_px: 32, height_px: 48}
defaults:
  debug_level: 0
  mock_gpio: true
`
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_CaptureThenList(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "capture", "--shots", "2")
	if err != nil {
		t.Fatalf("capture: %v\n%s", err, out)
	}
	if !strings.Contains(out, "shot 2/2: 4 pages") {
		t.Errorf("capture output = %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "images", "--json")
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	var pages []storage.Page
	if err := json.Unmarshal([]byte(out), &pages); err != nil {
		t.Fatalf("decode images: %v\n%s", err, out)
	}
	if len(pages) != 4 || pages[0].Device != "odd" || pages[1].Device != "even" {
		t.Errorf("pages = %+v", pages)
	}

	out, err = execute(t, "--config", cfgPath, "sessions", "--json")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var recs []storage.SessionRecord
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode sessions: %v\n%s", err, out)
	}
	if len(recs) != 1 || recs[0].FinalPages != 4 {
		t.Errorf("sessions = %+v", recs)
	}
}

func TestCommands_InvalidInput(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cases := []struct {
		name string
		args []string
	}{
		{"zero_shots", []string{"--config", cfgPath, "capture", "--shots", "0"}},
		{"config_outside_configs_dir", []string{"--config", filepath.Join(t.TempDir(), "x.yaml"), "images"}},
		{"bad_debug_level", []string{"--config", cfgPath, "--debug", "7", "images"}},
		{"bad_port", []string{"--config", cfgPath, "serve", "--port", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := execute(t, tc.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
