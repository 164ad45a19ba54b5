package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/PageGo/internal/config"
	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/hw/camera"
	"github.com/cjeanneret/PageGo/internal/hw/gpio"
	"github.com/cjeanneret/PageGo/internal/session"
	"github.com/cjeanneret/PageGo/internal/storage/sqlite"
	"github.com/cjeanneret/PageGo/internal/workflow"
)

// station is the opened hardware and storage behind one workflow.
type station struct {
	gpio     gpio.Driver
	store    *sqlite.Store
	workflow *workflow.Workflow
}

// openStation initializes GPIO, the devices, the store and the workflow.
func openStation(ctx context.Context, cfg *config.Config) (*station, error) {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	st := &station{gpio: gpioDriver}

	debug.Step(2, "Initializing devices")
	devices := make([]camera.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		d, err := newDeviceFromConfig(gpioDriver, dc)
		if err != nil {
			st.Close()
			return nil, err
		}
		debug.PrintStruct("Device "+dc.Name, dc)
		devices = append(devices, d)
	}

	debug.Step(3, "Opening workflow store")
	st.store, err = sqlite.Open(cfg.Workflow.Database)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.workflow, err = workflow.Open(ctx, st.store, cfg.Workflow.DataDir, cfg.Workflow.Name, devices)
	if err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// Close releases the store and the GPIO driver.
func (s *station) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.gpio != nil {
		errs = append(errs, s.gpio.Close())
	}
	return errors.Join(errs...)
}

// newDeviceFromConfig selects a device implementation based on configuration.
func newDeviceFromConfig(g gpio.Driver, dc config.DeviceConfig) (camera.Device, error) {
	switch dc.Type {
	case config.DeviceMock:
		return camera.NewMock(dc.Name, dc.WidthPx, dc.HeightPx, dc.Delay()), nil
	case config.DeviceGPIOTrigger:
		return camera.NewGPIOTrigger(g, camera.GPIOTriggerConfig{
			Name:            dc.Name,
			FocusPin:        dc.FocusPin,
			ShutterPin:      dc.ShutterPin,
			FocusDelay:      dc.FocusDelay(),
			ShutterDelay:    dc.ShutterDelay(),
			IncomingDir:     dc.IncomingDir,
			DownloadTimeout: dc.DownloadTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported device type: %s", dc.Type)
	}
}

// sessionOptions maps config timing onto controller options.
func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		PrepareTimeout: cfg.PrepareTimeout(),
		CaptureTimeout: cfg.CaptureTimeout(),
	}
}
