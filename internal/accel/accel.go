// Package accel reads accelerator (GPU) telemetry through NVML. It is a
// local data source for the dashboard's accelerator panel, independent of
// the controller channel; everything here is read-only and soft-failing.
package accel

import (
	"sync"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// Snapshot is one accelerator status reading.
type Snapshot struct {
	Name        string
	Temperature int
	FanPercent  int
	Utilization int
	PowerWatts  int
}

// Source holds the NVML session for the first device. Hosts without an
// NVML library simply report unavailable; the dashboard hides the panel.
type Source struct {
	mu          sync.Mutex
	device      nvml.Device
	name        string
	initialized bool
}

func NewSource() (*Source, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errFactory.WithData(ErrInitFailed, nvml.ErrorString(ret))
	}

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		_ = nvml.Shutdown()
		return nil, errFactory.WithData(ErrDeviceNotFound, nvml.ErrorString(ret))
	}

	s := &Source{
		device:      device,
		initialized: true,
	}

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		s.name = name
		logger.Info().Msgf("Detected accelerator: %v", name)
	} else {
		logger.Warn().Msgf("Failed to get accelerator name: %v", nvml.ErrorString(ret))
	}

	return s, nil
}

// Load reads a fresh snapshot. Individual sensor failures leave zero
// values; only a dead session is an error.
func (s *Source) Load() (Snapshot, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return Snapshot{}, errFactory.New(ErrNotInitialized)
	}

	snapshot := Snapshot{Name: s.name}

	if temp, ret := s.device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		snapshot.Temperature = int(temp)
	}
	if speed, ret := s.device.GetFanSpeed(); ret == nvml.SUCCESS {
		snapshot.FanPercent = int(speed)
	}
	if util, ret := s.device.GetUtilizationRates(); ret == nvml.SUCCESS {
		snapshot.Utilization = int(util.Gpu)
	}
	if power, ret := s.device.GetPowerUsage(); ret == nvml.SUCCESS {
		snapshot.PowerWatts = int(power) / milliWattsToWatts
	}

	return snapshot, nil
}

// Close shuts the NVML session down.
func (s *Source) Close() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errFactory.WithData(ErrShutdownFailed, nvml.ErrorString(ret))
	}
	s.initialized = false

	return nil
}
