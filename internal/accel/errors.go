package accel

import "codeberg.org/mutker/bmcfanctl/internal/errors"

const (
	ErrInitFailed     = errors.ErrorCode("accel_init_failed")
	ErrNotInitialized = errors.ErrorCode("accel_not_initialized")
	ErrDeviceNotFound = errors.ErrorCode("accel_device_not_found")
	ErrShutdownFailed = errors.ErrorCode("accel_shutdown_failed")
)
