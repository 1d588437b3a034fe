package scheduler

import "codeberg.org/mutker/bmcfanctl/internal/errors"

const (
	// ErrWaitTimeout means the caller stopped waiting; the command itself
	// may still complete on the controller.
	ErrWaitTimeout = errors.ErrorCode("scheduler_wait_timeout")

	ErrSchedulerClosed = errors.ErrorCode("scheduler_closed")
	ErrLockFailed      = errors.ErrorCode("scheduler_lock_failed")
)
