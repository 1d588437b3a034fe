package scheduler

import (
	"os"
	"syscall"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
)

const lockFilePerm = 0o644

// FlockProvider implements LockProvider over an OS advisory file lock.
// The sibling fan daemon takes the same lock around its own controller
// commands, which is what extends the single-in-flight guarantee across
// processes.
type FlockProvider struct {
	path string
}

func NewFlockProvider(path string) *FlockProvider {
	return &FlockProvider{path: path}
}

// Acquire blocks until the exclusive lock is held. Closing the file
// descriptor releases the lock, so release is a plain close.
func (p *FlockProvider) Acquire() (func(), error) {
	errFactory := errors.New()

	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, lockFilePerm)
	if err != nil {
		return nil, errFactory.Wrap(ErrLockFailed, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, errFactory.Wrap(ErrLockFailed, err)
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// NopLock satisfies LockProvider where cross-process exclusion is not
// needed, such as tests.
type NopLock struct{}

func (NopLock) Acquire() (func(), error) {
	return func() {}, nil
}
