package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	lockFileName      = "record.lock"
	lockRetryInterval = 10 * time.Millisecond
)

// RecordLock provides cross-process mutual exclusion over one task's
// durable record using flock(2). External progress reporters updating the
// same record take the same lock.
type RecordLock struct {
	path string
	file *os.File
}

// NewRecordLock creates a RecordLock for the given spec directory. The
// lock file is created inside dir as "record.lock".
func NewRecordLock(dir string) *RecordLock {
	return &RecordLock{
		path: filepath.Join(dir, lockFileName),
	}
}

// Lock acquires an exclusive file lock, blocking until available.
// The lock file is created if it does not exist.
func (rl *RecordLock) Lock() error {
	f, err := os.OpenFile(rl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	rl.file = f

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		rl.file = nil
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if it is held elsewhere.
func (rl *RecordLock) TryLock() (bool, error) {
	f, err := os.OpenFile(rl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	rl.file = f
	return true, nil
}

// LockWithTimeout tries to acquire the lock, retrying until the timeout
// elapses. It reports whether the lock was acquired, so brief contention
// with an external reporter blocks instead of failing outright.
func (rl *RecordLock) LockWithTimeout(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		acquired, err := rl.TryLock()
		if err != nil || acquired {
			return acquired, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(lockRetryInterval)
	}
}

// Unlock releases the file lock and closes the lock file.
func (rl *RecordLock) Unlock() error {
	if rl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(rl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = rl.file.Close()
		rl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := rl.file.Close()
	rl.file = nil
	return err
}
