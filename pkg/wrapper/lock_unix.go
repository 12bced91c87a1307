//go:build !windows

package wrapper

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"agentchattr/pkg/logx"
)

// acquireLock takes the agent lock with a non-blocking flock. The kernel
// drops the lock automatically if the wrapper dies, so a stale file never
// blocks a fresh start.
func acquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid := holderPID(path)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid > 0 {
				return nil, fmt.Errorf("%w by pid %d", ErrLockHeld, pid)
			}
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to reset lock file %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to record pid in %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// stealLock terminates the recorded holder and takes the lock over. It
// escalates to SIGKILL if the holder ignores SIGTERM.
func stealLock(path string, logger *logx.Logger) (*Lock, error) {
	pid := holderPID(path)
	if pid <= 0 || pid == os.Getpid() {
		return waitForLock(path, lockTermWait)
	}
	logger.Warn("Terminating wrapper pid %d holding %s", pid, path)
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return nil, fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	lock, err := waitForLock(path, lockTermWait)
	if err == nil || !errors.Is(err, ErrLockHeld) {
		return lock, err
	}
	logger.Warn("Wrapper pid %d ignored SIGTERM, killing it", pid)
	if err := unix.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return nil, fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return waitForLock(path, lockKillWait)
}
