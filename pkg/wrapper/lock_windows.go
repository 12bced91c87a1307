//go:build windows

package wrapper

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"

	"agentchattr/pkg/logx"
)

// acquireLock takes the agent lock by creating the file exclusively.
// Windows has no flock that dies with the process, so a leftover file from
// a dead wrapper is detected by probing the recorded pid.
func acquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		return &Lock{path: path, f: f}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	pid := holderPID(path)
	if pid > 0 && pidAlive(pid) {
		return nil, fmt.Errorf("%w by pid %d", ErrLockHeld, pid)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to clear stale lock %s: %w", path, err)
	}
	f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate lock file %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{path: path, f: f}, nil
}

// stealLock terminates the recorded holder and takes the lock over.
func stealLock(path string, logger *logx.Logger) (*Lock, error) {
	pid := holderPID(path)
	if pid > 0 && pid != os.Getpid() && pidAlive(pid) {
		logger.Warn("Terminating wrapper pid %d holding %s", pid, path)
		h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
		if err != nil {
			return nil, fmt.Errorf("failed to open pid %d: %w", pid, err)
		}
		termErr := windows.TerminateProcess(h, 1)
		_ = windows.CloseHandle(h)
		if termErr != nil {
			return nil, fmt.Errorf("failed to terminate pid %d: %w", pid, termErr)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear lock %s: %w", path, err)
	}
	return waitForLock(path, lockTermWait)
}

func pidAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h) //nolint:errcheck // Probe handle
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == statusStillActive
}

// statusStillActive is STILL_ACTIVE from winbase.h.
const statusStillActive = 259
