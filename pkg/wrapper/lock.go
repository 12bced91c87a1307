package wrapper

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLockHeld reports that another wrapper currently owns the agent.
var ErrLockHeld = errors.New("wrapper lock held")

// Lock steal timing: how long to wait for a SIGTERMed holder to let go, and
// how long after escalating.
const (
	lockTermWait = 5 * time.Second
	lockKillWait = 2 * time.Second
)

// Lock is the per-agent wrapper lock. Exactly one wrapper per agent may
// hold it; it is released on Release or when the holding process dies.
type Lock struct {
	path string
	f    *os.File
}

// Release lets the lock go and removes the lock file. Safe on nil.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
}

// holderPID reads the pid recorded in an existing lock file. Zero means
// unknown.
func holderPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// waitForLock retries acquisition until it succeeds, fails for a reason
// other than contention, or patience runs out.
func waitForLock(path string, patience time.Duration) (*Lock, error) {
	deadline := time.Now().Add(patience)
	for {
		lock, err := acquireLock(path)
		if err == nil || !errors.Is(err, ErrLockHeld) || time.Now().After(deadline) {
			return lock, err
		}
		time.Sleep(200 * time.Millisecond)
	}
}
