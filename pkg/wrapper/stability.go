package wrapper

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Stability event tags. The log is the first place to look when an agent
// keeps getting killed or ignores wake-ups.
const (
	tagHealth  = "health"
	tagInject  = "inject"
	tagSession = "session"
	tagKill    = "kill"
)

// stabilityLog appends timestamped, tagged lines to data/<agent>_stability.log.
type stabilityLog struct {
	mu sync.Mutex
	f  *os.File
}

func openStabilityLog(path string) (*stabilityLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stability log %s: %w", path, err)
	}
	return &stabilityLog{f: f}, nil
}

func (s *stabilityLog) Log(tag, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	stamp := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	fmt.Fprintf(s.f, "[%s] [%s] %s\n", stamp, tag, fmt.Sprintf(format, args...)) //nolint:errcheck // Diagnostics are best-effort
}

func (s *stabilityLog) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
}
