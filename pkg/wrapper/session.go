// Package wrapper supervises one agent's terminal session. It owns the
// multiplexer session the CLI runs in, injects wake-up prompts from the
// trigger queue, hashes the visible screen to track activity, probes the
// hub's MCP transports, and restarts the session when either side goes bad.
package wrapper

import (
	"context"
	"time"
)

// injectSettle is the pause between the escape, the literal text, and the
// final return. CLIs with modal input need the gap to register each step.
const injectSettle = 150 * time.Millisecond

// Session is one agent terminal under wrapper control. The Unix backend
// drives a detached tmux session; the Windows backend drives a child
// console attached to the wrapper's own.
type Session interface {
	// Name returns the session name, e.g. "agentchattr-claude".
	Name() string
	// Spawn starts the agent process in a fresh session, replacing any
	// stale session with the same name.
	Spawn(ctx context.Context) error
	// Inject types text into the session: clear the input line, escape any
	// modal mode, settle, type the literal text, settle, press return.
	Inject(text string) error
	// SendKey sends a single key chord such as "C-c", without a return.
	SendKey(key string) error
	// Capture returns the visible pane content for activity hashing.
	Capture() ([]byte, error)
	// Alive reports whether the session still exists.
	Alive() bool
	// Kill tears the session down. The supervisor respawns it.
	Kill() error
	// Focus brings the session to the operator's attention where the
	// platform allows it.
	Focus() error
}

// SessionName returns the canonical session name for an agent.
func SessionName(agent string) string {
	return "agentchattr-" + agent
}

// NewSession builds the platform backend for an agent. command is the full
// shell command line the agent runs with; dir is its working directory.
func NewSession(agent, command, dir string) (Session, error) {
	return newPlatformSession(agent, command, dir)
}
