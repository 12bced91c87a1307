// Package presence tracks which agents are online, busy, and wearing
// which hat. Agents go offline by silence, not by disconnect: any tool
// call refreshes last-seen, and a background sweep expires the quiet ones.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentchattr/pkg/logx"
)

// DefaultOfflineAfter is how long an agent may stay silent before the
// sweep marks it offline.
const DefaultOfflineAfter = 120 * time.Second

// DefaultSweepEvery is the offline sweep cadence.
const DefaultSweepEvery = 5 * time.Second

// Status is one agent's presence snapshot.
type Status struct {
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	Busy     bool   `json:"busy"`
	Hat      string `json:"hat,omitempty"`
	Session  string `json:"session,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

// Hooks fire on presence transitions, outside the tracker lock. OnJoin
// fires exactly once per offline-to-online transition, OnLeave once per
// online-to-offline. OnChange fires for any broadcast-worthy update.
type Hooks struct {
	OnJoin   func(agent string)
	OnLeave  func(agent string)
	OnChange func(st Status)
}

type state struct {
	online   bool
	busy     bool
	hat      string
	session  string
	lastSeen time.Time
}

// Tracker is the presence map plus its offline sweep.
type Tracker struct {
	mu           sync.Mutex
	agents       map[string]*state
	offlineAfter time.Duration
	sweepEvery   time.Duration
	hooks        Hooks
	now          func() time.Time
	logger       *logx.Logger
}

// NewTracker returns a tracker with the given offline threshold. Zero
// durations take the defaults.
func NewTracker(offlineAfter, sweepEvery time.Duration, hooks Hooks) *Tracker {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepEvery
	}
	return &Tracker{
		agents:       make(map[string]*state),
		offlineAfter: offlineAfter,
		sweepEvery:   sweepEvery,
		hooks:        hooks,
		now:          time.Now,
		logger:       logx.NewLogger("presence"),
	}
}

// Start runs the offline sweep until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

// Touch refreshes last-seen for an agent, creating it on first contact.
// An offline agent comes back online and the join hook fires.
func (t *Tracker) Touch(name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	st, joined := t.touchLocked(name)
	snap := t.statusLocked(name, st)
	t.mu.Unlock()

	if joined {
		t.logger.Info("Agent %s is online", name)
		if t.hooks.OnJoin != nil {
			t.hooks.OnJoin(name)
		}
		if t.hooks.OnChange != nil {
			t.hooks.OnChange(snap)
		}
	}
}

// SetBusy sets the activity flag, refreshing last-seen as a side effect.
func (t *Tracker) SetBusy(name string, busy bool) {
	t.mu.Lock()
	st, joined := t.touchLocked(name)
	changed := st.busy != busy
	st.busy = busy
	snap := t.statusLocked(name, st)
	t.mu.Unlock()

	if joined && t.hooks.OnJoin != nil {
		t.hooks.OnJoin(name)
	}
	if (joined || changed) && t.hooks.OnChange != nil {
		t.hooks.OnChange(snap)
	}
}

// SetHat records a self-assigned role label shown next to the agent name.
func (t *Tracker) SetHat(name, hat string) {
	t.mu.Lock()
	st, joined := t.touchLocked(name)
	changed := st.hat != hat
	st.hat = hat
	snap := t.statusLocked(name, st)
	t.mu.Unlock()

	if joined && t.hooks.OnJoin != nil {
		t.hooks.OnJoin(name)
	}
	if (joined || changed) && t.hooks.OnChange != nil {
		t.hooks.OnChange(snap)
	}
}

// SetSession records the terminal session identifier the wrapper owns.
func (t *Tracker) SetSession(name, session string) {
	t.mu.Lock()
	st, joined := t.touchLocked(name)
	st.session = session
	snap := t.statusLocked(name, st)
	t.mu.Unlock()

	if joined {
		if t.hooks.OnJoin != nil {
			t.hooks.OnJoin(name)
		}
		if t.hooks.OnChange != nil {
			t.hooks.OnChange(snap)
		}
	}
}

// MarkOffline takes an agent offline immediately, ahead of the sweep.
// Wrappers call this through the hub when they shut down cleanly.
func (t *Tracker) MarkOffline(name string) {
	t.mu.Lock()
	st, ok := t.agents[name]
	if !ok || !st.online {
		t.mu.Unlock()
		return
	}
	st.online = false
	st.busy = false
	snap := t.statusLocked(name, st)
	t.mu.Unlock()

	t.logger.Info("Agent %s left", name)
	if t.hooks.OnLeave != nil {
		t.hooks.OnLeave(name)
	}
	if t.hooks.OnChange != nil {
		t.hooks.OnChange(snap)
	}
}

// Session returns the recorded session identifier, empty when unknown.
func (t *Tracker) Session(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.agents[name]; ok {
		return st.session
	}
	return ""
}

// Online reports whether the agent is currently online. Agents that have
// never checked in count as offline.
func (t *Tracker) Online(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[name]
	return ok && st.online
}

// Hats returns the current hat per agent, omitting empty ones.
func (t *Tracker) Hats() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string)
	for name, st := range t.agents {
		if st.hat != "" {
			out[name] = st.hat
		}
	}
	return out
}

// Snapshot returns all known agents sorted by name.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.agents))
	for name, st := range t.agents {
		out = append(out, t.statusLocked(name, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sweep expires agents whose last-seen is older than the threshold.
func (t *Tracker) sweep() {
	cutoff := t.now().Add(-t.offlineAfter)

	t.mu.Lock()
	var gone []Status
	for name, st := range t.agents {
		if st.online && st.lastSeen.Before(cutoff) {
			st.online = false
			st.busy = false
			gone = append(gone, t.statusLocked(name, st))
		}
	}
	t.mu.Unlock()

	for _, snap := range gone {
		t.logger.Info("Agent %s went offline", snap.Name)
		if t.hooks.OnLeave != nil {
			t.hooks.OnLeave(snap.Name)
		}
		if t.hooks.OnChange != nil {
			t.hooks.OnChange(snap)
		}
	}
}

func (t *Tracker) touchLocked(name string) (st *state, joined bool) {
	st, ok := t.agents[name]
	if !ok {
		st = &state{}
		t.agents[name] = st
	}
	if !st.online {
		st.online = true
		joined = true
	}
	st.lastSeen = t.now()
	return st, joined
}

func (t *Tracker) statusLocked(name string, st *state) Status {
	return Status{
		Name:     name,
		Online:   st.online,
		Busy:     st.busy,
		Hat:      st.hat,
		Session:  st.session,
		LastSeen: st.lastSeen.Unix(),
	}
}
