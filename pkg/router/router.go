// Package router decides which agents to wake for each new message.
// Mentions like @claude resolve against the configured agent names, a
// per-channel hop counter caps autonomous agent-to-agent chains, and the
// resulting wake-ups land on the per-agent trigger queues.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"agentchattr/pkg/config"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/store"
	"agentchattr/pkg/trigger"
)

// DedupWindow coalesces repeated wake-ups for the same agent and channel.
// One wake is enough: the agent reads the whole backlog when prompted.
const DedupWindow = 500 * time.Millisecond

// Enqueuer accepts trigger entries. The hub passes the queue writer,
// usually wrapped with its metrics.
type Enqueuer interface {
	Enqueue(e trigger.Entry) error
}

// Hooks let the router speak into the room without owning the store or the
// presence tracker. Notify posts a system message to a channel; Online
// reports whether an agent's wrapper is currently alive (nil means assume
// online). Both may be nil.
type Hooks struct {
	Notify func(channel, text string)
	Online func(agent string) bool
}

// Router parses mentions and maintains the per-channel loop guard. All
// methods are safe for concurrent use.
type Router struct {
	mu        sync.Mutex
	names     []string
	nameSet   map[string]bool
	mention   *regexp.Regexp
	defRoute  string
	maxHops   int
	hops      map[string]int
	paused    map[string]bool
	guardSent map[string]bool
	lastSent  map[string]time.Time
	queue     Enqueuer
	hooks     Hooks
	now       func() time.Time
	logger    *logx.Logger
}

// New builds a router over the configured agent names. defaultRoute is
// config.RouteNone or config.RouteAll; maxHops caps agent-to-agent chains
// per channel (0 pauses on the first agent-authored message).
func New(agents []string, defaultRoute string, maxHops int, queue Enqueuer, hooks Hooks) *Router {
	names := make([]string, 0, len(agents))
	nameSet := make(map[string]bool, len(agents))
	for _, a := range agents {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || nameSet[a] {
			continue
		}
		nameSet[a] = true
		names = append(names, a)
	}
	sort.Strings(names)
	return &Router{
		names:     names,
		nameSet:   nameSet,
		mention:   mentionPattern(names),
		defRoute:  strings.ToLower(defaultRoute),
		maxHops:   maxHops,
		hops:      make(map[string]int),
		paused:    make(map[string]bool),
		guardSent: make(map[string]bool),
		lastSent:  make(map[string]time.Time),
		queue:     queue,
		hooks:     hooks,
		now:       time.Now,
		logger:    logx.NewLogger("router"),
	}
}

// mentionPattern matches @name for every configured agent plus the all/both
// broadcast tokens. The trailing word boundary is what makes prefix forms
// like @gemini-cli resolve to gemini: the boundary sits between the known
// name and the hyphenated tail. Longer names go first so an exact match
// always beats a shorter prefix.
func mentionPattern(names []string) *regexp.Regexp {
	tokens := append(append([]string(nil), names...), "all", "both")
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return regexp.MustCompile(`(?i)@(` + strings.Join(quoted, "|") + `)\b`)
}

// HandleMessage routes one newly appended message: resolves mention
// targets, updates the channel's loop guard, and enqueues wake-ups.
// System, join, and leave messages never route, which keeps the router's
// own notices from feeding back into it.
func (r *Router) HandleMessage(m *store.Message) {
	if m == nil || m.Sender == "system" {
		return
	}
	if m.Type != "" && m.Type != store.TypeMessage {
		return
	}
	channel := m.Channel
	if channel == "" {
		channel = store.DefaultChannel
	}
	sender := strings.ToLower(m.Sender)

	r.mu.Lock()
	var targets []string
	if !r.nameSet[sender] {
		// Human-authored: reset the guard for this channel before routing.
		r.hops[channel] = 0
		delete(r.paused, channel)
		delete(r.guardSent, channel)
		targets = r.mentionTargets(m.Text)
		if len(targets) == 0 && r.defRoute == config.RouteAll {
			targets = append([]string(nil), r.names...)
		}
	} else {
		if r.paused[channel] {
			r.mu.Unlock()
			return
		}
		r.hops[channel]++
		if r.hops[channel] > r.maxHops {
			r.paused[channel] = true
			notify := !r.guardSent[channel]
			r.guardSent[channel] = true
			hops := r.hops[channel]
			r.mu.Unlock()
			r.logger.Info("loop guard paused #%s after %d agent hops", channel, hops)
			if notify && r.hooks.Notify != nil {
				r.hooks.Notify(channel, fmt.Sprintf("Loop guard paused #%s — type /continue to resume", channel))
			}
			return
		}
		// Agent-authored messages only route on explicit mentions.
		targets = r.mentionTargets(m.Text)
	}

	now := r.now()
	wake := make([]string, 0, len(targets))
	for _, tgt := range targets {
		if tgt == sender {
			continue
		}
		key := tgt + "\x00" + channel
		if last, ok := r.lastSent[key]; ok && now.Sub(last) < DedupWindow {
			continue
		}
		r.lastSent[key] = now
		wake = append(wake, tgt)
	}
	r.mu.Unlock()

	for _, tgt := range wake {
		if r.hooks.Online != nil && !r.hooks.Online(tgt) && r.hooks.Notify != nil {
			r.hooks.Notify(channel, fmt.Sprintf("%s appears offline — message queued.", tgt))
		}
		if err := r.queue.Enqueue(trigger.Entry{Agent: tgt, Channel: channel, MsgID: m.ID, TS: now.Unix()}); err != nil {
			r.logger.Error("failed to enqueue trigger for %s: %v", tgt, err)
		}
	}
}

// Resume lifts the loop-guard pause for one channel and zeroes its hop
// count. Bound to the /continue command.
func (r *Router) Resume(channel string) {
	if channel == "" {
		channel = store.DefaultChannel
	}
	r.mu.Lock()
	r.hops[channel] = 0
	delete(r.paused, channel)
	delete(r.guardSent, channel)
	r.mu.Unlock()
	r.logger.Info("routing resumed in #%s", channel)
}

// Paused reports whether the loop guard holds the given channel.
func (r *Router) Paused(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[channel]
}

// AnyPaused reports whether any channel is currently guarded. The hub's
// status frame carries a single room-wide flag.
func (r *Router) AnyPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.paused {
		if p {
			return true
		}
	}
	return false
}

// Hops returns the current agent-hop count for a channel.
func (r *Router) Hops(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hops[channel]
}

// MaxHops returns the current hop cap.
func (r *Router) MaxHops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxHops
}

// SetMaxHops updates the hop cap; the settings panel adjusts this live.
func (r *Router) SetMaxHops(n int) {
	if n < 0 {
		n = 0
	}
	r.mu.Lock()
	r.maxHops = n
	r.mu.Unlock()
}

// mentionTargets resolves the @mentions in text to configured agent names,
// sorted and deduplicated. all/both expand to every configured agent.
// Callers hold r.mu.
func (r *Router) mentionTargets(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]bool)
	for _, match := range r.mention.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(match[1])
		if name == "all" || name == "both" {
			for _, n := range r.names {
				seen[n] = true
			}
			continue
		}
		if r.nameSet[name] {
			seen[name] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
