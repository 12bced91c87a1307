package wrapper

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"agentchattr/pkg/config"
	"agentchattr/pkg/store"
	"agentchattr/pkg/trigger"
)

// wakePrompt is what gets typed into the agent's terminal for one queue
// entry. The agent answers it by reading the channel over MCP.
func wakePrompt(channel string) string {
	if channel == "" {
		channel = store.DefaultChannel
	}
	return fmt.Sprintf("mcp read #%s", channel)
}

// runTriggerWatcher drains the agent's trigger queue into the session. An
// entry is only acknowledged once its prompt actually made it into the
// terminal, so transient injection failures retry on the next wake.
func (w *Wrapper) runTriggerWatcher(ctx context.Context) {
	for {
		if err := w.queue.Wait(ctx); err != nil {
			return
		}
		entries, err := w.queue.Poll()
		if err != nil {
			w.logger.Warn("Trigger poll failed: %v", err)
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			if !w.injectEntry(ctx, e) {
				break
			}
			w.queue.Advance(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.injectCooldown):
			}
		}
	}
}

// injectEntry types the wake prompt for one queue entry and reports the
// attempt to the hub.
func (w *Wrapper) injectEntry(ctx context.Context, e trigger.Entry) bool {
	prompt := wakePrompt(e.Channel)
	if err := w.session.Inject(prompt); err != nil {
		w.logger.Warn("Injection failed: %v", err)
		w.stab.Log(tagInject, "failed to inject %q: %v", prompt, err)
		w.report(ctx, func(rctx context.Context) error {
			return w.hub.ReportInjection(rctx, "failure")
		})
		return false
	}
	w.stab.Log(tagInject, "injected %q (message #%d)", prompt, e.MsgID)
	w.recordInject()
	w.report(ctx, func(rctx context.Context) error {
		return w.hub.ReportInjection(rctx, "success")
	})
	return true
}

// runActivityWatcher hashes the visible pane once a tick. Any change marks
// the agent busy and stamps the activity clock; a quiet stretch clears the
// busy flag. Only the transitions travel to the hub.
func (w *Wrapper) runActivityWatcher(ctx context.Context) {
	ticker := time.NewTicker(w.activityTick)
	defer ticker.Stop()
	var last [blake2b.Size256]byte
	primed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		buf, err := w.session.Capture()
		if err != nil {
			// Session is likely mid-restart; the supervisor handles it.
			continue
		}
		sum := blake2b.Sum256(buf)
		now := time.Now()
		if !primed {
			primed = true
			last = sum
			continue
		}
		if sum != last {
			last = sum
			w.mu.Lock()
			w.lastActivity = now
			wasBusy := w.busy
			w.busy = true
			w.mu.Unlock()
			if !wasBusy {
				w.report(ctx, func(rctx context.Context) error {
					return w.hub.SetBusy(rctx, true)
				})
			}
			continue
		}
		w.mu.Lock()
		turnedQuiet := w.busy && now.Sub(w.lastActivity) >= w.quietWindow
		if turnedQuiet {
			w.busy = false
		}
		w.mu.Unlock()
		if turnedQuiet {
			w.report(ctx, func(rctx context.Context) error {
				return w.hub.SetBusy(rctx, false)
			})
		}
	}
}

// runHeartbeat keeps the agent marked online through long quiet stretches.
func (w *Wrapper) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.report(ctx, func(rctx context.Context) error {
				return w.hub.Heartbeat(rctx)
			})
		}
	}
}

// runHealthWatcher probes the hub's MCP transports and kills the session
// when one stays unreachable past its threshold. Agent CLIs pin dead MCP
// connections, so a kill plus respawn is the only reliable reset. A single
// failed probe only warns.
func (w *Wrapper) runHealthWatcher(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.healthGrace):
	}
	ticker := time.NewTicker(w.healthTick)
	defer ticker.Stop()
	httpFails, sseFails := 0, 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		httpFails = w.runProbe(ctx, "http", w.probeHTTP, httpFails, w.cfg.MCP.HTTPKillThreshold)
		sseFails = w.runProbe(ctx, "sse", w.probeSSE, sseFails, w.cfg.MCP.SSEKillThreshold)

		var reason string
		switch {
		case w.cfg.MCP.HTTPKillThreshold > 0 && httpFails >= w.cfg.MCP.HTTPKillThreshold:
			reason = fmt.Sprintf("MCP HTTP unreachable for %d probes", httpFails)
		case w.cfg.MCP.SSEKillThreshold > 0 && sseFails >= w.cfg.MCP.SSEKillThreshold:
			reason = fmt.Sprintf("MCP SSE unreachable for %d probes", sseFails)
		}
		if reason == "" {
			continue
		}
		w.stab.Log(tagKill, "%s, killing session %s", reason, w.session.Name())
		w.report(ctx, func(rctx context.Context) error {
			return w.hub.ReportKill(rctx, reason)
		})
		if err := w.session.Kill(); err != nil {
			w.logger.Error("Failed to kill session: %v", err)
		}
		httpFails, sseFails = 0, 0
	}
}

// runProbe executes one probe and returns the updated consecutive-failure
// count.
func (w *Wrapper) runProbe(ctx context.Context, name string, probe func(context.Context) error, fails, threshold int) int {
	if err := probe(ctx); err != nil {
		if ctx.Err() != nil {
			return fails
		}
		fails++
		w.logger.Warn("MCP %s probe failed (%d/%d): %v", name, fails, threshold, err)
		w.stab.Log(tagHealth, "%s probe failed (%d/%d): %v", name, fails, threshold, err)
		return fails
	}
	if fails > 0 {
		w.stab.Log(tagHealth, "%s probe recovered after %d failures", name, fails)
	}
	return 0
}

// runRestartWatcher tails the hub's boot stamp. The stamp rewrites on every
// start, so a single confirmed change is just the hub coming up; two
// confirmed changes inside the window mean it bounced while agents held
// pinned connections, and one C-c prompts the CLI to reconnect without
// losing the session.
func (w *Wrapper) runRestartWatcher(ctx context.Context) {
	path := w.cfg.DataPath(config.ServerStartedFile)
	readStamp := func() string {
		b, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
	known := readStamp()
	var pendingVal string
	pending := false
	var confirmed []time.Time

	ticker := time.NewTicker(w.restartPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur := readStamp()
		if !pending {
			if cur != known {
				pending = true
				pendingVal = cur
			}
			continue
		}
		switch cur {
		case known:
			// Flapped back before confirmation, treat as noise.
			pending = false
		case pendingVal:
			pending = false
			known = cur
			now := time.Now()
			confirmed = append(confirmed, now)
			kept := confirmed[:0]
			for _, t := range confirmed {
				if now.Sub(t) <= w.restartWindow {
					kept = append(kept, t)
				}
			}
			confirmed = kept
			w.stab.Log(tagHealth, "hub restart confirmed (%d in window)", len(confirmed))
			if len(confirmed) < 2 {
				continue
			}
			confirmed = confirmed[:0]
			w.interruptAndRenudge(ctx)
		default:
			// Changed again while confirming; confirm the newest value.
			pendingVal = cur
		}
	}
}

// interruptAndRenudge sends one C-c so the CLI drops its pinned connection,
// then replays the newest pending wake once the reconnect has had time to
// finish.
func (w *Wrapper) interruptAndRenudge(ctx context.Context) {
	w.stab.Log(tagSession, "hub bounced twice, interrupting %s", w.session.Name())
	if err := w.session.SendKey("C-c"); err != nil {
		w.logger.Warn("Interrupt failed: %v", err)
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.recoveryDelay):
	}
	if _, err := w.queue.Poll(); err != nil {
		return
	}
	entry, ok := w.queue.Latest()
	if !ok {
		return
	}
	if w.injectEntry(ctx, entry) {
		// One wake covers the whole backlog.
		w.queue.Advance(w.queue.Pending())
	}
}

// runRenudge replays the newest pending wake when the queue has stalled:
// entries are sitting unacknowledged while the screen shows nothing
// happening. The threshold is deliberately long, agents legitimately go
// quiet for minutes while a tool call runs.
func (w *Wrapper) runRenudge(ctx context.Context) {
	if w.taskTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(w.renudgeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.queue.Poll(); err != nil {
			continue
		}
		entry, ok := w.queue.Latest()
		if !ok {
			continue
		}
		now := time.Now()
		if now.Sub(time.Unix(entry.TS, 0)) < w.taskTimeout {
			continue
		}
		w.mu.Lock()
		inject, activity := w.lastInject, w.lastActivity
		w.mu.Unlock()
		if !inject.IsZero() && now.Sub(inject) < w.taskTimeout {
			continue
		}
		if !activity.IsZero() && now.Sub(activity) < w.taskTimeout {
			continue
		}
		w.stab.Log(tagInject, "queue stalled with %d pending, re-nudging", w.queue.Pending())
		if w.injectEntry(ctx, entry) {
			w.queue.Advance(w.queue.Pending())
		}
	}
}
