// Package cleanup reaps stale agent multiplexer sessions on a cron
// schedule. Sessions land here when an agent is removed from the config
// while its tmux session lives on, or when a pane dies under
// remain-on-exit.
package cleanup

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agentchattr/pkg/config"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/store"
	"agentchattr/pkg/wrapper"
)

const tmuxTimeout = 5 * time.Second

// Reaper owns the scheduled sweep. It is disabled unless the config says
// otherwise.
type Reaper struct {
	cfg    *config.Config
	cron   *cron.Cron
	notify func(channel, text string)
	logger *logx.Logger

	listSessions func(ctx context.Context) ([]string, error)
	paneDead     func(ctx context.Context, session string) bool
	killSession  func(ctx context.Context, session string) error
}

// New builds a reaper. notify, when non-nil, posts a system chat message
// for every kill so the operator sees what happened.
func New(cfg *config.Config, notify func(channel, text string)) *Reaper {
	return &Reaper{
		cfg:          cfg,
		cron:         cron.New(),
		notify:       notify,
		logger:       logx.NewLogger("cleanup"),
		listSessions: tmuxListSessions,
		paneDead:     tmuxPaneDead,
		killSession:  tmuxKillSession,
	}
}

// Start schedules the sweep. A disabled reaper starts nothing and returns
// nil.
func (r *Reaper) Start() error {
	if !r.cfg.Cleanup.Enabled {
		r.logger.Debug("Session cleanup disabled")
		return nil
	}
	schedule := r.cfg.Cleanup.Schedule
	if schedule == "" {
		schedule = config.DefaultSchedule
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule cleanup %q: %w", schedule, err)
	}
	r.cron.Start()
	r.logger.Info("Session cleanup scheduled (%s)", schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep kills stale sessions once and returns their names. It runs from
// the schedule but can also be invoked directly.
func (r *Reaper) Sweep(ctx context.Context) []string {
	prefix := wrapper.SessionName("")
	sessions, err := r.listSessions(ctx)
	if err != nil {
		// No multiplexer server means no sessions to reap.
		r.logger.Debug("No sessions to sweep: %v", err)
		return nil
	}
	var killed []string
	for _, name := range sessions {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		agent := strings.TrimPrefix(name, prefix)
		var reason string
		if _, known := r.cfg.Agents[agent]; !known {
			reason = "agent is not in the config"
		} else if r.paneDead(ctx, name) {
			reason = "its pane is dead"
		}
		if reason == "" {
			continue
		}
		if err := r.killSession(ctx, name); err != nil {
			r.logger.Error("Failed to kill session %s: %v", name, err)
			continue
		}
		r.logger.Info("Killed stale session %s (%s)", name, reason)
		if r.notify != nil {
			r.notify(store.DefaultChannel, fmt.Sprintf("Cleaned up stale session %s (%s).", name, reason))
		}
		killed = append(killed, name)
	}
	return killed
}

func tmuxListSessions(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, tmuxTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		return nil, fmt.Errorf("tmux list-sessions failed: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func tmuxPaneDead(ctx context.Context, session string) bool {
	ctx, cancel := context.WithTimeout(ctx, tmuxTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "list-panes", "-t", "="+session, "-F", "#{pane_dead}").Output()
	if err != nil {
		// The session vanished between listing and probing; nothing to do.
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "1" {
			return true
		}
	}
	return false
}

func tmuxKillSession(ctx context.Context, session string) error {
	ctx, cancel := context.WithTimeout(ctx, tmuxTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "tmux", "kill-session", "-t", "="+session).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux kill-session failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
