package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchattr/pkg/config"
)

type fakeTmux struct {
	sessions []string
	dead     map[string]bool
	killed   []string
	killErr  error
}

func (f *fakeTmux) list(context.Context) ([]string, error) {
	return f.sessions, nil
}

func (f *fakeTmux) paneDead(_ context.Context, session string) bool {
	return f.dead[session]
}

func (f *fakeTmux) kill(_ context.Context, session string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, session)
	return nil
}

func newTestReaper(t *testing.T, cfg *config.Config, tmux *fakeTmux, notify func(channel, text string)) *Reaper {
	t.Helper()
	r := New(cfg, notify)
	r.listSessions = tmux.list
	r.paneDead = tmux.paneDead
	r.killSession = tmux.kill
	return r
}

func testConfig(enabled bool) *config.Config {
	return &config.Config{
		Cleanup: config.Cleanup{Enabled: enabled, Schedule: "@hourly"},
		Agents: map[string]config.Agent{
			"claude": {Command: "claude"},
			"codex":  {Command: "codex"},
		},
	}
}

func TestSweepKillsUnknownAgents(t *testing.T) {
	tmux := &fakeTmux{
		sessions: []string{"agentchattr-claude", "agentchattr-ghost", "unrelated"},
	}
	var notices []string
	r := newTestReaper(t, testConfig(true), tmux, func(channel, text string) {
		notices = append(notices, channel+": "+text)
	})

	killed := r.Sweep(context.Background())
	assert.Equal(t, []string{"agentchattr-ghost"}, killed)
	assert.Equal(t, []string{"agentchattr-ghost"}, tmux.killed)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "general: ")
	assert.Contains(t, notices[0], "agentchattr-ghost")
	assert.Contains(t, notices[0], "not in the config")
}

func TestSweepKillsDeadPanes(t *testing.T) {
	tmux := &fakeTmux{
		sessions: []string{"agentchattr-claude", "agentchattr-codex"},
		dead:     map[string]bool{"agentchattr-codex": true},
	}
	r := newTestReaper(t, testConfig(true), tmux, nil)

	killed := r.Sweep(context.Background())
	assert.Equal(t, []string{"agentchattr-codex"}, killed)
}

func TestSweepKeepsHealthySessions(t *testing.T) {
	tmux := &fakeTmux{
		sessions: []string{"agentchattr-claude", "agentchattr-codex"},
	}
	r := newTestReaper(t, testConfig(true), tmux, nil)

	assert.Empty(t, r.Sweep(context.Background()))
	assert.Empty(t, tmux.killed)
}

func TestSweepReportsKillFailure(t *testing.T) {
	tmux := &fakeTmux{
		sessions: []string{"agentchattr-ghost"},
		killErr:  errors.New("no such session"),
	}
	var notices []string
	r := newTestReaper(t, testConfig(true), tmux, func(_, text string) {
		notices = append(notices, text)
	})

	assert.Empty(t, r.Sweep(context.Background()))
	assert.Empty(t, notices)
}

func TestStartDisabledSchedulesNothing(t *testing.T) {
	r := newTestReaper(t, testConfig(false), &fakeTmux{}, nil)
	require.NoError(t, r.Start())
	assert.Empty(t, r.cron.Entries())
}

func TestStartSchedulesSweep(t *testing.T) {
	r := newTestReaper(t, testConfig(true), &fakeTmux{}, nil)
	require.NoError(t, r.Start())
	defer r.Stop()
	assert.Len(t, r.cron.Entries(), 1)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(true)
	cfg.Cleanup.Schedule = "every once in a while"
	r := newTestReaper(t, cfg, &fakeTmux{}, nil)
	require.Error(t, r.Start())
}
