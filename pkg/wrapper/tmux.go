//go:build !windows

package wrapper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"agentchattr/pkg/logx"
)

// tmuxTimeout bounds every tmux invocation. tmux answers in milliseconds
// when healthy; anything longer means the server socket is wedged.
const tmuxTimeout = 5 * time.Second

// tmuxSession drives a detached tmux session. All operations name the
// session with an exact-match target so agents with prefix-overlapping
// names never collide.
type tmuxSession struct {
	name    string
	command string
	dir     string
	logger  *logx.Logger
}

func newPlatformSession(agent, command, dir string) (Session, error) {
	if _, err := exec.LookPath("tmux"); err != nil {
		return nil, fmt.Errorf("tmux not found in PATH: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent dir %q: %w", dir, err)
	}
	return &tmuxSession{
		name:    SessionName(agent),
		command: command,
		dir:     abs,
		logger:  logx.NewLogger("session"),
	}, nil
}

func (s *tmuxSession) Name() string { return s.name }

// target returns the exact-match tmux target for this session.
func (s *tmuxSession) target() string { return "=" + s.name }

func (s *tmuxSession) run(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s failed: %w (output: %s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *tmuxSession) Spawn(ctx context.Context) error {
	if s.Alive() {
		if err := s.run("kill-session", "-t", s.target()); err != nil {
			s.logger.Warn("Failed to clear stale session %s: %v", s.name, err)
		}
	}
	args := []string{"new-session", "-d", "-s", s.name, "-c", s.dir}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil && cols > 0 && rows > 0 {
			args = append(args, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
		}
	}
	args = append(args, s.command)
	cmd := exec.CommandContext(ctx, "tmux", args...)
	s.logger.Info("Starting session: %s", strings.Join(cmd.Args, " "))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to spawn session %s: %w (output: %s)", s.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *tmuxSession) Inject(text string) error {
	if err := s.run("send-keys", "-t", s.target(), "C-u"); err != nil {
		return err
	}
	if err := s.run("send-keys", "-t", s.target(), "Escape"); err != nil {
		return err
	}
	time.Sleep(injectSettle)
	if err := s.run("send-keys", "-t", s.target(), "-l", text); err != nil {
		return err
	}
	time.Sleep(injectSettle)
	return s.run("send-keys", "-t", s.target(), "Enter")
}

func (s *tmuxSession) SendKey(key string) error {
	return s.run("send-keys", "-t", s.target(), key)
}

func (s *tmuxSession) Capture() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", s.target()).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to capture pane of %s: %w", s.name, err)
	}
	return out, nil
}

func (s *tmuxSession) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", s.target()).Run() == nil
}

func (s *tmuxSession) Kill() error {
	s.logger.Info("Killing session %s", s.name)
	return s.run("kill-session", "-t", s.target())
}

// Focus cannot pull a tmux session into the operator's terminal, so it only
// logs the attach command.
func (s *tmuxSession) Focus() error {
	s.logger.Info("Attach with: tmux attach -t %s", s.name)
	return nil
}
