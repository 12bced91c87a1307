package wrapper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentchattr/pkg/config"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/trigger"
)

// Watcher cadences. Tests shrink the corresponding Wrapper fields.
const (
	defaultActivityTick   = time.Second
	defaultQuietWindow    = 10 * time.Second
	defaultHeartbeatTick  = 60 * time.Second
	defaultHealthGrace    = 60 * time.Second
	defaultRestartPoll    = 10 * time.Second
	defaultRestartWindow  = 5 * time.Minute
	defaultRecoveryDelay  = 60 * time.Second
	defaultRenudgeTick    = 30 * time.Second
	defaultInjectCooldown = 2 * time.Second
	defaultSuperviseTick  = 3 * time.Second
	defaultRespawnDelay   = 3 * time.Second
	probeTimeout          = 5 * time.Second
	hubCallTimeout        = 5 * time.Second
	joinTimeout           = 10 * time.Second
)

// State is the wrapper lifecycle phase.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// hubClient is the wrapper's view of the hub. *mcp.Client implements it.
type hubClient interface {
	Join(ctx context.Context, session string) (string, error)
	Heartbeat(ctx context.Context) error
	SetBusy(ctx context.Context, busy bool) error
	ReportInjection(ctx context.Context, result string) error
	ReportKill(ctx context.Context, reason string) error
	Leave(ctx context.Context) error
}

// Options tune startup arbitration between competing wrappers.
type Options struct {
	// Takeover steals the agent lock from a live wrapper.
	Takeover bool
	// IfDead yields cleanly when another wrapper already supervises the
	// agent. Host watchdogs use it so a scheduled restart never
	// double-starts a healthy session.
	IfDead bool
}

// Wrapper supervises one agent session end to end: lock arbitration, MCP
// client config, session spawn, wake-up injection, activity tracking,
// health probing, and restart recovery.
type Wrapper struct {
	cfg      *config.Config
	agentCfg config.Agent
	agent    string
	token    string
	opts     Options

	hub     hubClient
	session Session
	queue   *trigger.Watcher
	stab    *stabilityLog
	logger  *logx.Logger
	httpc   *http.Client

	activityTick   time.Duration
	quietWindow    time.Duration
	heartbeatTick  time.Duration
	healthTick     time.Duration
	healthGrace    time.Duration
	restartPoll    time.Duration
	restartWindow  time.Duration
	recoveryDelay  time.Duration
	renudgeTick    time.Duration
	injectCooldown time.Duration
	superviseTick  time.Duration
	respawnDelay   time.Duration
	taskTimeout    time.Duration

	probeHTTP func(ctx context.Context) error
	probeSSE  func(ctx context.Context) error

	mu           sync.Mutex
	state        State
	busy         bool
	lastActivity time.Time
	lastInject   time.Time
}

// New builds a wrapper for one configured agent. The hub client and session
// are injected so the supervisor logic stays testable without tmux or a
// live hub.
func New(cfg *config.Config, agent, token string, hub hubClient, session Session, opts Options) (*Wrapper, error) {
	agentCfg, ok := cfg.Agents[agent]
	if !ok {
		return nil, fmt.Errorf("agent %q is not in the config", agent)
	}
	healthTick := time.Duration(cfg.MCP.ProbeSeconds) * time.Second
	if healthTick <= 0 {
		healthTick = time.Duration(config.DefaultProbeSeconds) * time.Second
	}
	w := &Wrapper{
		cfg:      cfg,
		agentCfg: agentCfg,
		agent:    agent,
		token:    token,
		opts:     opts,
		hub:      hub,
		session:  session,
		logger:   logx.NewLogger("wrapper"),
		httpc:    &http.Client{Timeout: probeTimeout},

		activityTick:   defaultActivityTick,
		quietWindow:    defaultQuietWindow,
		heartbeatTick:  defaultHeartbeatTick,
		healthTick:     healthTick,
		healthGrace:    defaultHealthGrace,
		restartPoll:    defaultRestartPoll,
		restartWindow:  defaultRestartWindow,
		recoveryDelay:  defaultRecoveryDelay,
		renudgeTick:    defaultRenudgeTick,
		injectCooldown: defaultInjectCooldown,
		superviseTick:  defaultSuperviseTick,
		respawnDelay:   defaultRespawnDelay,
		taskTimeout:    time.Duration(cfg.Monitor.AgentTaskTimeoutMinutes) * time.Minute,

		state: StateStarting,
	}
	w.probeHTTP = w.defaultHTTPProbe
	w.probeSSE = w.defaultSSEProbe
	return w, nil
}

// State returns the current lifecycle phase.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Wrapper) setState(s State) {
	w.mu.Lock()
	old := w.state
	w.state = s
	w.mu.Unlock()
	if old != s {
		w.logger.Info("State %s -> %s", old, s)
	}
}

// Run owns the whole wrapper lifecycle and blocks until ctx is cancelled or
// startup fails. A clean yield under -if-dead returns nil.
func (w *Wrapper) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logFile, err := os.OpenFile(w.cfg.DataPath(w.agent+"_wrapper.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("Failed to open wrapper log: %v", err)
	} else {
		w.logger.Tee(logFile)
		defer func() {
			w.logger.Tee(nil)
			_ = logFile.Close()
		}()
	}

	lock, err := w.acquire()
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	defer lock.Release()

	stab, err := openStabilityLog(w.cfg.DataPath(w.agent + "_stability.log"))
	if err != nil {
		return err
	}
	w.stab = stab
	defer stab.Close()

	queue, err := trigger.NewWatcher(w.cfg.Server.DataDir, w.agent)
	if err != nil {
		return fmt.Errorf("failed to watch trigger queue: %w", err)
	}
	defer queue.Close() //nolint:errcheck // Shutdown path
	// Wake-ups queued for a previous wrapper are stale by now; the agent
	// reads the backlog itself on the next prompt.
	if err := queue.Truncate(); err != nil {
		w.logger.Warn("Failed to truncate trigger queue: %v", err)
	}
	w.queue = queue

	cfgPath, err := EnsureMCPConfig(w.agentCfg, HubURL(w.cfg, w.token))
	if err != nil {
		return fmt.Errorf("failed to write MCP client config: %w", err)
	}
	w.logger.Info("MCP client config ensured at %s", cfgPath)

	if w.session.Alive() {
		w.logger.Info("Attaching to existing session %s", w.session.Name())
		w.stab.Log(tagSession, "attached to existing session %s", w.session.Name())
	} else {
		if err := w.session.Spawn(ctx); err != nil {
			return err
		}
		w.stab.Log(tagSession, "spawned session %s", w.session.Name())
	}
	if err := w.session.Focus(); err != nil {
		w.logger.Debug("Focus failed: %v", err)
	}

	w.join(ctx)
	w.setState(StateRunning)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		w.runTriggerWatcher,
		w.runActivityWatcher,
		w.runHeartbeat,
		w.runHealthWatcher,
		w.runRestartWatcher,
		w.runRenudge,
	} {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(runCtx)
		}(loop)
	}

	w.supervise(runCtx)

	cancel()
	wg.Wait()

	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), hubCallTimeout)
	defer cancelLeave()
	if err := w.hub.Leave(leaveCtx); err != nil {
		w.logger.Warn("Leave failed: %v", err)
	}
	w.setState(StateStopped)
	w.logger.Info("Wrapper for %s stopped", w.agent)
	return nil
}

// acquire arbitrates the per-agent lock. A nil lock with nil error means
// the wrapper should yield without doing anything.
func (w *Wrapper) acquire() (*Lock, error) {
	path := w.cfg.DataPath(w.agent + ".lock")
	lock, err := acquireLock(path)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, ErrLockHeld) {
		return nil, err
	}
	if w.opts.IfDead {
		if w.session.Alive() {
			w.logger.Info("Session %s is alive and already supervised, nothing to do", w.session.Name())
		} else {
			w.logger.Info("Another wrapper owns %s, leaving the restart to it", w.agent)
		}
		return nil, nil
	}
	if w.opts.Takeover {
		w.logger.Warn("Taking over %s: %v", w.agent, err)
		return stealLock(path, w.logger)
	}
	return nil, fmt.Errorf("%w (use -takeover to steal it or -if-dead to yield)", err)
}

// join announces the agent on the hub. Failure is not fatal: the hub may
// still be booting, and the heartbeat re-registers once it answers.
func (w *Wrapper) join(ctx context.Context) {
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	reply, err := w.hub.Join(joinCtx, w.session.Name())
	if err != nil {
		w.logger.Warn("Join failed: %v", err)
		return
	}
	w.logger.Info("%s", reply)
}

// supervise respawns the session whenever it disappears. It blocks until
// ctx is cancelled.
func (w *Wrapper) supervise(ctx context.Context) {
	ticker := time.NewTicker(w.superviseTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.session.Alive() {
			continue
		}
		w.setState(StateRestarting)
		w.stab.Log(tagSession, "session %s is gone, respawning", w.session.Name())
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.respawnDelay):
		}
		if err := w.session.Spawn(ctx); err != nil {
			w.logger.Error("Respawn failed: %v", err)
			continue
		}
		w.join(ctx)
		w.setState(StateRunning)
	}
}

// report runs one best-effort hub call with a short deadline. Failures are
// logged at debug level only; every reporter retries on its own cadence.
func (w *Wrapper) report(ctx context.Context, call func(context.Context) error) {
	rctx, cancel := context.WithTimeout(ctx, hubCallTimeout)
	defer cancel()
	if err := call(rctx); err != nil && ctx.Err() == nil {
		w.logger.Debug("Hub report failed: %v", err)
	}
}

func (w *Wrapper) recordInject() {
	w.mu.Lock()
	w.lastInject = time.Now()
	w.mu.Unlock()
}

func (w *Wrapper) defaultHTTPProbe(ctx context.Context) error {
	target := fmt.Sprintf("http://%s/healthz",
		net.JoinHostPort(w.cfg.Server.Host, strconv.Itoa(w.cfg.MCP.HTTPPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // Probe body is discarded
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

// defaultSSEProbe opens the SSE endpoint and closes it as soon as the
// headers prove a live stream. The transport is the one agents actually
// pin, so probing it catches failures /healthz cannot.
func (w *Wrapper) defaultSSEProbe(ctx context.Context) error {
	target := fmt.Sprintf("http://%s/sse?token=%s",
		net.JoinHostPort(w.cfg.Server.Host, strconv.Itoa(w.cfg.MCP.SSEPort)),
		neturl.QueryEscape(w.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // Probe body is discarded
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("sse returned content type %q", ct)
	}
	return nil
}
