// Package config provides configuration loading, validation, and defaults
// for the hub and the per-agent wrappers. Configuration lives in a single
// TOML file; a few settings may be overridden from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Default ports and thresholds.
const (
	DefaultServerPort    = 8300
	DefaultHTTPPort      = 8200
	DefaultSSEPort       = 8201
	DefaultHTTPThreshold = 10
	DefaultSSEThreshold  = 5
	DefaultProbeSeconds  = 30
	DefaultMaxAgentHops  = 4
	DefaultTaskTimeout   = 15 // minutes
	DefaultDataDir       = "data"
	DefaultHost          = "127.0.0.1"
	DefaultSchedule      = "@hourly"
	DefaultScanTimeoutMs = 800
)

// Routing modes.
const (
	RouteNone = "none"
	RouteAll  = "all"
)

// ServerStartedFile is the data-dir file holding the hub's boot time in
// RFC 3339. Wrappers poll it to notice hub restarts.
const ServerStartedFile = "server_started_at"

var (
	agentNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,19}$`)
	colorRegex     = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// Server holds the chat hub's bind settings.
type Server struct {
	Port    int    `toml:"port"`
	Host    string `toml:"host"`
	DataDir string `toml:"data_dir"`
}

// MCP holds the tool-endpoint ports and the wrapper's kill thresholds.
type MCP struct {
	HTTPPort          int `toml:"http_port"`
	SSEPort           int `toml:"sse_port"`
	HTTPKillThreshold int `toml:"http_kill_threshold"`
	SSEKillThreshold  int `toml:"sse_kill_threshold"`
	ProbeSeconds      int `toml:"probe_interval_seconds"`
}

// Routing controls default message routing and the loop guard.
type Routing struct {
	Default      string `toml:"default"`
	MaxAgentHops int    `toml:"max_agent_hops"`
}

// Agent is one configured external CLI agent.
type Agent struct {
	Command         string `toml:"command"`
	Cwd             string `toml:"cwd"`
	Color           string `toml:"color"`
	Label           string `toml:"label"`
	ResumeFlag      string `toml:"resume_flag"`
	MCPConfig       string `toml:"mcp_config"`
	MCPConfigFormat string `toml:"mcp_config_format"`
}

// Monitor holds wrapper watchdog settings.
type Monitor struct {
	AgentTaskTimeoutMinutes int `toml:"agent_task_timeout_minutes"`
}

// Cleanup controls the stale-session reaper.
type Cleanup struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// Scanner controls secret redaction of chat text before it is stored.
// Enabled is a pointer so an absent key means on, not off.
type Scanner struct {
	Enabled   *bool `toml:"enabled"`
	TimeoutMs int   `toml:"timeout_ms"`
}

// Config is the root configuration for the hub and wrappers.
type Config struct {
	Server  Server           `toml:"server"`
	MCP     MCP              `toml:"mcp"`
	Routing Routing          `toml:"routing"`
	Agents  map[string]Agent `toml:"agents"`
	Monitor Monitor          `toml:"monitor"`
	Cleanup Cleanup          `toml:"cleanup"`
	Scanner Scanner          `toml:"scanner"`
}

// Load reads and validates the configuration file. A missing file yields a
// config with defaults and no agents, so the hub can start before agents
// are defined.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = DefaultDataDir
	}
	if cfg.MCP.HTTPPort == 0 {
		cfg.MCP.HTTPPort = DefaultHTTPPort
	}
	if cfg.MCP.SSEPort == 0 {
		cfg.MCP.SSEPort = DefaultSSEPort
	}
	if cfg.MCP.HTTPKillThreshold == 0 {
		cfg.MCP.HTTPKillThreshold = DefaultHTTPThreshold
	}
	if cfg.MCP.SSEKillThreshold == 0 {
		cfg.MCP.SSEKillThreshold = DefaultSSEThreshold
	}
	if cfg.MCP.ProbeSeconds == 0 {
		cfg.MCP.ProbeSeconds = DefaultProbeSeconds
	}
	if cfg.Routing.Default == "" {
		cfg.Routing.Default = RouteNone
	}
	if cfg.Routing.MaxAgentHops == 0 {
		cfg.Routing.MaxAgentHops = DefaultMaxAgentHops
	}
	if cfg.Monitor.AgentTaskTimeoutMinutes == 0 {
		cfg.Monitor.AgentTaskTimeoutMinutes = DefaultTaskTimeout
	}
	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = DefaultSchedule
	}
	if cfg.Scanner.Enabled == nil {
		on := true
		cfg.Scanner.Enabled = &on
	}
	if cfg.Scanner.TimeoutMs == 0 {
		cfg.Scanner.TimeoutMs = DefaultScanTimeoutMs
	}
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]Agent)
	}

	for name := range cfg.Agents {
		agent := cfg.Agents[name]
		if agent.Cwd == "" {
			agent.Cwd = "."
		}
		if agent.Label == "" {
			agent.Label = name
		}
		if agent.MCPConfigFormat == "" {
			agent.MCPConfigFormat = "json"
		}
		cfg.Agents[name] = agent
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.MCP.HTTPPort < 1 || cfg.MCP.HTTPPort > 65535 {
		return fmt.Errorf("mcp.http_port out of range: %d", cfg.MCP.HTTPPort)
	}
	if cfg.MCP.SSEPort < 1 || cfg.MCP.SSEPort > 65535 {
		return fmt.Errorf("mcp.sse_port out of range: %d", cfg.MCP.SSEPort)
	}
	if cfg.MCP.HTTPKillThreshold < 1 {
		return fmt.Errorf("mcp.http_kill_threshold must be positive")
	}
	if cfg.MCP.SSEKillThreshold < 1 {
		return fmt.Errorf("mcp.sse_kill_threshold must be positive")
	}
	if cfg.Routing.Default != RouteNone && cfg.Routing.Default != RouteAll {
		return fmt.Errorf("routing.default must be %q or %q, got %q", RouteNone, RouteAll, cfg.Routing.Default)
	}
	if cfg.Routing.MaxAgentHops < 0 {
		return fmt.Errorf("routing.max_agent_hops cannot be negative")
	}
	if cfg.Scanner.TimeoutMs < 0 {
		return fmt.Errorf("scanner.timeout_ms cannot be negative")
	}

	for name := range cfg.Agents {
		agent := cfg.Agents[name]
		if !agentNameRegex.MatchString(name) {
			return fmt.Errorf("agent name %q is invalid (lowercase letters, digits, - and _, max 20 chars)", name)
		}
		if agent.Command == "" {
			return fmt.Errorf("agent %s: command is required", name)
		}
		if agent.Color != "" && !colorRegex.MatchString(agent.Color) {
			return fmt.Errorf("agent %s: color must be #rrggbb, got %q", name, agent.Color)
		}
		if agent.MCPConfigFormat != "json" && agent.MCPConfigFormat != "yaml" {
			return fmt.Errorf("agent %s: mcp_config_format must be json or yaml, got %q", name, agent.MCPConfigFormat)
		}
	}
	return nil
}

// AgentNames returns configured agent names in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataPath joins the data directory with the given file name.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Server.DataDir, name)
}

// ScannerEnabled reports whether chat text passes the secret scanner
// before it is stored.
func (c *Config) ScannerEnabled() bool {
	return c.Scanner.Enabled != nil && *c.Scanner.Enabled
}

// ScanTimeout returns the per-message secret scan budget.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Scanner.TimeoutMs) * time.Millisecond
}

// IsLoopback reports whether the configured server host resolves to a
// loopback address. Binding elsewhere requires an explicit flag.
func (c *Config) IsLoopback() bool {
	host := c.Server.Host
	if host == "localhost" || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
