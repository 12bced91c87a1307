// agentchattr is the coordination hub: chat store, operator page,
// mention router, MCP bridge, and the stale-session reaper, all bound
// to loopback by default.
//
// Usage: agentchattr [-config config.toml] [-allow-network]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentchattr/pkg/auth"
	"agentchattr/pkg/cleanup"
	"agentchattr/pkg/config"
	"agentchattr/pkg/hub"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/mcp"
	"agentchattr/pkg/presence"
	"agentchattr/pkg/router"
	"agentchattr/pkg/store"
	"agentchattr/pkg/trigger"
	"agentchattr/pkg/version"
)

func main() {
	var (
		configPath   = flag.String("config", "config.toml", "Path to the configuration file")
		allowNetwork = flag.Bool("allow-network", false, "Allow binding to a non-loopback address")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentchattr %s\n", version.String())
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Infof("Received %v, shutting down", sig)
		cancel()
	}()

	os.Exit(run(ctx, *configPath, *allowNetwork))
}

// run carries the wiring and blocks until ctx is cancelled. It returns an
// exit code so defers execute before os.Exit.
func run(ctx context.Context, configPath string, allowNetwork bool) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if !cfg.IsLoopback() && !allowNetwork {
		fmt.Fprintf(os.Stderr, "Refusing to bind %s: this exposes the hub to the network.\n", cfg.Server.Host)
		fmt.Fprintf(os.Stderr, "Pass -allow-network to start anyway, or set server.host to 127.0.0.1.\n")
		return 1
	}
	if !cfg.IsLoopback() {
		logger.Warn("Binding to %s, network access enabled via -allow-network", cfg.Server.Host)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		return 1
	}

	token, err := auth.LoadToken(cfg.Server.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load session token: %v\n", err)
		return 1
	}
	guard := auth.NewGuard(token)

	archive, err := store.OpenArchive(cfg.DataPath("archive.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open archive: %v\n", err)
		return 1
	}
	defer archive.Close()

	st, err := store.Open(cfg.DataPath("chat_log"), archive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open chat store: %v\n", err)
		return 1
	}
	defer st.Close()

	systemMessage := func(channel, text string) {
		if _, err := st.Append(&store.Message{
			Sender:  "system",
			Channel: channel,
			Text:    text,
			Type:    store.TypeSystem,
		}); err != nil {
			logger.Warn("Failed to post system message: %v", err)
		}
	}

	metrics := hub.NewMetrics()

	// The tracker's hooks call into the hub server, which itself needs the
	// tracker. The hooks only fire once agents check in, well after both
	// exist, so late binding through the closure is safe.
	var hubServer *hub.Server
	tracker := presence.NewTracker(0, 0, presence.Hooks{
		OnJoin:   func(agent string) { hubServer.AgentJoined(agent) },
		OnLeave:  func(agent string) { hubServer.AgentLeft(agent) },
		OnChange: func(st presence.Status) { hubServer.PresenceChanged(st) },
	})

	queue := metrics.MeteredQueue(trigger.NewWriter(cfg.Server.DataDir))
	rt := router.New(cfg.AgentNames(), cfg.Routing.Default, cfg.Routing.MaxAgentHops, queue, router.Hooks{
		Notify: systemMessage,
		Online: tracker.Online,
	})

	hubServer = hub.NewServer(cfg, st, tracker, rt, guard, token, metrics)

	mcpServer := mcp.NewServer(cfg, st, tracker, guard, mcp.Hooks{
		Command: hubServer.HandleCommand,
		ToolCall: func(tool string) {
			metrics.MCPToolCalls.WithLabelValues(tool).Inc()
		},
		Injection: func(agent, result string) {
			metrics.Injections.WithLabelValues(agent, result).Inc()
		},
		Kill: func(agent, reason string) {
			metrics.SessionKills.WithLabelValues(agent, reason).Inc()
			systemMessage(store.DefaultChannel, fmt.Sprintf("Killed session for %s: %s", agent, reason))
		},
	})

	reaper := cleanup.New(cfg, systemMessage)
	if err := reaper.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start cleanup: %v\n", err)
		return 1
	}
	defer reaper.Stop()

	tracker.Start(ctx)

	if err := mcpServer.StartServer(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start MCP bridge: %v\n", err)
		return 1
	}
	if err := hubServer.StartServer(ctx, cfg.Server.Host, cfg.Server.Port); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start hub: %v\n", err)
		return 1
	}

	fmt.Println()
	fmt.Println("  agentchattr")
	fmt.Printf("  Web UI:   http://%s\n", hubServer.Addr())
	fmt.Printf("  MCP HTTP: http://%s/mcp  (Claude, Codex)\n", mcpServer.HTTPAddr())
	fmt.Printf("  MCP SSE:  http://%s/sse  (Gemini)\n", mcpServer.SSEAddr())
	fmt.Println("  Agents auto-trigger on @mention")
	fmt.Printf("\n  Session token: %s\n\n", token)

	<-ctx.Done()
	hubServer.Wait()
	mcpServer.Wait()
	return 0
}
