// agentchattr-wrapper supervises one agent CLI in a terminal session:
// it acquires the per-agent lock, spawns or attaches the session, writes
// the agent's MCP client config, and runs the wake-up and health watchers
// until interrupted.
//
// Usage: agentchattr-wrapper [-config config.toml] [-takeover|-if-dead] <agent> [extra args...]
//
// Extra arguments after the agent name are passed to the agent command.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"agentchattr/pkg/auth"
	"agentchattr/pkg/config"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/mcp"
	"agentchattr/pkg/version"
	"agentchattr/pkg/wrapper"
)

func main() {
	var (
		configPath  = flag.String("config", "config.toml", "Path to the configuration file")
		takeover    = flag.Bool("takeover", false, "Steal the agent lock from a running wrapper")
		ifDead      = flag.Bool("if-dead", false, "Exit cleanly when another wrapper already supervises the agent")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentchattr-wrapper %s\n", version.String())
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <agent> [extra args...]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	opts := wrapper.Options{Takeover: *takeover, IfDead: *ifDead}
	os.Exit(run(*configPath, flag.Arg(0), flag.Args()[1:], opts))
}

func run(configPath, agent string, extra []string, opts wrapper.Options) int {
	logger := logx.NewLogger("wrapper-main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	agentCfg, ok := cfg.Agents[agent]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown agent %q. Configured agents: %s\n", agent, strings.Join(cfg.AgentNames(), ", "))
		return 1
	}

	token, err := auth.LoadToken(cfg.Server.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load session token: %v\n", err)
		return 1
	}

	command := buildCommand(agentCfg, extra)
	session, err := wrapper.NewSession(agent, command, agentCfg.Cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare session: %v\n", err)
		return 1
	}

	base := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.MCP.HTTPPort)))
	client := mcp.NewClient(base, token, agent)

	w, err := wrapper.New(cfg, agent, token, client, session, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build wrapper: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received %v, shutting down", sig)
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Wrapper failed: %v\n", err)
		return 1
	}
	return 0
}

// buildCommand assembles the agent command line: the configured command,
// any extra arguments from the invocation, and the resume flag unless the
// caller already passed one of its words.
func buildCommand(agentCfg config.Agent, extra []string) string {
	parts := append([]string{agentCfg.Command}, extra...)
	if agentCfg.ResumeFlag != "" {
		resume := strings.Fields(agentCfg.ResumeFlag)
		present := false
		for _, arg := range resume {
			for _, have := range extra {
				if have == arg {
					present = true
				}
			}
		}
		if !present {
			parts = append(parts, resume...)
		}
	}
	return strings.Join(parts, " ")
}
