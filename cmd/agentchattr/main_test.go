package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchattr/pkg/config"
	"agentchattr/pkg/mcp"
	"agentchattr/pkg/trigger"
)

// freePorts grabs n distinct ephemeral ports. All listeners stay open
// until every port is allocated so the OS cannot hand one out twice;
// the window between Close and the rebind is small enough for tests.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		require.NoError(t, ln.Close())
	}
	return ports
}

func writeTestConfig(t *testing.T, dir string) (cfgPath string, hubPort, httpPort int) {
	t.Helper()
	ports := freePorts(t, 3)
	hubPort, httpPort, ssePort := ports[0], ports[1], ports[2]
	cfgPath = filepath.Join(dir, "config.toml")
	cfg := fmt.Sprintf(`
[server]
port = %d
host = "127.0.0.1"
data_dir = %q

[mcp]
http_port = %d
sse_port = %d

[routing]
default = "none"

[agents.claude]
command = "claude"

[agents.codex]
command = "codex"
`, hubPort, filepath.Join(dir, "data"), httpPort, ssePort)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, hubPort, httpPort
}

func waitHealthy(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond, "server never became healthy at %s", url)
}

// TestRunEndToEnd boots the fully wired hub, posts a mention through the
// MCP bridge, and verifies the trigger lands on the right agent's queue
// before shutting down gracefully.
func TestRunEndToEnd(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath, hubPort, httpPort := writeTestConfig(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	ctx, cancel := context.WithCancel(context.Background())
	exitCh := make(chan int, 1)
	go func() { exitCh <- run(ctx, cfgPath, false) }()

	waitHealthy(t, fmt.Sprintf("http://127.0.0.1:%d/healthz", hubPort))
	waitHealthy(t, fmt.Sprintf("http://127.0.0.1:%d/healthz", httpPort))

	// The boot stamp the wrapper restart watcher polls.
	stamp, err := os.ReadFile(filepath.Join(dataDir, config.ServerStartedFile))
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(string(stamp)))

	token, err := os.ReadFile(filepath.Join(dataDir, "session_token"))
	require.NoError(t, err)

	// Speak to the hub the way a wrapper does.
	client := mcp.NewClient(fmt.Sprintf("http://127.0.0.1:%d", httpPort), strings.TrimSpace(string(token)), "user")
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	require.NoError(t, client.Send(callCtx, "general", "@claude ping"))

	queuePath := trigger.QueuePath(dataDir, "claude")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(queuePath)
		return err == nil && strings.Contains(string(b), `"channel":"general"`)
	}, 5*time.Second, 20*time.Millisecond, "trigger never reached claude's queue")

	var entry trigger.Entry
	b, err := os.ReadFile(queuePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(strings.TrimSpace(string(b)), "\n", 2)[0]), &entry))
	assert.Equal(t, "claude", entry.Agent)
	assert.Equal(t, "general", entry.Channel)

	// The unmentioned agent stays asleep.
	_, err = os.Stat(trigger.QueuePath(dataDir, "codex"))
	assert.True(t, os.IsNotExist(err))

	cancel()
	select {
	case code := <-exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not exit after cancellation")
	}

	// Both listeners are gone after shutdown.
	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", hubPort))
	assert.Error(t, err)
}

func TestRunRefusesNonLoopbackWithoutFlag(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.toml")
	cfg := fmt.Sprintf(`
[server]
host = "0.0.0.0"
data_dir = %q
`, filepath.Join(tmpDir, "data"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Equal(t, 1, run(ctx, cfgPath, false))
}

func TestRunRejectsBrokenConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[agents.claude]\ncolor = \"red\"\ncommand = \"claude\"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Equal(t, 1, run(ctx, cfgPath, false))
}
