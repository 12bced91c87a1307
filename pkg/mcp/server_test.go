package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchattr/pkg/auth"
	"agentchattr/pkg/config"
	"agentchattr/pkg/presence"
	"agentchattr/pkg/store"
)

type liveServer struct {
	srv     *Server
	store   *store.Store
	tracker *presence.Tracker
	base    string
	sseBase string
}

// startServer boots the bridge on ephemeral ports and tears it down with
// the test.
func startServer(t *testing.T, hooks Hooks) *liveServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.Server{Host: "127.0.0.1", DataDir: dir},
		MCP:    config.MCP{HTTPPort: 0, SSEPort: 0},
	}
	st, err := store.Open(filepath.Join(dir, "chat_log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tracker := presence.NewTracker(0, 0, presence.Hooks{})
	srv := NewServer(cfg, st, tracker, auth.NewGuard(testToken), hooks)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.StartServer(ctx))

	return &liveServer{
		srv:     srv,
		store:   st,
		tracker: tracker,
		base:    "http://" + srv.HTTPAddr(),
		sseBase: "http://" + srv.SSEAddr(),
	}
}

// rpcPost sends one authenticated JSON-RPC request body.
func rpcPost(t *testing.T, url, session, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Token", testToken)
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *JSONRPCError   `json:"error"`
}

func decodeRPC(t *testing.T, resp *http.Response) rpcEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env rpcEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

type toolReply struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func decodeToolReply(t *testing.T, raw json.RawMessage) toolReply {
	t.Helper()
	var tr toolReply
	require.NoError(t, json.Unmarshal(raw, &tr))
	return tr
}

// initializeSession performs the handshake and returns the minted id.
func initializeSession(t *testing.T, base string) string {
	t.Helper()
	resp := rpcPost(t, base+"/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, sid, "initialize must mint a session id")
	env := decodeRPC(t, resp)
	require.Nil(t, env.Error)
	return sid
}

func TestInitializeMintsSession(t *testing.T) {
	ls := startServer(t, Hooks{})

	resp := rpcPost(t, ls.base+"/mcp", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, sid)

	env := decodeRPC(t, resp)
	require.Nil(t, env.Error)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Instructions string `json:"instructions"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, "agentchattr", result.ServerInfo.Name)
	assert.Equal(t, serverVersion, result.ServerInfo.Version)
	assert.NotEmpty(t, result.Instructions)

	// Two handshakes, two sessions.
	other := initializeSession(t, ls.base)
	assert.NotEqual(t, sid, other)
}

func TestRejectsBadToken(t *testing.T) {
	ls := startServer(t, Hooks{})

	resp, err := http.Post(ls.base+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Health stays public on both ports so wrappers can probe without the
	// token racing them.
	for _, base := range []string{ls.base, ls.sseBase} {
		hr, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, hr.StatusCode)
		hr.Body.Close()
	}
}

func TestRequestsRequireSession(t *testing.T) {
	ls := startServer(t, Hooks{})

	resp := rpcPost(t, ls.base+"/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = rpcPost(t, ls.base+"/mcp", "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "stale ids must 404 so clients re-initialize")
}

func TestNotificationsAccepted(t *testing.T) {
	ls := startServer(t, Hooks{})
	sid := initializeSession(t, ls.base)

	resp := rpcPost(t, ls.base+"/mcp", sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Unknown notifications are swallowed, not errors.
	resp = rpcPost(t, ls.base+"/mcp", sid, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

func TestToolsListOverHTTP(t *testing.T) {
	ls := startServer(t, Hooks{})
	sid := initializeSession(t, ls.base)

	resp := rpcPost(t, ls.base+"/mcp", sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeRPC(t, resp)
	require.Nil(t, env.Error)

	var listing struct {
		Tools []ToolDef `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &listing))
	var names []string
	for _, td := range listing.Tools {
		names = append(names, td.Name)
		assert.Equal(t, "object", td.InputSchema.Type)
	}
	assert.Equal(t, []string{
		"chat_send", "chat_read", "chat_resync", "chat_join",
		"chat_who", "chat_decision", "chat_channels", "chat_set_hat",
	}, names)
}

func TestToolsCallOverHTTP(t *testing.T) {
	var mu sync.Mutex
	var called []string
	ls := startServer(t, Hooks{
		ToolCall: func(tool string) {
			mu.Lock()
			called = append(called, tool)
			mu.Unlock()
		},
	})
	sid := initializeSession(t, ls.base)

	resp := rpcPost(t, ls.base+"/mcp", sid,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"chat_send","arguments":{"sender":"claude","text":"hello"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeRPC(t, resp)
	require.Nil(t, env.Error)
	tr := decodeToolReply(t, env.Result)
	require.Len(t, tr.Content, 1)
	assert.Equal(t, "text", tr.Content[0].Type)
	assert.Equal(t, "Sent (id=0)", tr.Content[0].Text)
	assert.False(t, tr.IsError)

	// Tool failures are results with isError, never JSON-RPC errors.
	resp = rpcPost(t, ls.base+"/mcp", sid,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"chat_send","arguments":{"text":"anonymous"}}}`)
	env = decodeRPC(t, resp)
	require.Nil(t, env.Error)
	tr = decodeToolReply(t, env.Result)
	require.Len(t, tr.Content, 1)
	assert.Equal(t, "Error: sender is required.", tr.Content[0].Text)
	assert.True(t, tr.IsError)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chat_send", "chat_send"}, called)
}

func TestUnknownMethodAndTool(t *testing.T) {
	ls := startServer(t, Hooks{})
	sid := initializeSession(t, ls.base)

	resp := rpcPost(t, ls.base+"/mcp", sid, `{"jsonrpc":"2.0","id":5,"method":"resources/list"}`)
	env := decodeRPC(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, -32601, env.Error.Code)
	assert.Equal(t, "Method not found", env.Error.Message)

	resp = rpcPost(t, ls.base+"/mcp", sid,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"chat_bogus","arguments":{}}}`)
	env = decodeRPC(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, -32602, env.Error.Code)
	assert.Equal(t, "Tool not found", env.Error.Message)
}

func TestParseError(t *testing.T) {
	ls := startServer(t, Hooks{})

	resp := rpcPost(t, ls.base+"/mcp", "", `{this is not json`)
	env := decodeRPC(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, -32700, env.Error.Code)
	assert.Equal(t, "Parse error", env.Error.Message)
}

func TestDeleteEndsSession(t *testing.T) {
	ls := startServer(t, Hooks{})
	sid := initializeSession(t, ls.base)

	del := func(session string) int {
		req, err := http.NewRequest(http.MethodDelete, ls.base+"/mcp", nil)
		require.NoError(t, err)
		req.Header.Set("X-Session-Token", testToken)
		req.Header.Set(sessionHeader, session)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, del(sid))
	assert.Equal(t, http.StatusNotFound, del(sid), "a session ends once")

	resp := rpcPost(t, ls.base+"/mcp", sid, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStabilityNotificationsFireHooks(t *testing.T) {
	var mu sync.Mutex
	var events []string
	ls := startServer(t, Hooks{
		Injection: func(agent, result string) {
			mu.Lock()
			events = append(events, "injection/"+agent+"/"+result)
			mu.Unlock()
		},
		Kill: func(agent, reason string) {
			mu.Lock()
			events = append(events, "kill/"+agent+"/"+reason)
			mu.Unlock()
		},
	})
	sid := initializeSession(t, ls.base)

	resp := rpcPost(t, ls.base+"/mcp", sid,
		`{"jsonrpc":"2.0","method":"notifications/stability","params":{"agent":"claude","event":"injection","result":"ok"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = rpcPost(t, ls.base+"/mcp", sid,
		`{"jsonrpc":"2.0","method":"notifications/stability","params":{"agent":"claude","event":"kill","reason":"health probes failing"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"injection/claude/ok", "kill/claude/health probes failing"}, events)
}

func TestLeavingNotificationMarksOffline(t *testing.T) {
	ls := startServer(t, Hooks{})
	ls.tracker.Touch("claude")
	sid := initializeSession(t, ls.base)

	resp := rpcPost(t, ls.base+"/mcp", sid,
		`{"jsonrpc":"2.0","method":"notifications/leaving","params":{"agent":"claude"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	snap := ls.tracker.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Online)
}

// readSSEEvent parses one event off the wire, skipping comments and ids.
func readSSEEvent(r *bufio.Reader) (event, data string, err error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" || data != "" {
				return event, data, nil
			}
		}
	}
}

func TestSSETransportRoundTrip(t *testing.T) {
	ls := startServer(t, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ls.sseBase+"/sse?token="+testToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)

	// The handshake: the server announces where to POST.
	event, data, err := readSSEEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "endpoint", event)
	require.True(t, strings.HasPrefix(data, "/messages?session_id="), data)
	sid := strings.TrimPrefix(data, "/messages?session_id=")
	require.NotEmpty(t, sid)

	post := rpcPost(t, ls.sseBase+"/messages?session_id="+sid, "",
		`{"jsonrpc":"2.0","id":7,"method":"tools/list","params":{}}`)
	assert.Equal(t, http.StatusAccepted, post.StatusCode)
	post.Body.Close()

	event, data, err = readSSEEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "message", event)
	var env rpcEnvelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	require.Nil(t, env.Error)
	var listing struct {
		Tools []ToolDef `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &listing))
	assert.Len(t, listing.Tools, 8)

	// Some clients never echo the session id back. With a single live
	// stream the POST still routes.
	post = rpcPost(t, ls.sseBase+"/messages", "",
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"chat_join","arguments":{"sender":"claude"}}}`)
	assert.Equal(t, http.StatusAccepted, post.StatusCode)
	post.Body.Close()

	event, data, err = readSSEEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "message", event)
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	require.Nil(t, env.Error)
	tr := decodeToolReply(t, env.Result)
	require.Len(t, tr.Content, 1)
	assert.True(t, strings.HasPrefix(tr.Content[0].Text, "Joined."), tr.Content[0].Text)
}

func TestMessagesEndpointValidation(t *testing.T) {
	ls := startServer(t, Hooks{})

	// No live stream to fall back to.
	post := rpcPost(t, ls.sseBase+"/messages", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, post.StatusCode)
	post.Body.Close()

	post = rpcPost(t, ls.sseBase+"/messages?session_id=bogus", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, post.StatusCode)
	post.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	ls := startServer(t, Hooks{})

	req, err := http.NewRequest(http.MethodGet, ls.base+"/mcp?token="+testToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	post := rpcPost(t, ls.sseBase+"/sse", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
	post.Body.Close()
}
