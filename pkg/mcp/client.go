package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentchattr/pkg/auth"
	"agentchattr/pkg/logx"
)

// errStaleSession marks a 404 from the hub: the session id predates the
// current hub process.
var errStaleSession = errors.New("stale MCP session")

// Client is the wrapper's JSON-RPC client for the streamable HTTP
// transport. It initializes lazily, carries the session id across calls,
// and re-initializes once when the hub reports the session stale, which is
// the normal aftermath of a hub restart.
type Client struct {
	base   string
	token  string
	agent  string
	http   *http.Client
	logger *logx.Logger

	mu      sync.Mutex
	session string
	nextID  int64
}

// rpcReply mirrors JSONRPCResponse with the result left raw for typed
// decoding by the caller.
type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewClient returns a client for the MCP HTTP endpoint, e.g.
// http://127.0.0.1:8200. Convenience calls use agent as the sender.
func NewClient(base, token, agent string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		agent:  agent,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logx.NewLogger("mcp-client"),
	}
}

// Initialize opens a session. Calling it is optional; every other method
// initializes lazily.
func (c *Client) Initialize(ctx context.Context) error {
	req := c.newRequest("initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agentchattr-wrapper",
			"version": serverVersion,
		},
	})
	resp, err := c.post(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return auth.ErrBadToken
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("initialize returned status %d", resp.StatusCode)
	}
	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		return fmt.Errorf("initialize response carried no session id")
	}
	var reply rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("failed to decode initialize response: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("initialize failed: %s", reply.Error.Message)
	}

	c.mu.Lock()
	c.session = sid
	c.mu.Unlock()

	// Protocol courtesy; the hub does not depend on it.
	if _, err := c.roundTrip(ctx, &JSONRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		c.logger.Debug("initialized notification failed: %v", err)
	}
	return nil
}

// CallTool invokes one tool and unwraps the text content. isError reports
// a tool-level failure whose explanation is in the returned text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", false, err
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("failed to decode tool result: %w", err)
	}
	var b strings.Builder
	for _, chunk := range result.Content {
		if chunk.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), result.IsError, nil
}

// Join announces the agent, optionally registering its terminal session
// name. The reply lists who is online and which channels exist.
func (c *Client) Join(ctx context.Context, session string) (string, error) {
	args := map[string]any{"sender": c.agent}
	if session != "" {
		args["session"] = session
	}
	text, _, err := c.CallTool(ctx, "chat_join", args)
	return text, err
}

// Heartbeat refreshes the agent's presence.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, _, err := c.CallTool(ctx, "chat_who", map[string]any{"sender": c.agent})
	return err
}

// SetBusy self-reports the activity flag.
func (c *Client) SetBusy(ctx context.Context, busy bool) error {
	_, _, err := c.CallTool(ctx, "chat_who", map[string]any{"sender": c.agent, "busy": busy})
	return err
}

// Send posts a chat message as the agent. An empty channel means general.
func (c *Client) Send(ctx context.Context, channel, text string) error {
	args := map[string]any{"sender": c.agent, "text": text}
	if channel != "" {
		args["channel"] = channel
	}
	reply, isError, err := c.CallTool(ctx, "chat_send", args)
	if err != nil {
		return err
	}
	if isError {
		return fmt.Errorf("chat_send rejected: %s", reply)
	}
	return nil
}

// ReportInjection tells the hub how an injection attempt went.
func (c *Client) ReportInjection(ctx context.Context, result string) error {
	return c.notifyStability(ctx, "injection", result, "")
}

// ReportKill tells the hub the wrapper killed its session and why.
func (c *Client) ReportKill(ctx context.Context, reason string) error {
	return c.notifyStability(ctx, "kill", "", reason)
}

func (c *Client) notifyStability(ctx context.Context, event, result, reason string) error {
	_, err := c.call(ctx, "notifications/stability", stabilityParams{
		Agent:  c.agent,
		Event:  event,
		Result: result,
		Reason: reason,
	})
	return err
}

// Leave marks the agent offline and ends the session. Call on graceful
// wrapper shutdown; abrupt deaths fall back to the presence timeout.
func (c *Client) Leave(ctx context.Context) error {
	if _, err := c.call(ctx, "notifications/leaving", map[string]any{"agent": c.agent}); err != nil {
		return err
	}
	return c.endSession(ctx)
}

// call sends one request or notification, retrying once through a fresh
// session when the hub rejects the current one.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		raw, err := c.roundTrip(ctx, c.newRequest(method, params))
		if err == nil {
			return raw, nil
		}
		if attempt > 0 || !errors.Is(err, errStaleSession) {
			return nil, err
		}
		c.logger.Info("MCP session stale; re-initializing")
		c.mu.Lock()
		c.session = ""
		c.mu.Unlock()
		if err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
}

// roundTrip performs one HTTP exchange and maps transport statuses.
func (c *Client) roundTrip(ctx context.Context, req *JSONRPCRequest) (json.RawMessage, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", req.Method, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, auth.ErrBadToken
	case http.StatusNotFound:
		return nil, fmt.Errorf("calling %s: %w", req.Method, errStaleSession)
	case http.StatusAccepted, http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("%s returned status %d", req.Method, resp.StatusCode)
	}

	var reply rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", req.Method, err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", req.Method, reply.Error.Message)
	}
	return reply.Result, nil
}

func (c *Client) post(ctx context.Context, req *JSONRPCRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/mcp", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Session-Token", c.token)
	c.mu.Lock()
	if c.session != "" {
		httpReq.Header.Set(sessionHeader, c.session)
	}
	c.mu.Unlock()
	return c.http.Do(httpReq)
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	have := c.session != ""
	c.mu.Unlock()
	if have {
		return nil
	}
	return c.Initialize(ctx)
}

// newRequest builds a request. Notification methods get no id, so the hub
// answers them with a bare accept.
func (c *Client) newRequest(method string, params any) *JSONRPCRequest {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	req := &JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw}
	if !strings.HasPrefix(method, "notifications/") {
		c.mu.Lock()
		c.nextID++
		req.ID = c.nextID
		c.mu.Unlock()
	}
	return req
}

// endSession releases the server-side session, best-effort.
func (c *Client) endSession(ctx context.Context) error {
	c.mu.Lock()
	sid := c.session
	c.session = ""
	c.mu.Unlock()
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/mcp", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Token", c.token)
	req.Header.Set(sessionHeader, sid)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
