// Package mcp exposes the chat tool surface to agent CLIs over the Model
// Context Protocol. One JSON-RPC 2.0 dispatcher serves two transports: a
// streamable HTTP endpoint with Mcp-Session-Id sessions and an SSE endpoint
// for clients that still speak the older HTTP+SSE flavor. Eight fixed tools
// cover sending, cursor-gated reading, presence, decisions, channels, and
// hats; every call refreshes its sender's presence.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"agentchattr/pkg/auth"
	"agentchattr/pkg/chat"
	"agentchattr/pkg/config"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/presence"
	"agentchattr/pkg/store"
)

const protocolVersion = "2024-11-05"

const serverVersion = "1.0.0"

// sessionHeader carries the streamable HTTP session id.
const sessionHeader = "Mcp-Session-Id"

// maxBodyBytes bounds a single JSON-RPC request body.
const maxBodyBytes = 1 << 20

// sessionIdleTimeout is how long an untouched session survives. Sessions
// normally end with a DELETE or an SSE disconnect; this catches the rest.
const sessionIdleTimeout = time.Hour

// serverInstructions is shown to agents by MCP clients that surface the
// server's self-description.
const serverInstructions = "agentchattr is the shared chat connecting the AI agents and the " +
	"human operator on this machine. Use chat_send to post, chat_read to catch up, and " +
	"chat_join once when your session starts. Always use your own name as sender; " +
	"never impersonate other agents or humans."

// Hooks connect the tool surface to the rest of the hub without an import
// cycle. All fields are optional.
type Hooks struct {
	// Command runs slash commands arriving via chat_send and reports
	// whether the command was recognized. Unrecognized text is stored as a
	// regular message.
	Command func(sender, channel, text string) bool
	// ToolCall observes every dispatched tools/call by tool name.
	ToolCall func(tool string)
	// Injection records a wrapper's injection outcome report.
	Injection func(agent, result string)
	// Kill records a wrapper-initiated session kill.
	Kill func(agent, reason string)
}

type session struct {
	transport string
	lastSeen  time.Time
}

// Server is the MCP bridge: tool dispatch plus the two listeners.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	presence *presence.Tracker
	guard    *auth.Guard
	hooks    Hooks
	cursors  *cursorFile
	scanner  chat.Scanner

	uploadDir string
	logger    *logx.Logger

	mu       sync.Mutex
	sessions map[string]*session

	events  *sse.Server
	httpSrv *http.Server
	sseSrv  *http.Server
	httpLn  net.Listener
	sseLn   net.Listener
	done    chan struct{}
}

// NewServer wires the bridge to the store and presence tracker. Cursors
// load from data/cursors.json and follow channel renames and deletions.
func NewServer(cfg *config.Config, st *store.Store, tracker *presence.Tracker, guard *auth.Guard, hooks Hooks) *Server {
	events := sse.New()
	// Responses are one-shot; nothing should replay on reconnect.
	events.AutoReplay = false

	s := &Server{
		cfg:       cfg,
		store:     st,
		presence:  tracker,
		guard:     guard,
		hooks:     hooks,
		cursors:   newCursorFile(cfg.DataPath(CursorsFile)),
		uploadDir: cfg.DataPath("uploads"),
		logger:    logx.NewLogger("mcp"),
		sessions:  make(map[string]*session),
		events:    events,
		done:      make(chan struct{}),
	}
	if cfg.ScannerEnabled() {
		s.scanner = chat.NewPatternScanner(cfg.ScanTimeout())
	}

	// The HTTP+SSE handshake: every new subscriber is told where to POST.
	events.OnSubscribe = func(streamID string, _ *sse.Subscriber) {
		events.Publish(streamID, &sse.Event{
			Event: []byte("endpoint"),
			Data:  []byte("/messages?session_id=" + streamID),
		})
	}

	// Renames move read positions along; deletions drop them.
	st.Subscribe(store.EventRenamed, func(ev store.Event) {
		s.cursors.Rename(ev.OldName, ev.NewName)
	})
	st.Subscribe(store.EventChannels, func(ev store.Event) {
		s.cursors.Prune(ev.Channels)
	})
	return s
}

// StartServer binds both transports and serves until ctx is cancelled.
func (s *Server) StartServer(ctx context.Context) error {
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/mcp", s.guard.Middleware(s.handleMCP))
	httpMux.HandleFunc("/healthz", s.handleHealthz)

	sseMux := http.NewServeMux()
	sseMux.HandleFunc("/sse", s.guard.Middleware(s.handleSSE))
	sseMux.HandleFunc("/messages", s.guard.Middleware(s.handleMessages))
	sseMux.HandleFunc("/healthz", s.handleHealthz)

	host := s.cfg.Server.Host
	httpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.cfg.MCP.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to bind MCP HTTP port: %w", err)
	}
	sseLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.cfg.MCP.SSEPort))
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("failed to bind MCP SSE port: %w", err)
	}
	s.httpLn, s.sseLn = httpLn, sseLn
	s.httpSrv = &http.Server{Handler: httpMux}
	s.sseSrv = &http.Server{Handler: sseMux}

	s.logger.Info("MCP streamable endpoint on http://%s/mcp", httpLn.Addr())
	s.logger.Info("MCP SSE endpoint on http://%s/sse", sseLn.Addr())

	serve := func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server error: %v", err)
		}
	}
	go serve(s.httpSrv, httpLn)
	go serve(s.sseSrv, sseLn)

	go func() {
		defer close(s.done)
		<-ctx.Done()
		s.logger.Info("Shutting down MCP bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Close() ends the open event streams so Shutdown can finish.
		s.events.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("MCP HTTP shutdown failed: %v", err)
		}
		if err := s.sseSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("MCP SSE shutdown failed: %v", err)
		}
	}()
	return nil
}

// Wait blocks until the shutdown triggered by StartServer's context has
// finished. It must not be called before StartServer.
func (s *Server) Wait() {
	<-s.done
}

// HTTPAddr returns the streamable transport's bound address.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// SSEAddr returns the SSE transport's bound address.
func (s *Server) SSEAddr() string {
	if s.sseLn == nil {
		return ""
	}
	return s.sseLn.Addr().String()
}

// handleMCP is the streamable HTTP transport: one JSON-RPC request per
// POST. initialize mints a session id; everything else must present one.
// DELETE ends the session.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		if sid := r.Header.Get(sessionHeader); sid != "" && s.dropSession(sid) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, errorResponse(nil, -32700, "Parse error", err.Error()))
		return
	}

	if req.Method == "initialize" {
		sid := s.newSession("http")
		s.logger.Debug("HTTP session %s initialized", sid)
		w.Header().Set(sessionHeader, sid)
		s.writeResponse(w, s.handleRequest(&req))
		return
	}

	sid := r.Header.Get(sessionHeader)
	if sid == "" || !s.touchSession(sid) {
		// Stale ids are expected after a hub restart; 404 tells clients to
		// re-initialize.
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or expired session"})
		return
	}

	resp := s.handleRequest(&req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeResponse(w, resp)
}

// handleRequest dispatches one JSON-RPC request. A nil response means the
// request was a notification.
func (s *Server) handleRequest(req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "agentchattr",
				"version": serverVersion,
			},
			"instructions": serverInstructions,
		})
	case "notifications/initialized":
		return nil
	case "notifications/stability":
		s.handleStability(req.Params)
		return nil
	case "notifications/leaving":
		s.handleLeaving(req.Params)
		return nil
	case "tools/list":
		return resultResponse(req.ID, map[string]any{"tools": toolDefs()})
	case "tools/call":
		return s.handleToolsCall(req)
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return nil
		}
		return errorResponse(req.ID, -32601, "Method not found", req.Method)
	}
}

// handleToolsCall executes a tool and wraps its reply. Tool failures come
// back as isError results so the agent sees the message.
func (s *Server) handleToolsCall(req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	handler, ok := s.toolHandler(params.Name)
	if !ok {
		s.logger.Warn("Tool not found: %s", params.Name)
		return errorResponse(req.ID, -32602, "Tool not found", params.Name)
	}
	if s.hooks.ToolCall != nil {
		s.hooks.ToolCall(params.Name)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	text, isError := handler(params.Arguments)
	if isError {
		s.logger.Warn("Tool %s failed: %s", params.Name, text)
	} else {
		s.logger.Debug("Tool %s: %s", params.Name, preview(text))
	}
	return resultResponse(req.ID, toolResult(text, isError))
}

// stabilityParams is a wrapper's self-report of a supervision event.
type stabilityParams struct {
	Agent  string `json:"agent"`
	Event  string `json:"event"`
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleStability(params json.RawMessage) {
	var p stabilityParams
	if err := json.Unmarshal(params, &p); err != nil || p.Agent == "" {
		return
	}
	switch p.Event {
	case "injection":
		if s.hooks.Injection != nil {
			s.hooks.Injection(p.Agent, p.Result)
		}
	case "kill":
		s.logger.Warn("Wrapper killed the session for %s: %s", p.Agent, p.Reason)
		if s.hooks.Kill != nil {
			s.hooks.Kill(p.Agent, p.Reason)
		}
	}
}

func (s *Server) handleLeaving(params json.RawMessage) {
	var p struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Agent == "" {
		return
	}
	s.presence.MarkOffline(p.Agent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// newSession registers a fresh session and returns its id.
func (s *Server) newSession(transport string) string {
	sid := uuid.NewString()
	s.addSession(sid, transport)
	return sid
}

func (s *Server) addSession(sid, transport string) {
	s.mu.Lock()
	s.sessions[sid] = &session{transport: transport, lastSeen: time.Now()}
	s.pruneSessionsLocked()
	s.mu.Unlock()
}

// touchSession refreshes a session and reports whether it exists.
func (s *Server) touchSession(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		return false
	}
	sess.lastSeen = time.Now()
	return true
}

func (s *Server) dropSession(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sid]
	delete(s.sessions, sid)
	return ok
}

// liveSSESessions lists the ids of currently open event streams.
func (s *Server) liveSSESessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sid, sess := range s.sessions {
		if sess.transport == "sse" {
			out = append(out, sid)
		}
	}
	return out
}

func (s *Server) pruneSessionsLocked() {
	cutoff := time.Now().Add(-sessionIdleTimeout)
	for sid, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, sid)
			if sess.transport == "sse" && s.events.StreamExists(sid) {
				s.events.RemoveStream(sid)
			}
		}
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("Failed to write response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// preview truncates tool output for debug logs.
func preview(text string) string {
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}
