// Package hub is the operator-facing chat server. It owns the WebSocket
// fan-out, the REST endpoints the embedded page calls, and the bridge
// from store events to connected clients and the mention router.
package hub

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentchattr/pkg/auth"
	"agentchattr/pkg/chat"
	"agentchattr/pkg/config"
	"agentchattr/pkg/logx"
	"agentchattr/pkg/presence"
	"agentchattr/pkg/router"
	"agentchattr/pkg/store"
	"agentchattr/pkg/utils"
	"agentchattr/pkg/wrapper"
)

//go:embed page.html
var pageHTML string

const maxUploadBytes = 10 << 20

var allowedUploadExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Server is the chat hub.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	presence *presence.Tracker
	router   *router.Router
	guard    *auth.Guard
	metrics  *Metrics
	scanner  chat.Scanner
	token    string

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*client
	slack    int // outbound queue headroom, shrunk in tests

	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
	uploadDir  string
	logger     *logx.Logger
}

// NewServer wires the hub against its collaborators and subscribes to
// store events. Call StartServer to begin listening.
func NewServer(cfg *config.Config, st *store.Store, tracker *presence.Tracker, rt *router.Router, guard *auth.Guard, token string, metrics *Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		presence:  tracker,
		router:    rt,
		guard:     guard,
		metrics:   metrics,
		token:     token,
		clients:   make(map[string]*client),
		slack:     sendSlack,
		done:      make(chan struct{}),
		uploadDir: cfg.DataPath("uploads"),
		logger:    logx.NewLogger("hub"),
	}
	if cfg.ScannerEnabled() {
		s.scanner = chat.NewPatternScanner(cfg.ScanTimeout())
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     guard.OriginOK,
	}

	st.Subscribe(store.EventMessage, s.onMessage)
	st.Subscribe(store.EventDelete, s.onDelete)
	st.Subscribe(store.EventClear, s.onClear)
	st.Subscribe(store.EventChannels, s.onChannels)
	st.Subscribe(store.EventRenamed, s.onRenamed)
	st.Subscribe(store.EventSettings, s.onSettings)
	st.Subscribe(store.EventPin, s.onPin)
	st.Subscribe(store.EventDecision, s.onDecision)
	return s
}

// RegisterRoutes attaches every hub endpoint. The index page, uploaded
// images, and the health probe stay public; the page carries the token
// that everything else requires.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/uploads/", s.handleUploads)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/state", s.guard.Middleware(s.handleState))
	mux.HandleFunc("/api/upload", s.guard.Middleware(s.handleUpload))
	mux.HandleFunc("/api/open-path", s.guard.Middleware(s.handleOpenPath))
	mux.HandleFunc("/api/open-session/", s.guard.Middleware(s.handleOpenSession))

	metricsHandler := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	mux.HandleFunc("/metrics", s.guard.Middleware(metricsHandler.ServeHTTP))
}

// StartServer binds the listener and serves until ctx is cancelled. It
// returns once the port is bound, so callers can read Addr immediately.
func (s *Server) StartServer(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}

	if err := s.writeStartedAt(); err != nil {
		s.logger.Warn("Failed to record server start time: %v", err)
	}
	s.logger.Info("Hub listening on http://%s", ln.Addr())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
		}
	}()

	// Graceful shutdown on context cancellation. The parent context is
	// already cancelled at that point, so shutdown gets a fresh one.
	go func() {
		defer close(s.done)
		<-ctx.Done()
		s.logger.Info("Shutting down hub")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Hub shutdown failed: %v", err)
		}
	}()
	return nil
}

// Wait blocks until the shutdown triggered by StartServer's context has
// finished. It must not be called before StartServer.
func (s *Server) Wait() {
	<-s.done
}

// Addr reports the bound address once StartServer has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// writeStartedAt records the boot time for wrapper restart watchers.
func (s *Server) writeStartedAt() error {
	path := s.cfg.DataPath(config.ServerStartedFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	return utils.WriteFileAtomic(path, []byte(stamp+"\n"), 0o644)
}

// closeClients drops every WebSocket so Shutdown is not left waiting on
// hijacked connections.
func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// --- store event fan-out ---

func (s *Server) onMessage(ev store.Event) {
	m := ev.Message
	s.metrics.Messages.WithLabelValues(m.Channel).Inc()
	s.broadcast(outFrame{data: messageFrame(m)})
	s.router.HandleMessage(m)
}

func (s *Server) onDelete(ev store.Event) {
	s.broadcast(outFrame{data: deleteFrame(ev.Deleted)})
}

func (s *Server) onClear(ev store.Event) {
	s.broadcast(outFrame{data: clearFrame(ev.Channel)})
}

func (s *Server) onChannels(ev store.Event) {
	s.broadcast(outFrame{data: channelsFrame(ev.Channels)})
}

func (s *Server) onRenamed(ev store.Event) {
	s.broadcast(outFrame{data: channelRenamedFrame(ev.OldName, ev.NewName)})
}

func (s *Server) onSettings(ev store.Event) {
	if v, ok := ev.Settings["max_agent_hops"]; ok {
		if n, ok := settingInt(v); ok {
			s.router.SetMaxHops(n)
		}
	}
	s.broadcast(outFrame{data: settingsFrame(ev.Settings)})
}

func (s *Server) onPin(ev store.Event) {
	s.broadcast(outFrame{data: todoUpdateFrame(ev.PinID, ev.PinStatus)})
}

func (s *Server) onDecision(ev store.Event) {
	s.broadcast(outFrame{data: decisionFrame(ev.Action, ev.Decision)})
}

func (s *Server) broadcast(f outFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.enqueue(f)
	}
}

// --- presence bridge ---

// AgentJoined posts the join notice for an agent that came online.
func (s *Server) AgentJoined(agent string) {
	_, err := s.store.Append(&store.Message{
		Sender:  agent,
		Channel: store.DefaultChannel,
		Text:    fmt.Sprintf("%s connected", agent),
		Type:    store.TypeJoin,
	})
	if err != nil {
		s.logger.Warn("Failed to record join for %s: %v", agent, err)
	}
}

// AgentLeft posts a leave notice to every channel so each transcript
// shows the disconnect.
func (s *Server) AgentLeft(agent string) {
	for _, ch := range s.store.Channels() {
		_, err := s.store.Append(&store.Message{
			Sender:  agent,
			Channel: ch,
			Text:    fmt.Sprintf("%s disconnected", agent),
			Type:    store.TypeLeave,
		})
		if err != nil {
			s.logger.Warn("Failed to record leave for %s in #%s: %v", agent, ch, err)
		}
	}
}

// PresenceChanged pushes a fresh status frame to every client.
func (s *Server) PresenceChanged(presence.Status) {
	s.broadcastStatus()
}

func (s *Server) broadcastStatus() {
	s.broadcast(outFrame{data: statusFrame(s.statusPayload()), droppable: true})
}

func (s *Server) statusPayload() statusPayload {
	return statusPayload{Agents: s.presence.Snapshot(), Paused: s.router.AnyPaused()}
}

// --- WebSocket ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	if !s.guard.TokenOK(r) {
		msg := websocket.FormatCloseMessage(auth.WSCloseBadToken, "invalid or missing session token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := s.register(conn)
	go c.writePump()
	s.logger.Info("Client %s connected (%d online)", c.id, s.clientCount())
	s.readLoop(c)
}

// register adds a client and queues its initial snapshot. The write lock
// is held across the snapshot so live broadcasts cannot interleave with
// the handshake; the queue is sized to hold the whole snapshot.
func (s *Server) register(conn *websocket.Conn) *client {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.handshakeFrames()
	c := newClient(uuid.NewString(), conn, len(frames)+s.slack)
	s.clients[c.id] = c
	s.metrics.WSClients.Inc()
	for _, f := range frames {
		c.enqueue(f)
	}
	return c
}

func (s *Server) handshakeFrames() []outFrame {
	frames := []outFrame{
		{data: settingsFrame(s.store.Settings())},
		{data: agentsFrame(s.agentInfos())},
		{data: channelsFrame(s.store.Channels())},
		{data: hatsFrame(s.presence.Hats())},
		{data: todosFrame(s.store.Pins())},
		{data: decisionsFrame(s.store.Decisions())},
	}
	for _, m := range s.history() {
		msg := m
		frames = append(frames, outFrame{data: messageFrame(&msg)})
	}
	frames = append(frames, outFrame{data: statusFrame(s.statusPayload())})
	return frames
}

// history returns the replayed transcript: every channel's recent
// messages merged in id order. The history_limit setting caps the
// per-channel depth; "all" means everything.
func (s *Server) history() []store.Message {
	limit := 1 << 30
	if v, ok := s.store.Settings()["history_limit"]; ok {
		if n, ok := settingInt(v); ok && n > 0 {
			limit = n
		}
	}
	var out []store.Message
	for _, ch := range s.store.Channels() {
		out = append(out, s.store.Recent(ch, limit)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Client %s read error: %v", c.id, err)
			}
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("Client %s sent a malformed frame: %v", c.id, err)
			continue
		}
		s.dispatch(&f)
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.kickSlow()
	if ok {
		s.metrics.WSClients.Dec()
		s.logger.Info("Client %s disconnected", c.id)
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) dispatch(f *clientFrame) {
	switch f.Type {
	case "message":
		s.handleChatFrame(f)
	case "typing":
		sender := f.Sender
		if sender == "" {
			sender = s.username()
		}
		s.broadcast(outFrame{data: typingFrame(sender, f.Active), droppable: true})
	case "delete":
		if len(f.IDs) == 0 {
			return
		}
		if _, err := s.store.Delete(f.IDs); err != nil {
			s.logger.Warn("Failed to delete messages: %v", err)
		}
	case "update_settings":
		s.applySettings(f.Data)
	case "todo_add":
		if err := s.store.SetPin(f.ID, "todo"); err != nil {
			s.logger.Warn("Failed to pin message %d: %v", f.ID, err)
		}
	case "todo_toggle":
		if _, err := s.store.TogglePin(f.ID); err != nil {
			s.logger.Warn("Failed to toggle todo %d: %v", f.ID, err)
		}
	case "todo_remove":
		if err := s.store.RemovePin(f.ID); err != nil {
			s.logger.Warn("Failed to unpin message %d: %v", f.ID, err)
		}
	case "decision_propose":
		owner := f.Owner
		if owner == "" {
			owner = s.username()
		}
		if _, err := s.store.ProposeDecision(owner, f.Decision); err != nil {
			s.logger.Warn("Failed to propose decision: %v", err)
		}
	case "decision_approve":
		if _, err := s.store.ApproveDecision(f.ID, f.Reason); err != nil {
			s.logger.Warn("Failed to approve decision %d: %v", f.ID, err)
		}
	case "decision_unapprove":
		if _, err := s.store.UnapproveDecision(f.ID); err != nil {
			s.logger.Warn("Failed to unapprove decision %d: %v", f.ID, err)
		}
	case "decision_edit":
		if _, err := s.store.EditDecision(f.ID, f.Decision); err != nil {
			s.logger.Warn("Failed to edit decision %d: %v", f.ID, err)
		}
	case "decision_delete":
		if err := s.store.DeleteDecision(f.ID); err != nil {
			s.logger.Warn("Failed to delete decision %d: %v", f.ID, err)
		}
	case "channel_create":
		if err := s.store.CreateChannel(f.Name); err != nil {
			s.logger.Warn("Failed to create channel %q: %v", f.Name, err)
		}
	case "channel_rename":
		if err := s.store.RenameChannel(f.OldName, f.NewName); err != nil {
			s.logger.Warn("Failed to rename channel %q: %v", f.OldName, err)
		}
	case "channel_delete":
		if _, err := s.store.DeleteChannel(f.Name); err != nil {
			s.logger.Warn("Failed to delete channel %q: %v", f.Name, err)
		}
	default:
		s.logger.Debug("Ignoring unknown frame type %q", f.Type)
	}
}

// handleChatFrame persists an operator message, running slash commands
// instead of storing them.
func (s *Server) handleChatFrame(f *clientFrame) {
	text := strings.TrimSpace(f.Text)
	if text == "" && len(f.Attachments) == 0 {
		return
	}
	sender := f.Sender
	if sender == "" {
		sender = s.username()
	}
	channel := f.Channel
	if channel == "" || !s.store.HasChannel(channel) {
		channel = store.DefaultChannel
	}
	if strings.HasPrefix(text, "/") && s.HandleCommand(sender, channel, text) {
		return
	}
	_, err := s.store.Append(&store.Message{
		Sender:      sender,
		Channel:     channel,
		Text:        s.scrub(text),
		Type:        store.TypeMessage,
		ReplyTo:     f.ReplyTo,
		Attachments: f.Attachments,
	})
	if err != nil {
		s.logger.Warn("Failed to append message from %s: %v", sender, err)
	}
}

// scrub runs the secret scanner over outbound text when enabled.
func (s *Server) scrub(text string) string {
	if s.scanner == nil || text == "" {
		return text
	}
	out, err := chat.Redact(context.Background(), s.scanner, text)
	if err != nil {
		s.logger.Warn("Secret scan failed: %v", err)
	}
	return out
}

// HandleCommand runs the slash commands shared by the page and chat_send.
// It reports whether the text was consumed; unknown commands pass through
// so they read as ordinary chat.
func (s *Server) HandleCommand(sender, channel, text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "/clear":
		if _, err := s.store.Clear(channel); err != nil {
			s.logger.Warn("Failed to clear #%s: %v", channel, err)
		}
		return true
	case "/continue":
		s.router.Resume(channel)
		s.systemMessage(channel, fmt.Sprintf("Routing resumed by %s.", sender))
		s.broadcastStatus()
		return true
	}
	return false
}

func (s *Server) systemMessage(channel, text string) {
	_, err := s.store.Append(&store.Message{
		Sender:  "system",
		Channel: channel,
		Text:    text,
		Type:    store.TypeSystem,
	})
	if err != nil {
		s.logger.Warn("Failed to append system message: %v", err)
	}
}

func (s *Server) username() string {
	if v, ok := s.store.Settings()["username"].(string); ok && v != "" {
		return v
	}
	return "user"
}

// applySettings narrows a raw settings patch to the known keys and sane
// values before persisting it.
func (s *Server) applySettings(raw map[string]any) {
	if len(raw) == 0 {
		return
	}
	updates := make(map[string]any)
	for k, v := range raw {
		switch k {
		case "title", "username":
			str, ok := v.(string)
			if !ok {
				continue
			}
			str = strings.TrimSpace(str)
			if str == "" || len(str) > 80 {
				continue
			}
			updates[k] = str
		case "font":
			if str, ok := v.(string); ok && (str == "mono" || str == "serif" || str == "sans") {
				updates[k] = str
			}
		case "contrast":
			if str, ok := v.(string); ok && (str == "normal" || str == "high") {
				updates[k] = str
			}
		case "max_agent_hops":
			if n, ok := settingInt(v); ok {
				if n < 1 {
					n = 1
				}
				if n > 50 {
					n = 50
				}
				updates[k] = n
			}
		case "history_limit":
			if str, ok := v.(string); ok && str == "all" {
				updates[k] = str
				continue
			}
			if n, ok := settingInt(v); ok && n >= 1 && n <= 10000 {
				updates[k] = n
			}
		}
	}
	if len(updates) == 0 {
		return
	}
	if _, err := s.store.SetSettings(updates); err != nil {
		s.logger.Warn("Failed to update settings: %v", err)
	}
}

func settingInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// --- REST handlers ---

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, strings.ReplaceAll(pageHTML, "__SESSION_TOKEN__", s.token))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":  s.history(),
		"channels":  s.store.Channels(),
		"todos":     s.store.Pins(),
		"decisions": s.store.Decisions(),
		"agents":    s.agentInfos(),
		"settings":  s.store.Settings(),
		"status":    s.statusPayload(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Slack for the multipart framing around a full-size image.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(64<<10))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or oversized upload"})
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "image exceeds 10 MiB"})
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadExt[ext] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported image type"})
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.logger.Error("Failed to create upload directory: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store upload"})
		return
	}
	stem := sanitizeStem(strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename)))
	name := fmt.Sprintf("%s_%s%s", stem, uuid.NewString()[:8], ext)
	dst := filepath.Join(s.uploadDir, name)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		s.logger.Error("Failed to create upload file: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store upload"})
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dst)
		s.logger.Error("Failed to write upload: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store upload"})
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store upload"})
		return
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	s.logger.Info("Stored upload %s (%d bytes)", name, header.Size)
	writeJSON(w, http.StatusOK, map[string]string{
		"path": abs,
		"name": header.Filename,
		"url":  "/uploads/" + name,
	})
}

// handleUploads serves stored images. Stored names never contain path
// separators, so anything that does is rejected before touching disk.
func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.uploadDir, name))
}

func (s *Server) handleOpenPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path"})
		return
	}
	path := filepath.Clean(req.Path)
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "path not found"})
		return
	}
	if err := revealPath(path); err != nil {
		s.logger.Warn("Failed to reveal %s: %v", path, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not open path"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agent := strings.TrimPrefix(r.URL.Path, "/api/open-session/")
	if agent == "" || strings.Contains(agent, "/") {
		http.NotFound(w, r)
		return
	}
	if _, ok := s.cfg.Agents[agent]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}
	session := s.presence.Session(agent)
	if session == "" {
		session = wrapper.SessionName(agent)
	}
	if err := focusSession(session); err != nil {
		s.logger.Warn("Failed to focus session %s: %v", session, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not focus session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session": session})
}

func (s *Server) agentInfos() map[string]agentInfo {
	out := make(map[string]agentInfo, len(s.cfg.Agents))
	for name, a := range s.cfg.Agents {
		label := a.Label
		if label == "" {
			label = name
		}
		out[name] = agentInfo{Color: a.Color, Label: label}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = "image"
	}
	return out
}

// revealPath shows a file in the platform file manager. Best effort;
// headless hosts simply fail.
func revealPath(path string) error {
	switch runtime.GOOS {
	case "darwin":
		return launch("open", "-R", path)
	case "windows":
		return launch("explorer", "/select,"+path)
	default:
		return launch("xdg-open", filepath.Dir(path))
	}
}

// focusSession brings a tmux session to the foreground. This only works
// when the operator has a tmux client attached somewhere.
func focusSession(session string) error {
	if runtime.GOOS == "windows" {
		return errors.New("session focus is not supported on windows")
	}
	return exec.Command("tmux", "switch-client", "-t", session).Run()
}

func launch(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
