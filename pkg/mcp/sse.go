package mcp

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
)

// handleSSE is the HTTP+SSE transport's event half. Each GET opens a
// dedicated stream; the first event on it is the endpoint event naming the
// POST target. Clients may bring their own stream id via ?stream=, the
// query parameter the r3labs client family sends.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	sid := r.URL.Query().Get("stream")
	if sid == "" {
		sid = uuid.NewString()
	}
	s.addSession(sid, "sse")
	s.events.CreateStream(sid)
	s.logger.Debug("SSE session %s connected", sid)

	q := r.URL.Query()
	q.Set("stream", sid)
	r.URL.RawQuery = q.Encode()
	s.events.ServeHTTP(w, r)

	// Subscriber gone; the stream and session go with it.
	s.events.RemoveStream(sid)
	s.dropSession(sid)
	s.logger.Debug("SSE session %s disconnected", sid)
}

// handleMessages is the HTTP+SSE transport's request half: one JSON-RPC
// request per POST, with the response published to the caller's stream as
// a message event. The HTTP reply is just an accept.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		// Clients that ignore the endpoint event post here bare; with a
		// single live stream the target is unambiguous.
		live := s.liveSSESessions()
		if len(live) != 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id required"})
			return
		}
		sid = live[0]
	}
	if !s.touchSession(sid) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or expired session"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.publish(sid, errorResponse(nil, -32700, "Parse error", err.Error()))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if resp := s.handleRequest(&req); resp != nil {
		s.publish(sid, resp)
	}
	w.WriteHeader(http.StatusAccepted)
}

// publish pushes one JSON-RPC response onto a session's event stream.
func (s *Server) publish(sid string, resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		return
	}
	s.events.Publish(sid, &sse.Event{Event: []byte("message"), Data: data})
}
