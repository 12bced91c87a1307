package hub

import (
	"encoding/json"
	"fmt"

	"agentchattr/pkg/presence"
	"agentchattr/pkg/store"
)

// clientFrame is the envelope for everything a WebSocket client may send.
// Fields unused by a given frame type stay at their zero value.
type clientFrame struct {
	Type string `json:"type"`

	// message and typing
	Sender      string             `json:"sender,omitempty"`
	Text        string             `json:"text,omitempty"`
	Channel     string             `json:"channel,omitempty"`
	ReplyTo     *int64             `json:"reply_to,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Active      bool               `json:"active,omitempty"`

	// delete, todo_* and decision_*
	IDs      []int64 `json:"ids,omitempty"`
	ID       int64   `json:"id,omitempty"`
	Decision string  `json:"decision,omitempty"`
	Owner    string  `json:"owner,omitempty"`
	Reason   string  `json:"reason,omitempty"`

	// update_settings
	Data map[string]any `json:"data,omitempty"`

	// channel_*
	Name    string `json:"name,omitempty"`
	OldName string `json:"old_name,omitempty"`
	NewName string `json:"new_name,omitempty"`
}

// agentInfo is the per-agent display config pushed to clients.
type agentInfo struct {
	Color string `json:"color"`
	Label string `json:"label"`
}

// statusPayload is the body of a status frame.
type statusPayload struct {
	Agents []presence.Status `json:"agents"`
	Paused bool              `json:"paused"`
}

// mustFrame encodes a server frame. Frames are built from our own types,
// so a marshal failure is a programming error.
func mustFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to encode frame: %v", err))
	}
	return data
}

func messageFrame(m *store.Message) []byte {
	return mustFrame(map[string]any{"type": "message", "data": m})
}

func deleteFrame(ids []int64) []byte {
	return mustFrame(map[string]any{"type": "delete", "ids": ids})
}

func clearFrame(channel string) []byte {
	return mustFrame(map[string]any{"type": "clear", "channel": channel})
}

func todosFrame(pins map[int64]string) []byte {
	return mustFrame(map[string]any{"type": "todos", "data": pins})
}

func todoUpdateFrame(id int64, status string) []byte {
	return mustFrame(map[string]any{"type": "todo_update", "id": id, "status": status})
}

func decisionsFrame(list []store.Decision) []byte {
	return mustFrame(map[string]any{"type": "decisions", "data": list})
}

func decisionFrame(action string, d *store.Decision) []byte {
	return mustFrame(map[string]any{"type": "decision", "action": action, "data": d})
}

func statusFrame(p statusPayload) []byte {
	return mustFrame(map[string]any{"type": "status", "data": p})
}

func typingFrame(agent string, active bool) []byte {
	return mustFrame(map[string]any{"type": "typing", "agent": agent, "active": active})
}

func settingsFrame(settings map[string]any) []byte {
	return mustFrame(map[string]any{"type": "settings", "data": settings})
}

func agentsFrame(agents map[string]agentInfo) []byte {
	return mustFrame(map[string]any{"type": "agents", "data": agents})
}

func channelsFrame(names []string) []byte {
	return mustFrame(map[string]any{"type": "channels", "data": names})
}

func channelRenamedFrame(oldName, newName string) []byte {
	return mustFrame(map[string]any{"type": "channel_renamed", "old_name": oldName, "new_name": newName})
}

func hatsFrame(hats map[string]string) []byte {
	return mustFrame(map[string]any{"type": "hats", "data": hats})
}
