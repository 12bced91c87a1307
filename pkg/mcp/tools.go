package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentchattr/pkg/chat"
	"agentchattr/pkg/presence"
	"agentchattr/pkg/store"
)

// defaultReadLimit bounds a chat_read reply when the caller passes none.
// Smaller than the resync window: reads happen often, resyncs rarely.
const defaultReadLimit = 20

// maxReadLimit caps any single read reply.
const maxReadLimit = 200

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// toolDefs returns the fixed tool surface advertised by tools/list.
func toolDefs() []ToolDef {
	return []ToolDef{
		{
			Name: "chat_send",
			Description: "Send a message to the team chat. Use your own name as sender; " +
				"never impersonate other agents or humans. Mention @name to wake another agent. " +
				"Optionally attach a local image via image_path or reply to a message via reply_to.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender":     {Type: "string", Description: "Your agent name"},
					"text":       {Type: "string", Description: "Message text"},
					"channel":    {Type: "string", Description: "Channel name (default: general)"},
					"reply_to":   {Type: "integer", Description: "Message id to reply to"},
					"image_path": {Type: "string", Description: "Absolute path of a local image to attach"},
				},
				Required: []string{"sender", "text"},
			},
		},
		{
			Name: "chat_read",
			Description: "Read chat messages. The first call returns the recent window; later calls " +
				"return only messages that arrived since your last read. Returns a JSON array with " +
				"id, sender, channel, text, type, time.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender":  {Type: "string", Description: "Your agent name"},
					"channel": {Type: "string", Description: "Limit the read to one channel"},
					"limit":   {Type: "integer", Description: "Maximum messages to return (default 20)"},
				},
				Required: []string{"sender"},
			},
		},
		{
			Name: "chat_resync",
			Description: "Full-context fetch: returns the latest messages and resets your read cursor " +
				"so the next chat_read returns only genuinely new messages.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender":  {Type: "string", Description: "Your agent name"},
					"channel": {Type: "string", Description: "Limit the resync to one channel"},
				},
				Required: []string{"sender"},
			},
		},
		{
			Name: "chat_join",
			Description: "Announce that you are connected. Call once when your session starts. " +
				"Replies with who is online and which channels exist.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender":  {Type: "string", Description: "Your agent name"},
					"session": {Type: "string", Description: "Terminal session name your wrapper owns"},
				},
				Required: []string{"sender"},
			},
		},
		{
			Name: "chat_who",
			Description: "Check who is online, busy, and wearing which hat. " +
				"Also used to self-report your busy state.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender":  {Type: "string", Description: "Your agent name (refreshes your presence)"},
					"busy":    {Type: "boolean", Description: "Self-report whether you are working"},
					"session": {Type: "string", Description: "Terminal session name your wrapper owns"},
				},
			},
		},
		{
			Name: "chat_decision",
			Description: "Manage the shared decision log. Actions: list, propose (text), " +
				"approve (id, optional reason), unapprove (id), edit (id, text), delete (id).",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender": {Type: "string", Description: "Your agent name"},
					"action": {Type: "string", Enum: []string{"list", "propose", "approve", "unapprove", "edit", "delete"}},
					"text":   {Type: "string", Description: "Decision text (propose, edit); at most 80 characters"},
					"id":     {Type: "integer", Description: "Decision id (approve, unapprove, edit, delete)"},
					"reason": {Type: "string", Description: "Why the decision was approved"},
				},
				Required: []string{"action"},
			},
		},
		{
			Name:        "chat_channels",
			Description: "List the chat channels.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender": {Type: "string", Description: "Your agent name (refreshes your presence)"},
				},
			},
		},
		{
			Name: "chat_set_hat",
			Description: "Set or clear the role hat shown next to your name, " +
				"for example architect or reviewer. An empty hat clears it.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sender": {Type: "string", Description: "Your agent name"},
					"hat":    {Type: "string", Description: "Role label, empty to clear"},
				},
				Required: []string{"sender"},
			},
		},
	}
}

// toolHandler maps a tool name to its implementation. Every handler
// returns the reply text plus an isError flag; protocol-level failures
// never originate here.
func (s *Server) toolHandler(name string) (func(map[string]any) (string, bool), bool) {
	switch name {
	case "chat_send":
		return s.toolSend, true
	case "chat_read":
		return s.toolRead, true
	case "chat_resync":
		return s.toolResync, true
	case "chat_join":
		return s.toolJoin, true
	case "chat_who":
		return s.toolWho, true
	case "chat_decision":
		return s.toolDecision, true
	case "chat_channels":
		return s.toolChannels, true
	case "chat_set_hat":
		return s.toolSetHat, true
	}
	return nil, false
}

func (s *Server) toolSend(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender == "" {
		return "Error: sender is required.", true
	}
	s.presence.Touch(sender)

	text := strings.TrimSpace(strArg(args, "text"))
	imagePath := strings.TrimSpace(strArg(args, "image_path"))
	if text == "" && imagePath == "" {
		return "Empty message, not sent.", false
	}

	channel := strings.TrimSpace(strArg(args, "channel"))
	if channel == "" {
		channel = store.DefaultChannel
	}
	if !s.store.HasChannel(channel) {
		return fmt.Sprintf("Unknown channel: %s", channel), true
	}

	var attachments []store.Attachment
	if imagePath != "" {
		info, err := os.Stat(imagePath)
		if err != nil || info.IsDir() {
			return fmt.Sprintf("Image not found: %s", imagePath), true
		}
		ext := strings.ToLower(filepath.Ext(imagePath))
		if !imageExts[ext] {
			return fmt.Sprintf("Unsupported image type: %s", ext), true
		}
		name := strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ext
		if err := copyUpload(imagePath, filepath.Join(s.uploadDir, name)); err != nil {
			s.logger.Warn("Failed to copy attachment %s: %v", imagePath, err)
			return "Error: failed to store attachment.", true
		}
		attachments = append(attachments, store.Attachment{
			Name: filepath.Base(imagePath),
			URL:  "/uploads/" + name,
		})
	}

	var replyTo *int64
	if id, ok := intArg(args, "reply_to"); ok && id >= 0 {
		if s.store.Get(id) == nil {
			return fmt.Sprintf("Message #%d not found.", id), true
		}
		replyTo = &id
	}

	if strings.HasPrefix(text, "/") && s.hooks.Command != nil && s.hooks.Command(sender, channel, text) {
		return fmt.Sprintf("Command %s executed.", strings.Fields(text)[0]), false
	}

	m, err := s.store.Append(&store.Message{
		Sender:      sender,
		Channel:     channel,
		Text:        s.scrub(text),
		Type:        store.TypeMessage,
		ReplyTo:     replyTo,
		Attachments: attachments,
	})
	if err != nil {
		return "Error: " + err.Error(), true
	}
	return fmt.Sprintf("Sent (id=%d)", m.ID), false
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

func (s *Server) toolRead(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender == "" {
		return "Error: sender is required.", true
	}
	s.presence.Touch(sender)

	limit := defaultReadLimit
	if n, ok := intArg(args, "limit"); ok && n > 0 {
		limit = int(n)
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	channels, errText := s.targetChannels(strArg(args, "channel"))
	if errText != "" {
		return errText, true
	}

	var merged []store.Message
	for _, ch := range channels {
		cursor := s.cursors.Get(sender, ch)
		if cursor < 0 {
			// First contact with this channel: the recent window, not the
			// full history.
			merged = append(merged, s.store.Recent(ch, limit)...)
		} else {
			merged = append(merged, s.store.Since(cursor, ch)...)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	if len(merged) > limit {
		// Keep the newest; the cursor jumps past the overflow, same as a
		// human scrolling to the bottom of a backlog.
		merged = merged[len(merged)-limit:]
	}

	updates := make(map[string]int64)
	for i := range merged {
		m := &merged[i]
		if cur, ok := updates[m.Channel]; !ok || m.ID > cur {
			updates[m.Channel] = m.ID
		}
	}
	s.cursors.SetAll(sender, updates)

	return serializeMessages(merged), false
}

func (s *Server) toolResync(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender == "" {
		return "Error: sender is required.", true
	}
	s.presence.Touch(sender)

	channels, errText := s.targetChannels(strArg(args, "channel"))
	if errText != "" {
		return errText, true
	}

	var merged []store.Message
	for _, ch := range channels {
		merged = append(merged, s.store.Recent(ch, store.DefaultRecentLimit)...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	if len(merged) > store.DefaultRecentLimit {
		merged = merged[len(merged)-store.DefaultRecentLimit:]
	}

	last := s.store.LastID()
	updates := make(map[string]int64, len(channels))
	for _, ch := range channels {
		updates[ch] = last
	}
	s.cursors.SetAll(sender, updates)

	return serializeMessages(merged), false
}

func (s *Server) toolJoin(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender == "" {
		return "Error: sender is required.", true
	}
	if session := strings.TrimSpace(strArg(args, "session")); session != "" {
		s.presence.SetSession(sender, session)
	} else {
		s.presence.Touch(sender)
	}

	var online []string
	for _, st := range s.presence.Snapshot() {
		if st.Online {
			online = append(online, st.Name)
		}
	}
	return fmt.Sprintf("Joined. Online: %s. Channels: %s.",
		strings.Join(online, ", "), strings.Join(s.store.Channels(), ", ")), false
}

func (s *Server) toolWho(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender != "" {
		if busy, ok := boolArg(args, "busy"); ok {
			s.presence.SetBusy(sender, busy)
		} else {
			s.presence.Touch(sender)
		}
		if session := strings.TrimSpace(strArg(args, "session")); session != "" {
			s.presence.SetSession(sender, session)
		}
	}

	snap := s.presence.Snapshot()
	if len(snap) == 0 {
		return "Nobody online.", false
	}
	var b strings.Builder
	for _, st := range snap {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(whoLine(st))
	}
	return b.String(), false
}

func (s *Server) toolDecision(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender != "" {
		s.presence.Touch(sender)
	}

	switch action := strings.TrimSpace(strArg(args, "action")); action {
	case "", "list":
		return decisionList(s.store.Decisions()), false

	case "propose":
		if sender == "" {
			return "Error: sender is required.", true
		}
		text := strings.TrimSpace(strArg(args, "text"))
		if text == "" {
			return "Error: text is required.", true
		}
		d, err := s.store.ProposeDecision(sender, text)
		if err != nil {
			return "Error: " + err.Error(), true
		}
		return fmt.Sprintf("Decision #%d proposed.", d.ID), false

	case "approve":
		id, ok := intArg(args, "id")
		if !ok {
			return "Error: id is required.", true
		}
		d, err := s.store.ApproveDecision(id, strings.TrimSpace(strArg(args, "reason")))
		if err != nil {
			return "Error: " + err.Error(), true
		}
		return fmt.Sprintf("Decision #%d approved.", d.ID), false

	case "unapprove":
		id, ok := intArg(args, "id")
		if !ok {
			return "Error: id is required.", true
		}
		d, err := s.store.UnapproveDecision(id)
		if err != nil {
			return "Error: " + err.Error(), true
		}
		return fmt.Sprintf("Decision #%d reopened.", d.ID), false

	case "edit":
		id, ok := intArg(args, "id")
		if !ok {
			return "Error: id is required.", true
		}
		text := strings.TrimSpace(strArg(args, "text"))
		if text == "" {
			return "Error: text is required.", true
		}
		d, err := s.store.EditDecision(id, text)
		if err != nil {
			return "Error: " + err.Error(), true
		}
		return fmt.Sprintf("Decision #%d updated.", d.ID), false

	case "delete":
		id, ok := intArg(args, "id")
		if !ok {
			return "Error: id is required.", true
		}
		if err := s.store.DeleteDecision(id); err != nil {
			return "Error: " + err.Error(), true
		}
		return fmt.Sprintf("Decision #%d deleted.", id), false

	default:
		return fmt.Sprintf("Unknown action: %s", action), true
	}
}

func (s *Server) toolChannels(args map[string]any) (string, bool) {
	if sender := strings.TrimSpace(strArg(args, "sender")); sender != "" {
		s.presence.Touch(sender)
	}
	return "Channels: " + strings.Join(s.store.Channels(), ", "), false
}

func (s *Server) toolSetHat(args map[string]any) (string, bool) {
	sender := strings.TrimSpace(strArg(args, "sender"))
	if sender == "" {
		return "Error: sender is required.", true
	}
	hat := strings.TrimSpace(strArg(args, "hat"))
	s.presence.SetHat(sender, hat)
	if hat == "" {
		return "Hat removed.", false
	}
	return fmt.Sprintf("Hat set: %s", hat), false
}

// targetChannels resolves an optional channel argument to the channels a
// read covers: one named channel, or all of them.
func (s *Server) targetChannels(channel string) ([]string, string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return s.store.Channels(), ""
	}
	if !s.store.HasChannel(channel) {
		return nil, fmt.Sprintf("Unknown channel: %s", channel)
	}
	return []string{channel}, ""
}

// readEntry is one element of a chat_read reply.
type readEntry struct {
	ID          int64              `json:"id"`
	Sender      string             `json:"sender"`
	Channel     string             `json:"channel"`
	Text        string             `json:"text"`
	Type        string             `json:"type,omitempty"`
	Time        string             `json:"time"`
	ReplyTo     *int64             `json:"reply_to,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
}

// serializeMessages renders messages as an indented JSON array, oldest
// first. Agents parse this far more reliably than prose.
func serializeMessages(msgs []store.Message) string {
	if len(msgs) == 0 {
		return "No new messages."
	}
	entries := make([]readEntry, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		entries = append(entries, readEntry{
			ID:          m.ID,
			Sender:      m.Sender,
			Channel:     m.Channel,
			Text:        m.Text,
			Type:        m.Type,
			Time:        m.Time,
			ReplyTo:     m.ReplyTo,
			Attachments: m.Attachments,
		})
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "Error: failed to encode messages."
	}
	return string(raw)
}

// whoLine renders one agent's presence line.
func whoLine(st presence.Status) string {
	if !st.Online {
		return fmt.Sprintf("%s: offline (last seen %s)", st.Name, agoString(st.LastSeen))
	}
	line := st.Name + ": online"
	if st.Busy {
		line += ", busy"
	}
	if st.Hat != "" {
		line += ", hat: " + st.Hat
	}
	if st.Session != "" {
		line += ", session: " + st.Session
	}
	return line
}

// agoString renders a coarse "how long ago" from a unix timestamp.
func agoString(unix int64) string {
	if unix <= 0 {
		return "never"
	}
	d := time.Since(time.Unix(unix, 0))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// decisionList renders the decision log, one line per decision.
func decisionList(decisions []store.Decision) string {
	if len(decisions) == 0 {
		return "No decisions yet."
	}
	var b strings.Builder
	for i := range decisions {
		d := &decisions[i]
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d [%s] %s (owner: %s)", d.ID, d.Status, d.Text, d.Owner)
		if d.Reason != "" {
			fmt.Fprintf(&b, " reason: %s", d.Reason)
		}
	}
	return b.String()
}

// strArg returns a string argument, empty when absent or mistyped.
func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg returns an integer argument. JSON numbers arrive as float64;
// stringified digits are tolerated because some CLIs quote everything.
func intArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// boolArg returns a boolean argument, tolerating "true"/"false" strings.
func boolArg(args map[string]any, key string) (bool, bool) {
	switch v := args[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

// copyUpload copies an attachment into the uploads directory. O_EXCL keeps
// a name collision from silently replacing someone else's file.
func copyUpload(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
