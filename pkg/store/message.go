// Package store provides durable, ordered persistence for chat messages,
// channels, pins, decisions, and room settings, with synchronous change
// notification for subscribers. Messages live in an append-only JSONL log;
// destructive operations move the removed records into a sqlite archive.
package store

import (
	"fmt"
	"regexp"
)

// Message type tags. An empty Type means a regular message.
const (
	TypeMessage = "message"
	TypeSystem  = "system"
	TypeJoin    = "join"
	TypeLeave   = "leave"
)

// DefaultChannel always exists and cannot be renamed or deleted.
const DefaultChannel = "general"

// MaxChannels caps the channel list, default channel included.
const MaxChannels = 8

var channelNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,19}$`)

// ValidateChannelName checks the lowercase channel naming rule.
func ValidateChannelName(name string) error {
	if !channelNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadChannelName, name)
	}
	return nil
}

// Attachment is one uploaded file referenced by a message.
type Attachment struct {
	Path string `json:"path,omitempty"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Message is one chat entry. Immutable after append except for deletion.
type Message struct {
	ID          int64        `json:"id"`
	Sender      string       `json:"sender"`
	Channel     string       `json:"channel"`
	Text        string       `json:"text"`
	Type        string       `json:"type,omitempty"`
	TS          int64        `json:"ts"`
	Time        string       `json:"time"`
	ReplyTo     *int64       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Log record kinds. Every line of the chat log is one record tagged with a
// kind so replay can dispatch. Rewrites (compaction, channel purge) emit a
// meta record first so the id high-water mark survives.
const (
	recMsg      = "msg"
	recDelete   = "delete"
	recChannel  = "channel"
	recSettings = "settings"
	recMeta     = "meta"
)

// Channel record ops.
const (
	opCreate = "create"
	opRename = "rename"
)

type record struct {
	Kind     string         `json:"kind"`
	Msg      *Message       `json:"msg,omitempty"`
	IDs      []int64        `json:"ids,omitempty"`
	Op       string         `json:"op,omitempty"`
	Name     string         `json:"name,omitempty"`
	OldName  string         `json:"old_name,omitempty"`
	NewName  string         `json:"new_name,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
	NextID   int64          `json:"next_id,omitempty"`
}
