package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentchattr/pkg/logx"
)

// DefaultRecentLimit bounds Recent when the caller passes no limit.
const DefaultRecentLimit = 50

// Store is the single writer for all persistent chat state. All mutations
// serialize under one lock; subscribers are notified after each durable
// write in commit order.
type Store struct {
	mu       sync.Mutex
	path     string
	dir      string
	file     *os.File
	msgs     []*Message
	byID     map[int64]*Message
	channels []string
	settings map[string]any
	pins     map[int64]string
	nextID   int64
	skipped  int
	archive  *Archive
	logger   *logx.Logger

	decisions []*Decision
	nextDecID int64

	evMu       sync.Mutex
	subs       map[EventKind][]func(Event)
	queue      []Event
	delivering bool
}

// Open replays the chat log at path and returns a ready store. A missing
// file starts empty. Malformed lines are skipped and counted, never fatal.
// The archive receives records removed by destructive operations; it may
// be nil, in which case removed records are dropped.
func Open(path string, archive *Archive) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	s := &Store{
		path:     path,
		dir:      dir,
		byID:     make(map[int64]*Message),
		channels: []string{DefaultChannel},
		settings: defaultSettings(),
		pins:     make(map[int64]string),
		archive:  archive,
		logger:   logx.NewLogger("store"),
		subs:     make(map[EventKind][]func(Event)),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}
	if err := s.loadPins(); err != nil {
		return nil, err
	}
	if err := s.loadDecisions(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat log %s: %w", path, err)
	}
	s.file = f

	s.logger.Info("Opened chat log %s: %d messages, %d channels, next id %d",
		path, len(s.msgs), len(s.channels), s.nextID)
	if s.skipped > 0 {
		s.logger.Warn("Skipped %d malformed records during replay", s.skipped)
	}
	return s, nil
}

// Close releases the log file handle. The store must not be used after.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close chat log: %w", err)
	}
	return nil
}

func defaultSettings() map[string]any {
	return map[string]any{
		"title":          "agentchattr",
		"username":       "user",
		"font":           "sans",
		"max_agent_hops": 4,
		"history_limit":  "all",
		"contrast":       "normal",
	}
}

// Append assigns the next id, writes one durable record, and notifies
// message subscribers. Channel defaults to general; timestamp and display
// time are filled when absent. The returned message must not be modified.
func (s *Store) Append(m *Message) (*Message, error) {
	s.mu.Lock()
	stored := *m
	if stored.Channel == "" {
		stored.Channel = DefaultChannel
	}
	if stored.ReplyTo != nil && (*stored.ReplyTo < 0 || *stored.ReplyTo >= s.nextID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: reply_to %d", ErrUnknownMessage, *stored.ReplyTo)
	}
	now := time.Now()
	stored.ID = s.nextID
	if stored.TS == 0 {
		stored.TS = now.Unix()
	}
	if stored.Time == "" {
		stored.Time = now.Format("15:04:05")
	}

	if err := s.appendRecord(&record{Kind: recMsg, Msg: &stored}); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	s.nextID++
	s.msgs = append(s.msgs, &stored)
	s.byID[stored.ID] = &stored
	s.enqueue(Event{Kind: EventMessage, Message: &stored})
	s.mu.Unlock()
	s.drain()
	return &stored, nil
}

// Get returns a copy of the message with the given id, or nil.
func (s *Store) Get(id int64) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Recent returns the last limit visible messages, newest last. An empty
// channel crosses all channels.
func (s *Store) Recent(channel string, limit int) []Message {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	capHint := limit
	if len(s.msgs) < capHint {
		capHint = len(s.msgs)
	}
	out := make([]Message, 0, capHint)
	for i := len(s.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.msgs[i]
		if channel != "" && m.Channel != channel {
			continue
		}
		out = append(out, *m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Since returns all visible messages with id greater than cursor, in id
// order. An empty channel crosses all channels.
func (s *Store) Since(cursor int64, channel string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.msgs {
		if m.ID <= cursor {
			continue
		}
		if channel != "" && m.Channel != channel {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// LastID returns the id of the newest stored message, or -1 when empty.
func (s *Store) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return -1
	}
	return s.msgs[len(s.msgs)-1].ID
}

// Delete removes the given ids, writes one delete record, and emits a
// single delete event with the ids actually removed. Pins referencing the
// removed messages are dropped; attachment files are removed best-effort.
func (s *Store) Delete(ids []int64) ([]int64, error) {
	s.mu.Lock()
	var present []int64
	for _, id := range ids {
		if _, ok := s.byID[id]; ok {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	if err := s.appendRecord(&record{Kind: recDelete, IDs: present}); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var files []string
	for _, id := range present {
		for _, att := range s.byID[id].Attachments {
			if att.Path != "" {
				files = append(files, att.Path)
			}
		}
	}

	removed := s.removeMessages(present)
	var unpinned []int64
	for _, id := range removed {
		if _, ok := s.pins[id]; ok {
			delete(s.pins, id)
			unpinned = append(unpinned, id)
		}
	}
	if len(unpinned) > 0 {
		if err := s.savePinsLocked(); err != nil {
			s.logger.Warn("Failed to save pins after delete: %v", err)
		}
	}

	s.enqueue(Event{Kind: EventDelete, Deleted: removed})
	for _, id := range unpinned {
		s.enqueue(Event{Kind: EventPin, PinID: id, PinStatus: ""})
	}
	s.mu.Unlock()
	s.drain()

	s.removeFiles(files)
	return removed, nil
}

// Clear purges a channel's messages, archiving them first. An empty
// channel purges everything. Returns the number of messages removed.
func (s *Store) Clear(channel string) (int, error) {
	s.mu.Lock()
	var removed []Message
	kept := make([]*Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if channel == "" || m.Channel == channel {
			removed = append(removed, *m)
			continue
		}
		kept = append(kept, m)
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	if s.archive != nil {
		if err := s.archive.ArchiveMessages("clear", removed); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("failed to archive cleared messages: %w", err)
		}
	}

	oldMsgs := s.msgs
	s.msgs = kept
	if err := s.rewriteLocked(); err != nil {
		s.msgs = oldMsgs
		s.mu.Unlock()
		return 0, err
	}
	s.rebuildIndex()

	var files []string
	var unpinned []int64
	for i := range removed {
		m := &removed[i]
		for _, att := range m.Attachments {
			if att.Path != "" {
				files = append(files, att.Path)
			}
		}
		if _, ok := s.pins[m.ID]; ok {
			delete(s.pins, m.ID)
			unpinned = append(unpinned, m.ID)
		}
	}
	if len(unpinned) > 0 {
		if err := s.savePinsLocked(); err != nil {
			s.logger.Warn("Failed to save pins after clear: %v", err)
		}
	}

	s.enqueue(Event{Kind: EventClear, Channel: channel})
	for _, id := range unpinned {
		s.enqueue(Event{Kind: EventPin, PinID: id, PinStatus: ""})
	}
	s.mu.Unlock()
	s.drain()

	s.removeFiles(files)
	s.logger.Info("Cleared %d messages (channel=%q)", len(removed), channel)
	return len(removed), nil
}

// Settings returns a copy of the room settings map.
func (s *Store) Settings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsCopy()
}

// IntSetting reads a numeric setting, tolerating the float64 that JSON
// replay produces. Returns def when the key is absent or non-numeric.
func (s *Store) IntSetting(key string, def int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := s.settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// SetSettings merges updates into the room settings, persists a settings
// record, and returns the merged map. Value validation is the caller's job.
func (s *Store) SetSettings(updates map[string]any) (map[string]any, error) {
	s.mu.Lock()
	merged := s.settingsCopy()
	for k, v := range updates {
		merged[k] = v
	}
	if err := s.appendRecord(&record{Kind: recSettings, Settings: merged}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.settings = merged
	out := s.settingsCopy()
	s.enqueue(Event{Kind: EventSettings, Settings: s.settingsCopy()})
	s.mu.Unlock()
	s.drain()
	return out, nil
}

// CreateChannel adds a channel. Names follow the lowercase rule; the list
// is capped at MaxChannels.
func (s *Store) CreateChannel(name string) error {
	s.mu.Lock()
	if err := ValidateChannelName(name); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.hasChannel(name) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	if len(s.channels) >= MaxChannels {
		s.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrChannelCap, MaxChannels)
	}
	if err := s.appendRecord(&record{Kind: recChannel, Op: opCreate, Name: name}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.channels = append(s.channels, name)
	s.enqueue(Event{Kind: EventChannels, Channels: s.channelsCopy()})
	s.mu.Unlock()
	s.drain()
	return nil
}

// RenameChannel migrates the channel entry and every stored message from
// oldName to newName, rewriting the log atomically.
func (s *Store) RenameChannel(oldName, newName string) error {
	s.mu.Lock()
	if oldName == DefaultChannel {
		s.mu.Unlock()
		return ErrReservedChannel
	}
	if !s.hasChannel(oldName) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, oldName)
	}
	if err := ValidateChannelName(newName); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.hasChannel(newName) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelExists, newName)
	}

	s.renameInMemory(oldName, newName)
	if err := s.rewriteLocked(); err != nil {
		s.renameInMemory(newName, oldName)
		s.mu.Unlock()
		return err
	}

	s.enqueue(Event{Kind: EventRenamed, OldName: oldName, NewName: newName})
	s.enqueue(Event{Kind: EventChannels, Channels: s.channelsCopy()})
	s.mu.Unlock()
	s.drain()
	s.logger.Info("Renamed channel %s to %s", oldName, newName)
	return nil
}

// DeleteChannel removes a non-default channel, archiving and purging its
// messages. Returns the number of messages purged.
func (s *Store) DeleteChannel(name string) (int, error) {
	s.mu.Lock()
	if name == DefaultChannel {
		s.mu.Unlock()
		return 0, ErrReservedChannel
	}
	if !s.hasChannel(name) {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}

	var removed []Message
	kept := make([]*Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Channel == name {
			removed = append(removed, *m)
			continue
		}
		kept = append(kept, m)
	}

	if s.archive != nil && len(removed) > 0 {
		if err := s.archive.ArchiveMessages("channel_deleted", removed); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("failed to archive channel %s: %w", name, err)
		}
	}

	oldMsgs, oldChannels := s.msgs, s.channels
	s.msgs = kept
	channels := make([]string, 0, len(s.channels)-1)
	for _, ch := range s.channels {
		if ch != name {
			channels = append(channels, ch)
		}
	}
	s.channels = channels

	if err := s.rewriteLocked(); err != nil {
		s.msgs, s.channels = oldMsgs, oldChannels
		s.mu.Unlock()
		return 0, err
	}
	s.rebuildIndex()

	var files []string
	var unpinned []int64
	for i := range removed {
		m := &removed[i]
		for _, att := range m.Attachments {
			if att.Path != "" {
				files = append(files, att.Path)
			}
		}
		if _, ok := s.pins[m.ID]; ok {
			delete(s.pins, m.ID)
			unpinned = append(unpinned, m.ID)
		}
	}
	if len(unpinned) > 0 {
		if err := s.savePinsLocked(); err != nil {
			s.logger.Warn("Failed to save pins after channel delete: %v", err)
		}
	}

	s.enqueue(Event{Kind: EventChannels, Channels: s.channelsCopy()})
	for _, id := range unpinned {
		s.enqueue(Event{Kind: EventPin, PinID: id, PinStatus: ""})
	}
	s.mu.Unlock()
	s.drain()

	s.removeFiles(files)
	s.logger.Info("Deleted channel %s (%d messages archived)", name, len(removed))
	return len(removed), nil
}

// Channels returns the channel list, default channel first.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelsCopy()
}

// HasChannel reports whether the named channel exists.
func (s *Store) HasChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasChannel(name)
}

// --- internals ---

func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open chat log %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.skipped++
			continue
		}
		s.applyRecord(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read chat log %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) applyRecord(rec *record) {
	switch rec.Kind {
	case recMsg:
		if rec.Msg == nil {
			s.skipped++
			return
		}
		m := rec.Msg
		if m.Channel == "" {
			m.Channel = DefaultChannel
		}
		s.msgs = append(s.msgs, m)
		s.byID[m.ID] = m
		if m.ID >= s.nextID {
			s.nextID = m.ID + 1
		}
	case recDelete:
		s.removeMessages(rec.IDs)
	case recChannel:
		switch rec.Op {
		case opCreate:
			if rec.Name != "" && !s.hasChannel(rec.Name) && len(s.channels) < MaxChannels {
				s.channels = append(s.channels, rec.Name)
			}
		case opRename:
			s.renameInMemory(rec.OldName, rec.NewName)
		default:
			s.skipped++
		}
	case recSettings:
		for k, v := range rec.Settings {
			s.settings[k] = v
		}
	case recMeta:
		if rec.NextID > s.nextID {
			s.nextID = rec.NextID
		}
	default:
		s.skipped++
	}
}

func (s *Store) appendRecord(rec *record) error {
	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to reopen chat log: %w", err)
		}
		s.file = f
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write chat log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync chat log: %w", err)
	}
	return nil
}

// rewriteLocked replaces the log file with the current in-memory state via
// temp file and rename. A meta record leads the file so the id high-water
// mark survives purges.
func (s *Store) rewriteLocked() error {
	tmp, err := os.CreateTemp(s.dir, ".chat_log-*")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	recs := make([]*record, 0, len(s.msgs)+len(s.channels)+2)
	recs = append(recs, &record{Kind: recMeta, NextID: s.nextID})
	for _, ch := range s.channels {
		if ch == DefaultChannel {
			continue
		}
		recs = append(recs, &record{Kind: recChannel, Op: opCreate, Name: ch})
	}
	recs = append(recs, &record{Kind: recSettings, Settings: s.settings})
	for _, m := range s.msgs {
		recs = append(recs, &record{Kind: recMsg, Msg: m})
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode log record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush temp log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp log: %w", err)
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace chat log: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen chat log: %w", err)
	}
	s.file = f
	return nil
}

func (s *Store) removeMessages(ids []int64) []int64 {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var removed []int64
	kept := s.msgs[:0]
	for _, m := range s.msgs {
		if want[m.ID] {
			removed = append(removed, m.ID)
			delete(s.byID, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return removed
}

func (s *Store) rebuildIndex() {
	s.byID = make(map[int64]*Message, len(s.msgs))
	for _, m := range s.msgs {
		s.byID[m.ID] = m
	}
}

func (s *Store) renameInMemory(oldName, newName string) {
	if oldName == "" || newName == "" {
		return
	}
	for i, ch := range s.channels {
		if ch == oldName {
			s.channels[i] = newName
			break
		}
	}
	for _, m := range s.msgs {
		if m.Channel == oldName {
			m.Channel = newName
		}
	}
}

func (s *Store) hasChannel(name string) bool {
	for _, ch := range s.channels {
		if ch == name {
			return true
		}
	}
	return false
}

func (s *Store) channelsCopy() []string {
	out := make([]string, len(s.channels))
	copy(out, s.channels)
	return out
}

func (s *Store) settingsCopy() map[string]any {
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out
}

func (s *Store) removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Debug("Could not remove attachment %s: %v", p, err)
		}
	}
}
