package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "chat_log"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func appendText(t *testing.T, s *Store, sender, channel, text string) *Message {
	t.Helper()
	m, err := s.Append(&Message{Sender: sender, Channel: channel, Text: text})
	if err != nil {
		t.Fatalf("failed to append %q: %v", text, err)
	}
	return m
}

func TestAppendAssignsDenseIDs(t *testing.T) {
	s, _ := openTestStore(t)
	for i := int64(0); i < 5; i++ {
		m := appendText(t, s, "user", "", "hello")
		if m.ID != i {
			t.Fatalf("expected id %d, got %d", i, m.ID)
		}
		if m.Channel != DefaultChannel {
			t.Fatalf("expected default channel, got %q", m.Channel)
		}
		if m.TS == 0 || m.Time == "" {
			t.Fatalf("timestamp not filled: ts=%d time=%q", m.TS, m.Time)
		}
	}
	if got := s.LastID(); got != 4 {
		t.Fatalf("expected last id 4, got %d", got)
	}
}

func TestReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_log")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	appendText(t, s, "alice", "", "first")
	appendText(t, s, "bob", "", "second")
	if err := s.CreateChannel("dev"); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	appendText(t, s, "alice", "dev", "third")
	if _, err := s.SetSettings(map[string]any{"font": "mono"}); err != nil {
		t.Fatalf("failed to set settings: %v", err)
	}
	s.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	msgs := s2.Since(-1, "")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after replay, got %d", len(msgs))
	}
	if msgs[2].Channel != "dev" || msgs[2].Text != "third" {
		t.Fatalf("unexpected third message: %+v", msgs[2])
	}
	channels := s2.Channels()
	if len(channels) != 2 || channels[0] != DefaultChannel || channels[1] != "dev" {
		t.Fatalf("unexpected channels after replay: %v", channels)
	}
	if got := s2.Settings()["font"]; got != "mono" {
		t.Fatalf("expected font=mono after replay, got %v", got)
	}
	next := appendText(t, s2, "alice", "", "fourth")
	if next.ID != 3 {
		t.Fatalf("expected id 3 after replay, got %d", next.ID)
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_log")
	content := `{"kind":"msg","msg":{"id":0,"sender":"a","channel":"general","text":"ok","ts":1,"time":"00:00:01"}}
not json at all
{"kind":"msg","msg":{"id":1,"sender":"b","channel":"general","text":"also ok","ts":2,"time":"00:00:02"}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to seed log: %v", err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	if got := len(s.Since(-1, "")); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
	if s.skipped != 1 {
		t.Fatalf("expected 1 skipped record, got %d", s.skipped)
	}
}

func TestReplyToValidation(t *testing.T) {
	s, _ := openTestStore(t)
	appendText(t, s, "user", "", "root")

	bad := int64(99)
	if _, err := s.Append(&Message{Sender: "user", Text: "reply", ReplyTo: &bad}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}

	good := int64(0)
	m, err := s.Append(&Message{Sender: "user", Text: "reply", ReplyTo: &good})
	if err != nil {
		t.Fatalf("failed to append reply: %v", err)
	}
	if m.ReplyTo == nil || *m.ReplyTo != 0 {
		t.Fatalf("reply_to not preserved: %+v", m)
	}
}

func TestDeleteAndCursor(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < 5; i++ {
		appendText(t, s, "user", "", "msg")
	}

	removed, err := s.Delete([]int64{1, 3, 42})
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}

	got := s.Since(0, "")
	var ids []int64
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 4 {
		t.Fatalf("cursor read returned %v, want [2 4]", ids)
	}

	// Ids are never reused after deletion.
	m := appendText(t, s, "user", "", "new")
	if m.ID != 5 {
		t.Fatalf("expected id 5 after delete, got %d", m.ID)
	}
}

func TestRenameChannelThereAndBack(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.CreateChannel("alpha"); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	appendText(t, s, "user", "alpha", "one")
	appendText(t, s, "user", "alpha", "two")

	if err := s.RenameChannel("alpha", "beta"); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	if got := len(s.Since(-1, "beta")); got != 2 {
		t.Fatalf("expected 2 messages in beta, got %d", got)
	}
	if got := len(s.Since(-1, "alpha")); got != 0 {
		t.Fatalf("expected alpha empty, got %d", got)
	}

	if err := s.RenameChannel("beta", "alpha"); err != nil {
		t.Fatalf("failed to rename back: %v", err)
	}
	msgs := s.Since(-1, "alpha")
	if len(msgs) != 2 || msgs[0].ID != 0 || msgs[1].ID != 1 {
		t.Fatalf("rename round trip lost messages: %+v", msgs)
	}

	if err := s.RenameChannel(DefaultChannel, "other"); !errors.Is(err, ErrReservedChannel) {
		t.Fatalf("expected ErrReservedChannel, got %v", err)
	}
}

func TestRenameSurvivesReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_log")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.CreateChannel("old"); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	appendText(t, s, "user", "old", "kept")
	if err := s.RenameChannel("old", "new"); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	s.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()
	if !s2.HasChannel("new") || s2.HasChannel("old") {
		t.Fatalf("rename not durable: channels=%v", s2.Channels())
	}
	msgs := s2.Since(-1, "new")
	if len(msgs) != 1 || msgs[0].Text != "kept" {
		t.Fatalf("message did not follow rename: %+v", msgs)
	}
}

func TestChannelNameValidation(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"dev", true},
		{"a", true},
		{"dev-2", true},
		{"0numbers", true},
		{strings.Repeat("a", 20), true},
		{strings.Repeat("a", 21), false},
		{"", false},
		{"-leading", false},
		{"Upper", false},
		{"with space", false},
		{"под", false},
	}
	for _, tc := range cases {
		err := ValidateChannelName(tc.name)
		if tc.ok && err != nil {
			t.Errorf("ValidateChannelName(%q) = %v, want nil", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrBadChannelName) {
			t.Errorf("ValidateChannelName(%q) = %v, want ErrBadChannelName", tc.name, err)
		}
	}
}

func TestChannelCap(t *testing.T) {
	s, _ := openTestStore(t)
	names := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	for _, n := range names {
		if err := s.CreateChannel(n); err != nil {
			t.Fatalf("failed to create %s: %v", n, err)
		}
	}
	if err := s.CreateChannel("c8"); !errors.Is(err, ErrChannelCap) {
		t.Fatalf("expected ErrChannelCap at %d channels, got %v", MaxChannels, err)
	}
	if err := s.CreateChannel("c1"); !errors.Is(err, ErrChannelExists) {
		t.Fatalf("expected ErrChannelExists, got %v", err)
	}
}

func TestClearArchivesAndKeepsIDs(t *testing.T) {
	dir := t.TempDir()
	archive, err := OpenArchive(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer archive.Close()

	path := filepath.Join(dir, "chat_log")
	s, err := Open(path, archive)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.CreateChannel("dev"); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	appendText(t, s, "user", "", "general stays")
	appendText(t, s, "user", "dev", "dev goes")
	appendText(t, s, "user", "dev", "dev goes too")

	n, err := s.Clear("dev")
	if err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	count, err := archive.CountArchived("msg")
	if err != nil {
		t.Fatalf("failed to count archive: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 archived messages, got %d", count)
	}
	s.Close()

	// The id high-water mark survives the purge via the meta record.
	s2, err := Open(path, archive)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()
	m := appendText(t, s2, "user", "", "after purge")
	if m.ID != 3 {
		t.Fatalf("expected id 3 after purge and replay, got %d", m.ID)
	}
}

func TestDeleteChannelPurgesMessages(t *testing.T) {
	dir := t.TempDir()
	archive, err := OpenArchive(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer archive.Close()

	s, err := Open(filepath.Join(dir, "chat_log"), archive)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	if err := s.CreateChannel("scratch"); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	appendText(t, s, "user", "scratch", "bye")

	if _, err := s.DeleteChannel(DefaultChannel); !errors.Is(err, ErrReservedChannel) {
		t.Fatalf("expected ErrReservedChannel, got %v", err)
	}
	n, err := s.DeleteChannel("scratch")
	if err != nil {
		t.Fatalf("failed to delete channel: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged message, got %d", n)
	}
	if s.HasChannel("scratch") {
		t.Fatal("channel still present after delete")
	}
	if _, err := s.DeleteChannel("scratch"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	s, _ := openTestStore(t)

	var got []int64
	s.Subscribe(EventMessage, func(ev Event) {
		got = append(got, ev.Message.ID)
	})

	for i := 0; i < 4; i++ {
		appendText(t, s, "user", "", "m")
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	for i, id := range got {
		if id != int64(i) {
			t.Fatalf("events out of order: %v", got)
		}
	}
}

func TestSubscriberMayReenterStore(t *testing.T) {
	s, _ := openTestStore(t)

	var seen []string
	s.Subscribe(EventMessage, func(ev Event) {
		seen = append(seen, ev.Message.Text)
		if ev.Message.Type == "" && ev.Message.Text == "trigger" {
			if _, err := s.Append(&Message{Sender: "hub", Text: "echo", Type: TypeSystem}); err != nil {
				t.Errorf("re-entrant append failed: %v", err)
			}
		}
	})

	appendText(t, s, "user", "", "trigger")
	if len(seen) != 2 || seen[0] != "trigger" || seen[1] != "echo" {
		t.Fatalf("unexpected event sequence: %v", seen)
	}
}

func TestIntSettingToleratesJSONNumbers(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.SetSettings(map[string]any{"max_agent_hops": float64(7)}); err != nil {
		t.Fatalf("failed to set settings: %v", err)
	}
	if got := s.IntSetting("max_agent_hops", 4); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := s.IntSetting("missing", 9); got != 9 {
		t.Fatalf("expected default 9, got %d", got)
	}
}
