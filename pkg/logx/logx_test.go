package logx

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("hub")

	if logger.Name() != "hub" {
		t.Errorf("Expected name 'hub', got '%s'", logger.Name())
	}
}

func TestTeeMirrorsOutput(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger("wrapper-claude")
	logger.Tee(&buf)
	logger.Info("injected prompt into #%s", "general")

	output := buf.String()
	if !strings.Contains(output, "[wrapper-claude]") {
		t.Errorf("Expected component name in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected level in output, got: %s", output)
	}
	if !strings.Contains(output, "injected prompt into #general") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}

	// Removing the mirror stops further writes.
	logger.Tee(nil)
	before := buf.Len()
	logger.Info("not mirrored")
	if buf.Len() != before {
		t.Error("Expected no output after Tee(nil)")
	}
}

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger("router")
	logger.Tee(&buf)

	SetDebug(false)
	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("Debug output emitted while disabled")
	}

	SetDebug(true)
	defer SetDebug(false)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("Debug output missing while enabled")
	}
}

func TestBufferFiltering(t *testing.T) {
	logger := NewLogger("presence")
	logger.Info("sweep found %d offline agents", 2)

	entries := GetRecentLogEntries("presence", time.Time{})
	if len(entries) == 0 {
		t.Fatal("Expected at least one buffered entry")
	}

	last := entries[len(entries)-1]
	if last.Name != "presence" {
		t.Errorf("Expected name 'presence', got '%s'", last.Name)
	}
	if last.Level != string(LevelInfo) {
		t.Errorf("Expected level INFO, got '%s'", last.Level)
	}
	if !strings.Contains(last.Message, "2 offline agents") {
		t.Errorf("Unexpected message: %s", last.Message)
	}

	// Filtering by a different name excludes this entry.
	for _, e := range GetRecentLogEntries("store", time.Time{}) {
		if e.Message == last.Message && e.Name == "presence" {
			t.Error("Name filter returned entries from another component")
		}
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "anything"); err != nil {
		t.Errorf("Wrap(nil) should return nil, got %v", err)
	}
}

func TestBufferCap(t *testing.T) {
	b := &InMemoryLogBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.AddLogEntry(&LogEntry{Message: string(rune('a' + i))})
	}
	entries := b.GetLogEntries("", time.Time{})
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries after cap, got %d", len(entries))
	}
	if entries[0].Message != "c" {
		t.Errorf("Expected oldest retained entry 'c', got '%s'", entries[0].Message)
	}
}
