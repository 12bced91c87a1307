package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPinLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	appendText(t, s, "user", "", "pin me")

	status, err := s.TogglePin(0)
	if err != nil {
		t.Fatalf("failed to toggle: %v", err)
	}
	if status != PinTodo {
		t.Fatalf("expected todo, got %q", status)
	}

	status, err = s.TogglePin(0)
	if err != nil {
		t.Fatalf("failed to toggle: %v", err)
	}
	if status != PinDone {
		t.Fatalf("expected done, got %q", status)
	}

	status, err = s.TogglePin(0)
	if err != nil {
		t.Fatalf("failed to toggle: %v", err)
	}
	if status != "" {
		t.Fatalf("expected removal, got %q", status)
	}
	if len(s.Pins()) != 0 {
		t.Fatalf("expected no pins, got %v", s.Pins())
	}
}

func TestPinUnknownMessage(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.TogglePin(5); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if err := s.SetPin(5, PinTodo); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if err := s.SetPin(5, "starred"); !errors.Is(err, ErrBadPinStatus) {
		t.Fatalf("expected ErrBadPinStatus, got %v", err)
	}
}

func TestDeleteImpliesUnpin(t *testing.T) {
	s, _ := openTestStore(t)
	appendText(t, s, "user", "", "doomed")
	appendText(t, s, "user", "", "survivor")
	if err := s.SetPin(0, PinTodo); err != nil {
		t.Fatalf("failed to pin: %v", err)
	}
	if err := s.SetPin(1, PinDone); err != nil {
		t.Fatalf("failed to pin: %v", err)
	}

	var pinEvents []Event
	s.Subscribe(EventPin, func(ev Event) { pinEvents = append(pinEvents, ev) })

	if _, err := s.Delete([]int64{0}); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	pins := s.Pins()
	if len(pins) != 1 || pins[1] != PinDone {
		t.Fatalf("expected only message 1 pinned, got %v", pins)
	}
	if len(pinEvents) != 1 || pinEvents[0].PinID != 0 || pinEvents[0].PinStatus != "" {
		t.Fatalf("expected one unpin event for id 0, got %+v", pinEvents)
	}
}

func TestPinsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_log")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	appendText(t, s, "user", "", "kept")
	if err := s.SetPin(0, PinDone); err != nil {
		t.Fatalf("failed to pin: %v", err)
	}
	s.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()
	if got := s2.PinStatus(0); got != PinDone {
		t.Fatalf("expected done after reopen, got %q", got)
	}
}

func TestStalePinsDroppedOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_log")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	appendText(t, s, "user", "", "real")
	s.Close()

	// Pin file referencing a message that does not exist.
	pins := []byte(`{"0": "todo", "99": "done", "bogus": "todo"}`)
	if err := os.WriteFile(filepath.Join(dir, "pins"), pins, 0o644); err != nil {
		t.Fatalf("failed to seed pins: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()
	got := s2.Pins()
	if len(got) != 1 || got[0] != PinTodo {
		t.Fatalf("expected only pin 0 to survive, got %v", got)
	}
}
