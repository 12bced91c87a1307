package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"agentchattr/pkg/utils"
)

// Pin statuses. A pinned message is either an open todo or done; removal
// equals absence.
const (
	PinTodo = "todo"
	PinDone = "done"
)

const pinsFile = "pins"

// SetPin pins a message with the given status. The message must exist.
func (s *Store) SetPin(id int64, status string) error {
	if status != PinTodo && status != PinDone {
		return fmt.Errorf("%w: %q", ErrBadPinStatus, status)
	}
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	s.pins[id] = status
	if err := s.savePinsLocked(); err != nil {
		delete(s.pins, id)
		s.mu.Unlock()
		return err
	}
	s.enqueue(Event{Kind: EventPin, PinID: id, PinStatus: status})
	s.mu.Unlock()
	s.drain()
	return nil
}

// TogglePin advances a pin through its lifecycle: unpinned messages become
// todo, todo becomes done, done is removed. Returns the new status, empty
// when the pin was removed.
func (s *Store) TogglePin(id int64) (string, error) {
	s.mu.Lock()
	prev, pinned := s.pins[id]
	var next string
	switch {
	case !pinned:
		if _, ok := s.byID[id]; !ok {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %d", ErrUnknownMessage, id)
		}
		next = PinTodo
		s.pins[id] = next
	case prev == PinTodo:
		next = PinDone
		s.pins[id] = next
	default:
		next = ""
		delete(s.pins, id)
	}
	if err := s.savePinsLocked(); err != nil {
		if pinned {
			s.pins[id] = prev
		} else {
			delete(s.pins, id)
		}
		s.mu.Unlock()
		return "", err
	}
	s.enqueue(Event{Kind: EventPin, PinID: id, PinStatus: next})
	s.mu.Unlock()
	s.drain()
	return next, nil
}

// RemovePin clears a pin. Removing an absent pin is a no-op.
func (s *Store) RemovePin(id int64) error {
	s.mu.Lock()
	prev, ok := s.pins[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.pins, id)
	if err := s.savePinsLocked(); err != nil {
		s.pins[id] = prev
		s.mu.Unlock()
		return err
	}
	s.enqueue(Event{Kind: EventPin, PinID: id, PinStatus: ""})
	s.mu.Unlock()
	s.drain()
	return nil
}

// Pins returns a copy of the pin map.
func (s *Store) Pins() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.pins))
	for id, status := range s.pins {
		out[id] = status
	}
	return out
}

// PinStatus returns the pin status for a message, empty when unpinned.
func (s *Store) PinStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[id]
}

func (s *Store) pinsPath() string {
	return filepath.Join(s.dir, pinsFile)
}

// loadPins reads the pin snapshot and drops entries whose message no
// longer exists. Runs during Open, after replay.
func (s *Store) loadPins() error {
	data, err := os.ReadFile(s.pinsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pins: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("Pin file is malformed, starting with no pins: %v", err)
		return nil
	}

	stale := false
	for key, status := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || (status != PinTodo && status != PinDone) {
			stale = true
			continue
		}
		if _, ok := s.byID[id]; !ok {
			stale = true
			continue
		}
		s.pins[id] = status
	}
	if stale {
		if err := s.savePinsLocked(); err != nil {
			s.logger.Warn("Failed to rewrite pins after cleanup: %v", err)
		}
	}
	return nil
}

func (s *Store) savePinsLocked() error {
	raw := make(map[string]string, len(s.pins))
	for id, status := range s.pins {
		raw[strconv.FormatInt(id, 10)] = status
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pins: %w", err)
	}
	if err := utils.WriteFileAtomic(s.pinsPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to save pins: %w", err)
	}
	return nil
}
