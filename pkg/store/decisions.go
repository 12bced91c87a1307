package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"agentchattr/pkg/utils"
)

// MaxDecisions caps the decision list. Proposing past the cap evicts the
// oldest non-approved decision into the archive; when every slot is
// approved the proposal is refused instead.
const MaxDecisions = 30

// MaxDecisionLen bounds decision text and approval reasons, in runes.
const MaxDecisionLen = 80

// Decision statuses.
const (
	StatusProposed = "proposed"
	StatusApproved = "approved"
)

const decisionsFile = "decisions"

// Decision is one entry on the shared decision board. Agents propose,
// the human approves. Ids are monotonic and never reused.
type Decision struct {
	ID     int64  `json:"id"`
	Owner  string `json:"owner"`
	Text   string `json:"text"`
	Reason string `json:"reason,omitempty"`
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

type decisionSnapshot struct {
	NextID    int64       `json:"next_id"`
	Decisions []*Decision `json:"decisions"`
}

func validateDecisionText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty", ErrDecisionLength)
	}
	if utf8.RuneCountInString(text) > MaxDecisionLen {
		return "", fmt.Errorf("%w: %d runes", ErrDecisionLength, utf8.RuneCountInString(text))
	}
	return text, nil
}

// ProposeDecision adds a new proposed decision owned by the given sender.
// At the cap the oldest non-approved decision is evicted to the archive;
// if all existing decisions are approved, ErrDecisionCap is returned.
func (s *Store) ProposeDecision(owner, text string) (*Decision, error) {
	text, err := validateDecisionText(text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var evicted *Decision
	if len(s.decisions) >= MaxDecisions {
		idx := -1
		for i, d := range s.decisions {
			if d.Status != StatusApproved {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.mu.Unlock()
			return nil, ErrDecisionCap
		}
		evicted = s.decisions[idx]
		if s.archive != nil {
			if err := s.archive.ArchiveDecision("decision_evicted", evicted); err != nil {
				s.mu.Unlock()
				return nil, err
			}
		}
		s.decisions = append(s.decisions[:idx], s.decisions[idx+1:]...)
	}

	d := &Decision{
		ID:     s.nextDecID,
		Owner:  owner,
		Text:   text,
		Status: StatusProposed,
		TS:     time.Now().Unix(),
	}
	s.nextDecID++
	s.decisions = append(s.decisions, d)
	if err := s.saveDecisionsLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if evicted != nil {
		cp := *evicted
		s.enqueue(Event{Kind: EventDecision, Action: DecisionDeleted, Decision: &cp})
	}
	out := *d
	s.enqueue(Event{Kind: EventDecision, Action: DecisionProposed, Decision: &out})
	s.mu.Unlock()
	s.drain()
	return &out, nil
}

// ApproveDecision marks a decision approved with an optional reason.
func (s *Store) ApproveDecision(id int64, reason string) (*Decision, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxDecisionLen {
		return nil, fmt.Errorf("%w: reason %d runes", ErrDecisionLength, utf8.RuneCountInString(reason))
	}
	return s.updateDecision(id, DecisionApproved, func(d *Decision) {
		d.Status = StatusApproved
		d.Reason = reason
	})
}

// UnapproveDecision returns an approved decision to proposed and clears
// its approval reason.
func (s *Store) UnapproveDecision(id int64) (*Decision, error) {
	return s.updateDecision(id, DecisionUnapproved, func(d *Decision) {
		d.Status = StatusProposed
		d.Reason = ""
	})
}

// EditDecision replaces a decision's text. Status is untouched.
func (s *Store) EditDecision(id int64, text string) (*Decision, error) {
	text, err := validateDecisionText(text)
	if err != nil {
		return nil, err
	}
	return s.updateDecision(id, DecisionEdited, func(d *Decision) {
		d.Text = text
	})
}

// DeleteDecision removes a decision outright. The id is not reused.
func (s *Store) DeleteDecision(id int64) error {
	s.mu.Lock()
	idx := s.decisionIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDecision, id)
	}
	removed := s.decisions[idx]
	s.decisions = append(s.decisions[:idx], s.decisions[idx+1:]...)
	if err := s.saveDecisionsLocked(); err != nil {
		s.decisions = append(s.decisions, nil)
		copy(s.decisions[idx+1:], s.decisions[idx:])
		s.decisions[idx] = removed
		s.mu.Unlock()
		return err
	}
	cp := *removed
	s.enqueue(Event{Kind: EventDecision, Action: DecisionDeleted, Decision: &cp})
	s.mu.Unlock()
	s.drain()
	return nil
}

// Decisions returns a copy of the decision list in proposal order.
func (s *Store) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, len(s.decisions))
	for i, d := range s.decisions {
		out[i] = *d
	}
	return out
}

func (s *Store) updateDecision(id int64, action string, mutate func(*Decision)) (*Decision, error) {
	s.mu.Lock()
	idx := s.decisionIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownDecision, id)
	}
	prev := *s.decisions[idx]
	mutate(s.decisions[idx])
	if err := s.saveDecisionsLocked(); err != nil {
		*s.decisions[idx] = prev
		s.mu.Unlock()
		return nil, err
	}
	out := *s.decisions[idx]
	s.enqueue(Event{Kind: EventDecision, Action: action, Decision: &out})
	s.mu.Unlock()
	s.drain()
	return &out, nil
}

func (s *Store) decisionIndexLocked(id int64) int {
	for i, d := range s.decisions {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) decisionsPath() string {
	return filepath.Join(s.dir, decisionsFile)
}

// loadDecisions reads the decision snapshot. A malformed file starts the
// board empty rather than failing startup.
func (s *Store) loadDecisions() error {
	data, err := os.ReadFile(s.decisionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read decisions: %w", err)
	}

	var snap decisionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("Decision file is malformed, starting with none: %v", err)
		return nil
	}
	s.decisions = snap.Decisions
	s.nextDecID = snap.NextID
	for _, d := range s.decisions {
		if d.ID >= s.nextDecID {
			s.nextDecID = d.ID + 1
		}
	}
	return nil
}

func (s *Store) saveDecisionsLocked() error {
	snap := decisionSnapshot{NextID: s.nextDecID, Decisions: s.decisions}
	if snap.Decisions == nil {
		snap.Decisions = []*Decision{}
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode decisions: %w", err)
	}
	if err := utils.WriteFileAtomic(s.decisionsPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to save decisions: %w", err)
	}
	return nil
}
