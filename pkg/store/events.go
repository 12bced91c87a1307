package store

// EventKind selects which subscribers an event reaches.
type EventKind string

// Event kinds emitted by the store.
const (
	EventMessage  EventKind = "message"
	EventDelete   EventKind = "delete"
	EventClear    EventKind = "clear"
	EventChannels EventKind = "channels"
	EventRenamed  EventKind = "channel_renamed"
	EventSettings EventKind = "settings"
	EventPin      EventKind = "pin"
	EventDecision EventKind = "decision"
)

// Decision event actions.
const (
	DecisionProposed   = "propose"
	DecisionApproved   = "approve"
	DecisionUnapproved = "unapprove"
	DecisionEdited     = "edit"
	DecisionDeleted    = "delete"
)

// Event is delivered to subscribers after the durable write succeeds.
// Only the fields for its Kind are set.
type Event struct {
	Kind      EventKind
	Message   *Message       // EventMessage
	Deleted   []int64        // EventDelete
	Channel   string         // EventClear; empty means all channels
	Channels  []string       // EventChannels
	OldName   string         // EventRenamed
	NewName   string         // EventRenamed
	Settings  map[string]any // EventSettings
	PinID     int64          // EventPin
	PinStatus string         // EventPin; empty means removed
	Action    string         // EventDecision
	Decision  *Decision      // EventDecision
}

// Subscribe registers a callback for one event kind. Callbacks run
// synchronously in the order events were committed; a callback may call
// back into the store (its events queue behind the one in flight).
func (s *Store) Subscribe(kind EventKind, fn func(Event)) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.subs[kind] = append(s.subs[kind], fn)
}

// enqueue must run while holding s.mu so queue order matches id order.
func (s *Store) enqueue(ev Event) {
	s.evMu.Lock()
	s.queue = append(s.queue, ev)
	s.evMu.Unlock()
}

// drain delivers queued events. The first goroutine in becomes the
// dispatcher and drains everything, including events enqueued by the
// callbacks it runs; later goroutines return immediately.
func (s *Store) drain() {
	s.evMu.Lock()
	if s.delivering {
		s.evMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		subs := make([]func(Event), len(s.subs[ev.Kind]))
		copy(subs, s.subs[ev.Kind])
		s.evMu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
		s.evMu.Lock()
	}
	s.delivering = false
	s.evMu.Unlock()
}
