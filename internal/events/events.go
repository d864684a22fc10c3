// Package events defines the state-transition events published by the
// scheduler, session orchestrators and lease holder, and a fan-out bus that
// feeds them to the web API, the TUI and the result store.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type discriminates events
type Type string

const (
	TypeRunStarted      Type = "run_started"
	TypeRunFinished     Type = "run_finished"
	TypePassStarted     Type = "pass_started"
	TypePassFinished    Type = "pass_finished"
	TypeJobState        Type = "job_state"
	TypeJobElapsed      Type = "job_elapsed"
	TypeSessionLaunched Type = "session_launched"
	TypeSessionStopped  Type = "session_stopped"
	TypeProblemDevice   Type = "problem_device"
	TypeLeaseLost       Type = "lease_lost"
	// TypeDevicesAvailable carries "free/total" pooled devices in Detail
	TypeDevicesAvailable Type = "devices_available"
)

// Event is one state transition
type Event struct {
	Type   Type      `json:"type"`
	Time   time.Time `json:"time"`
	RunID  string    `json:"run_id,omitempty"`
	Job    string    `json:"job,omitempty"`
	Pass   int       `json:"pass,omitempty"`
	State  string    `json:"state,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Envelope wraps an event with a type discriminator for streaming clients
type Envelope struct {
	Type    Type  `json:"type"`
	Payload Event `json:"payload"`
}

// Marshal encodes e inside an Envelope
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: e.Type, Payload: e})
}

// Handler receives events
type Handler func(Event)

// Emit calls h if it is non-nil, stamping the event time when unset
func Emit(h Handler, e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h(e)
}

// Bus fans events out to subscribers. Slow subscribers miss events rather
// than blocking the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	recent  []Event
	keep    int
	dropped int
}

// NewBus creates a bus remembering the last keep events
func NewBus(keep int) *Bus {
	if keep <= 0 {
		keep = 100
	}
	return &Bus{subs: make(map[int]chan Event), keep: keep}
}

// Publish delivers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, e)
	if len(b.recent) > b.keep {
		b.recent = b.recent[len(b.recent)-b.keep:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel of future events and a func that closes it
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns a copy of the remembered events, oldest first
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.recent...)
}

// Dropped returns how many deliveries were skipped for full subscribers
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
