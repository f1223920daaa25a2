package events

import (
	"sync"

	"github.com/bobby-ai-dev/manna-protocol/core/types"
)

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can be flattened for sinks such as
// the journal or websocket subscribers.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. API streams,
// journals, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each non-nil emitter in order.
type Multi []Emitter

func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Flatten returns the payload of evt, or a bare payload carrying only the
// type when evt does not expose attributes.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if p, ok := evt.(Payload); ok {
		if out := p.Event(); out != nil {
			return out
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Recorder keeps every emitted event. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *Recorder) Emit(evt Event) {
	flat := Flatten(evt)
	if flat == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, flat)
	r.mu.Unlock()
}

// Events returns a copy of the recorded payloads.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}
