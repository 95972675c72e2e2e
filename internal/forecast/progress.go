package forecast

import (
	"sync"

	"github.com/google/uuid"
)

// EventType tags a progress event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventUnitCompleted EventType = "unit_completed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
)

// Event is one entry in a streaming request's ordered event sequence. Exactly
// one terminal event (Completed or Failed) is ever emitted; nothing follows
// it.
type Event struct {
	Type      EventType `json:"type"`
	Completed int       `json:"completed,omitempty"`
	Total     int       `json:"total,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	ErrorKind Kind      `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StreamState is the emitter's lifecycle position.
type StreamState uint8

const (
	StreamPending StreamState = iota
	StreamRunning
	StreamCompleted
	StreamFailed
)

// Stream carries progress events from a running computation to one consumer.
// Unit-completion events arrive in settle order; the terminal Completed
// event's payload holds the fully ordered result. If the consumer goes away
// it calls Cancel: units already dispatched run to completion (and their
// datasets stay cached), but no further events are emitted and no further
// units are dispatched.
type Stream struct {
	ID string

	mu        sync.Mutex
	state     StreamState
	cancelled bool
	ch        chan Event
}

func newStream(buffer int) *Stream {
	return &Stream{
		ID: uuid.NewString(),
		ch: make(chan Event, buffer),
	}
}

// Events is the ordered event sequence. The channel closes after the terminal
// event, or after Cancel.
func (s *Stream) Events() <-chan Event { return s.ch }

// State returns the emitter's current lifecycle position.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel tells the emitter its consumer is gone. Idempotent.
func (s *Stream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	if s.state != StreamCompleted && s.state != StreamFailed {
		close(s.ch)
	}
}

// stopDispatch implements the engine's dispatch gate.
func (s *Stream) stopDispatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Stream) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamPending || s.cancelled {
		return
	}
	s.state = StreamRunning
	s.send(Event{Type: EventStarted})
}

// unitDone implements the engine's progress sink.
func (s *Stream) unitDone(completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.state != StreamRunning {
		return
	}
	s.send(Event{Type: EventUnitCompleted, Completed: completed, Total: total})
}

func (s *Stream) complete(res *Result) {
	s.terminal(StreamCompleted, Event{Type: EventCompleted, Result: res})
}

func (s *Stream) fail(err error) {
	s.terminal(StreamFailed, Event{Type: EventFailed, ErrorKind: KindOf(err), Error: err.Error()})
}

func (s *Stream) terminal(state StreamState, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamCompleted || s.state == StreamFailed {
		return
	}
	s.state = state
	if s.cancelled {
		// Channel already closed; the result was still computed and cached.
		return
	}
	s.send(ev)
	close(s.ch)
}

// send must be called with mu held; the channel is sized so writes never
// block, but a stalled consumer drops progress rather than wedging the
// computation.
func (s *Stream) send(ev Event) {
	select {
	case s.ch <- ev:
	default:
	}
}
