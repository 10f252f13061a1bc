package session

import "fmt"

// State is the lifecycle position of a Session.
type State int

const (
	// StateIdle is a session that has not started.
	StateIdle State = iota
	// StateRetrieving is embedding the query and searching the index.
	StateRetrieving
	// StateGenerating is consuming the provider stream.
	StateGenerating
	// StateCompleted means the provider stream ended normally.
	StateCompleted
	// StateCancelled means the session was stopped or its connection closed.
	StateCancelled
	// StateFailed means retrieval or generation failed.
	StateFailed
)

// String returns the lowercase state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrieving:
		return "retrieving"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// EventType discriminates outbound events.
type EventType string

const (
	// EventDelta carries one generated fragment.
	EventDelta EventType = "delta"
	// EventDone ends a completed or cancelled session.
	EventDone EventType = "done"
	// EventError ends a failed session.
	EventError EventType = "error"
)

// Event is one outbound message of a session. Seq starts at 1 and increases
// by one per event within a session.
type Event struct {
	// Type is delta, done or error.
	Type EventType `json:"type"`
	// Content is the generated fragment of a delta event.
	Content string `json:"content,omitempty"`
	// Message is the diagnostic text of an error event.
	Message string `json:"message,omitempty"`
	// Seq is the per-session sequence number.
	Seq uint64 `json:"seq"`
}

// Sink receives a session's events in order. An Emit error is treated as the
// connection having closed: the session cancels itself.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) error { return f(ev) }
