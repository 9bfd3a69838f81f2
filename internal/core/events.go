package core

import (
	"context"
	"sync"
)

type EventType string

const (
	EventNodeStart  EventType = "node_start"
	EventRoute      EventType = "route"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventToken      EventType = "token"
	EventMessage    EventType = "message"
	EventStep       EventType = "step"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one item of a turn's output stream.
type Event struct {
	Type    EventType `json:"type"`
	Node    NodeName  `json:"node,omitempty"`
	Content string    `json:"content,omitempty"`
	// Tool and ToolCallID are set on tool events.
	Tool       string `json:"tool,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Step       int64  `json:"step,omitempty"`
	Err        error  `json:"-"`
}

// Emitter receives events produced while a node executes.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) {})

const streamBuffer = 64

// Stream is the single-consumer output of one turn. The producer closes the
// channel after the terminal event.
type Stream struct {
	SessionID string

	events chan Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(sessionID string, cancel context.CancelFunc) *Stream {
	return &Stream{
		SessionID: sessionID,
		events:    make(chan Event, streamBuffer),
		cancel:    cancel,
	}
}

// Events returns the channel of turn events. It is closed when the turn ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close stops the turn and waits for the producer to finish.
func (s *Stream) Close() {
	s.cancel()
	for range s.events {
	}
}

// Err returns the error that ended the turn, once Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Collect drains the stream and returns every event and the terminal error.
func (s *Stream) Collect() ([]Event, error) {
	var events []Event
	for ev := range s.events {
		events = append(events, ev)
	}
	return events, s.Err()
}

// Emit delivers ev unless the turn context has ended.
func (s *Stream) Emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}
