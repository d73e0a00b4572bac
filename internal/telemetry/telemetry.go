// Package telemetry defines the Observer port used by every bus component
// to emit named events with structured fields. Emission is fire-and-forget.
package telemetry

import (
	"sync"

	"go.uber.org/zap"
)

// Fields carries measurements and metadata for one event.
type Fields map[string]any

// Observer receives telemetry events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Observe(event string, fields Fields)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Observe(string, Fields) {}

// Func adapts a function to the Observer interface.
type Func func(event string, fields Fields)

func (f Func) Observe(event string, fields Fields) { f(event, fields) }

// Multi fans an event out to several observers in order.
type Multi []Observer

func (m Multi) Observe(event string, fields Fields) {
	for _, o := range m {
		o.Observe(event, fields)
	}
}

// Zap logs every event at debug level.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates an observer that writes events to logger.
func NewZap(logger *zap.Logger) *Zap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zap{logger: logger}
}

func (z *Zap) Observe(event string, fields Fields) {
	if ce := z.logger.Check(zap.DebugLevel, event); ce != nil {
		zf := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zf = append(zf, zap.Any(k, v))
		}
		ce.Write(zf...)
	}
}

// Event is one observation captured by a Recorder.
type Event struct {
	Name   string
	Fields Fields
}

// Recorder keeps every observed event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(event string, fields Fields) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, Fields: fields})
	r.mu.Unlock()
}

// Events returns a copy of the captured events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events with the given name were captured.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Find returns the captured events with the given name.
func (r *Recorder) Find(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
