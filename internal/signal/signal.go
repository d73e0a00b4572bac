// Package signal provides the unified signal envelope for signalbus.
// Publishers build signals; the bus stamps them with a log id and routes
// them to subscribers by their dot-separated type path.
package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

// ErrInvalidSignal is returned for nil signals and malformed type paths.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is the envelope flowing through the bus.
//
// Type is a dot-separated path such as "user.created". Data is opaque to the
// bus. LogID is empty until the bus records the signal; the recorded copy
// carries it, and durable subscribers acknowledge by it.
type Signal struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source,omitempty"`
	Data          any       `json:"data,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
	LogID         string    `json:"log_id,omitempty"`
}

// Option customises a Signal built by New.
type Option func(*Signal)

// WithCorrelationID links the signal to a causal chain.
func WithCorrelationID(id string) Option {
	return func(s *Signal) { s.CorrelationID = id }
}

// WithTime overrides the signal creation time.
func WithTime(t time.Time) Option {
	return func(s *Signal) { s.Time = t }
}

// WithID overrides the generated id.
func WithID(id string) Option {
	return func(s *Signal) { s.ID = id }
}

// New builds a signal with a fresh id and validates its type path.
func New(typ, source string, data any, opts ...Option) (*Signal, error) {
	s := &Signal{
		ID:     NewID(),
		Type:   typ,
		Source: source,
		Data:   data,
		Time:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the type path: non-empty, no empty segments.
func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil signal", ErrInvalidSignal)
	}
	if s.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidSignal)
	}
	for _, seg := range strings.Split(s.Type, constants.PathSeparator) {
		if seg == "" {
			return fmt.Errorf("%w: type %q has an empty segment", ErrInvalidSignal, s.Type)
		}
	}
	return nil
}

// Segments splits the type path.
func (s *Signal) Segments() []string {
	return strings.Split(s.Type, constants.PathSeparator)
}

// WithLogID returns a shallow copy stamped with the bus log id.
// Data is shared with the original.
func (s *Signal) WithLogID(id string) *Signal {
	cp := *s
	cp.LogID = id
	return &cp
}

// Recorded is one entry of the bus log.
type Recorded struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Signal    *Signal   `json:"signal"`
}

// Timestamp returns the millisecond timestamp embedded in the log id.
// Entries produced by the bus always carry a valid id.
func (r Recorded) Timestamp() int64 {
	ms, _ := Timestamp(r.ID)
	return ms
}
