// Package dispatch delivers signals to subscriber targets.
//
// Targets are a closed set of variants behind one Dispatcher:
//   - Func: an in-process handler function
//   - Mailbox: a buffered channel owned by a consumer goroutine
//   - NATS: a subject published through a Publisher
//   - Log: writes the signal to the dispatcher's logger
//   - Multi: a composite expanded into its members
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Kind identifies a target variant.
type Kind string

const (
	KindFunc    Kind = "func"
	KindMailbox Kind = "mailbox"
	KindNATS    Kind = "nats"
	KindLog     Kind = "log"
	KindMulti   Kind = "multi"
)

// Target describes where a signal goes.
type Target interface {
	Kind() Kind
	String() string
}

// Liveness is implemented by targets that can go away, such as a closed mailbox.
type Liveness interface {
	Alive() bool
}

// Alive reports whether t can still accept signals. Targets without a
// liveness notion are always alive.
func Alive(t Target) bool {
	if t == nil {
		return false
	}
	if l, ok := t.(Liveness); ok {
		return l.Alive()
	}
	return true
}

// HandlerFunc handles one signal in-process.
type HandlerFunc func(ctx context.Context, sig *signal.Signal) error

// Func is an in-process handler target.
type Func struct {
	Name string
	Fn   HandlerFunc
}

// NewFunc wraps fn as a target.
func NewFunc(name string, fn HandlerFunc) *Func {
	return &Func{Name: name, Fn: fn}
}

func (f *Func) Kind() Kind     { return KindFunc }
func (f *Func) String() string { return "func:" + f.Name }

// Mailbox is a buffered channel target, the in-process analogue of a
// process handle. It stays alive until Close.
type Mailbox struct {
	name   string
	ch     chan *signal.Signal
	mu     sync.RWMutex
	closed bool
}

// NewMailbox creates a mailbox with the given buffer size.
func NewMailbox(name string, size int) *Mailbox {
	if size <= 0 {
		size = 1
	}
	return &Mailbox{name: name, ch: make(chan *signal.Signal, size)}
}

func (m *Mailbox) Kind() Kind     { return KindMailbox }
func (m *Mailbox) String() string { return "mailbox:" + m.name }

// C returns the receive side of the mailbox.
func (m *Mailbox) C() <-chan *signal.Signal { return m.ch }

// Alive reports whether the mailbox is open.
func (m *Mailbox) Alive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close marks the mailbox dead and closes its channel.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// send never blocks: a full buffer is an error.
func (m *Mailbox) send(sig *signal.Signal) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- sig:
		return nil
	default:
		return ErrMailboxFull
	}
}

// NATS publishes the signal to a subject.
type NATS struct {
	Subject string
}

func (n NATS) Kind() Kind     { return KindNATS }
func (n NATS) String() string { return "nats:" + n.Subject }

// Log writes the signal to the dispatcher logger.
type Log struct {
	Name string
}

func (l Log) Kind() Kind     { return KindLog }
func (l Log) String() string { return "log:" + l.Name }

// Multi is a composite target.
type Multi []Target

func (m Multi) Kind() Kind { return KindMulti }

func (m Multi) String() string {
	parts := make([]string, len(m))
	for i, t := range m {
		parts[i] = t.String()
	}
	return fmt.Sprintf("multi[%s]", strings.Join(parts, ","))
}

// Expand flattens nested composites into their leaf targets.
func Expand(t Target) []Target {
	m, ok := t.(Multi)
	if !ok {
		if t == nil {
			return nil
		}
		return []Target{t}
	}
	var out []Target
	for _, member := range m {
		out = append(out, Expand(member)...)
	}
	return out
}
