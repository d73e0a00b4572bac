// Package router matches signal type paths against registered route patterns.
//
// Patterns are dot-separated paths where "*" matches exactly one segment and
// "**" matches zero or more. Matches are ordered by a precomputed complexity
// score and then by priority, so literal routes outrank wildcard routes.
package router

import (
	"errors"
	"fmt"

	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Sentinel errors for the router package.
var (
	// ErrNoHandlers is the normal outcome when nothing matches a signal.
	ErrNoHandlers = errors.New("no handlers found")

	ErrInvalidPath     = errors.New("invalid route path")
	ErrInvalidPriority = errors.New("invalid route priority")
	ErrInvalidMatch    = errors.New("invalid match predicate")
	ErrInvalidTarget   = errors.New("invalid route target")
)

// ValidationError describes why a route was rejected.
type ValidationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("route %q: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Predicate filters signals by content beyond the path.
type Predicate func(*signal.Signal) bool

// Route binds a path pattern to a dispatch target.
type Route struct {
	Path     string
	Target   dispatch.Target
	Priority int
	Match    Predicate

	// Owner is the id of the subscription that created the route, if any.
	Owner string
}

// Entry is one matched handler, in dispatch order.
type Entry struct {
	Path       string
	Target     dispatch.Target
	Priority   int
	Complexity int
	Owner      string
}

// handler is the stored form of a route at its terminal trie node.
type handler struct {
	path       string
	target     dispatch.Target
	priority   int
	complexity int
	owner      string
	match      Predicate
}

func (h handler) entry() Entry {
	return Entry{
		Path:       h.path,
		Target:     h.target,
		Priority:   h.priority,
		Complexity: h.complexity,
		Owner:      h.owner,
	}
}

func (h handler) route() Route {
	return Route{
		Path:     h.path,
		Target:   h.target,
		Priority: h.priority,
		Match:    h.match,
		Owner:    h.owner,
	}
}

// outranks reports whether a sorts strictly before b.
func (h handler) outranks(o handler) bool {
	if h.complexity != o.complexity {
		return h.complexity > o.complexity
	}
	return h.priority > o.priority
}
