// Package middleware runs ordered, time-boxed hooks around publish and
// dispatch.
//
// A stage implements any subset of BeforePublisher, AfterPublisher,
// BeforeDispatcher and AfterDispatcher. Stages run in registration order
// for every hook. Faults in before hooks abort the operation; faults in
// after hooks are logged and swallowed.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
)

// Sentinel errors for the middleware package.
var (
	ErrTimeout = errors.New("middleware timed out")
	ErrHalted  = errors.New("middleware halted")
	ErrPanic   = errors.New("middleware panicked")
)

// Hook names used in telemetry and errors.
const (
	HookBeforePublish  = "before_publish"
	HookAfterPublish   = "after_publish"
	HookBeforeDispatch = "before_dispatch"
	HookAfterDispatch  = "after_dispatch"
)

// Action is the decision of a before_dispatch hook.
type Action int

const (
	// Continue hands the signal to the transport.
	Continue Action = iota
	// Skip drops the signal for this subscriber without error.
	Skip
)

func (a Action) String() string {
	if a == Skip {
		return "skip"
	}
	return "continue"
}

// HaltError stops the operation with a reason.
type HaltError struct {
	Reason string
}

func (e *HaltError) Error() string { return "halted: " + e.Reason }

func (e *HaltError) Is(target error) bool { return target == ErrHalted }

// Halt returns an error that stops the current publish or dispatch.
func Halt(reason string) error {
	return &HaltError{Reason: reason}
}

// StageError wraps a fault raised by one stage.
type StageError struct {
	Stage string
	Hook  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("middleware %s %s: %v", e.Stage, e.Hook, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Context carries per-call information into hooks.
type Context struct {
	BusName   string
	Partition int
	Timestamp time.Time
}

// Middleware is a named pipeline stage. State a stage needs across calls
// lives in the stage value itself and must be safe for concurrent use.
type Middleware interface {
	Name() string
}

// BeforePublisher may rewrite the batch or halt the publish.
type BeforePublisher interface {
	Middleware
	BeforePublish(ctx context.Context, mc *Context, signals []*signal.Signal) ([]*signal.Signal, error)
}

// AfterPublisher observes a completed publish.
type AfterPublisher interface {
	Middleware
	AfterPublish(ctx context.Context, mc *Context, signals []*signal.Signal) error
}

// BeforeDispatcher may rewrite, skip or halt one delivery.
type BeforeDispatcher interface {
	Middleware
	BeforeDispatch(ctx context.Context, mc *Context, sig *signal.Signal, sub *subscription.Subscription) (Action, *signal.Signal, error)
}

// AfterDispatcher observes the transport result of one delivery.
type AfterDispatcher interface {
	Middleware
	AfterDispatch(ctx context.Context, mc *Context, sig *signal.Signal, sub *subscription.Subscription, result error) error
}
