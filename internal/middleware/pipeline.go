package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

type stage struct {
	mw      Middleware
	timeout time.Duration
}

// Pipeline is an ordered list of stages. It is configured before use and
// read-only afterwards, so it can be shared across partitions.
type Pipeline struct {
	stages         []stage
	defaultTimeout time.Duration
	logger         *zap.Logger
	observer       telemetry.Observer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for swallowed after-hook faults.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithObserver sets the telemetry sink.
func WithObserver(o telemetry.Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithDefaultTimeout sets the timeout for stages added without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.defaultTimeout = d }
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		defaultTimeout: constants.DefaultMiddlewareTimeout,
		logger:         zap.NewNop(),
		observer:       telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Use appends a stage. A non-positive timeout selects the default.
func (p *Pipeline) Use(mw Middleware, timeout time.Duration) {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	p.stages = append(p.stages, stage{mw: mw, timeout: timeout})
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// BeforePublish threads the batch through every BeforePublisher. The first
// fault aborts and is returned.
func (p *Pipeline) BeforePublish(ctx context.Context, mc *Context, signals []*signal.Signal) ([]*signal.Signal, error) {
	for _, st := range p.stages {
		h, ok := st.mw.(BeforePublisher)
		if !ok {
			continue
		}
		in := signals
		out, err := invoke(ctx, p, st, HookBeforePublish, func(ctx context.Context) ([]*signal.Signal, error) {
			return h.BeforePublish(ctx, mc, in)
		})
		if err != nil {
			return nil, err
		}
		signals = out
	}
	return signals, nil
}

// AfterPublish runs every AfterPublisher; faults are logged.
func (p *Pipeline) AfterPublish(ctx context.Context, mc *Context, signals []*signal.Signal) {
	for _, st := range p.stages {
		h, ok := st.mw.(AfterPublisher)
		if !ok {
			continue
		}
		_, err := invoke(ctx, p, st, HookAfterPublish, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.AfterPublish(ctx, mc, signals)
		})
		if err != nil {
			p.logger.Warn("after_publish middleware failed",
				zap.String("stage", st.mw.Name()), zap.Error(err))
		}
	}
}

type dispatchDecision struct {
	action Action
	sig    *signal.Signal
}

// BeforeDispatch threads one delivery through every BeforeDispatcher. Skip
// short-circuits the remaining stages; a fault is returned as an error.
func (p *Pipeline) BeforeDispatch(ctx context.Context, mc *Context, sig *signal.Signal, sub *subscription.Subscription) (Action, *signal.Signal, error) {
	for _, st := range p.stages {
		h, ok := st.mw.(BeforeDispatcher)
		if !ok {
			continue
		}
		in := sig
		d, err := invoke(ctx, p, st, HookBeforeDispatch, func(ctx context.Context) (dispatchDecision, error) {
			action, out, err := h.BeforeDispatch(ctx, mc, in, sub)
			return dispatchDecision{action: action, sig: out}, err
		})
		if err != nil {
			return Continue, nil, err
		}
		if d.action == Skip {
			return Skip, nil, nil
		}
		if d.sig != nil {
			sig = d.sig
		}
	}
	return Continue, sig, nil
}

// AfterDispatch runs every AfterDispatcher with the transport result;
// faults are logged.
func (p *Pipeline) AfterDispatch(ctx context.Context, mc *Context, sig *signal.Signal, sub *subscription.Subscription, result error) {
	for _, st := range p.stages {
		h, ok := st.mw.(AfterDispatcher)
		if !ok {
			continue
		}
		_, err := invoke(ctx, p, st, HookAfterDispatch, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.AfterDispatch(ctx, mc, sig, sub, result)
		})
		if err != nil {
			p.logger.Warn("after_dispatch middleware failed",
				zap.String("stage", st.mw.Name()), zap.Error(err))
		}
	}
}

type outcome[T any] struct {
	val T
	err error
}

// invoke runs fn in its own goroutine bounded by the stage timeout. On
// timeout the stage context is cancelled and the goroutine is abandoned;
// its late result is discarded.
func invoke[T any](ctx context.Context, p *Pipeline, st stage, hook string, fn func(context.Context) (T, error)) (T, error) {
	name := st.mw.Name()
	cctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	p.observer.Observe(constants.EventMiddlewareStart, telemetry.Fields{
		"stage": name,
		"hook":  hook,
	})
	start := time.Now()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{val: zero, err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(cctx)
		done <- outcome[T]{val: v, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
	case <-cctx.Done():
		res.err = ErrTimeout
		if ctx.Err() != nil {
			res.err = ctx.Err()
		}
	}
	if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = ErrTimeout
	}

	fields := telemetry.Fields{
		"stage":    name,
		"hook":     hook,
		"duration": time.Since(start),
	}
	if res.err != nil {
		if !errors.Is(res.err, ErrHalted) {
			fields["error"] = res.err.Error()
			p.observer.Observe(constants.EventMiddlewareException, fields)
		}
		var zero T
		return zero, &StageError{Stage: name, Hook: hook, Err: res.err}
	}
	p.observer.Observe(constants.EventMiddlewareStop, fields)
	return res.val, nil
}
