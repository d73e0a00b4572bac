package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

// recorder is a stage that implements every hook and logs its calls.
type recorder struct {
	name string
	mu   *sync.Mutex
	log  *[]string

	beforePublishErr  error
	afterPublishErr   error
	beforeDispatchAct Action
	beforeDispatchErr error
	afterDispatchErr  error
	delay             time.Duration
	rename            string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) note(hook string) {
	r.mu.Lock()
	*r.log = append(*r.log, r.name+":"+hook)
	r.mu.Unlock()
}

func (r *recorder) wait(ctx context.Context) error {
	if r.delay == 0 {
		return nil
	}
	select {
	case <-time.After(r.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recorder) BeforePublish(ctx context.Context, _ *Context, signals []*signal.Signal) ([]*signal.Signal, error) {
	r.note(HookBeforePublish)
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return signals, r.beforePublishErr
}

func (r *recorder) AfterPublish(context.Context, *Context, []*signal.Signal) error {
	r.note(HookAfterPublish)
	return r.afterPublishErr
}

func (r *recorder) BeforeDispatch(_ context.Context, _ *Context, sig *signal.Signal, _ *subscription.Subscription) (Action, *signal.Signal, error) {
	r.note(HookBeforeDispatch)
	if r.rename != "" {
		cp := *sig
		cp.Type = r.rename
		sig = &cp
	}
	return r.beforeDispatchAct, sig, r.beforeDispatchErr
}

func (r *recorder) AfterDispatch(context.Context, *Context, *signal.Signal, *subscription.Subscription, error) error {
	r.note(HookAfterDispatch)
	return r.afterDispatchErr
}

// publishOnly implements a single hook.
type publishOnly struct{ calls int }

func (p *publishOnly) Name() string { return "publish-only" }

func (p *publishOnly) AfterPublish(context.Context, *Context, []*signal.Signal) error {
	p.calls++
	return nil
}

func newRecorders(names ...string) ([]*recorder, *[]string) {
	var mu sync.Mutex
	var log []string
	out := make([]*recorder, len(names))
	for i, n := range names {
		out[i] = &recorder{name: n, mu: &mu, log: &log}
	}
	return out, &log
}

func testSignal(t *testing.T) *signal.Signal {
	t.Helper()
	s, err := signal.New("user.created", "test", nil)
	require.NoError(t, err)
	return s
}

var mc = &Context{BusName: "test"}

func TestRegistrationOrderForAllHooks(t *testing.T) {
	rs, log := newRecorders("a", "b")
	p := New()
	p.Use(rs[0], 0)
	p.Use(rs[1], 0)
	p.Use(&publishOnly{}, 0)
	sub := &subscription.Subscription{ID: "s1"}
	sig := testSignal(t)

	_, err := p.BeforePublish(context.Background(), mc, []*signal.Signal{sig})
	require.NoError(t, err)
	p.AfterPublish(context.Background(), mc, []*signal.Signal{sig})
	action, _, err := p.BeforeDispatch(context.Background(), mc, sig, sub)
	require.NoError(t, err)
	assert.Equal(t, Continue, action)
	p.AfterDispatch(context.Background(), mc, sig, sub, nil)

	assert.Equal(t, []string{
		"a:before_publish", "b:before_publish",
		"a:after_publish", "b:after_publish",
		"a:before_dispatch", "b:before_dispatch",
		"a:after_dispatch", "b:after_dispatch",
	}, *log)
	assert.Equal(t, 3, p.Len())
}

func TestBeforePublishHaltPropagates(t *testing.T) {
	rs, log := newRecorders("a", "b")
	rs[0].beforePublishErr = Halt("quota")
	p := New()
	p.Use(rs[0], 0)
	p.Use(rs[1], 0)

	_, err := p.BeforePublish(context.Background(), mc, []*signal.Signal{testSignal(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "a", se.Stage)
	assert.Equal(t, HookBeforePublish, se.Hook)
	assert.Equal(t, []string{"a:before_publish"}, *log)
}

func TestBeforePublishTimeout(t *testing.T) {
	rs, _ := newRecorders("slow")
	rs[0].delay = time.Second
	rec := &telemetry.Recorder{}
	p := New(WithObserver(rec))
	p.Use(rs[0], 20*time.Millisecond)

	start := time.Now()
	_, err := p.BeforePublish(context.Background(), mc, []*signal.Signal{testSignal(t)})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, rec.Count(constants.EventMiddlewareException))
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) BeforeDispatch(context.Context, *Context, *signal.Signal, *subscription.Subscription) (Action, *signal.Signal, error) {
	panic("boom")
}

func TestBeforeDispatchPanicBecomesError(t *testing.T) {
	p := New()
	p.Use(panicky{}, 0)
	_, _, err := p.BeforeDispatch(context.Background(), mc, testSignal(t), &subscription.Subscription{ID: "s"})
	assert.ErrorIs(t, err, ErrPanic)
}

func TestBeforeDispatchSkipShortCircuits(t *testing.T) {
	rs, log := newRecorders("a", "b")
	rs[0].beforeDispatchAct = Skip
	p := New()
	p.Use(rs[0], 0)
	p.Use(rs[1], 0)

	action, sig, err := p.BeforeDispatch(context.Background(), mc, testSignal(t), &subscription.Subscription{ID: "s"})
	require.NoError(t, err)
	assert.Equal(t, Skip, action)
	assert.Nil(t, sig)
	assert.Equal(t, []string{"a:before_dispatch"}, *log)
}

func TestBeforeDispatchRewrite(t *testing.T) {
	rs, _ := newRecorders("a", "b")
	rs[0].rename = "user.renamed"
	p := New()
	p.Use(rs[0], 0)
	p.Use(rs[1], 0)

	_, sig, err := p.BeforeDispatch(context.Background(), mc, testSignal(t), &subscription.Subscription{ID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "user.renamed", sig.Type)
}

func TestAfterHookFaultsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rs, log := newRecorders("a", "b")
	rs[0].afterPublishErr = errors.New("publish sink down")
	rs[0].afterDispatchErr = errors.New("dispatch sink down")
	p := New(WithLogger(zap.New(core)))
	p.Use(rs[0], 0)
	p.Use(rs[1], 0)

	sig := testSignal(t)
	p.AfterPublish(context.Background(), mc, []*signal.Signal{sig})
	p.AfterDispatch(context.Background(), mc, sig, &subscription.Subscription{ID: "s"}, errors.New("transport"))

	assert.Equal(t, []string{"a:after_publish", "b:after_publish", "a:after_dispatch", "b:after_dispatch"}, *log)
	assert.Equal(t, 2, logs.Len())
}

func TestTelemetryStartStop(t *testing.T) {
	rec := &telemetry.Recorder{}
	p := New(WithObserver(rec))
	p.Use(NewLogger(nil), 0)

	_, err := p.BeforePublish(context.Background(), mc, []*signal.Signal{testSignal(t)})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count(constants.EventMiddlewareStart))
	assert.Equal(t, 1, rec.Count(constants.EventMiddlewareStop))
	assert.Equal(t, HookBeforePublish, rec.Find(constants.EventMiddlewareStop)[0].Fields["hook"])
}

func TestLoggerStage(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))
	p := New()
	p.Use(l, 0)
	sub := &subscription.Subscription{ID: "s"}
	sig := testSignal(t)

	_, err := p.BeforePublish(context.Background(), mc, []*signal.Signal{sig})
	require.NoError(t, err)
	p.AfterPublish(context.Background(), mc, []*signal.Signal{sig})
	_, _, err = p.BeforeDispatch(context.Background(), mc, sig, sub)
	require.NoError(t, err)
	p.AfterDispatch(context.Background(), mc, sig, sub, errors.New("x"))

	assert.Equal(t, 4, logs.Len())
	assert.Equal(t, "Dispatch failed", logs.All()[3].Message)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "skip", Skip.String())
	assert.Equal(t, "continue", Continue.String())
}
