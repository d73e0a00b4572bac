package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, sig *signal.Signal) error {
	args := m.Called(ctx, subject, sig)
	return args.Error(0)
}

func newSignal(t *testing.T) *signal.Signal {
	t.Helper()
	sig, err := signal.New("user.created", "test", nil)
	require.NoError(t, err)
	return sig
}

func TestDispatchFunc(t *testing.T) {
	var got *signal.Signal
	target := NewFunc("capture", func(_ context.Context, sig *signal.Signal) error {
		got = sig
		return nil
	})

	sig := newSignal(t)
	require.NoError(t, New().Dispatch(context.Background(), sig, target))
	assert.Same(t, sig, got)
}

func TestDispatchFuncPanicRecovered(t *testing.T) {
	target := NewFunc("boom", func(context.Context, *signal.Signal) error { panic("boom") })

	err := New().Dispatch(context.Background(), newSignal(t), target)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestDispatchMailbox(t *testing.T) {
	mb := NewMailbox("inbox", 1)
	d := New()
	sig := newSignal(t)

	require.NoError(t, d.Dispatch(context.Background(), sig, mb))
	assert.ErrorIs(t, d.Dispatch(context.Background(), sig, mb), ErrMailboxFull)
	assert.Same(t, sig, <-mb.C())

	mb.Close()
	assert.False(t, Alive(mb))
	assert.ErrorIs(t, d.Dispatch(context.Background(), sig, mb), ErrMailboxClosed)
	mb.Close()
}

func TestDispatchNATS(t *testing.T) {
	sig := newSignal(t)

	assert.ErrorIs(t, New().Dispatch(context.Background(), sig, NATS{Subject: "x"}), ErrPublisherMissing)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "signals.user", sig).Return(nil).Once()
	require.NoError(t, New(WithPublisher(pub)).Dispatch(context.Background(), sig, NATS{Subject: "signals.user"}))
	pub.AssertExpectations(t)
}

func TestDispatchMultiCombinesErrors(t *testing.T) {
	calls := 0
	ok := NewFunc("ok", func(context.Context, *signal.Signal) error { calls++; return nil })
	bad := NewFunc("bad", func(context.Context, *signal.Signal) error { calls++; return errors.New("nope") })

	err := New().Dispatch(context.Background(), newSignal(t), Multi{ok, bad, ok})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, 3, calls)
}

func TestDispatchRejects(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.Dispatch(context.Background(), newSignal(t), nil), ErrNilTarget)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Dispatch(ctx, newSignal(t), Log{Name: "x"}), context.Canceled)
}

func TestExpand(t *testing.T) {
	a := Log{Name: "a"}
	b := NATS{Subject: "b"}
	c := NewFunc("c", nil)

	assert.Equal(t, []Target{a}, Expand(a))
	assert.Equal(t, []Target{a, b, c}, Expand(Multi{a, Multi{b, c}}))
	assert.Nil(t, Expand(nil))
	assert.Equal(t, "multi[log:a,nats:b]", Multi{a, b}.String())
}

func TestAliveDefaults(t *testing.T) {
	assert.True(t, Alive(Log{Name: "x"}))
	assert.False(t, Alive(nil))
	assert.True(t, Alive(NewMailbox("m", 0)))
}

func TestSpec(t *testing.T) {
	tgt, err := Spec{Kind: KindNATS, Subject: "orders.out"}.Target()
	require.NoError(t, err)
	assert.Equal(t, NATS{Subject: "orders.out"}, tgt)

	tgt, err = Spec{Kind: KindLog}.Target()
	require.NoError(t, err)
	assert.Equal(t, Log{Name: "signals"}, tgt)

	_, err = Spec{Kind: KindNATS}.Target()
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
	_, err = Spec{Kind: KindFunc}.Target()
	assert.ErrorIs(t, err, ErrUnsupportedTarget)

	spec, ok := SpecOf(NATS{Subject: "x"})
	assert.True(t, ok)
	assert.Equal(t, Spec{Kind: KindNATS, Subject: "x"}, spec)
	_, ok = SpecOf(NewMailbox("m", 1))
	assert.False(t, ok)
}
