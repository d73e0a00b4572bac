package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/durable"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

func receive(t *testing.T, mb *dispatch.Mailbox) *signal.Signal {
	t.Helper()
	select {
	case sig := <-mb.C():
		return sig
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing received on %s", mb)
		return nil
	}
}

func TestSubscribe_Ephemeral(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	mb := dispatch.NewMailbox("inbox", 8)

	sub, err := b.Subscribe(ctx, "s1", "user.*", mb)
	require.NoError(t, err)
	assert.False(t, sub.Persistent)
	assert.Nil(t, sub.Durable)

	recs, err := b.Publish(ctx, mustSignal(t, "user.created"))
	require.NoError(t, err)
	got := receive(t, mb)
	assert.Equal(t, recs[0].ID, got.LogID)

	require.NoError(t, b.Unsubscribe(ctx, "s1"))
	assert.ErrorIs(t, b.Unsubscribe(ctx, "s1"), ErrSubscriptionNotFound)

	_, err = b.Publish(ctx, mustSignal(t, "user.created"))
	require.NoError(t, err)
	b.Close()
	assert.Len(t, mb.C(), 0)

	assert.Empty(t, b.Subscriptions())
}

func TestSubscribe_Validation(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	target := dispatch.Log{Name: "x"}

	_, err := b.Subscribe(ctx, "", "a", target)
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = b.Subscribe(ctx, "s1", "a", nil)
	assert.ErrorIs(t, err, dispatch.ErrNilTarget)

	_, err = b.Subscribe(ctx, "s1", "a.*b", target)
	assert.ErrorIs(t, err, router.ErrInvalidPath)

	_, err = b.Subscribe(ctx, "s1", "a", target)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "s1", "b", target)
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
}

func TestDurable_Backpressure(t *testing.T) {
	var delivered atomic.Int32
	target := dispatch.NewFunc("slow-consumer", func(context.Context, *signal.Signal) error {
		delivered.Add(1)
		return nil
	})
	obs := &telemetry.Recorder{}
	b := newBus(t, WithObserver(obs))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "job.*", target,
		subscription.Persistent(), subscription.WithMaxInFlight(1), subscription.WithMaxPending(1))
	require.NoError(t, err)

	_, err = b.Publish(ctx, mustSignal(t, "job.a"), mustSignal(t, "job.b"), mustSignal(t, "job.c"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return obs.Count(constants.EventBackpressure) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sub, ok := b.Subscription("d1")
	require.True(t, ok)
	st, err := sub.Durable.(*durable.Subscriber).Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, st.InFlight, 1)
	assert.Len(t, st.Pending, 1)
	assert.EqualValues(t, 1, delivered.Load())
}

func TestDurable_DeadLetter(t *testing.T) {
	target := dispatch.NewFunc("broken", func(context.Context, *signal.Signal) error {
		return errors.New("consumer crashed")
	})
	store := storage.NewMemory()
	b := newBus(t, WithStorage(store))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "job.*", target,
		subscription.Persistent(),
		subscription.WithMaxAttempts(5),
		subscription.WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	recs, err := b.Publish(ctx, mustSignal(t, "job.a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(store.DeadLetters("d1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	dl := store.DeadLetters("d1")[0]
	assert.Equal(t, recs[0].ID, dl.Metadata["signal_id"])
	assert.Equal(t, "5", dl.Metadata["attempt_count"])

	listed, err := b.DeadLetters(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, recs[0].ID, listed[0].Signal.LogID)

	sub, _ := b.Subscription("d1")
	st, err := sub.Durable.(*durable.Subscriber).Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.InFlight)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.Attempts)
}

func TestDurable_AckAndCheckpoint(t *testing.T) {
	store := storage.NewMemory()
	b := newBus(t, WithStorage(store))
	ctx := context.Background()
	mb := dispatch.NewMailbox("worker", 8)

	_, err := b.Subscribe(ctx, "d1", "job.*", mb, subscription.Persistent())
	require.NoError(t, err)

	recs, err := b.Publish(ctx, mustSignal(t, "job.a"))
	require.NoError(t, err)
	got := receive(t, mb)
	require.Equal(t, recs[0].ID, got.LogID)

	require.NoError(t, b.Ack(ctx, "d1", got.LogID))
	cp, err := store.GetCheckpoint(ctx, storage.CheckpointKey("test", "d1"))
	require.NoError(t, err)
	assert.Equal(t, recs[0].Timestamp(), cp)
}

func TestDurable_AckErrors(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "e1", "a", dispatch.Log{Name: "x"})
	require.NoError(t, err)

	assert.ErrorIs(t, b.Ack(ctx, "e1", signal.NewID()), ErrNotPersistent)
	assert.ErrorIs(t, b.Ack(ctx, "missing", signal.NewID()), ErrSubscriptionNotFound)
}

func TestDurable_UnsubscribeStopsSubscriber(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "d1", "job.*", dispatch.Log{Name: "x"}, subscription.Persistent())
	require.NoError(t, err)
	handle := sub.Durable.(*durable.Subscriber)

	require.NoError(t, b.Unsubscribe(ctx, "d1"))
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("durable subscriber did not stop")
	}

	assert.ErrorIs(t, b.Ack(ctx, "d1", signal.NewID()), ErrSubscriptionNotFound)
	routes, err := b.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestDurable_ResubscribeAfterUnsubscribe(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "a", dispatch.Log{Name: "x"}, subscription.Persistent())
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(ctx, "d1"))

	second, err := b.Subscribe(ctx, "d1", "a", dispatch.Log{Name: "y"}, subscription.Persistent())
	require.NoError(t, err)

	// The first subscriber's termination notice must not drop the new one.
	time.Sleep(20 * time.Millisecond)
	cur, ok := b.Subscription("d1")
	require.True(t, ok)
	assert.Same(t, second, cur)
}

func TestDurable_SpawnFailureLeavesNoState(t *testing.T) {
	store := storage.Split{CheckpointStore: failingCheckpoints{}, DeadLetterStore: storage.NewMemory()}
	b := newBus(t, WithStorage(store))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "a", dispatch.Log{Name: "x"}, subscription.Persistent())
	require.Error(t, err)

	assert.Empty(t, b.Subscriptions())
	routes, err := b.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

type failingCheckpoints struct{}

func (failingCheckpoints) GetCheckpoint(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingCheckpoints) PutCheckpoint(context.Context, string, int64) error {
	return errors.New("connection refused")
}

func TestDurable_Reconnect(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	first := dispatch.NewMailbox("first", 8)

	_, err := b.Subscribe(ctx, "d1", "job.*", first, subscription.Persistent())
	require.NoError(t, err)

	acked, err := b.Publish(ctx, mustSignal(t, "job.a"))
	require.NoError(t, err)
	receive(t, first)
	require.NoError(t, b.Ack(ctx, "d1", acked[0].ID))

	time.Sleep(2 * time.Millisecond)
	missed, err := b.Publish(ctx, mustSignal(t, "job.b"))
	require.NoError(t, err)
	receive(t, first)
	first.Close()

	second := dispatch.NewMailbox("second", 8)
	require.NoError(t, b.Reconnect(ctx, "d1", second))
	got := receive(t, second)
	assert.Equal(t, missed[0].ID, got.LogID)
	assert.Len(t, second.C(), 0)

	dead := dispatch.NewMailbox("dead", 1)
	dead.Close()
	assert.ErrorIs(t, b.Reconnect(ctx, "d1", dead), durable.ErrTargetDead)
	assert.ErrorIs(t, b.Reconnect(ctx, "missing", second), ErrSubscriptionNotFound)
}

func counting(name string, n *atomic.Int32) *dispatch.Func {
	return dispatch.NewFunc(name, func(context.Context, *signal.Signal) error {
		n.Add(1)
		return nil
	})
}

func TestDurable_MultiTargetDeliveredOnce(t *testing.T) {
	var first, second atomic.Int32
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "job.*",
		dispatch.Multi{counting("f1", &first), counting("f2", &second)},
		subscription.Persistent(), subscription.WithMaxInFlight(10))
	require.NoError(t, err)

	recs, err := b.Publish(ctx, mustSignal(t, "job.a"))
	require.NoError(t, err)

	sub, ok := b.Subscription("d1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		st, err := sub.Durable.(*durable.Subscriber).Snapshot(ctx)
		return err == nil && len(st.InFlight) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st, err := sub.Durable.(*durable.Subscriber).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{recs[0].ID}, st.InFlight)

	b.Close()
	assert.EqualValues(t, 1, first.Load())
	assert.EqualValues(t, 1, second.Load())
}

func TestDurable_MultiTargetKeepsPoolsDisjoint(t *testing.T) {
	var first, second atomic.Int32
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "job.*",
		dispatch.Multi{counting("f1", &first), counting("f2", &second)},
		subscription.Persistent(), subscription.WithMaxInFlight(1), subscription.WithMaxPending(1))
	require.NoError(t, err)

	recs, err := b.Publish(ctx, mustSignal(t, "job.a"))
	require.NoError(t, err)

	sub, _ := b.Subscription("d1")
	require.Eventually(t, func() bool {
		st, err := sub.Durable.(*durable.Subscriber).Snapshot(ctx)
		return err == nil && len(st.InFlight) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st, err := sub.Durable.(*durable.Subscriber).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{recs[0].ID}, st.InFlight)
	assert.Empty(t, st.Pending)
}

func TestClose_DrainsDurableHandOffs(t *testing.T) {
	var delivered atomic.Int32
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "d1", "job.*", counting("worker", &delivered), subscription.Persistent())
	require.NoError(t, err)

	_, err = b.Publish(ctx, mustSignal(t, "job.a"))
	require.NoError(t, err)
	b.Close()

	assert.EqualValues(t, 1, delivered.Load())
}

func TestDeadLetters_RequireReadableStore(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	_, err := b.DeadLetters(ctx, "d1", 10)
	assert.ErrorIs(t, err, storage.ErrNotReadable)

	_, err = b.DeadLetters(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}
