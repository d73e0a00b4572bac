package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/durable"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
)

// Subscribe registers id for signals matching path. Persistent
// subscriptions get a durable subscriber, started before any registry
// change so a failed start leaves the bus untouched.
func (b *Bus) Subscribe(ctx context.Context, id, path string, target dispatch.Target, opts ...subscription.Option) (*subscription.Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidSubscription)
	}
	if target == nil {
		return nil, fmt.Errorf("subscription %s: %w", id, dispatch.ErrNilTarget)
	}
	if _, err := router.ValidatePath(path); err != nil {
		return nil, err
	}

	o := subscription.Apply(opts...)
	var (
		sub *subscription.Subscription
		err error
	)
	if cerr := b.call(ctx, func() { sub, err = b.subscribeLocked(ctx, id, path, target, o) }); cerr != nil {
		return nil, cerr
	}
	return sub, err
}

func (b *Bus) subscribeLocked(ctx context.Context, id, path string, target dispatch.Target, o subscription.Options) (*subscription.Subscription, error) {
	if _, exists := b.subs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, id)
	}

	sub := &subscription.Subscription{
		ID:         id,
		Path:       path,
		Target:     target,
		Persistent: o.Persistent,
		CreatedAt:  time.Now(),
		Options:    o,
	}

	if o.Persistent {
		handle, err := durable.Start(ctx, durable.Config{
			BusName:         b.name,
			SubscriptionID:  id,
			Path:            path,
			Target:          target,
			Options:         o,
			Dispatcher:      b.dispatcher,
			Storage:         b.opts.storage,
			Observer:        b.obs,
			Logger:          b.logger,
			DispatchTimeout: b.opts.callTimeout,
			OnTerminate:     func(string) { b.detach(sub) },
		})
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", id, err)
		}
		sub.Durable = handle
	}

	if err := b.trie.Add(router.Route{Path: path, Target: target, Owner: id}); err != nil {
		if sub.Durable != nil {
			sub.Durable.Stop()
		}
		return nil, err
	}

	b.subs[id] = sub
	b.refreshView()
	b.cacheRoutes()

	b.logger.Info("Subscription registered",
		zap.String("id", id),
		zap.String("path", path),
		zap.String("target", target.String()),
		zap.Bool("persistent", o.Persistent))
	return sub, nil
}

// Unsubscribe removes the subscription and its route. A durable
// subscriber is told to stop; Unsubscribe does not wait for it.
func (b *Bus) Unsubscribe(ctx context.Context, id string) error {
	var err error
	if cerr := b.call(ctx, func() { err = b.unsubscribeLocked(id) }); cerr != nil {
		return cerr
	}
	return err
}

func (b *Bus) unsubscribeLocked(id string) error {
	sub, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	b.remove(sub)
	if sub.Durable != nil {
		sub.Durable.Stop()
	}
	b.logger.Info("Subscription removed", zap.String("id", id))
	return nil
}

func (b *Bus) remove(sub *subscription.Subscription) {
	delete(b.subs, sub.ID)
	if _, err := b.trie.RemoveOwner(sub.Path, sub.ID); err != nil {
		b.logger.Warn("Removing subscription route failed",
			zap.String("id", sub.ID), zap.Error(err))
	}
	b.refreshView()
	b.cacheRoutes()
}

// detach is the termination notice of a durable subscriber. It drops the
// subscription if it is still registered with that subscriber.
func (b *Bus) detach(sub *subscription.Subscription) {
	go func() {
		_ = b.call(context.Background(), func() {
			if cur, ok := b.subs[sub.ID]; ok && cur == sub {
				b.remove(sub)
				b.logger.Warn("Durable subscriber terminated, subscription dropped",
					zap.String("id", sub.ID))
			}
		})
	}()
}

// lookupDurable resolves a durable subscription on the coordinator,
// optionally with a snapshot of the log taken in the same step.
func (b *Bus) lookupDurable(ctx context.Context, id string, withLog bool) (*subscription.Subscription, []signal.Recorded, error) {
	var (
		sub *subscription.Subscription
		log []signal.Recorded
		err error
	)
	cerr := b.call(ctx, func() {
		s, ok := b.subs[id]
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
		case !s.Persistent || s.Durable == nil:
			err = fmt.Errorf("%w: %s", ErrNotPersistent, id)
		default:
			sub = s
			if withLog {
				log = b.log.snapshot()
			}
		}
	})
	if cerr != nil {
		return nil, nil, cerr
	}
	return sub, log, err
}

// Ack acknowledges delivered signals, by log id, for a durable
// subscription.
func (b *Bus) Ack(ctx context.Context, id string, logIDs ...string) error {
	sub, _, err := b.lookupDurable(ctx, id, false)
	if err != nil {
		return err
	}
	err = sub.Durable.Ack(ctx, logIDs...)
	if errors.Is(err, durable.ErrUnavailable) {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return err
}

// Reconnect rebinds a durable subscription to target and replays the
// logged signals newer than its checkpoint.
func (b *Bus) Reconnect(ctx context.Context, id string, target dispatch.Target) error {
	sub, log, err := b.lookupDurable(ctx, id, true)
	if err != nil {
		return err
	}
	err = sub.Durable.Reconnect(ctx, target, log)
	if errors.Is(err, durable.ErrUnavailable) {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return err
}

// Subscriptions returns the registered subscriptions sorted by id.
func (b *Bus) Subscriptions() []*subscription.Subscription {
	view := *b.view.Load()
	out := make([]*subscription.Subscription, 0, len(view))
	for _, sub := range view {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscription returns one registered subscription.
func (b *Bus) Subscription(id string) (*subscription.Subscription, bool) {
	return b.resolve(id)
}

// DeadLetters lists the newest dead letters recorded for subscription id.
// Records outlive the subscription, so id need not be registered.
func (b *Bus) DeadLetters(ctx context.Context, id string, limit int) ([]storage.DeadLetter, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidSubscription)
	}
	if b.opts.storage == nil {
		return nil, storage.ErrNotReadable
	}
	return storage.ListDeadLetters(ctx, b.opts.storage, id, limit)
}
