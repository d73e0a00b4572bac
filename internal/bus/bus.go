// Package bus implements the signal bus coordinator.
//
// A single goroutine owns the log, the subscription registry and the route
// table; every public operation is a request executed on that goroutine.
// Routed signals are handed to partitions, which run dispatch middleware
// and transport independently so a slow consumer never blocks publishers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/middleware"
	"github.com/sureshkrishnan-v/signalbus/internal/partition"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

// Sentinel errors for the bus package.
var (
	ErrClosed                = errors.New("bus is closed")
	ErrEmptyBatch            = errors.New("empty signal batch")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("subscription already exists")
	ErrInvalidSubscription   = errors.New("invalid subscription")
	ErrNotPersistent         = errors.New("subscription is not persistent")
	ErrRouteNotFound         = errors.New("route not found")
)

// Bus is an in-process signal bus.
type Bus struct {
	name   string
	opts   options
	logger *zap.Logger
	obs    telemetry.Observer

	pipeline   *middleware.Pipeline
	dispatcher dispatch.Dispatcher
	partitions []*partition.Partition

	requests  chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the coordinator goroutine.
	log  *stream
	subs map[string]*subscription.Subscription
	trie *router.Trie

	// Read-only view of subs for partitions.
	view atomic.Pointer[map[string]*subscription.Subscription]

	published atomic.Uint64
	dropped   atomic.Uint64
	truncated atomic.Uint64
}

// New creates and starts a bus.
func New(name string, opts ...Option) (*Bus, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		name = constants.DefaultBusName
	}
	if o.partitionCount <= 0 {
		o.partitionCount = 1
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.observer == nil {
		o.observer = telemetry.Nop{}
	}
	if o.dispatcher == nil {
		o.dispatcher = dispatch.New(dispatch.WithLogger(o.logger))
	}

	trie, err := router.Build(o.routes, nil)
	if err != nil {
		return nil, fmt.Errorf("initial routes: %w", err)
	}

	logger := o.logger.Named("bus").With(zap.String("bus", name))
	pipeline := middleware.New(
		middleware.WithLogger(logger),
		middleware.WithObserver(o.observer),
		middleware.WithDefaultTimeout(o.middlewareTimeout),
	)
	for _, st := range o.stages {
		pipeline.Use(st.mw, st.timeout)
	}

	b := &Bus{
		name:       name,
		opts:       o,
		logger:     logger,
		obs:        o.observer,
		pipeline:   pipeline,
		dispatcher: o.dispatcher,
		requests:   make(chan func(), constants.BusMailboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        newStream(o.maxLogSize, o.logTTL),
		subs:       make(map[string]*subscription.Subscription),
		trie:       trie,
	}
	empty := map[string]*subscription.Subscription{}
	b.view.Store(&empty)

	b.partitions = make([]*partition.Partition, o.partitionCount)
	for i := range b.partitions {
		b.partitions[i] = partition.New(partition.Config{
			BusName:     name,
			Index:       i,
			MailboxSize: o.partitionMailbox,
			RateLimit:   o.rateLimit,
			Burst:       o.burst,
			Pipeline:    pipeline,
			Dispatcher:  o.dispatcher,
			Resolve:     b.resolve,
			Observer:    o.observer,
			Logger:      logger,
			CallTimeout: o.callTimeout,
		})
	}
	b.cacheRoutes()

	go b.run()

	logger.Info("Signal bus started",
		zap.Int("partitions", o.partitionCount),
		zap.Int("max_log_size", o.maxLogSize),
		zap.Duration("log_ttl", o.logTTL),
		zap.Int("middleware", pipeline.Len()),
		zap.Int("routes", trie.Count()))
	return b, nil
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case fn := <-b.requests:
			fn()
		case <-b.quit:
			return
		}
	}
}

// call runs fn on the coordinator goroutine and waits for it. Once a
// request is queued it runs to completion even if ctx is cancelled.
func (b *Bus) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn()
	}
	select {
	case b.requests <- req:
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

func (b *Bus) resolve(id string) (*subscription.Subscription, bool) {
	sub, ok := (*b.view.Load())[id]
	return sub, ok
}

// refreshView republishes the subscription registry for partitions.
func (b *Bus) refreshView() {
	next := make(map[string]*subscription.Subscription, len(b.subs))
	for id, sub := range b.subs {
		next[id] = sub
	}
	b.view.Store(&next)
}

func (b *Bus) cacheRoutes() {
	if b.opts.cache != nil {
		b.opts.cache.Put(b.name, b.trie)
	}
}

func validateBatch(signals []*signal.Signal) error {
	if len(signals) == 0 {
		return fmt.Errorf("%w: %w", signal.ErrInvalidSignal, ErrEmptyBatch)
	}
	for i, sig := range signals {
		if sig == nil {
			return fmt.Errorf("signal %d: %w: nil", i, signal.ErrInvalidSignal)
		}
		if err := sig.Validate(); err != nil {
			return fmt.Errorf("signal %d: %w", i, err)
		}
	}
	return nil
}

// Publish validates the batch, runs before_publish middleware, appends the
// signals to the log in input order and fans them out to matching routes.
// It returns the recorded log entries. Nothing is appended when validation
// or middleware fails.
func (b *Bus) Publish(ctx context.Context, signals ...*signal.Signal) ([]signal.Recorded, error) {
	if err := validateBatch(signals); err != nil {
		return nil, err
	}

	start := time.Now()
	b.obs.Observe(constants.EventPublishStart, telemetry.Fields{"bus": b.name, "count": len(signals)})
	stop := func(outcome string, count int, err error) {
		f := telemetry.Fields{
			"bus":      b.name,
			"count":    count,
			"outcome":  outcome,
			"duration": time.Since(start),
		}
		if err != nil {
			f["error"] = err.Error()
		}
		b.obs.Observe(constants.EventPublishStop, f)
	}

	mc := &middleware.Context{BusName: b.name, Partition: -1, Timestamp: start}
	out, err := b.pipeline.BeforePublish(ctx, mc, signals)
	if err == nil && len(out) > 0 {
		err = validateBatch(out)
	}
	if err != nil {
		err = fmt.Errorf("before_publish: %w", err)
		stop(constants.OutcomeError, 0, err)
		return nil, err
	}
	if len(out) == 0 {
		stop(constants.OutcomeSkip, 0, nil)
		return nil, nil
	}

	var recorded []signal.Recorded
	if err := b.call(ctx, func() { recorded = b.publishLocked(out) }); err != nil {
		stop(constants.OutcomeError, 0, err)
		return nil, err
	}

	stored := make([]*signal.Signal, len(recorded))
	for i, rec := range recorded {
		stored[i] = rec.Signal
	}
	b.pipeline.AfterPublish(ctx, mc, stored)

	stop(constants.OutcomeOK, len(recorded), nil)
	return recorded, nil
}

// routingKey keeps every entry of one subscription on one partition.
// Unowned routes are keyed by signal type, so the routes a signal matches
// fire in priority order and signals of one type keep log order.
func routingKey(e router.Entry, sig *signal.Signal) string {
	if e.Owner != "" {
		return "sub:" + e.Owner
	}
	return "type:" + sig.Type
}

func (b *Bus) publishLocked(signals []*signal.Signal) []signal.Recorded {
	recorded, removed := b.log.append(signals)
	b.published.Add(uint64(len(recorded)))
	if removed > 0 {
		b.truncated.Add(uint64(removed))
		b.obs.Observe(constants.EventLogTruncated, telemetry.Fields{
			"bus":     b.name,
			"removed": removed,
			"size":    b.log.len(),
		})
	}

	n := len(b.partitions)
	batches := make([]partition.Batch, n)
	shard := make([][]router.Entry, n)
	for _, rec := range recorded {
		entries, err := b.trie.Route(rec.Signal)
		b.obs.Observe(constants.EventRouteMatched, telemetry.Fields{
			"bus":         b.name,
			"signal_type": rec.Type,
			"count":       len(entries),
		})
		if err != nil {
			continue
		}

		for i := range shard {
			shard[i] = nil
		}
		for _, e := range entries {
			idx := partition.Index(routingKey(e, rec.Signal), n)
			shard[idx] = append(shard[idx], e)
		}
		for i, es := range shard {
			if len(es) > 0 {
				batches[i] = append(batches[i], partition.Delivery{Signal: rec.Signal, Entries: es})
			}
		}
	}

	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if !b.partitions[i].Enqueue(batch) {
			b.dropped.Add(uint64(len(batch)))
		}
	}
	return recorded
}

// FilterOption narrows a Filter call.
type FilterOption func(*filterOptions)

type filterOptions struct {
	correlationID string
	batchSize     int
}

// WithCorrelationID keeps only signals with the given correlation id.
func WithCorrelationID(id string) FilterOption {
	return func(o *filterOptions) { o.correlationID = id }
}

// WithBatchSize caps the number of returned entries.
func WithBatchSize(n int) FilterOption {
	return func(o *filterOptions) { o.batchSize = n }
}

// Filter returns log entries whose type matches pattern and whose id
// timestamp is strictly after since (unix ms; zero means no floor).
func (b *Bus) Filter(ctx context.Context, pattern string, since int64, opts ...FilterOption) ([]signal.Recorded, error) {
	fo := filterOptions{batchSize: constants.DefaultFilterBatchSize}
	for _, opt := range opts {
		opt(&fo)
	}
	m, err := router.NewMatcher(pattern)
	if err != nil {
		return nil, err
	}

	var out []signal.Recorded
	err = b.call(ctx, func() { out = b.log.filter(m, since, fo.correlationID, fo.batchSize) })
	return out, err
}

// Truncate keeps the newest maxSize log entries and returns how many were
// removed.
func (b *Bus) Truncate(ctx context.Context, maxSize int) (int, error) {
	if maxSize < 0 {
		return 0, fmt.Errorf("truncate: negative size %d", maxSize)
	}
	var removed int
	err := b.call(ctx, func() {
		removed = b.log.truncate(maxSize)
		if removed > 0 {
			b.truncated.Add(uint64(removed))
			b.obs.Observe(constants.EventLogTruncated, telemetry.Fields{
				"bus":     b.name,
				"removed": removed,
				"size":    b.log.len(),
			})
		}
	})
	return removed, err
}

// Clear empties the log.
func (b *Bus) Clear(ctx context.Context) error {
	return b.call(ctx, func() {
		if n := b.log.clear(); n > 0 {
			b.logger.Debug("Log cleared", zap.Int("removed", n))
		}
	})
}

// Log returns a snapshot of the whole log in id order.
func (b *Bus) Log(ctx context.Context) ([]signal.Recorded, error) {
	var out []signal.Recorded
	err := b.call(ctx, func() { out = b.log.snapshot() })
	return out, err
}

// AddRoute installs routes that are not tied to a subscription. The batch
// is applied atomically.
func (b *Bus) AddRoute(ctx context.Context, routes ...router.Route) error {
	for _, r := range routes {
		if r.Owner != "" {
			return fmt.Errorf("route %s: owner is reserved for subscriptions", r.Path)
		}
	}
	var err error
	if cerr := b.call(ctx, func() {
		if err = b.trie.Add(routes...); err == nil {
			b.cacheRoutes()
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// RemoveRoute removes the routes registered at exactly path by AddRoute.
// Subscription routes are left alone.
func (b *Bus) RemoveRoute(ctx context.Context, path string) (int, error) {
	var (
		n   int
		err error
	)
	if cerr := b.call(ctx, func() {
		n, err = b.trie.RemoveUnowned(path)
		if n > 0 {
			b.cacheRoutes()
		}
	}); cerr != nil {
		return 0, cerr
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}
	return n, nil
}

// ListRoutes returns every route, subscription routes included, in
// sorted path order.
func (b *Bus) ListRoutes(ctx context.Context) ([]router.Route, error) {
	var out []router.Route
	err := b.call(ctx, func() { out = b.trie.Collect() })
	return out, err
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Name          string
	Published     uint64
	Dropped       uint64
	Truncated     uint64
	LogSize       int
	Routes        int
	Subscriptions int
	Durable       int
	Partitions    []partition.Stats
}

// Stats returns current bus statistics.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Name:      b.name,
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Truncated: b.truncated.Load(),
	}
	err := b.call(ctx, func() {
		s.LogSize = b.log.len()
		s.Routes = b.trie.Count()
		s.Subscriptions = len(b.subs)
		for _, sub := range b.subs {
			if sub.Persistent {
				s.Durable++
			}
		}
	})
	if err != nil {
		return Stats{}, err
	}
	s.Partitions = make([]partition.Stats, len(b.partitions))
	for i, p := range b.partitions {
		s.Partitions[i] = p.Stats()
	}
	return s, nil
}

// Close stops the coordinator, drains the partitions and then shuts down
// durable subscribers. It is safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
		<-b.done

		// Drain queued batches while durable subscribers still accept them.
		for _, p := range b.partitions {
			p.Close()
		}
		for _, sub := range b.subs {
			if sub.Durable != nil {
				sub.Durable.Stop()
			}
		}
		if b.opts.cache != nil {
			b.opts.cache.Delete(b.name)
		}

		b.logger.Info("Signal bus stopped",
			zap.Uint64("published", b.published.Load()),
			zap.Uint64("dropped", b.dropped.Load()))
	})
}
