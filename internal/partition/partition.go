// Package partition runs the dispatch workers of a bus. Each partition
// owns a mailbox of routed batches, a token-bucket limiter and the
// dispatch half of the middleware pipeline.
package partition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/middleware"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

// Delivery is one logged signal with the route entries it matched on
// this partition, in dispatch order.
type Delivery struct {
	Signal  *signal.Signal
	Entries []router.Entry
}

// Batch is the unit of work handed to a partition by one publish call.
type Batch []Delivery

// Resolver looks up a live subscription by id.
type Resolver func(id string) (*subscription.Subscription, bool)

// Config configures a Partition.
type Config struct {
	BusName     string
	Index       int
	MailboxSize int

	// RateLimit is signals per second; zero disables limiting.
	RateLimit float64
	Burst     int

	Pipeline    *middleware.Pipeline
	Dispatcher  dispatch.Dispatcher
	Resolve     Resolver
	Observer    telemetry.Observer
	Logger      *zap.Logger
	CallTimeout time.Duration
}

// Stats is a snapshot of partition counters.
type Stats struct {
	Batches     uint64
	Dispatched  uint64
	Skipped     uint64
	Failed      uint64
	RateLimited uint64
	Overflowed  uint64
	Queued      int
}

// Partition is a single dispatch worker.
type Partition struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	mailbox chan Batch
	done    chan struct{}

	batches     atomic.Uint64
	dispatched  atomic.Uint64
	skipped     atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
	overflowed  atomic.Uint64
}

// Index maps a routing key onto one of n partitions.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// New creates a partition and starts its worker.
func New(cfg Config) *Partition {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = constants.DefaultPartitionMailbox
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = middleware.New()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = telemetry.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = constants.DefaultCallTimeout
	}

	p := &Partition{
		cfg:     cfg,
		logger:  cfg.Logger.Named("partition").With(zap.Int("partition", cfg.Index)),
		mailbox: make(chan Batch, cfg.MailboxSize),
		done:    make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	go p.run()
	return p
}

// Enqueue hands a batch to the worker without blocking. It reports false
// when the mailbox is full or the partition is closed.
func (p *Partition) Enqueue(b Batch) bool {
	if len(b) == 0 {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.mailbox <- b:
		return true
	default:
		p.overflowed.Add(1)
		p.cfg.Observer.Observe(constants.EventPartitionOverflow, telemetry.Fields{
			"bus":       p.cfg.BusName,
			"partition": p.cfg.Index,
			"signals":   len(b),
		})
		p.logger.Warn("Partition mailbox full, dropping batch", zap.Int("signals", len(b)))
		return false
	}
}

// Close stops accepting batches, drains the mailbox and waits for the
// worker to exit.
func (p *Partition) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.mailbox)
	}
	p.mu.Unlock()
	<-p.done
}

// Stats returns the partition counters.
func (p *Partition) Stats() Stats {
	return Stats{
		Batches:     p.batches.Load(),
		Dispatched:  p.dispatched.Load(),
		Skipped:     p.skipped.Load(),
		Failed:      p.failed.Load(),
		RateLimited: p.rateLimited.Load(),
		Overflowed:  p.overflowed.Load(),
		Queued:      len(p.mailbox),
	}
}

func (p *Partition) run() {
	defer close(p.done)
	for b := range p.mailbox {
		p.process(b)
	}
}

// process admits a batch as a whole: a batch larger than the remaining
// tokens is dropped entirely.
func (p *Partition) process(b Batch) {
	p.batches.Add(1)
	if p.limiter != nil && !p.limiter.AllowN(time.Now(), len(b)) {
		p.rateLimited.Add(1)
		p.cfg.Observer.Observe(constants.EventRateLimited, telemetry.Fields{
			"bus":       p.cfg.BusName,
			"partition": p.cfg.Index,
			"signals":   len(b),
		})
		p.logger.Warn("Rate limit exceeded, dropping batch", zap.Int("signals", len(b)))
		return
	}

	ctx := context.Background()
	for _, d := range b {
		// A durable subscriber owns its whole target, so a composite
		// target expanded into several entries is handed off once.
		handed := make(map[string]struct{})
		for _, e := range d.Entries {
			p.deliver(ctx, d.Signal, e, handed)
		}
	}
}

func (p *Partition) subscriptionFor(e router.Entry) (*subscription.Subscription, bool) {
	if e.Owner == "" {
		return &subscription.Subscription{Path: e.Path, Target: e.Target}, true
	}
	if p.cfg.Resolve == nil {
		return nil, false
	}
	return p.cfg.Resolve(e.Owner)
}

func (p *Partition) deliver(ctx context.Context, sig *signal.Signal, e router.Entry, handed map[string]struct{}) {
	sub, ok := p.subscriptionFor(e)
	if !ok {
		// Unsubscribed between routing and dispatch.
		return
	}
	target := e.Target
	if sub.Durable != nil {
		if _, dup := handed[sub.ID]; dup {
			return
		}
		handed[sub.ID] = struct{}{}
		target = sub.Target
	}

	fields := telemetry.Fields{
		"bus":             p.cfg.BusName,
		"partition":       p.cfg.Index,
		"subscription_id": sub.ID,
		"path":            e.Path,
		"target":          target.String(),
		"signal_id":       sig.LogID,
		"signal_type":     sig.Type,
	}

	mc := &middleware.Context{BusName: p.cfg.BusName, Partition: p.cfg.Index, Timestamp: time.Now()}
	action, out, err := p.cfg.Pipeline.BeforeDispatch(ctx, mc, sig, sub)
	switch {
	case err != nil:
		p.failed.Add(1)
		fields["error"] = err.Error()
		p.cfg.Observer.Observe(constants.EventDispatchError, fields)
		p.logger.Debug("before_dispatch rejected signal",
			zap.String("log_id", sig.LogID), zap.Error(err))
		return
	case action == middleware.Skip:
		p.skipped.Add(1)
		p.cfg.Observer.Observe(constants.EventDispatchSkip, fields)
		return
	}

	p.cfg.Observer.Observe(constants.EventDispatchStart, fields)
	start := time.Now()

	var result error
	if sub.Durable != nil {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		result = sub.Durable.Deliver(cctx, out)
		cancel()
	} else {
		result = p.cfg.Dispatcher.Dispatch(ctx, out, target)
	}

	stop := telemetry.Fields{}
	for k, v := range fields {
		stop[k] = v
	}
	stop["duration"] = time.Since(start)
	if result != nil {
		p.failed.Add(1)
		stop["outcome"] = constants.OutcomeError
		stop["error"] = result.Error()
		p.logger.Debug("Dispatch failed",
			zap.String("log_id", sig.LogID),
			zap.String("target", target.String()),
			zap.Error(result))
	} else {
		p.dispatched.Add(1)
		stop["outcome"] = constants.OutcomeOK
	}
	p.cfg.Observer.Observe(constants.EventDispatchStop, stop)

	p.cfg.Pipeline.AfterDispatch(ctx, mc, out, sub, result)
}
