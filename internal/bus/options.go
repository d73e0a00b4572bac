package bus

import (
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/middleware"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

type stageSpec struct {
	mw      middleware.Middleware
	timeout time.Duration
}

type options struct {
	maxLogSize        int
	logTTL            time.Duration
	partitionCount    int
	partitionMailbox  int
	rateLimit         float64
	burst             int
	middlewareTimeout time.Duration
	stages            []stageSpec
	routes            []router.Route
	dispatcher        dispatch.Dispatcher
	storage           storage.Storage
	observer          telemetry.Observer
	logger            *zap.Logger
	cache             *router.Cache
	callTimeout       time.Duration
}

func defaultOptions() options {
	return options{
		maxLogSize:        constants.DefaultMaxLogSize,
		partitionCount:    constants.DefaultPartitionCount,
		partitionMailbox:  constants.DefaultPartitionMailbox,
		rateLimit:         constants.DefaultRateLimitPerSec,
		burst:             constants.DefaultBurstSize,
		middlewareTimeout: constants.DefaultMiddlewareTimeout,
		observer:          telemetry.Nop{},
		logger:            zap.NewNop(),
		callTimeout:       constants.DefaultCallTimeout,
	}
}

// Option configures a Bus.
type Option func(*options)

// WithMaxLogSize bounds the log. Zero or less disables the size bound.
func WithMaxLogSize(n int) Option {
	return func(o *options) { o.maxLogSize = n }
}

// WithLogTTL expires log entries older than d on every append.
func WithLogTTL(d time.Duration) Option {
	return func(o *options) { o.logTTL = d }
}

// WithPartitionCount sets the number of dispatch partitions.
func WithPartitionCount(n int) Option {
	return func(o *options) { o.partitionCount = n }
}

// WithPartitionMailbox sets the per-partition batch queue size.
func WithPartitionMailbox(n int) Option {
	return func(o *options) { o.partitionMailbox = n }
}

// WithRateLimit sets the per-partition token bucket. A zero rate disables it.
func WithRateLimit(perSec float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = perSec
		o.burst = burst
	}
}

// WithMiddleware appends a stage. A non-positive timeout selects the
// default middleware timeout.
func WithMiddleware(mw middleware.Middleware, timeout time.Duration) Option {
	return func(o *options) { o.stages = append(o.stages, stageSpec{mw: mw, timeout: timeout}) }
}

// WithMiddlewareTimeout sets the default per-hook timeout.
func WithMiddlewareTimeout(d time.Duration) Option {
	return func(o *options) { o.middlewareTimeout = d }
}

// WithRoutes installs routes at construction.
func WithRoutes(routes ...router.Route) Option {
	return func(o *options) { o.routes = append(o.routes, routes...) }
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithStorage sets the checkpoint and dead-letter adapter used by durable
// subscriptions.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithObserver sets the telemetry port.
func WithObserver(obs telemetry.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRouteCache publishes a copy of the route table to c, keyed by bus
// name, after every route mutation.
func WithRouteCache(c *router.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithCallTimeout bounds synchronous hand-offs to durable subscribers.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}
