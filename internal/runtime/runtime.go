// Package runtime provides the signalbus runtime orchestrator.
// It wires storage, transports, the bus, the HTTP surfaces and
// the NATS ingest consumer, and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/api"
	"github.com/sureshkrishnan-v/signalbus/internal/bus"
	"github.com/sureshkrishnan-v/signalbus/internal/config"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/consumer"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/export"
	"github.com/sureshkrishnan-v/signalbus/internal/exporter"
	"github.com/sureshkrishnan-v/signalbus/internal/metrics"
	"github.com/sureshkrishnan-v/signalbus/internal/middleware"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

// ErrStarted is returned when Start is called twice.
var ErrStarted = errors.New("runtime already started")

// Runtime is the central orchestrator for signalbus.
//
// Design pattern: Facade. Start builds every subsystem from config, Run
// blocks until shutdown and Stop tears them down in reverse order.
type Runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	bus       *bus.Bus
	exporters []export.Exporter
	closers   []io.Closer
	api       *api.Server
	ingest    *consumer.Consumer
	metricSrv *exporter.Server

	mu      sync.Mutex
	started bool
}

// New creates a runtime for cfg. Nothing is started until Start.
func New(cfg *config.Config, logger *zap.Logger) *Runtime {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
	}
}

// Bus returns the running bus, or nil before Start.
func (rt *Runtime) Bus() *bus.Bus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bus
}

// Registry returns the Prometheus registry holding the bus metrics.
func (rt *Runtime) Registry() *prometheus.Registry { return rt.registry }

// Start builds storage, transports and the bus, then registers the
// configured routes and subscriptions. It does not block.
func (rt *Runtime) Start(ctx context.Context) (err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return ErrStarted
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.teardown(context.Background()))
		}
	}()

	store, closers, err := OpenStorage(rt.cfg.Storage, rt.logger)
	if err != nil {
		return err
	}
	rt.closers = closers

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(rt.logger.Named("dispatch"))}
	if rt.cfg.NATS.Enabled {
		nx := export.NewNATS(rt.cfg.NATS.NATSConfig, rt.logger)
		rt.logger.Info("Starting exporter", zap.String("exporter", nx.Name()))
		if err := nx.Start(ctx); err != nil {
			return fmt.Errorf("start %s exporter: %w", nx.Name(), err)
		}
		rt.exporters = append(rt.exporters, nx)
		dispatchOpts = append(dispatchOpts, dispatch.WithPublisher(nx))
	}

	routes, err := rt.cfg.BuildRoutes()
	if err != nil {
		return err
	}

	bc := rt.cfg.Bus
	opts := []bus.Option{
		bus.WithLogger(rt.logger),
		bus.WithObserver(telemetry.Multi{rt.metrics, telemetry.NewZap(rt.logger.Named("telemetry"))}),
		bus.WithDispatcher(dispatch.New(dispatchOpts...)),
		bus.WithStorage(store),
		bus.WithMaxLogSize(bc.MaxLogSize),
		bus.WithLogTTL(bc.LogTTL),
		bus.WithPartitionCount(bc.Partitions),
		bus.WithPartitionMailbox(bc.PartitionMailbox),
		bus.WithRateLimit(bc.RateLimit, bc.Burst),
		bus.WithMiddlewareTimeout(bc.MiddlewareTimeout),
		bus.WithCallTimeout(bc.CallTimeout),
		bus.WithRoutes(routes...),
	}
	if bc.RouteCache {
		opts = append(opts, bus.WithRouteCache(router.DefaultCache))
	}
	if bc.LogSignals {
		opts = append(opts, bus.WithMiddleware(middleware.NewLogger(rt.logger), 0))
	}

	b, err := bus.New(bc.Name, opts...)
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	rt.bus = b

	for _, sc := range rt.cfg.Subscriptions {
		target, err := sc.Target.Target()
		if err != nil {
			return fmt.Errorf("subscription %s: %w", sc.ID, err)
		}
		if _, err := b.Subscribe(ctx, sc.ID, sc.Path, target, sc.Options(rt.cfg.Durable)...); err != nil {
			return fmt.Errorf("subscription %s: %w", sc.ID, err)
		}
	}

	if rt.cfg.API.Enabled {
		rt.api = api.NewServer(rt.cfg.API.Config, b, rt.logger)
	}
	if rt.cfg.NATS.Ingest.Enabled {
		rt.ingest = consumer.New(rt.cfg.NATS.Ingest.Config, b, rt.logger)
	}
	if rt.cfg.Metrics.Enabled {
		rt.metricSrv = exporter.New(rt.cfg.Metrics.Addr, rt.registry, rt.logger)
		rt.metricSrv.AddCheck("bus", func(ctx context.Context) error {
			_, err := b.Stats(ctx)
			return err
		})
		for _, e := range rt.exporters {
			rt.metricSrv.AddCheck(e.Name(), e.Healthy)
		}
	}

	rt.started = true
	rt.logger.Info("signalbus runtime started",
		zap.String("bus", bc.Name),
		zap.String("storage", rt.cfg.Storage.Driver),
		zap.Bool("clickhouse", rt.cfg.Storage.ClickHouse.Enabled),
		zap.Int("routes", len(routes)),
		zap.Int("subscriptions", len(rt.cfg.Subscriptions)),
		zap.Int("partitions", bc.Partitions))
	return nil
}

// Run starts the runtime and serves until ctx is cancelled:
//  1. Start (storage, exporters, bus, routes, subscriptions)
//  2. Metrics exporter + stats collector
//  3. HTTP API and NATS ingest consumer
//  4. Wait for shutdown signal
//  5. Stop API → close bus → stop exporters → close storage
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if rt.metricSrv != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := rt.metricSrv.Run(runCtx); err != nil {
				rt.logger.Error("Metrics exporter error", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			rt.metrics.RunCollector(runCtx, rt.bus, rt.cfg.Metrics.CollectInterval)
		}()
	}
	if rt.api != nil {
		go func() {
			if err := rt.api.Start(); err != nil {
				rt.logger.Error("API server error", zap.Error(err))
			}
		}()
	}
	if rt.ingest != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.ingest.Run(runCtx); err != nil && runCtx.Err() == nil {
				rt.logger.Error("Ingest consumer error", zap.Error(err))
			}
		}()
	}
	if rt.metricSrv != nil {
		rt.metricSrv.SetReady()
	}

	<-ctx.Done()
	rt.logger.Info("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer stopCancel()

	// The ingest consumer flushes into the bus on exit, so it goes first.
	cancel()
	wg.Wait()
	return rt.Stop(stopCtx)
}

// Stop tears down every subsystem and aggregates their errors.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return nil
	}
	rt.started = false
	return rt.teardown(ctx)
}

func (rt *Runtime) teardown(ctx context.Context) error {
	var errs error
	if rt.api != nil {
		errs = multierr.Append(errs, rt.api.Stop())
		rt.api = nil
	}

	var published, dropped uint64
	if rt.bus != nil {
		if s, err := rt.bus.Stats(ctx); err == nil {
			published, dropped = s.Published, s.Dropped
		}
		rt.bus.Close()
	}

	for _, e := range rt.exporters {
		rt.logger.Debug("Stopping exporter", zap.String("exporter", e.Name()))
		errs = multierr.Append(errs, e.Stop(ctx))
	}
	rt.exporters = nil

	for _, c := range rt.closers {
		errs = multierr.Append(errs, c.Close())
	}
	rt.closers = nil

	rt.logger.Info("signalbus stopped",
		zap.Uint64("signals_published", published),
		zap.Uint64("batches_dropped", dropped),
		zap.Error(errs))
	return errs
}

// OpenStorage builds the configured checkpoint backend, paired with the
// ClickHouse dead-letter archive when enabled. The returned closers must
// be closed on shutdown.
func OpenStorage(cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, []io.Closer, error) {
	var (
		base    storage.Storage
		closers []io.Closer
	)
	switch cfg.Driver {
	case "", constants.StorageMemory:
		base = storage.NewMemory()
	case constants.StorageRedis:
		r, err := storage.NewRedis(cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		base = r
		closers = append(closers, r)
	case constants.StoragePebble:
		p, err := storage.OpenPebble(cfg.Pebble, logger)
		if err != nil {
			return nil, nil, err
		}
		base = p
		closers = append(closers, p)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if !cfg.ClickHouse.Enabled {
		return base, closers, nil
	}
	ch, err := storage.NewClickHouse(cfg.ClickHouse, logger)
	if err != nil {
		return nil, nil, multierr.Append(err, closeAll(closers))
	}
	closers = append(closers, ch)
	return storage.Split{CheckpointStore: base, DeadLetterStore: ch}, closers, nil
}

func closeAll(closers []io.Closer) error {
	var errs error
	for _, c := range closers {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}
