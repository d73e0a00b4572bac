package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/config"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/exporter"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bus.Name = "runtime-test"
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Routes = []config.RouteConfig{
		{Path: "order.*", Target: dispatch.Spec{Kind: dispatch.KindLog, Name: "orders"}},
	}
	cfg.Subscriptions = []config.SubscriptionConfig{
		{ID: "audit", Path: "order.**", Persistent: true, Target: dispatch.Spec{Kind: dispatch.KindLog}},
	}
	return cfg
}

func TestRuntime_StartWiresConfig(t *testing.T) {
	rt := New(testConfig(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer func() { assert.NoError(t, rt.Stop(ctx)) }()

	assert.ErrorIs(t, rt.Start(ctx), ErrStarted)

	b := rt.Bus()
	require.NotNil(t, b)
	assert.Equal(t, "runtime-test", b.Name())

	routes, err := b.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Len(t, routes, 2) // config route + subscription route

	sub, ok := b.Subscription("audit")
	require.True(t, ok)
	assert.True(t, sub.Persistent)
	assert.Equal(t, constants.DefaultMaxAttempts, sub.Options.MaxAttempts)

	sig, err := signal.New("order.paid", "test", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, sig)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, err := b.Stats(ctx)
		return err == nil && s.Published == 1
	}, time.Second, 10*time.Millisecond)

	families, err := rt.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names[constants.MetricNamespace+"_"+constants.MetricSignalsPublished])
}

func TestRuntime_StopIsIdempotent(t *testing.T) {
	rt := New(testConfig(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, rt.Stop(ctx))

	_, err := rt.Bus().Publish(ctx, mustSignal(t))
	assert.Error(t, err)
}

func TestRuntime_RunUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Metrics.CollectInterval = 10 * time.Millisecond
	rt := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	assert.Eventually(t, func() bool { return rt.Bus() != nil }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		srv := rt.metricsServer()
		return srv != nil && srv.Ready(ctx) == nil
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRuntime_StartFailsOnBadSubscription(t *testing.T) {
	cfg := testConfig()
	cfg.Subscriptions = append(cfg.Subscriptions, cfg.Subscriptions[0])
	rt := New(cfg, zap.NewNop())
	err := rt.Start(context.Background())
	assert.Error(t, err)
	assert.NoError(t, rt.Stop(context.Background()))
}

func TestOpenStorage(t *testing.T) {
	s, closers, err := OpenStorage(config.StorageConfig{Driver: constants.StorageMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, closers)
	assert.IsType(t, &storage.Memory{}, s)

	pcfg := storage.DefaultPebbleConfig()
	pcfg.DataDir = t.TempDir()
	s, closers, err = OpenStorage(config.StorageConfig{Driver: constants.StoragePebble, Pebble: pcfg}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, closers, 1)
	require.NoError(t, s.PutCheckpoint(context.Background(), "k", 42))
	cp, err := s.GetCheckpoint(context.Background(), "k")
	require.NoError(t, err)
	assert.EqualValues(t, 42, cp)
	assert.NoError(t, closeAll(closers))

	_, _, err = OpenStorage(config.StorageConfig{Driver: "sqlite"}, zap.NewNop())
	assert.Error(t, err)
}

func mustSignal(t *testing.T) *signal.Signal {
	t.Helper()
	sig, err := signal.New("order.paid", "test", nil)
	require.NoError(t, err)
	return sig
}

func (rt *Runtime) metricsServer() *exporter.Server {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.metricSrv
}
