// Package metrics exposes bus telemetry as Prometheus metrics.
//
// Metrics implements telemetry.Observer so it can be handed straight to
// the bus. Labels stay low-cardinality: bus, partition, outcome and
// subscription id; signal types and ids are never used as labels.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sureshkrishnan-v/signalbus/internal/bus"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

// Metrics holds all Prometheus metrics for the signal bus.
type Metrics struct {
	// Publish path
	Published       *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	LogTruncated    *prometheus.CounterVec
	RouteMatches    *prometheus.CounterVec

	// Dispatch path
	Dispatch         *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	RateLimited      *prometheus.CounterVec
	Overflow         *prometheus.CounterVec

	// Middleware
	MiddlewareDuration *prometheus.HistogramVec
	MiddlewareErrors   *prometheus.CounterVec

	// Durable subscriptions
	Backpressure *prometheus.CounterVec
	DeadLetters  *prometheus.CounterVec

	// Gauges refreshed from bus stats
	LogSize        *prometheus.GaugeVec
	Subscriptions  *prometheus.GaugeVec
	PartitionQueue *prometheus.GaugeVec
}

// New creates the bus metrics and registers them with reg. A nil reg
// registers with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns := constants.MetricNamespace

	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricSignalsPublished,
			Help:      "Total number of signals appended to the log.",
		}, constants.LabelsBus),

		PublishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      constants.MetricPublishDuration,
			Help:      "Publish call latency in seconds, middleware included.",
			Buckets:   constants.DispatchLatencyBuckets,
		}, constants.LabelsBus),

		LogTruncated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricLogTruncated,
			Help:      "Total number of log entries evicted by size or TTL retention.",
		}, constants.LabelsBus),

		RouteMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricRouteMatches,
			Help:      "Total number of route entries matched by published signals.",
		}, constants.LabelsBus),

		Dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricDispatchTotal,
			Help:      "Total number of dispatch attempts by outcome.",
		}, constants.LabelsBusOutcome),

		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      constants.MetricDispatchDuration,
			Help:      "Transport latency in seconds per dispatch.",
			Buckets:   constants.DispatchLatencyBuckets,
		}, constants.LabelsBusPartition),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricRateLimited,
			Help:      "Total number of batches dropped by the partition rate limiter.",
		}, constants.LabelsBusPartition),

		Overflow: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricPartitionOverflow,
			Help:      "Total number of batches dropped because a partition mailbox was full.",
		}, constants.LabelsBusPartition),

		MiddlewareDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      constants.MetricMiddlewareDuration,
			Help:      "Middleware hook latency in seconds.",
			Buckets:   constants.MiddlewareLatencyBuckets,
		}, constants.LabelsHookStage),

		MiddlewareErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricMiddlewareErrors,
			Help:      "Total number of middleware timeouts and panics.",
		}, constants.LabelsHookStage),

		Backpressure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricBackpressure,
			Help:      "Total number of signals rejected by a full durable subscriber.",
		}, constants.LabelsBusSubscription),

		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MetricDeadLetters,
			Help:      "Total number of signals dead-lettered after exhausting retries.",
		}, constants.LabelsBusSubscription),

		LogSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.MetricLogSize,
			Help:      "Current number of entries in the signal log.",
		}, constants.LabelsBus),

		Subscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.MetricSubscriptions,
			Help:      "Current number of registered subscriptions.",
		}, constants.LabelsBus),

		PartitionQueue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.MetricPartitionQueue,
			Help:      "Batches waiting in each partition mailbox.",
		}, constants.LabelsBusPartition),
	}
}

// Observe implements telemetry.Observer. Unknown events are ignored.
func (m *Metrics) Observe(event string, f telemetry.Fields) {
	busName := str(f, "bus")

	switch event {
	case constants.EventPublishStop:
		m.Published.WithLabelValues(busName).Add(float64(num(f, "count")))
		m.PublishDuration.WithLabelValues(busName).Observe(seconds(f))
	case constants.EventLogTruncated:
		m.LogTruncated.WithLabelValues(busName).Add(float64(num(f, "removed")))
	case constants.EventRouteMatched:
		m.RouteMatches.WithLabelValues(busName).Add(float64(num(f, "count")))
	case constants.EventDispatchStop:
		m.Dispatch.WithLabelValues(busName, str(f, "outcome")).Inc()
		m.DispatchDuration.WithLabelValues(busName, part(f)).Observe(seconds(f))
	case constants.EventDispatchSkip:
		m.Dispatch.WithLabelValues(busName, constants.OutcomeSkip).Inc()
	case constants.EventDispatchError:
		m.Dispatch.WithLabelValues(busName, constants.OutcomeError).Inc()
	case constants.EventRateLimited:
		m.RateLimited.WithLabelValues(busName, part(f)).Inc()
	case constants.EventPartitionOverflow:
		m.Overflow.WithLabelValues(busName, part(f)).Inc()
	case constants.EventMiddlewareStop:
		m.MiddlewareDuration.WithLabelValues(str(f, "hook"), str(f, "stage")).Observe(seconds(f))
	case constants.EventMiddlewareException:
		m.MiddlewareErrors.WithLabelValues(str(f, "hook"), str(f, "stage")).Inc()
	case constants.EventBackpressure:
		m.Backpressure.WithLabelValues(busName, str(f, "subscription_id")).Inc()
	case constants.EventDeadLetter:
		m.DeadLetters.WithLabelValues(busName, str(f, "subscription_id")).Inc()
	}
}

// SetStats copies a bus stats snapshot into the gauges.
func (m *Metrics) SetStats(s bus.Stats) {
	m.LogSize.WithLabelValues(s.Name).Set(float64(s.LogSize))
	m.Subscriptions.WithLabelValues(s.Name).Set(float64(s.Subscriptions))
	for i, p := range s.Partitions {
		m.PartitionQueue.WithLabelValues(s.Name, strconv.Itoa(i)).Set(float64(p.Queued))
	}
}

// StatsSource is anything that can report bus stats.
type StatsSource interface {
	Stats(ctx context.Context) (bus.Stats, error)
}

// RunCollector refreshes the gauges every interval until ctx is done.
func (m *Metrics) RunCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = constants.StatsCollectInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s, err := src.Stats(ctx); err == nil {
			m.SetStats(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func str(f telemetry.Fields, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

func num(f telemetry.Fields, key string) int {
	if v, ok := f[key].(int); ok {
		return v
	}
	return 0
}

func part(f telemetry.Fields) string {
	return strconv.Itoa(num(f, "partition"))
}

func seconds(f telemetry.Fields) float64 {
	if d, ok := f["duration"].(time.Duration); ok {
		return d.Seconds()
	}
	return 0
}
