package export

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// ErrNotConnected is returned by Publish before Start or after Stop.
var ErrNotConnected = errors.New("nats exporter is not connected")

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Subjects  string `yaml:"subjects"`
	JetStream bool   `yaml:"jetstream"`
}

// DefaultNATSConfig returns a lean default for small instances.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:       constants.NATSDefaultURL,
		Stream:    constants.NATSStream,
		Subjects:  constants.NATSStreamSubjects,
		JetStream: true,
	}
}

// NATS publishes signals for NATS dispatch targets. With JetStream
// enabled every publish waits for the stream ack and carries the log id
// as the message id, so redeliveries from durable subscribers are
// deduplicated by the server.
type NATS struct {
	cfg    NATSConfig
	logger *zap.Logger

	nc *nats.Conn
	js jetstream.JetStream

	connected atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewNATS creates a NATS exporter.
func NewNATS(cfg NATSConfig, logger *zap.Logger) *NATS {
	return &NATS{cfg: cfg, logger: logger.Named("nats")}
}

func (e *NATS) Name() string { return constants.TransportNATS }

// Start connects and, in JetStream mode, makes sure the stream exists.
func (e *NATS) Start(ctx context.Context) error {
	nc, err := nats.Connect(e.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(constants.NATSReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			e.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			e.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", e.cfg.URL, err)
	}
	e.nc = nc

	if e.cfg.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return err
		}
		if err := EnsureStream(ctx, js, e.cfg.Stream, e.cfg.Subjects); err != nil {
			nc.Close()
			return err
		}
		e.js = js
	}
	e.connected.Store(true)

	e.logger.Info("NATS exporter started",
		zap.String("url", e.cfg.URL),
		zap.String("stream", e.cfg.Stream),
		zap.Bool("jetstream", e.cfg.JetStream))
	return nil
}

// EnsureStream creates or updates the signal stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subjects string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{subjects},
		Retention:  jetstream.LimitsPolicy,
		MaxBytes:   constants.NATSStreamMaxBytes,
		Discard:    jetstream.DiscardOld,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("nats stream %s: %w", name, err)
	}
	return nil
}

// Healthy fails before Start, after Stop and while the client is
// reconnecting.
func (e *NATS) Healthy(_ context.Context) error {
	if !e.connected.Load() || !e.nc.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Stop drains the connection.
func (e *NATS) Stop(_ context.Context) error {
	if !e.connected.Swap(false) {
		return nil
	}
	e.logger.Info("NATS exporter stopping",
		zap.Uint64("published", e.published.Load()),
		zap.Uint64("failed", e.failed.Load()))
	return e.nc.Drain()
}

// Publish implements dispatch.Publisher.
func (e *NATS) Publish(ctx context.Context, subject string, sig *signal.Signal) error {
	if !e.connected.Load() {
		return ErrNotConnected
	}
	data, err := Encode(sig)
	if err != nil {
		return err
	}

	if e.js != nil {
		opts := []jetstream.PublishOpt{}
		if sig.LogID != "" {
			opts = append(opts, jetstream.WithMsgID(sig.LogID))
		}
		_, err = e.js.Publish(ctx, subject, data, opts...)
	} else {
		err = e.nc.Publish(subject, data)
	}
	if err != nil {
		e.failed.Add(1)
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	e.published.Add(1)
	return nil
}

// Published returns the number of signals published.
func (e *NATS) Published() uint64 { return e.published.Load() }
