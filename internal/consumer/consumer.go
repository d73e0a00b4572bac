// Package consumer ingests remote signals into the bus.
// Pull-based batching: consumes from NATS JetStream, accumulates signals,
// publishes them to the bus in batches (time-or-size triggered) and acks
// the messages once the bus has logged them.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/export"
	"github.com/sureshkrishnan-v/signalbus/internal/middleware"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Config holds consumer settings.
type Config struct {
	NATSURL       string        `yaml:"nats_url"`
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	ConsumerName  string        `yaml:"consumer_name"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns lean defaults.
func DefaultConfig() Config {
	return Config{
		NATSURL:       constants.NATSDefaultURL,
		Stream:        constants.NATSStream,
		Subject:       constants.NATSIngestSubject,
		ConsumerName:  constants.NATSConsumerName,
		BatchSize:     constants.NATSIngestBatchSize,
		FlushInterval: constants.NATSIngestFlushInterval,
	}
}

// Publisher is the bus surface the consumer feeds.
type Publisher interface {
	Publish(ctx context.Context, signals ...*signal.Signal) ([]signal.Recorded, error)
}

// Message is the subset of a JetStream message the consumer needs.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

type pendingMsg struct {
	sig *signal.Signal
	msg Message
}

// Consumer reads from NATS and publishes into the bus.
type Consumer struct {
	cfg    Config
	bus    Publisher
	logger *zap.Logger

	mu    sync.Mutex
	batch []pendingMsg
}

// New creates a consumer instance.
func New(cfg Config, bus Publisher, logger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.NATSIngestBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = constants.NATSIngestFlushInterval
	}
	return &Consumer{
		cfg:    cfg,
		bus:    bus,
		logger: logger.Named("consumer"),
		batch:  make([]pendingMsg, 0, cfg.BatchSize),
	}
}

// Run starts consuming from NATS JetStream and publishing to the bus.
// Blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(constants.NATSReconnectWait),
	)
	if err != nil {
		return err
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	if err := export.EnsureStream(ctx, js, c.cfg.Stream, constants.NATSStreamSubjects); err != nil {
		return err
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: constants.NATSMaxAckPending,
	})
	if err != nil {
		return err
	}

	go c.flusher(ctx)

	c.logger.Info("Consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("subject", c.cfg.Subject),
		zap.Int("batch_size", c.cfg.BatchSize))

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.Handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	defer cc.Stop()

	<-ctx.Done()
	c.Flush(context.Background())
	return nil
}

// Handle decodes one message and queues it for the next flush. Messages
// that do not decode into a valid signal are terminated.
func (c *Consumer) Handle(ctx context.Context, msg Message) {
	sig, err := export.Decode(msg.Data())
	if err != nil {
		c.logger.Warn("Failed to decode signal", zap.Error(err))
		_ = msg.Term()
		return
	}

	c.mu.Lock()
	c.batch = append(c.batch, pendingMsg{sig: sig, msg: msg})
	full := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		c.Flush(ctx)
	}
}

// Flush publishes the accumulated signals as one batch. On success the
// messages are acked; on failure they are nak'd for redelivery, except
// when middleware halted the batch, which is final.
func (c *Consumer) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = make([]pendingMsg, 0, c.cfg.BatchSize)
	c.mu.Unlock()

	signals := make([]*signal.Signal, len(batch))
	for i, p := range batch {
		signals[i] = p.sig
	}

	_, err := c.bus.Publish(ctx, signals...)
	settle := Message.Ack
	switch {
	case err == nil:
		c.logger.Debug("Ingested batch", zap.Int("signals", len(batch)))
	case errors.Is(err, signal.ErrInvalidSignal) || errors.Is(err, middleware.ErrHalted):
		c.logger.Warn("Ingest batch rejected", zap.Error(err), zap.Int("signals", len(batch)))
		settle = Message.Term
	default:
		c.logger.Error("Ingest publish failed", zap.Error(err), zap.Int("signals", len(batch)))
		settle = Message.Nak
	}
	for _, p := range batch {
		if err := settle(p.msg); err != nil {
			c.logger.Debug("Message settle failed", zap.Error(err))
		}
	}
}

func (c *Consumer) flusher(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}
