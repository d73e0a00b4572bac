package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultRedisConfig returns lean defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      constants.RedisDefaultAddr,
		PoolSize:  constants.RedisPoolSize,
		KeyPrefix: constants.RedisKeyPrefix,
	}
}

// Redis stores checkpoints as plain keys and dead letters in one stream
// per subscription.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis creates and pings a Redis connection.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("Redis connected", zap.String("addr", cfg.Addr))
	return NewRedisFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = constants.RedisKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) checkpointKey(key string) string {
	return r.prefix + "checkpoint:" + key
}

func (r *Redis) deadLetterStream(subscriptionID string) string {
	return r.prefix + "dlq:" + subscriptionID
}

func (r *Redis) GetCheckpoint(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.checkpointKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	cp, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %s: %w", key, err)
	}
	return cp, nil
}

func (r *Redis) PutCheckpoint(ctx context.Context, key string, checkpoint int64) error {
	if err := r.client.Set(ctx, r.checkpointKey(key), checkpoint, 0).Err(); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

// PutDeadLetter appends to the subscription's stream; the stream entry id
// is the dead-letter id.
func (r *Redis) PutDeadLetter(ctx context.Context, dl DeadLetter) (string, error) {
	data, err := encodeDeadLetter("", dl)
	if err != nil {
		return "", err
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream(dl.SubscriptionID),
		MaxLen: constants.RedisDeadLetterMaxLen,
		Approx: true,
		Values: map[string]any{
			"signal_id": dl.Signal.LogID,
			"reason":    dl.Reason,
			"attempts":  dl.Attempts,
			"record":    data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("put dead letter: %w", err)
	}
	r.logger.Debug("Dead letter stored",
		zap.String("subscription", dl.SubscriptionID),
		zap.String("id", id))
	return id, nil
}

// ListDeadLetters reads the newest entries of the subscription stream.
func (r *Redis) ListDeadLetters(ctx context.Context, subscriptionID string, limit int) ([]DeadLetter, error) {
	stream := r.deadLetterStream(subscriptionID)
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = r.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	} else {
		msgs, err = r.client.XRevRange(ctx, stream, "+", "-").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		dl, err := decodeStreamEntry(msgs[i])
		if err != nil {
			r.logger.Warn("Skipping corrupt dead letter", zap.String("id", msgs[i].ID), zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func decodeStreamEntry(msg redis.XMessage) (DeadLetter, error) {
	raw, ok := msg.Values["record"].(string)
	if !ok {
		return DeadLetter{}, fmt.Errorf("stream entry %s has no record", msg.ID)
	}
	_, dl, err := decodeDeadLetter([]byte(raw))
	if err != nil {
		return DeadLetter{}, err
	}
	dl.ID = msg.ID
	return dl, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
