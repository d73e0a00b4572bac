package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// PebbleConfig holds the embedded store settings.
type PebbleConfig struct {
	DataDir string `yaml:"data_dir"`
	// Sync forces a WAL fsync on every write.
	Sync bool `yaml:"sync"`
}

// DefaultPebbleConfig returns lean defaults.
func DefaultPebbleConfig() PebbleConfig {
	return PebbleConfig{DataDir: constants.PebbleDefaultDir, Sync: true}
}

const (
	pebbleCheckpointPrefix = "cp/"
	pebbleDeadLetterPrefix = "dlq/"
)

// Pebble is a single-node embedded store for checkpoints and dead letters.
type Pebble struct {
	db     *pebble.DB
	write  *pebble.WriteOptions
	logger *zap.Logger
}

// OpenPebble creates or opens the database directory.
func OpenPebble(cfg PebbleConfig, logger *zap.Logger) (*Pebble, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("pebble: data_dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(cfg.DataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", cfg.DataDir, err)
	}
	write := pebble.NoSync
	if cfg.Sync {
		write = pebble.Sync
	}
	logger.Info("Pebble store opened", zap.String("dir", cfg.DataDir))
	return &Pebble{db: db, write: write, logger: logger}, nil
}

func (p *Pebble) GetCheckpoint(_ context.Context, key string) (int64, error) {
	val, closer, err := p.db.Get([]byte(pebbleCheckpointPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("checkpoint %s: corrupt value of %d bytes", key, len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (p *Pebble) PutCheckpoint(_ context.Context, key string, checkpoint int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(checkpoint))
	if err := p.db.Set([]byte(pebbleCheckpointPrefix+key), buf[:], p.write); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

// PutDeadLetter stores the record under dlq/{subscription}/{id}; ids are
// time ordered, so a prefix scan returns dead letters oldest first.
func (p *Pebble) PutDeadLetter(_ context.Context, dl DeadLetter) (string, error) {
	id := signal.NewID()
	data, err := encodeDeadLetter(id, dl)
	if err != nil {
		return "", err
	}
	key := pebbleDeadLetterPrefix + dl.SubscriptionID + "/" + id
	if err := p.db.Set([]byte(key), data, p.write); err != nil {
		return "", fmt.Errorf("put dead letter: %w", err)
	}
	return id, nil
}

// ListDeadLetters walks the subscription prefix backwards so only the
// newest limit records are decoded.
func (p *Pebble) ListDeadLetters(_ context.Context, subscriptionID string, limit int) ([]DeadLetter, error) {
	prefix := []byte(pebbleDeadLetterPrefix + subscriptionID + "/")
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	defer iter.Close()

	var out []DeadLetter
	for iter.Last(); iter.Valid(); iter.Prev() {
		_, dl, err := decodeDeadLetter(iter.Value())
		if err != nil {
			p.logger.Warn("Skipping corrupt dead letter", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, dl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	slices.Reverse(out)
	return out, iter.Error()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Close flushes and closes the database.
func (p *Pebble) Close() error {
	return p.db.Close()
}
