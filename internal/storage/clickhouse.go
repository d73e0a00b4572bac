package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// DefaultClickHouseConfig returns lean defaults.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		DSN:      constants.ClickHouseDefaultDSN,
		MaxConns: constants.ClickHouseMaxConns,
	}
}

// ClickHouse archives dead letters for later analysis. It implements
// DeadLetterStore only; pair it with a CheckpointStore through Split.
type ClickHouse struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouse creates and pings a ClickHouse connection.
func NewClickHouse(cfg ClickHouseConfig, logger *zap.Logger) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	opts.MaxOpenConns = cfg.MaxConns
	opts.MaxIdleConns = cfg.MaxConns
	opts.ConnMaxLifetime = 10 * time.Minute

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	logger.Info("ClickHouse connected", zap.String("dsn", cfg.DSN))
	return &ClickHouse{conn: conn, logger: logger}, nil
}

// DeadLetterRow is one archived dead letter.
type DeadLetterRow struct {
	ID             string
	CreatedAt      time.Time
	SubscriptionID string
	SignalID       string
	LogID          string
	SignalType     string
	Source         string
	Payload        string
	Reason         string
	Attempts       uint32
	Metadata       map[string]string
}

func deadLetterRow(id string, dl DeadLetter) (DeadLetterRow, error) {
	payload, err := json.Marshal(dl.Signal)
	if err != nil {
		return DeadLetterRow{}, fmt.Errorf("encode signal: %w", err)
	}
	return DeadLetterRow{
		ID:             id,
		CreatedAt:      dl.CreatedAt,
		SubscriptionID: dl.SubscriptionID,
		SignalID:       dl.Signal.ID,
		LogID:          dl.Signal.LogID,
		SignalType:     dl.Signal.Type,
		Source:         dl.Signal.Source,
		Payload:        string(payload),
		Reason:         dl.Reason,
		Attempts:       uint32(dl.Attempts),
		Metadata:       dl.Metadata,
	}, nil
}

// PutDeadLetter inserts one row and returns its generated id.
func (ch *ClickHouse) PutDeadLetter(ctx context.Context, dl DeadLetter) (string, error) {
	row, err := deadLetterRow(signal.NewID(), dl)
	if err != nil {
		return "", err
	}
	if err := ch.InsertBatch(ctx, []DeadLetterRow{row}); err != nil {
		return "", err
	}
	return row.ID, nil
}

// InsertBatch inserts rows using the native batch protocol.
func (ch *ClickHouse) InsertBatch(ctx context.Context, rows []DeadLetterRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := ch.conn.PrepareBatch(ctx,
		"INSERT INTO "+constants.ClickHouseDeadLetterTbl+
			" (id, created_at, subscription_id, signal_id, log_id, signal_type, source, payload, reason, attempts, metadata)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.ID,
			r.CreatedAt,
			r.SubscriptionID,
			r.SignalID,
			r.LogID,
			r.SignalType,
			r.Source,
			r.Payload,
			r.Reason,
			r.Attempts,
			r.Metadata,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	ch.logger.Debug("Dead letters archived", zap.Int("rows", len(rows)))
	return nil
}

// RecentDeadLetters returns the newest archived rows of one subscription.
func (ch *ClickHouse) RecentDeadLetters(ctx context.Context, subscriptionID string, limit int) ([]DeadLetterRow, error) {
	rows, err := ch.conn.Query(ctx,
		"SELECT id, created_at, subscription_id, signal_id, log_id, signal_type, source, payload, reason, attempts, metadata FROM "+
			constants.ClickHouseDeadLetterTbl+" WHERE subscription_id = ? ORDER BY created_at DESC LIMIT ?",
		subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRow
	for rows.Next() {
		var r DeadLetterRow
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.SubscriptionID, &r.SignalID, &r.LogID,
			&r.SignalType, &r.Source, &r.Payload, &r.Reason, &r.Attempts, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDeadLetters implements DeadLetterReader on top of RecentDeadLetters.
func (ch *ClickHouse) ListDeadLetters(ctx context.Context, subscriptionID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = constants.ClickHouseDeadLetterScan
	}
	rows, err := ch.RecentDeadLetters(ctx, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		dl, err := rows[i].DeadLetter()
		if err != nil {
			ch.logger.Warn("Skipping corrupt dead letter", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetter decodes the archived payload back into a record.
func (r DeadLetterRow) DeadLetter() (DeadLetter, error) {
	var sig signal.Signal
	if err := json.Unmarshal([]byte(r.Payload), &sig); err != nil {
		return DeadLetter{}, fmt.Errorf("decode signal: %w", err)
	}
	return DeadLetter{
		ID:             r.ID,
		SubscriptionID: r.SubscriptionID,
		Signal:         &sig,
		Reason:         r.Reason,
		Attempts:       int(r.Attempts),
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// Close closes the ClickHouse connection.
func (ch *ClickHouse) Close() error {
	return ch.conn.Close()
}
