// Package storage provides the durable-storage adapters used by durable
// subscriptions: checkpoints and dead letters.
//
// Persistence is best-effort durability. Callers log failures and keep
// making in-memory progress.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrNotReadable is returned when the dead-letter backend is write-only.
	ErrNotReadable = errors.New("dead letters are not readable from this store")
)

// CheckpointKey builds the storage key of a subscription checkpoint.
func CheckpointKey(bus, subscriptionID string) string {
	return bus + ":" + subscriptionID
}

// DeadLetter is a signal that exhausted its delivery attempts.
type DeadLetter struct {
	// ID is assigned by the store and only set on records read back.
	ID             string
	SubscriptionID string
	Signal         *signal.Signal
	Reason         string
	Attempts       int
	Metadata       map[string]string
	CreatedAt      time.Time
}

// NewDeadLetter builds the dead-letter record for a failed delivery,
// filling the standard metadata keys.
func NewDeadLetter(subscriptionID string, sig *signal.Signal, reason error, attempts int) DeadLetter {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return DeadLetter{
		SubscriptionID: subscriptionID,
		Signal:         sig,
		Reason:         msg,
		Attempts:       attempts,
		CreatedAt:      time.Now().UTC(),
		Metadata: map[string]string{
			"attempt_count":   strconv.Itoa(attempts),
			"last_error":      msg,
			"subscription_id": subscriptionID,
			"signal_id":       sig.LogID,
		},
	}
}

// CheckpointStore persists subscription watermarks.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, key string) (int64, error)
	PutCheckpoint(ctx context.Context, key string, checkpoint int64) error
}

// DeadLetterStore records exhausted deliveries and returns their id.
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl DeadLetter) (string, error)
}

// DeadLetterReader lists the newest dead letters of a subscription, up to
// limit, oldest first. A non-positive limit returns all of them.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, subscriptionID string, limit int) ([]DeadLetter, error)
}

// ListDeadLetters reads dead letters from s when its backend supports it.
func ListDeadLetters(ctx context.Context, s DeadLetterStore, subscriptionID string, limit int) ([]DeadLetter, error) {
	r, ok := s.(DeadLetterReader)
	if !ok {
		return nil, ErrNotReadable
	}
	return r.ListDeadLetters(ctx, subscriptionID, limit)
}

// Storage is the full adapter surface.
type Storage interface {
	CheckpointStore
	DeadLetterStore
}

// Split routes checkpoints and dead letters to different backends, for
// example Redis checkpoints with a ClickHouse dead-letter archive.
type Split struct {
	CheckpointStore
	DeadLetterStore
}

// ListDeadLetters reads from the dead-letter backend.
func (s Split) ListDeadLetters(ctx context.Context, subscriptionID string, limit int) ([]DeadLetter, error) {
	return ListDeadLetters(ctx, s.DeadLetterStore, subscriptionID, limit)
}

// newest keeps the last limit records of an oldest-first slice.
func newest(dls []DeadLetter, limit int) []DeadLetter {
	if limit > 0 && len(dls) > limit {
		return dls[len(dls)-limit:]
	}
	return dls
}

// deadLetterRecord is the JSON encoding shared by the key-value backends.
type deadLetterRecord struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	Signal         *signal.Signal    `json:"signal"`
	Reason         string            `json:"reason"`
	Attempts       int               `json:"attempts"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func encodeDeadLetter(id string, dl DeadLetter) ([]byte, error) {
	data, err := json.Marshal(deadLetterRecord{
		ID:             id,
		SubscriptionID: dl.SubscriptionID,
		Signal:         dl.Signal,
		Reason:         dl.Reason,
		Attempts:       dl.Attempts,
		Metadata:       dl.Metadata,
		CreatedAt:      dl.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dead letter: %w", err)
	}
	return data, nil
}

func decodeDeadLetter(data []byte) (string, DeadLetter, error) {
	var rec deadLetterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return rec.ID, DeadLetter{
		ID:             rec.ID,
		SubscriptionID: rec.SubscriptionID,
		Signal:         rec.Signal,
		Reason:         rec.Reason,
		Attempts:       rec.Attempts,
		Metadata:       rec.Metadata,
		CreatedAt:      rec.CreatedAt,
	}, nil
}
