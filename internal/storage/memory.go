package storage

import (
	"context"
	"sync"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Memory keeps checkpoints and dead letters in process memory.
type Memory struct {
	mu          sync.RWMutex
	checkpoints map[string]int64
	deadLetters map[string][]DeadLetter
	ids         map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]int64),
		deadLetters: make(map[string][]DeadLetter),
		ids:         make(map[string][]string),
	}
}

func (m *Memory) GetCheckpoint(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[key]
	if !ok {
		return 0, ErrNotFound
	}
	return cp, nil
}

func (m *Memory) PutCheckpoint(_ context.Context, key string, checkpoint int64) error {
	m.mu.Lock()
	m.checkpoints[key] = checkpoint
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutDeadLetter(_ context.Context, dl DeadLetter) (string, error) {
	id := signal.NewID()
	m.mu.Lock()
	m.deadLetters[dl.SubscriptionID] = append(m.deadLetters[dl.SubscriptionID], dl)
	m.ids[dl.SubscriptionID] = append(m.ids[dl.SubscriptionID], id)
	m.mu.Unlock()
	return id, nil
}

// ListDeadLetters implements DeadLetterReader.
func (m *Memory) ListDeadLetters(_ context.Context, subscriptionID string, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeadLetter, len(m.deadLetters[subscriptionID]))
	for i, dl := range m.deadLetters[subscriptionID] {
		dl.ID = m.ids[subscriptionID][i]
		out[i] = dl
	}
	return newest(out, limit), nil
}

// DeadLetters returns the dead letters recorded for a subscription.
func (m *Memory) DeadLetters(subscriptionID string) []DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DeadLetter(nil), m.deadLetters[subscriptionID]...)
}
