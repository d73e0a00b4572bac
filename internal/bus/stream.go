package bus

import (
	"sort"
	"time"

	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// stream is the bounded, id-ordered signal log. It is owned by the bus
// coordinator goroutine and never shared.
type stream struct {
	entries []signal.Recorded
	maxSize int
	ttl     time.Duration
}

func newStream(maxSize int, ttl time.Duration) *stream {
	return &stream{maxSize: maxSize, ttl: ttl}
}

// append stores a copy of every signal stamped with a fresh log id, in
// input order, then enforces retention. It returns the recorded entries
// and the number of entries evicted.
func (s *stream) append(signals []*signal.Signal) ([]signal.Recorded, int) {
	if len(signals) == 0 {
		return nil, 0
	}

	ids := signal.NewIDs(len(signals))
	now := time.Now()
	recorded := make([]signal.Recorded, len(signals))
	for i, sig := range signals {
		recorded[i] = signal.Recorded{
			ID:        ids[i],
			Type:      sig.Type,
			CreatedAt: now,
			Signal:    sig.WithLogID(ids[i]),
		}
	}
	s.entries = append(s.entries, recorded...)

	removed := s.expire(now)
	if s.maxSize > 0 {
		removed += s.truncate(s.maxSize)
	}
	return recorded, removed
}

// truncate keeps the newest max entries.
func (s *stream) truncate(max int) int {
	if max < 0 || len(s.entries) <= max {
		return 0
	}
	removed := len(s.entries) - max
	s.entries = append([]signal.Recorded(nil), s.entries[removed:]...)
	return removed
}

// expire drops entries whose id timestamp is older than the TTL.
func (s *stream) expire(now time.Time) int {
	if s.ttl <= 0 || len(s.entries) == 0 {
		return 0
	}
	cutoff := now.Add(-s.ttl).UnixMilli()
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Timestamp() >= cutoff
	})
	if i == 0 {
		return 0
	}
	s.entries = append([]signal.Recorded(nil), s.entries[i:]...)
	return i
}

func (s *stream) clear() int {
	n := len(s.entries)
	s.entries = nil
	return n
}

func (s *stream) len() int { return len(s.entries) }

// snapshot returns a point-in-time copy of the log.
func (s *stream) snapshot() []signal.Recorded {
	return append([]signal.Recorded(nil), s.entries...)
}

// filter scans the log in id order. since is exclusive; correlationID is
// ignored when empty.
func (s *stream) filter(m *router.Matcher, since int64, correlationID string, limit int) []signal.Recorded {
	start := 0
	if since > 0 {
		start = sort.Search(len(s.entries), func(i int) bool {
			return s.entries[i].Timestamp() > since
		})
	}

	var out []signal.Recorded
	for _, rec := range s.entries[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !m.Match(rec.Type) {
			continue
		}
		if correlationID != "" && rec.Signal.CorrelationID != correlationID {
			continue
		}
		out = append(out, rec)
	}
	return out
}
