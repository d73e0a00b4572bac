package signal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when an id is not a version 7 UUID.
var ErrInvalidID = errors.New("invalid signal id")

const maxSequence = 0x0fff

// Generator produces UUIDv7 ids that strictly increase within the process.
//
// Layout: 48-bit unix milliseconds, version nibble, 12-bit sequence in
// rand_a, variant bits, random tail. When the sequence is exhausted inside
// one millisecond the generator borrows the next millisecond.
type Generator struct {
	mu     sync.Mutex
	lastMS int64
	seq    uint16
	now    func() time.Time
}

// NewGenerator creates an id generator using the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

var defaultGenerator = NewGenerator()

// NewID returns a fresh id from the process-wide generator.
func NewID() string {
	return defaultGenerator.Next()
}

// NewIDs returns n fresh ids from the process-wide generator, generated
// under one lock so the batch is contiguous.
func NewIDs(n int) []string {
	return defaultGenerator.NextN(n)
}

// Next returns one id.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next().String()
}

// NextN returns n ids in increasing order.
func (g *Generator) NextN(n int) []string {
	if n <= 0 {
		return nil
	}
	ids := make([]string, n)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range ids {
		ids[i] = g.next().String()
	}
	return ids
}

func (g *Generator) next() uuid.UUID {
	ms := g.now().UnixMilli()
	if ms > g.lastMS {
		g.lastMS = ms
		g.seq = 0
	} else {
		g.seq++
		if g.seq > maxSequence {
			g.lastMS++
			g.seq = 0
		}
	}

	u := uuid.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(g.lastMS))
	copy(u[0:6], ts[2:8])
	u[6] = 0x70 | byte(g.seq>>8)&0x0f
	u[7] = byte(g.seq)
	u[8] = u[8]&0x3f | 0x80
	return u
}

// Timestamp extracts the unix millisecond timestamp embedded in a v7 id.
func Timestamp(id string) (int64, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidID, id, err)
	}
	if u.Version() != 7 {
		return 0, fmt.Errorf("%w: %q is version %d", ErrInvalidID, id, u.Version())
	}
	var ts [8]byte
	copy(ts[2:8], u[0:6])
	return int64(binary.BigEndian.Uint64(ts[:])), nil
}
