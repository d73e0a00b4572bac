// Package subscription defines subscription records, their options and the
// replay-start policy applied to new durable subscriptions.
package subscription

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Handle is the control surface of a durable subscriber.
type Handle interface {
	Deliver(ctx context.Context, sig *signal.Signal) error
	Ack(ctx context.Context, logIDs ...string) error
	Reconnect(ctx context.Context, target dispatch.Target, log []signal.Recorded) error
	Stop()
}

// Subscription is a registered interest in a path pattern.
type Subscription struct {
	ID         string
	Path       string
	Target     dispatch.Target
	Persistent bool
	CreatedAt  time.Time
	Options    Options

	// Durable is set for persistent subscriptions only.
	Durable Handle
}

type startKind uint8

const (
	startOrigin startKind = iota
	startCurrent
	startAt
)

// StartPolicy picks the initial checkpoint of a durable subscription.
type StartPolicy struct {
	kind startKind
	at   int64
}

// StartOrigin replays from the beginning (checkpoint 0).
func StartOrigin() StartPolicy { return StartPolicy{kind: startOrigin} }

// StartCurrent skips everything logged before the subscription.
func StartCurrent() StartPolicy { return StartPolicy{kind: startCurrent} }

// StartAt starts after the given unix millisecond timestamp. Negative
// values fall back to origin.
func StartAt(ms int64) StartPolicy {
	if ms < 0 {
		return StartOrigin()
	}
	return StartPolicy{kind: startAt, at: ms}
}

// ParseStart accepts "origin", "current", a unix millisecond integer or an
// RFC3339 timestamp. Anything else falls back to origin.
func ParseStart(s string) StartPolicy {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "origin":
		return StartOrigin()
	case "current":
		return StartCurrent()
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return StartAt(ms)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return StartAt(t.UnixMilli())
	}
	return StartOrigin()
}

// Checkpoint resolves the policy against now.
func (p StartPolicy) Checkpoint(now time.Time) int64 {
	switch p.kind {
	case startCurrent:
		return now.UnixMilli()
	case startAt:
		return p.at
	default:
		return 0
	}
}

func (p StartPolicy) String() string {
	switch p.kind {
	case startCurrent:
		return "current"
	case startAt:
		return strconv.FormatInt(p.at, 10)
	default:
		return "origin"
	}
}

// Options configures a subscription. Flow-control limits only apply to
// persistent subscriptions.
type Options struct {
	Persistent    bool
	Start         StartPolicy
	MaxInFlight   int
	MaxPending    int
	MaxAttempts   int
	RetryInterval time.Duration
}

// DefaultOptions returns ephemeral options with durable limits prefilled.
func DefaultOptions() Options {
	return Options{
		Start:         StartOrigin(),
		MaxInFlight:   constants.DefaultMaxInFlight,
		MaxPending:    constants.DefaultMaxPending,
		MaxAttempts:   constants.DefaultMaxAttempts,
		RetryInterval: constants.DefaultRetryInterval,
	}
}

// Option mutates Options.
type Option func(*Options)

// Persistent makes the subscription durable.
func Persistent() Option {
	return func(o *Options) { o.Persistent = true }
}

// WithStart sets the replay-start policy.
func WithStart(p StartPolicy) Option {
	return func(o *Options) { o.Start = p }
}

// WithMaxInFlight bounds unacknowledged dispatched signals.
func WithMaxInFlight(n int) Option {
	return func(o *Options) { o.MaxInFlight = n }
}

// WithMaxPending bounds queued signals.
func WithMaxPending(n int) Option {
	return func(o *Options) { o.MaxPending = n }
}

// WithMaxAttempts bounds dispatch attempts before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithRetryInterval sets the retry timer period.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Options) { o.RetryInterval = d }
}

// Apply builds Options from defaults and opts. Non-positive limits are
// replaced by defaults.
func Apply(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	def := DefaultOptions()
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = def.MaxInFlight
	}
	if o.MaxPending < 0 {
		o.MaxPending = def.MaxPending
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = def.RetryInterval
	}
	return o
}
