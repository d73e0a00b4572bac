package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Sentinel errors for the dispatch package.
var (
	ErrNilTarget         = errors.New("nil dispatch target")
	ErrUnsupportedTarget = errors.New("unsupported dispatch target")
	ErrMailboxClosed     = errors.New("mailbox is closed")
	ErrMailboxFull       = errors.New("mailbox is full")
	ErrPublisherMissing  = errors.New("no publisher configured for nats targets")
)

// PanicError wraps a panic raised by a Func target.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Dispatcher delivers one signal to one target.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig *signal.Signal, target Target) error
}

// Publisher sends a signal to a message-broker subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, sig *signal.Signal) error
}

// Default dispatches every built-in target variant.
type Default struct {
	publisher Publisher
	logger    *zap.Logger
}

// Option configures a Default dispatcher.
type Option func(*Default)

// WithPublisher enables NATS targets.
func WithPublisher(p Publisher) Option {
	return func(d *Default) { d.publisher = p }
}

// WithLogger sets the logger used by Log targets.
func WithLogger(l *zap.Logger) Option {
	return func(d *Default) { d.logger = l }
}

// New creates the default dispatcher.
func New(opts ...Option) *Default {
	d := &Default{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers sig to target. A Multi target delivers to every
// member and combines their errors.
func (d *Default) Dispatch(ctx context.Context, sig *signal.Signal, target Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch t := target.(type) {
	case nil:
		return ErrNilTarget
	case *Func:
		return d.call(ctx, sig, t)
	case *Mailbox:
		return t.send(sig)
	case NATS:
		if d.publisher == nil {
			return ErrPublisherMissing
		}
		return d.publisher.Publish(ctx, t.Subject, sig)
	case Log:
		d.logger.Info("Signal dispatched",
			zap.String("target", t.Name),
			zap.String("type", sig.Type),
			zap.String("id", sig.ID),
			zap.String("log_id", sig.LogID))
		return nil
	case Multi:
		var errs error
		for _, member := range t {
			errs = multierr.Append(errs, d.Dispatch(ctx, sig, member))
		}
		return errs
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedTarget, target)
	}
}

func (d *Default) call(ctx context.Context, sig *signal.Signal, f *Func) (err error) {
	if f.Fn == nil {
		return ErrNilTarget
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return f.Fn(ctx, sig)
}
