package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
)

// Logger logs every publish and dispatch at debug level.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a logging stage.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("middleware")}
}

func (l *Logger) Name() string { return "logger" }

func (l *Logger) BeforePublish(_ context.Context, mc *Context, signals []*signal.Signal) ([]*signal.Signal, error) {
	l.logger.Debug("Publishing signals",
		zap.String("bus", mc.BusName),
		zap.Int("count", len(signals)))
	return signals, nil
}

func (l *Logger) AfterPublish(_ context.Context, mc *Context, signals []*signal.Signal) error {
	for _, sig := range signals {
		l.logger.Debug("Signal published",
			zap.String("bus", mc.BusName),
			zap.String("type", sig.Type),
			zap.String("log_id", sig.LogID))
	}
	return nil
}

func (l *Logger) BeforeDispatch(_ context.Context, mc *Context, sig *signal.Signal, sub *subscription.Subscription) (Action, *signal.Signal, error) {
	l.logger.Debug("Dispatching signal",
		zap.String("bus", mc.BusName),
		zap.Int("partition", mc.Partition),
		zap.String("subscription", sub.ID),
		zap.String("type", sig.Type))
	return Continue, sig, nil
}

func (l *Logger) AfterDispatch(_ context.Context, mc *Context, sig *signal.Signal, sub *subscription.Subscription, result error) error {
	if result != nil {
		l.logger.Debug("Dispatch failed",
			zap.String("bus", mc.BusName),
			zap.String("subscription", sub.ID),
			zap.String("type", sig.Type),
			zap.Error(result))
		return nil
	}
	l.logger.Debug("Signal dispatched",
		zap.String("bus", mc.BusName),
		zap.String("subscription", sub.ID),
		zap.String("type", sig.Type))
	return nil
}
