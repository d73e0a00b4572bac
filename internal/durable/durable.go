// Package durable implements the durable-subscription actor: a goroutine
// that tracks in-flight and pending signals for one persistent
// subscription, retries failed deliveries, dead-letters exhausted ones and
// checkpoints acknowledgements.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
	"github.com/sureshkrishnan-v/signalbus/internal/telemetry"
)

// Sentinel errors for the durable package.
var (
	// ErrBackpressure is returned when both in-flight and pending are full.
	ErrBackpressure = errors.New("subscriber backpressure: in-flight and pending are full")

	// ErrUnavailable is returned after the subscriber has stopped.
	ErrUnavailable = errors.New("subscriber is not running")

	// ErrTargetDead is returned by Reconnect for a target that is not alive.
	ErrTargetDead = errors.New("reconnect target is not alive")
)

// DispatchError is the final failure of a delivery whose attempts are
// exhausted.
type DispatchError struct {
	LogID    string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s failed after %d attempts: %v", e.LogID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Config describes one durable subscriber.
type Config struct {
	BusName        string
	SubscriptionID string
	Path           string
	Target         dispatch.Target
	Options        subscription.Options

	Dispatcher dispatch.Dispatcher
	Storage    storage.Storage
	Observer   telemetry.Observer
	Logger     *zap.Logger

	// DispatchTimeout bounds one transport call.
	DispatchTimeout time.Duration

	// OnTerminate is notified once when the subscriber stops. It must not block.
	OnTerminate func(subscriptionID string)
}

// State is a point-in-time view of the subscriber.
type State struct {
	Checkpoint int64
	InFlight   []string
	Pending    []string
	Attempts   map[string]int
	Target     string
}

// Subscriber is the actor handle. All bookkeeping fields are owned by the
// run goroutine.
type Subscriber struct {
	cfg     Config
	key     string
	matcher *router.Matcher
	logger  *zap.Logger
	obs     telemetry.Observer

	mailbox  chan any
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	checkpoint int64
	target     dispatch.Target
	inFlight   map[string]*signal.Signal
	pending    map[string]*signal.Signal
	attempts   map[string]int
	retryArmed bool
	retryTimer *time.Timer
}

type deliverMsg struct {
	sig   *signal.Signal
	reply chan error
}

type ackMsg struct {
	ids   []string
	reply chan error
}

type reconnectMsg struct {
	target dispatch.Target
	log    []signal.Recorded
	reply  chan error
}

type snapshotMsg struct {
	reply chan State
}

type retryMsg struct{}

// Start loads the checkpoint and launches the actor. A storage read error
// other than ErrNotFound aborts the start.
func Start(ctx context.Context, cfg Config) (*Subscriber, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("durable %s: %w", cfg.SubscriptionID, dispatch.ErrNilTarget)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = telemetry.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = constants.DefaultCallTimeout
	}
	cfg.Options = normalize(cfg.Options)

	matcher, err := router.NewMatcher(cfg.Path)
	if err != nil {
		return nil, err
	}

	key := storage.CheckpointKey(cfg.BusName, cfg.SubscriptionID)
	checkpoint := cfg.Options.Start.Checkpoint(time.Now())
	if cfg.Storage != nil {
		stored, err := cfg.Storage.GetCheckpoint(ctx, key)
		switch {
		case err == nil:
			checkpoint = stored
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("load checkpoint %s: %w", key, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		cfg:        cfg,
		key:        key,
		matcher:    matcher,
		logger:     cfg.Logger.Named("durable").With(zap.String("subscription", cfg.SubscriptionID)),
		obs:        cfg.Observer,
		mailbox:    make(chan any, constants.DurableMailboxSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        runCtx,
		cancel:     cancel,
		checkpoint: checkpoint,
		target:     cfg.Target,
		inFlight:   make(map[string]*signal.Signal),
		pending:    make(map[string]*signal.Signal),
		attempts:   make(map[string]int),
	}
	go s.run()

	s.logger.Info("Durable subscriber started",
		zap.String("path", cfg.Path),
		zap.Int64("checkpoint", checkpoint),
		zap.Int("max_in_flight", cfg.Options.MaxInFlight),
		zap.Int("max_pending", cfg.Options.MaxPending),
		zap.Int("max_attempts", cfg.Options.MaxAttempts))
	return s, nil
}

func normalize(o subscription.Options) subscription.Options {
	def := subscription.DefaultOptions()
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

// Deliver hands a signal to the subscriber. It returns nil once the signal
// is accepted (dispatched, queued or scheduled for retry) and
// ErrBackpressure when it was dropped.
func (s *Subscriber) Deliver(ctx context.Context, sig *signal.Signal) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, deliverMsg{sig: sig, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Ack acknowledges signals by log id and advances the checkpoint.
func (s *Subscriber) Ack(ctx context.Context, logIDs ...string) error {
	for _, id := range logIDs {
		if _, err := signal.Timestamp(id); err != nil {
			return err
		}
	}
	reply := make(chan error, 1)
	if err := s.send(ctx, ackMsg{ids: logIDs, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Reconnect rebinds the subscriber to target and replays every signal in
// log newer than the checkpoint that matches the subscription path.
func (s *Subscriber) Reconnect(ctx context.Context, target dispatch.Target, log []signal.Recorded) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, reconnectMsg{target: target, log: log, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Snapshot returns the current bookkeeping state.
func (s *Subscriber) Snapshot(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if err := s.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-s.done:
		return State{}, ErrUnavailable
	}
}

// Stop asks the subscriber to shut down without waiting for it.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the run loop has exited.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) send(ctx context.Context, msg any) error {
	select {
	case <-s.done:
		return ErrUnavailable
	default:
	}
	select {
	case s.mailbox <- msg:
		return nil
	case <-s.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrUnavailable
	}
}

// post is used by the retry timer; it gives up once the loop has exited.
func (s *Subscriber) post(msg any) {
	select {
	case s.mailbox <- msg:
	case <-s.done:
	}
}

func (s *Subscriber) run() {
	defer s.terminate()
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.mailbox:
			s.handle(msg)
		}
	}
}

func (s *Subscriber) handle(msg any) {
	switch m := msg.(type) {
	case deliverMsg:
		m.reply <- s.handleDeliver(m.sig)
	case ackMsg:
		s.handleAck(m.ids)
		m.reply <- nil
	case reconnectMsg:
		m.reply <- s.handleReconnect(m.target, m.log)
	case snapshotMsg:
		m.reply <- s.state()
	case retryMsg:
		s.handleRetry()
	}
}

func (s *Subscriber) terminate() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.cancel()
	close(s.done)
	s.logger.Info("Durable subscriber stopped",
		zap.Int("in_flight", len(s.inFlight)),
		zap.Int("pending", len(s.pending)))
	if s.cfg.OnTerminate != nil {
		s.cfg.OnTerminate(s.cfg.SubscriptionID)
	}
}

func (s *Subscriber) fields(sig *signal.Signal) telemetry.Fields {
	return telemetry.Fields{
		"bus":             s.cfg.BusName,
		"subscription_id": s.cfg.SubscriptionID,
		"signal_id":       sig.LogID,
		"signal_type":     sig.Type,
	}
}

func (s *Subscriber) handleDeliver(sig *signal.Signal) error {
	if s.tracked(sig.LogID) {
		s.logger.Debug("Duplicate delivery ignored", zap.String("log_id", sig.LogID))
		return nil
	}
	switch {
	case len(s.inFlight) < s.cfg.Options.MaxInFlight:
		s.attempt(sig, false)
		return nil
	case len(s.pending) < s.cfg.Options.MaxPending:
		s.pending[sig.LogID] = sig
		return nil
	default:
		f := s.fields(sig)
		f["in_flight"] = len(s.inFlight)
		f["pending"] = len(s.pending)
		s.obs.Observe(constants.EventBackpressure, f)
		s.logger.Warn("Backpressure: dropping signal",
			zap.String("log_id", sig.LogID),
			zap.Int("in_flight", len(s.inFlight)),
			zap.Int("pending", len(s.pending)))
		return ErrBackpressure
	}
}

// tracked reports whether id already sits in the in-flight or pending pool.
func (s *Subscriber) tracked(id string) bool {
	if _, ok := s.inFlight[id]; ok {
		return true
	}
	_, ok := s.pending[id]
	return ok
}

// attempt dispatches one signal. Replayed signals are not retried.
func (s *Subscriber) attempt(sig *signal.Signal, replay bool) {
	id := sig.LogID
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DispatchTimeout)
	err := s.cfg.Dispatcher.Dispatch(ctx, sig, s.target)
	cancel()

	if err == nil {
		delete(s.pending, id)
		delete(s.attempts, id)
		s.inFlight[id] = sig
		return
	}

	if replay {
		s.logger.Warn("Replay dispatch failed",
			zap.String("log_id", id), zap.Error(err))
		return
	}

	n := s.attempts[id] + 1
	if n >= s.cfg.Options.MaxAttempts {
		delete(s.pending, id)
		delete(s.attempts, id)
		delete(s.inFlight, id)
		s.deadLetter(sig, &DispatchError{LogID: id, Attempts: n, Err: err})
		return
	}

	s.logger.Debug("Dispatch failed, will retry",
		zap.String("log_id", id), zap.Int("attempt", n), zap.Error(err))
	s.attempts[id] = n
	s.pending[id] = sig
	s.armRetry()
}

func (s *Subscriber) deadLetter(sig *signal.Signal, derr *DispatchError) {
	if s.cfg.Storage == nil {
		s.logger.Warn("Dispatch attempts exhausted and no dead-letter store configured",
			zap.String("log_id", sig.LogID),
			zap.Error(derr))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DispatchTimeout)
	defer cancel()
	dlqID, err := s.cfg.Storage.PutDeadLetter(ctx,
		storage.NewDeadLetter(s.cfg.SubscriptionID, sig, derr.Err, derr.Attempts))
	if err != nil {
		s.logger.Error("Dead-letter write failed",
			zap.String("log_id", sig.LogID), zap.Error(err))
		return
	}

	f := s.fields(sig)
	f["dlq_id"] = dlqID
	f["attempts"] = derr.Attempts
	f["error"] = derr.Error()
	s.obs.Observe(constants.EventDeadLetter, f)
	s.logger.Warn("Signal dead-lettered",
		zap.String("dlq_id", dlqID),
		zap.Error(derr))
}

// armRetry keeps at most one retry timer outstanding.
func (s *Subscriber) armRetry() {
	if s.retryArmed {
		return
	}
	s.retryArmed = true
	s.retryTimer = time.AfterFunc(s.cfg.Options.RetryInterval, func() { s.post(retryMsg{}) })
}

func (s *Subscriber) handleRetry() {
	s.retryArmed = false
	for _, id := range sortedKeys(s.pending) {
		if len(s.inFlight) >= s.cfg.Options.MaxInFlight {
			break
		}
		if _, retrying := s.attempts[id]; !retrying {
			continue
		}
		s.attempt(s.pending[id], false)
	}
	for id := range s.pending {
		if _, retrying := s.attempts[id]; retrying {
			s.armRetry()
			return
		}
	}
}

func (s *Subscriber) handleAck(ids []string) {
	advanced := false
	for _, id := range ids {
		delete(s.inFlight, id)
		delete(s.pending, id)
		delete(s.attempts, id)
		if ts, err := signal.Timestamp(id); err == nil && ts > s.checkpoint {
			s.checkpoint = ts
			advanced = true
		}
	}

	if advanced && s.cfg.Storage != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DispatchTimeout)
		if err := s.cfg.Storage.PutCheckpoint(ctx, s.key, s.checkpoint); err != nil {
			s.logger.Warn("Checkpoint write failed",
				zap.Int64("checkpoint", s.checkpoint), zap.Error(err))
		}
		cancel()
	}

	s.promote()
}

// promote dispatches fresh pending signals oldest first while capacity lasts.
func (s *Subscriber) promote() {
	for _, id := range sortedKeys(s.pending) {
		if len(s.inFlight) >= s.cfg.Options.MaxInFlight {
			return
		}
		if _, retrying := s.attempts[id]; retrying {
			continue
		}
		s.attempt(s.pending[id], false)
	}
}

func (s *Subscriber) handleReconnect(target dispatch.Target, log []signal.Recorded) error {
	if !dispatch.Alive(target) {
		return ErrTargetDead
	}
	s.target = target

	replayed := 0
	for _, rec := range log {
		if rec.Timestamp() <= s.checkpoint || !s.matcher.Match(rec.Type) {
			continue
		}
		s.attempt(rec.Signal, true)
		replayed++
	}
	s.logger.Info("Durable subscriber reconnected",
		zap.String("target", target.String()),
		zap.Int64("checkpoint", s.checkpoint),
		zap.Int("replayed", replayed))
	return nil
}

func (s *Subscriber) state() State {
	attempts := make(map[string]int, len(s.attempts))
	for k, v := range s.attempts {
		attempts[k] = v
	}
	return State{
		Checkpoint: s.checkpoint,
		InFlight:   sortedKeys(s.inFlight),
		Pending:    sortedKeys(s.pending),
		Attempts:   attempts,
		Target:     s.target.String(),
	}
}

// sortedKeys returns log ids in id order, which is time order.
func sortedKeys(m map[string]*signal.Signal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
