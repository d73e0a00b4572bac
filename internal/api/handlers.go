package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/bus"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/export"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
)

// ─── Signals ─────────────────────────────────────────────────────

type signalRequest struct {
	Type          string `json:"type"`
	Source        string `json:"source"`
	Data          any    `json:"data"`
	CorrelationID string `json:"correlation_id"`
}

type publishRequest struct {
	Signals []signalRequest `json:"signals"`
}

// handlePublish builds and publishes a batch atomically.
func (s *Server) handlePublish(c *fiber.Ctx) error {
	var req publishRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}

	batch := make([]*signal.Signal, 0, len(req.Signals))
	for _, r := range req.Signals {
		var opts []signal.Option
		if r.CorrelationID != "" {
			opts = append(opts, signal.WithCorrelationID(r.CorrelationID))
		}
		sig, err := signal.New(r.Type, r.Source, r.Data, opts...)
		if err != nil {
			return err
		}
		batch = append(batch, sig)
	}

	recorded, err := s.bus.Publish(c.UserContext(), batch...)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"signals": recorded})
}

// handleFilter queries the log: GET /signals?pattern=a.*&since=<ms>.
func (s *Server) handleFilter(c *fiber.Ctx) error {
	pattern := c.Query("pattern")
	if pattern == "" {
		return fiber.NewError(fiber.StatusBadRequest, "pattern is required")
	}
	limit := min(c.QueryInt("limit", constants.APIDefaultPageSize), constants.APIMaxPageSize)
	since := int64(c.QueryInt("since", 0))

	opts := []bus.FilterOption{bus.WithBatchSize(limit)}
	if cid := c.Query("correlation_id"); cid != "" {
		opts = append(opts, bus.WithCorrelationID(cid))
	}

	recorded, err := s.bus.Filter(c.UserContext(), pattern, since, opts...)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"signals": recorded, "limit": limit})
}

// handleTruncate keeps the newest ?keep=N entries, or clears the log.
func (s *Server) handleTruncate(c *fiber.Ctx) error {
	if c.Query("keep") == "" {
		if err := s.bus.Clear(c.UserContext()); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"cleared": true})
	}

	keep := c.QueryInt("keep", -1)
	if keep < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "keep must be a non-negative integer")
	}
	removed, err := s.bus.Truncate(c.UserContext(), keep)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"removed": removed})
}

// ─── Subscriptions ───────────────────────────────────────────────

type subscribeRequest struct {
	ID            string        `json:"id"`
	Path          string        `json:"path"`
	Target        dispatch.Spec `json:"target"`
	Persistent    bool          `json:"persistent"`
	Start         string        `json:"start"`
	MaxInFlight   int           `json:"max_in_flight"`
	MaxPending    *int          `json:"max_pending"`
	MaxAttempts   int           `json:"max_attempts"`
	RetryInterval string        `json:"retry_interval"`
}

func (r subscribeRequest) options() ([]subscription.Option, error) {
	opts := []subscription.Option{subscription.WithStart(subscription.ParseStart(r.Start))}
	if r.Persistent {
		opts = append(opts, subscription.Persistent())
	}
	if r.MaxInFlight > 0 {
		opts = append(opts, subscription.WithMaxInFlight(r.MaxInFlight))
	}
	if r.MaxPending != nil {
		opts = append(opts, subscription.WithMaxPending(*r.MaxPending))
	}
	if r.MaxAttempts > 0 {
		opts = append(opts, subscription.WithMaxAttempts(r.MaxAttempts))
	}
	if r.RetryInterval != "" {
		d, err := time.ParseDuration(r.RetryInterval)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "invalid retry_interval: "+err.Error())
		}
		opts = append(opts, subscription.WithRetryInterval(d))
	}
	return opts, nil
}

type subscriptionView struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	Target        string    `json:"target"`
	Persistent    bool      `json:"persistent"`
	CreatedAt     time.Time `json:"created_at"`
	MaxInFlight   int       `json:"max_in_flight,omitempty"`
	MaxPending    int       `json:"max_pending,omitempty"`
	MaxAttempts   int       `json:"max_attempts,omitempty"`
	RetryInterval string    `json:"retry_interval,omitempty"`
}

func viewOf(sub *subscription.Subscription) subscriptionView {
	v := subscriptionView{
		ID:         sub.ID,
		Path:       sub.Path,
		Target:     sub.Target.String(),
		Persistent: sub.Persistent,
		CreatedAt:  sub.CreatedAt,
	}
	if sub.Persistent {
		v.MaxInFlight = sub.Options.MaxInFlight
		v.MaxPending = sub.Options.MaxPending
		v.MaxAttempts = sub.Options.MaxAttempts
		v.RetryInterval = sub.Options.RetryInterval.String()
	}
	return v
}

func (s *Server) handleListSubscriptions(c *fiber.Ctx) error {
	subs := s.bus.Subscriptions()
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub))
	}
	return c.JSON(fiber.Map{"subscriptions": views})
}

func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	var req subscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	target, err := req.Target.Target()
	if err != nil {
		return err
	}
	opts, err := req.options()
	if err != nil {
		return err
	}

	sub, err := s.bus.Subscribe(c.UserContext(), req.ID, req.Path, target, opts...)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(viewOf(sub))
}

func (s *Server) handleUnsubscribe(c *fiber.Ctx) error {
	if err := s.bus.Unsubscribe(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

// handleAck acknowledges log ids on a persistent subscription.
func (s *Server) handleAck(c *fiber.Ctx) error {
	var req ackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if len(req.IDs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "ids cannot be empty")
	}
	if err := s.bus.Ack(c.UserContext(), c.Params("id"), req.IDs...); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleReconnect points a persistent subscription at a new target and
// replays everything after its checkpoint.
func (s *Server) handleReconnect(c *fiber.Ctx) error {
	var spec dispatch.Spec
	if err := c.BodyParser(&spec); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	target, err := spec.Target()
	if err != nil {
		return err
	}
	if err := s.bus.Reconnect(c.UserContext(), c.Params("id"), target); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type deadLetterView struct {
	ID        string            `json:"id"`
	Signal    *signal.Signal    `json:"signal"`
	Reason    string            `json:"reason"`
	Attempts  int               `json:"attempts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// handleDeadLetters lists the newest dead letters of a subscription.
func (s *Server) handleDeadLetters(c *fiber.Ctx) error {
	limit := min(c.QueryInt("limit", constants.APIDefaultPageSize), constants.APIMaxPageSize)
	letters, err := s.bus.DeadLetters(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return err
	}
	out := make([]deadLetterView, len(letters))
	for i, dl := range letters {
		out[i] = deadLetterView{
			ID:        dl.ID,
			Signal:    dl.Signal,
			Reason:    dl.Reason,
			Attempts:  dl.Attempts,
			Metadata:  dl.Metadata,
			CreatedAt: dl.CreatedAt,
		}
	}
	return c.JSON(fiber.Map{"dead_letters": out})
}

// ─── Routes ──────────────────────────────────────────────────────

type routeRequest struct {
	Path     string        `json:"path"`
	Priority int           `json:"priority"`
	Match    string        `json:"match"`
	Target   dispatch.Spec `json:"target"`
}

type routeView struct {
	Path       string `json:"path"`
	Priority   int    `json:"priority"`
	Complexity int    `json:"complexity"`
	Owner      string `json:"owner,omitempty"`
	Target     string `json:"target"`
	HasMatch   bool   `json:"has_match"`
}

func (s *Server) handleListRoutes(c *fiber.Ctx) error {
	routes, err := s.bus.ListRoutes(c.UserContext())
	if err != nil {
		return err
	}
	views := make([]routeView, 0, len(routes))
	for _, r := range routes {
		views = append(views, routeView{
			Path:       r.Path,
			Priority:   r.Priority,
			Complexity: router.Complexity(r.Path),
			Owner:      r.Owner,
			Target:     r.Target.String(),
			HasMatch:   r.Match != nil,
		})
	}
	return c.JSON(fiber.Map{"routes": views})
}

func (s *Server) handleAddRoute(c *fiber.Ctx) error {
	var reqs []routeRequest
	body := strings.TrimSpace(string(c.Body()))
	if strings.HasPrefix(body, "{") {
		var one routeRequest
		if err := c.BodyParser(&one); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
		}
		reqs = append(reqs, one)
	} else if err := c.BodyParser(&reqs); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}

	routes := make([]router.Route, 0, len(reqs))
	for _, r := range reqs {
		target, err := r.Target.Target()
		if err != nil {
			return err
		}
		route := router.Route{Path: r.Path, Priority: r.Priority, Target: target}
		if r.Match != "" {
			if route.Match, err = router.CompileMatch(r.Match); err != nil {
				return err
			}
		}
		routes = append(routes, route)
	}

	if err := s.bus.AddRoute(c.UserContext(), routes...); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"added": len(routes)})
}

// handleRemoveRoute drops every unowned route at ?path=.
func (s *Server) handleRemoveRoute(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return fiber.NewError(fiber.StatusBadRequest, "path is required")
	}
	removed, err := s.bus.RemoveRoute(c.UserContext(), path)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"removed": removed})
}

// ─── Stats ───────────────────────────────────────────────────────

func (s *Server) handleStats(c *fiber.Ctx) error {
	st, err := s.bus.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"name":          st.Name,
		"published":     st.Published,
		"dropped":       st.Dropped,
		"truncated":     st.Truncated,
		"log_size":      st.LogSize,
		"routes":        st.Routes,
		"subscriptions": st.Subscriptions,
		"durable":       st.Durable,
		"partitions":    st.Partitions,
	})
}

// ─── WebSocket ───────────────────────────────────────────────────

// handleWS streams signals matching ?pattern= through an ephemeral
// subscription that lives as long as the connection.
func (s *Server) handleWS(c *websocket.Conn) {
	pattern := c.Query("pattern", "**")
	id := "ws-" + signal.NewID()
	mb := dispatch.NewMailbox(id, constants.APIWSBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.bus.Subscribe(ctx, id, pattern, mb); err != nil {
		_ = c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}
	defer func() {
		if err := s.bus.Unsubscribe(context.Background(), id); err != nil {
			s.logger.Debug("ws unsubscribe failed", zap.String("id", id), zap.Error(err))
		}
		mb.Close()
	}()

	// Reader detects client close.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-mb.C():
			if !ok {
				return
			}
			data, err := export.Encode(sig)
			if err != nil {
				s.logger.Warn("ws encode failed", zap.String("id", sig.ID), zap.Error(err))
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
