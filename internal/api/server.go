// Package api provides the signal bus HTTP API server.
// Uses Fiber v2 (zero-alloc, fasthttp-based) for max throughput.
package api

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/bus"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/middleware"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
)

// Config holds API server settings.
type Config struct {
	Addr       string `yaml:"addr"`
	JWTSecret  string `yaml:"jwt_secret"`
	AccessLogs bool   `yaml:"access_logs"`
}

// DefaultConfig returns an unauthenticated server on the default port.
func DefaultConfig() Config {
	return Config{Addr: constants.APIDefaultAddr, AccessLogs: true}
}

// Server is the HTTP API server.
type Server struct {
	app    *fiber.App
	bus    *bus.Bus
	auth   *Auth
	logger *zap.Logger
	addr   string
}

// NewServer creates a Fiber API server with all routes.
func NewServer(cfg Config, b *bus.Bus, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		Prefork:               false,
		StrictRouting:         false,
		DisableStartupMessage: true,
		ReadTimeout:           constants.HTTPReadTimeout,
		WriteTimeout:          constants.HTTPWriteTimeout,
		IdleTimeout:           constants.HTTPIdleTimeout,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:    app,
		bus:    b,
		auth:   NewAuth(cfg.JWTSecret),
		logger: logger.Named("api"),
		addr:   cfg.Addr,
	}

	// Middleware
	app.Use(recover.New())
	if cfg.AccessLogs {
		app.Use(fiberlogger.New(fiberlogger.Config{Format: "${time} ${status} ${method} ${path} ${latency}\n"}))
	}
	app.Use(cors.New(cors.Config{AllowOrigins: "*"}))
	app.Use(compress.New())
	app.Use(limiter.New(limiter.Config{
		Max:        constants.APIRateLimit,
		Expiration: time.Second,
	}))

	// Health
	app.Get(constants.PathHealthz, func(c *fiber.Ctx) error { return c.SendString("ok") })

	// Routes
	v1 := app.Group(constants.APIPathPrefix, s.authenticate)
	v1.Post("/signals", s.handlePublish)
	v1.Get("/signals", s.handleFilter)
	v1.Delete("/signals", s.requireAdmin, s.handleTruncate)

	v1.Get("/subscriptions", s.handleListSubscriptions)
	v1.Post("/subscriptions", s.handleSubscribe)
	v1.Delete("/subscriptions/:id", s.handleUnsubscribe)
	v1.Post("/subscriptions/:id/ack", s.handleAck)
	v1.Post("/subscriptions/:id/reconnect", s.handleReconnect)
	v1.Get("/subscriptions/:id/dead-letters", s.handleDeadLetters)

	v1.Get("/routes", s.handleListRoutes)
	v1.Post("/routes", s.requireAdmin, s.handleAddRoute)
	v1.Delete("/routes", s.requireAdmin, s.handleRemoveRoute)

	v1.Get("/stats", s.handleStats)

	// WebSocket for live signals
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, s.authenticate)
	app.Get("/ws/signals", websocket.New(s.handleWS))

	return s
}

// App exposes the Fiber app, for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start begins listening. Blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("API server listening",
		zap.String("addr", s.addr),
		zap.Bool("auth", s.auth != nil))
	return s.app.Listen(s.addr)
}

// Stop gracefully shuts down.
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

// ─── Auth ────────────────────────────────────────────────────────

const claimsKey = "claims"

// authenticate accepts a bearer header or, for WebSocket clients, an
// access_token query parameter.
func (s *Server) authenticate(c *fiber.Ctx) error {
	if s.auth == nil {
		return c.Next()
	}
	raw := c.Get(fiber.HeaderAuthorization)
	if raw == "" {
		raw = c.Query("access_token")
	}
	claims, err := s.auth.Validate(raw)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals(claimsKey, claims)
	return c.Next()
}

func (s *Server) requireAdmin(c *fiber.Ctx) error {
	if s.auth == nil {
		return c.Next()
	}
	claims, ok := c.Locals(claimsKey).(*Claims)
	if !ok || !claims.Admin {
		return fiber.NewError(fiber.StatusForbidden, "admin token required")
	}
	return c.Next()
}

// ─── Errors ──────────────────────────────────────────────────────

// statusOf maps bus errors onto HTTP status codes.
func statusOf(err error) int {
	var fe *fiber.Error
	var ve *router.ValidationError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, bus.ErrSubscriptionNotFound), errors.Is(err, bus.ErrRouteNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, bus.ErrDuplicateSubscription):
		return fiber.StatusConflict
	case errors.Is(err, middleware.ErrHalted):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, bus.ErrClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotReadable):
		return fiber.StatusNotImplemented
	case errors.As(err, &ve),
		errors.Is(err, signal.ErrInvalidSignal),
		errors.Is(err, signal.ErrInvalidID),
		errors.Is(err, router.ErrInvalidMatch),
		errors.Is(err, bus.ErrInvalidSubscription),
		errors.Is(err, bus.ErrNotPersistent),
		errors.Is(err, dispatch.ErrUnsupportedTarget),
		errors.Is(err, dispatch.ErrNilTarget):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
}
