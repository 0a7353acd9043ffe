// Package mgmt is the HTTP boundary of the forge daemon.
package mgmt

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/blugreen/forge/internal/health"
	"github.com/blugreen/forge/internal/metrics"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	Auth        AuthConfig
	CORSOrigins string
}

// Server is the API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, h *Handlers, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(h, checker, m)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	s.app.Use(NewAuthMiddleware(cfg.Auth, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, checker *health.Checker, m *metrics.Metrics) {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/readyz", func(c *fiber.Ctx) error {
		results := checker.RunAll(c.Context())
		ready := true
		for _, st := range results {
			if st == health.StatusDown {
				ready = false
			}
		}
		status := fiber.StatusOK
		body := fiber.Map{"status": "ready", "checks": results}
		if !ready {
			status = fiber.StatusServiceUnavailable
			body["status"] = "not_ready"
		}
		return c.Status(status).JSON(body)
	})

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	v1.Post("/intent", h.CaptureIntent)
	v1.Get("/intent/:id", h.GetIntent)
	v1.Patch("/intent/:id", h.MutateIntent)
	v1.Post("/intent/:id/validate", h.ValidateIntent)
	v1.Post("/intent/:id/freeze", h.FreezeIntent)
	v1.Get("/intent/:id/violations", h.ListViolations)

	v1.Post("/projects/:id/products", h.CreateProduct)
	v1.Get("/products/:id/status", h.ProductStatus)
	v1.Post("/products/:id/resume", h.ResumeProduct)

	v1.Post("/assume/project", h.AssumeProject)

	v1.Post("/loops", h.CreateLoop)
	v1.Get("/loops/:id", h.GetLoop)
	v1.Post("/loops/:id/start", h.StartLoop)
	v1.Post("/loops/:id/pause", h.PauseLoop)
	v1.Post("/loops/:id/resume", h.ResumeLoop)
	v1.Post("/loops/:id/cancel", h.CancelLoop)
	v1.Get("/loops/:id/actions", h.ListLoopActions)
	v1.Get("/loops/:id/pauses", h.ListLoopPauses)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app for testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler is the last line of defense: anything a handler did not
// convert itself becomes a typed envelope, never a bare 500 body.
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		errCode := "internal_error"
		msg := "an internal error occurred"
		if code != fiber.StatusInternalServerError {
			msg = err.Error()
			if code == fiber.StatusNotFound {
				errCode = "not_found"
			}
		}
		return c.Status(code).JSON(ErrorBody{ErrorCode: errCode, Message: msg})
	}
}
