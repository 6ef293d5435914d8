// Package server exposes liveness, readiness and worker stats for the processor.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// Stats is a snapshot of worker activity.
type Stats struct {
	Active     int   `json:"active"`
	Queued     int   `json:"queued"`
	QueueDepth int64 `json:"queue_depth,omitempty"`
}

type Options struct {
	Checks       map[string]Check
	Stats        func(ctx context.Context) Stats
	CheckTimeout time.Duration
}

type Server struct {
	app  *fiber.App
	opts Options
	log  *logrus.Logger
}

func New(opts Options, log *logrus.Logger) *Server {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 3 * time.Second
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				if fe, ok := err.(*fiber.Error); ok {
					code = fe.Code
				}
				return RespondWithError(c, code, err.Error())
			},
		}),
		opts: opts,
		log:  log,
	}
	s.app.Use(RequestLogger(log))
	s.app.Get("/health", s.health)
	s.app.Get("/ready", s.ready)
	s.app.Get("/stats", s.stats)
	return s
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("Ops server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return RespondWithJSON(c, fiber.StatusOK, fiber.Map{"message": "processor is healthy"})
}

func (s *Server) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.opts.CheckTimeout)
	defer cancel()

	results := make(map[string]string, len(s.opts.Checks))
	healthy := true
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			healthy = false
			results[name] = err.Error()
			s.log.WithError(err).WithField("check", name).Warn("Readiness check failed")
			continue
		}
		results[name] = "ok"
	}
	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "error",
			"checks": results,
		})
	}
	return RespondWithJSON(c, fiber.StatusOK, results)
}

func (s *Server) stats(c *fiber.Ctx) error {
	if s.opts.Stats == nil {
		return RespondWithError(c, fiber.StatusNotFound, "stats not available")
	}
	return RespondWithJSON(c, fiber.StatusOK, s.opts.Stats(c.UserContext()))
}
