package api

import (
	"context"
	"errors"
	"io"
	"time"

	"fileconv/cdn"
	"fileconv/config"
	"fileconv/conversion"
	"fileconv/models"
	"fileconv/progress"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Jobs is the job-facing side of the conversion service.
type Jobs interface {
	Submit(ctx context.Context, req conversion.SubmitRequest) (*models.ConversionJob, error)
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	GetResult(ctx context.Context, id string) (*models.ConversionResult, error)
}

// Artifacts serves published files.
type Artifacts interface {
	Open(ctx context.Context, id string) (*models.CDNFile, io.ReadCloser, error)
	Presign(ctx context.Context, id string, expiryMinutes int) (*cdn.Presigned, error)
	Validate(ctx context.Context, token string, expires time.Time) (string, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	app       *fiber.App
	jobs      Jobs
	progress  *progress.Broadcaster
	artifacts Artifacts
	health    Pinger
	limiter   *rate.Limiter
	log       *zap.Logger
}

func NewServer(cfg *config.Config, jobs Jobs, broadcaster *progress.Broadcaster, artifacts Artifacts, health Pinger, log *zap.Logger) *Server {
	s := &Server{
		jobs:      jobs,
		progress:  broadcaster,
		artifacts: artifacts,
		health:    health,
		limiter:   rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
		log:       log,
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
		ReadTimeout:           30 * time.Second,
		ErrorHandler:          s.errorHandler,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(s.requestLog)

	s.app.Get("/healthz", s.healthz)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Post("/jobs", s.rateLimit, s.submitJob)
	s.app.Get("/jobs/:id", s.getJob)
	s.app.Get("/jobs/:id/progress", s.getProgress)
	s.app.Get("/jobs/:id/result", s.getResult)

	s.app.Post("/files/:id/presign", s.presign)
	s.app.Get("/download", s.download)
	s.app.Get("/cdn/:key", s.cdnFile)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleSocket))
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info("HTTP server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("HTTP request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	return err
}

func (s *Server) rateLimit(c *fiber.Ctx) error {
	if !s.limiter.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	}
	return c.Next()
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	} else {
		s.log.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) healthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
