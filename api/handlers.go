package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"fileconv/cdn"
	"fileconv/conversion"
	"fileconv/services"

	"github.com/gofiber/fiber/v2"
)

const defaultPresignMinutes = 15

func (s *Server) submitJob(c *fiber.Ctx) error {
	var req conversion.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	job, err := s.jobs.Submit(c.UserContext(), req)
	switch {
	case err == nil:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"jobId": job.JobID, "status": job.Status})
	case errors.Is(err, conversion.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, conversion.ErrInfected):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrDuplicateJob):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return err
	}
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.jobs.GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, services.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}
	if err != nil {
		return err
	}
	return c.JSON(job)
}

// getProgress is the polling fallback for clients without a socket.
func (s *Server) getProgress(c *fiber.Ctx) error {
	ev, err := s.progress.Snapshot(c.UserContext(), c.Params("id"))
	if errors.Is(err, services.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(ev)
	}
	if err != nil {
		return err
	}
	return c.JSON(ev)
}

func (s *Server) getResult(c *fiber.Ctx) error {
	result, err := s.jobs.GetResult(c.UserContext(), c.Params("id"))
	if errors.Is(err, services.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "result not available"})
	}
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) presign(c *fiber.Ctx) error {
	minutes := c.QueryInt("minutes", defaultPresignMinutes)
	if minutes <= 0 || minutes > 24*60 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "minutes must be between 1 and 1440"})
	}

	signed, err := s.artifacts.Presign(c.UserContext(), c.Params("id"), minutes)
	if errors.Is(err, services.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "file not found"})
	}
	if err != nil {
		return err
	}
	return c.JSON(signed)
}

// download serves GET /download?file=<id>, optionally gated by token and expires.
func (s *Server) download(c *fiber.Ctx) error {
	id := c.Query("file")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
	}

	if token := c.Query("token"); token != "" || c.Query("expires") != "" {
		unix, err := strconv.ParseInt(c.Query("expires"), 10, 64)
		if err != nil {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": cdn.ErrInvalidToken.Error()})
		}
		granted, err := s.artifacts.Validate(c.UserContext(), token, time.Unix(unix, 0))
		if errors.Is(err, cdn.ErrInvalidToken) || (err == nil && granted != id) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": cdn.ErrInvalidToken.Error()})
		}
		if err != nil {
			return err
		}
	}

	return s.serveArtifact(c, id, "")
}

// cdnFile serves the disk content area by artifact key ({id}-{name}).
func (s *Server) cdnFile(c *fiber.Ctx) error {
	key := c.Params("key")
	if len(key) < 36 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "file not found"})
	}
	return s.serveArtifact(c, key[:36], key)
}

func (s *Server) serveArtifact(c *fiber.Ctx, id, key string) error {
	file, rc, err := s.artifacts.Open(c.UserContext(), id)
	if errors.Is(err, services.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "file not found"})
	}
	if err != nil {
		return err
	}
	if key != "" && file.FilePath != key {
		rc.Close()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "file not found"})
	}

	c.Set(fiber.HeaderContentType, file.MimeType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", file.FileName))
	c.Set(fiber.HeaderCacheControl, "private, max-age="+strconv.Itoa(int(time.Until(file.ExpiresAt).Seconds())))
	return c.SendStream(rc, int(file.FileSize))
}
