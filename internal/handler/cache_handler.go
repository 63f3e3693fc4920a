package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/service"
	"github.com/noah-isme/critkey-api/internal/utils"
)

// CacheHandler wires the attachment cache routes: status, cached file
// retrieval, caching runs, and eviction.
type CacheHandler struct {
	service service.ResourceService
	logger  zerolog.Logger
}

// NewCacheHandler constructs the handler.
func NewCacheHandler(service service.ResourceService, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{
		service: service,
		logger:  logger.With().Str("component", "cache_handler").Logger(),
	}
}

// Register attaches cache endpoints to the router group.
func (h *CacheHandler) Register(router fiber.Router) {
	router.Get("", h.status)
	router.Get("/attachments", h.attachment)
	router.Post("/run", h.run)
	router.Delete("/assignments/:id", h.deleteAssignment)
	router.Delete("", h.clear)
}

func (h *CacheHandler) status(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "cache status retrieved", h.service.CacheStatus(c.UserContext()))
}

// attachment serves a cached file body with its stored content type. A miss
// is a 404, never an upstream fetch: offline grading must not reach out.
func (h *CacheHandler) attachment(c *fiber.Ctx) error {
	url := c.Query("url")
	if url == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "url query parameter is required")
	}

	cached, found := h.service.CachedAttachment(c.UserContext(), url)
	if !found {
		return utils.SendError(c, fiber.StatusNotFound, "attachment not cached")
	}

	if cached.ContentType != "" {
		c.Set(fiber.HeaderContentType, cached.ContentType)
	}
	return c.Send(cached.Blob)
}

// run starts a caching run in the background and reports the progress as it
// stands. Clients follow the run over the progress stream or by polling.
func (h *CacheHandler) run(c *fiber.Ctx) error {
	ctx := context.WithoutCancel(c.UserContext())
	go func() {
		if err := h.service.CacheAllPDFs(ctx); err != nil {
			if errors.Is(err, service.ErrNoAssignmentSelected) {
				return
			}
			h.logger.Warn().Err(err).Msg("caching run failed")
		}
	}()

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "caching run started", h.service.CachingProgress())
}

func (h *CacheHandler) deleteAssignment(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment id is required")
	}

	if err := h.service.DeleteAssignmentCache(c.UserContext(), id); err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to delete assignment cache")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to delete assignment cache")
	}
	return utils.SendSuccess(c, "assignment cache deleted", fiber.Map{"assignment_id": id})
}

func (h *CacheHandler) clear(c *fiber.Ctx) error {
	if err := h.service.ClearCache(c.UserContext()); err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to clear cache")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to clear cache")
	}
	return utils.SendSuccess(c, "cache cleared", nil)
}
