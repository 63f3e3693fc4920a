package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/service"
	"github.com/noah-isme/critkey-api/internal/utils"
)

// FeedbackHandler wires the feedback routes: generation, history, pushing
// to Canvas, and AI suggestions.
type FeedbackHandler struct {
	service service.FeedbackService
	logger  zerolog.Logger
}

// NewFeedbackHandler constructs the handler.
func NewFeedbackHandler(service service.FeedbackService, logger zerolog.Logger) *FeedbackHandler {
	return &FeedbackHandler{
		service: service,
		logger:  logger.With().Str("component", "feedback_handler").Logger(),
	}
}

// Register attaches feedback endpoints to the router group.
func (h *FeedbackHandler) Register(router fiber.Router) {
	router.Post("/generate", h.generate)
	router.Get("/history", h.history)
	router.Post("/push", h.push)
	router.Post("/suggest", h.suggest)
}

func (h *FeedbackHandler) generate(c *fiber.Ctx) error {
	feedback, err := h.service.Generate(c.UserContext())
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "feedback generated", feedback)
}

func (h *FeedbackHandler) history(c *fiber.Ctx) error {
	entries, err := h.service.History(c.UserContext())
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to load feedback history")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load feedback history")
	}
	return utils.SendSuccess(c, "feedback history retrieved", entries)
}

func (h *FeedbackHandler) push(c *fiber.Ctx) error {
	var payload dto.PushFeedbackRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if payload.Text == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "feedback text is required")
	}

	updated, err := h.service.PushToCanvas(c.UserContext(), payload.Text)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "feedback pushed", updated)
}

func (h *FeedbackHandler) suggest(c *fiber.Ctx) error {
	var payload dto.PushFeedbackRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	feedback, err := h.service.Suggest(c.UserContext(), payload.Text)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "feedback suggested", feedback)
}

func (h *FeedbackHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrNoActiveRubric):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrSuggesterUnavailable):
		return utils.SendError(c, fiber.StatusNotImplemented, err.Error())
	case errors.Is(err, service.ErrCredentialsMissing),
		errors.Is(err, service.ErrNoCourseSelected),
		errors.Is(err, service.ErrNoAssignmentSelected),
		errors.Is(err, service.ErrNoSubmissionSelected):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("feedback operation failed")
		return utils.SendError(c, fiber.StatusBadGateway, err.Error())
	}
}
