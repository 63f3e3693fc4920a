package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/service"
	"github.com/noah-isme/critkey-api/internal/utils"
)

// GradingHandler wires the rubric grading routes: rubric templates, level
// selection, the criterion cursor, and grading preferences.
type GradingHandler struct {
	service   service.GradingService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewGradingHandler constructs the handler.
func NewGradingHandler(service service.GradingService, validator *validator.Validate, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches grading endpoints to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Get("", h.snapshot)
	router.Post("/course", h.setCourse)

	router.Post("/rubrics/select", h.selectRubric)
	router.Post("/rubrics/import", h.importRubric)
	router.Post("/rubrics/save", h.saveRubric)
	router.Delete("/rubrics/:name", h.deleteRubric)

	router.Post("/levels/select", h.selectLevel)
	router.Post("/levels", h.addLevel)
	router.Patch("/levels", h.updateLevel)
	router.Delete("/levels", h.deleteLevel)
	router.Put("/comments", h.updateComment)
	router.Put("/criteria", h.replaceCriteria)

	router.Post("/criterion/goto", h.goToCriterion)
	router.Post("/criterion/next", h.nextCriterion)
	router.Post("/criterion/previous", h.previousCriterion)

	router.Put("/auto-advance", h.setAutoAdvance)
	router.Put("/correct-by-default", h.setCorrectByDefault)
	router.Put("/feedback-label", h.setFeedbackLabel)
	router.Post("/reset", h.resetSelections)
}

func (h *GradingHandler) snapshot(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "grading state retrieved", h.service.Snapshot())
}

func (h *GradingHandler) setCourse(c *fiber.Ctx) error {
	var payload dto.SelectCourseRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.SetCourse(c.UserContext(), payload.CourseID); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "grading course set", h.service.Snapshot())
}

func (h *GradingHandler) selectRubric(c *fiber.Ctx) error {
	var payload dto.SelectRubricRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.SelectRubric(c.UserContext(), payload.Name); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "rubric selected", h.service.Snapshot())
}

func (h *GradingHandler) importRubric(c *fiber.Ctx) error {
	var payload dto.ImportRubricRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(payload.Rubric) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "rubric document is required")
	}

	if err := h.service.ImportRubric(c.UserContext(), payload.Rubric); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "rubric imported", h.service.Snapshot())
}

func (h *GradingHandler) saveRubric(c *fiber.Ctx) error {
	if err := h.service.SaveRubric(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "rubric saved", h.service.Snapshot())
}

func (h *GradingHandler) deleteRubric(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "rubric name is required")
	}

	if err := h.service.DeleteRubric(c.UserContext(), name); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "rubric deleted", h.service.Snapshot())
}

func (h *GradingHandler) selectLevel(c *fiber.Ctx) error {
	var payload dto.SelectLevelRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SelectLevel(c.UserContext(), payload.CriterionIndex, payload.LevelIndex); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "level selection updated", h.service.Snapshot())
}

func (h *GradingHandler) addLevel(c *fiber.Ctx) error {
	var payload dto.LevelRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.AddLevel(c.UserContext(), payload.CriterionIndex, payload.Name, payload.Description, payload.Points); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "level added", h.service.Snapshot())
}

func (h *GradingHandler) updateLevel(c *fiber.Ctx) error {
	var payload dto.LevelUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	newIndex, err := h.service.UpdateLevel(c.UserContext(), payload.CriterionIndex, payload.LevelIndex, payload.Name, payload.Description, payload.Points)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "level updated", fiber.Map{
		"levelIndex": newIndex,
		"grading":    h.service.Snapshot(),
	})
}

func (h *GradingHandler) deleteLevel(c *fiber.Ctx) error {
	var payload dto.LevelDeleteRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.DeleteLevel(c.UserContext(), payload.CriterionIndex, payload.LevelIndex); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "level deleted", h.service.Snapshot())
}

func (h *GradingHandler) updateComment(c *fiber.Ctx) error {
	var payload dto.CommentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.UpdateComment(c.UserContext(), payload.CriterionIndex, payload.Comment); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "comment updated", h.service.Snapshot())
}

func (h *GradingHandler) replaceCriteria(c *fiber.Ctx) error {
	var payload dto.ReplaceCriteriaRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.ReplaceCriteria(c.UserContext(), payload.Criteria); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "criteria replaced", h.service.Snapshot())
}

func (h *GradingHandler) goToCriterion(c *fiber.Ctx) error {
	var payload dto.GoToCriterionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.GoToCriterion(c.UserContext(), payload.Index); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "criterion cursor moved", h.service.Snapshot())
}

func (h *GradingHandler) nextCriterion(c *fiber.Ctx) error {
	if err := h.service.NextCriterion(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "criterion cursor moved", h.service.Snapshot())
}

func (h *GradingHandler) previousCriterion(c *fiber.Ctx) error {
	if err := h.service.PreviousCriterion(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "criterion cursor moved", h.service.Snapshot())
}

func (h *GradingHandler) setAutoAdvance(c *fiber.Ctx) error {
	var payload dto.FlagRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SetAutoAdvance(c.UserContext(), payload.Enabled); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "auto-advance updated", fiber.Map{"enabled": payload.Enabled})
}

func (h *GradingHandler) setCorrectByDefault(c *fiber.Ctx) error {
	var payload dto.FlagRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SetCorrectByDefault(c.UserContext(), payload.Enabled); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "correct-by-default updated", fiber.Map{"enabled": payload.Enabled})
}

func (h *GradingHandler) setFeedbackLabel(c *fiber.Ctx) error {
	var payload dto.FeedbackLabelRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SetFeedbackLabel(c.UserContext(), payload.Label); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "feedback label updated", h.service.Snapshot())
}

func (h *GradingHandler) resetSelections(c *fiber.Ctx) error {
	if err := h.service.ResetSelections(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "rubric selections reset", h.service.Snapshot())
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrNoActiveRubric),
		errors.Is(err, service.ErrNoCourseForRubric):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrRubricNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("grading operation failed")
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
}
