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

// ResourceHandler wires the Canvas resource routes: credentials, the
// selection chain, and grade submission.
type ResourceHandler struct {
	service   service.ResourceService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewResourceHandler constructs the handler.
func NewResourceHandler(service service.ResourceService, validator *validator.Validate, logger zerolog.Logger) *ResourceHandler {
	return &ResourceHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "resource_handler").Logger(),
	}
}

// Register attaches resource endpoints to the router group.
func (h *ResourceHandler) Register(router fiber.Router) {
	router.Get("", h.snapshot)
	router.Put("/credentials", h.setCredentials)
	router.Put("/offline-mode", h.setOfflineMode)
	router.Put("/parallel-limit", h.setParallelLimit)

	router.Post("/courses/refresh", h.refreshCourses)
	router.Post("/courses/select", h.selectCourse)
	router.Post("/groups/select", h.selectGroup)
	router.Post("/assignments/select", h.selectAssignment)
	router.Post("/submissions/select", h.selectSubmission)
	router.Post("/submissions/next", h.nextSubmission)
	router.Post("/submissions/previous", h.previousSubmission)

	router.Post("/grades", h.submitGrade)
	router.Get("/grades/staged", h.stagedGrades)
	router.Post("/grades/stage", h.stageGrade)
	router.Delete("/grades/stage/:userID", h.unstageGrade)
	router.Post("/grades/push", h.pushStagedGrades)
}

func (h *ResourceHandler) snapshot(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "resource state retrieved", h.service.Snapshot())
}

func (h *ResourceHandler) setCredentials(c *fiber.Ctx) error {
	var payload dto.CredentialsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SetCredentials(c.UserContext(), payload.Token, payload.CanvasBase); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "credentials updated", h.service.Snapshot())
}

func (h *ResourceHandler) setOfflineMode(c *fiber.Ctx) error {
	var payload dto.FlagRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SetOfflineMode(c.UserContext(), payload.Enabled); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "offline mode updated", fiber.Map{"enabled": payload.Enabled})
}

func (h *ResourceHandler) setParallelLimit(c *fiber.Ctx) error {
	var payload dto.LimitRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.SetParallelDownloadLimit(c.UserContext(), payload.Limit); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "parallel download limit updated", fiber.Map{"limit": payload.Limit})
}

func (h *ResourceHandler) refreshCourses(c *fiber.Ctx) error {
	if err := h.service.FetchCourses(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "courses refreshed", h.service.Snapshot())
}

func (h *ResourceHandler) selectCourse(c *fiber.Ctx) error {
	var payload dto.SelectCourseRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.SelectCourse(c.UserContext(), payload.CourseID); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "course selected", h.service.Snapshot())
}

func (h *ResourceHandler) selectGroup(c *fiber.Ctx) error {
	var payload dto.SelectGroupRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.SelectAssignmentGroup(c.UserContext(), payload.GroupID); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "assignment group selected", h.service.Snapshot())
}

func (h *ResourceHandler) selectAssignment(c *fiber.Ctx) error {
	var payload dto.SelectAssignmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.SelectAssignment(c.UserContext(), payload.AssignmentID); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "assignment selected", h.service.Snapshot())
}

func (h *ResourceHandler) selectSubmission(c *fiber.Ctx) error {
	var payload dto.SelectSubmissionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	h.service.SelectSubmission(payload.Index)
	return utils.SendSuccess(c, "submission selected", h.service.Snapshot())
}

func (h *ResourceHandler) nextSubmission(c *fiber.Ctx) error {
	h.service.NextSubmission()
	return utils.SendSuccess(c, "moved to next submission", h.service.Snapshot())
}

func (h *ResourceHandler) previousSubmission(c *fiber.Ctx) error {
	h.service.PreviousSubmission()
	return utils.SendSuccess(c, "moved to previous submission", h.service.Snapshot())
}

func (h *ResourceHandler) submitGrade(c *fiber.Ctx) error {
	var payload dto.SubmitGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	updated, err := h.service.SubmitGrade(c.UserContext(), payload.Grade, payload.Comment)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "grade submitted", updated)
}

func (h *ResourceHandler) stagedGrades(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "staged grades retrieved", h.service.StagedGrades())
}

func (h *ResourceHandler) stageGrade(c *fiber.Ctx) error {
	var payload dto.StageGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.StageGrade(c.UserContext(), payload.UserID, payload.Grade, payload.Comment); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "grade staged", h.service.StagedGrades())
}

func (h *ResourceHandler) unstageGrade(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "user id is required")
	}

	if err := h.service.UnstageGrade(c.UserContext(), userID); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "grade unstaged", h.service.StagedGrades())
}

func (h *ResourceHandler) pushStagedGrades(c *fiber.Ctx) error {
	if err := h.service.PushStagedGrades(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "staged grades pushed", h.service.StagedGrades())
}

func (h *ResourceHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrCredentialsMissing):
		return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrNoCourseSelected),
		errors.Is(err, service.ErrNoAssignmentSelected),
		errors.Is(err, service.ErrNoSubmissionSelected):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("resource operation failed")
		return utils.SendError(c, fiber.StatusBadGateway, err.Error())
	}
}
