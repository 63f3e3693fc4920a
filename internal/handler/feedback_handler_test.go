package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/handler"
	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/service"
)

type stubFeedbackService struct {
	generated  dto.FeedbackResponse
	genererr   error
	entries    []models.FeedbackEntry
	pushed     models.Submission
	pushErr    error
	suggestErr error
	lastPush   string
}

func (s *stubFeedbackService) Generate(context.Context) (dto.FeedbackResponse, error) {
	return s.generated, s.genererr
}

func (s *stubFeedbackService) History(context.Context) ([]models.FeedbackEntry, error) {
	return s.entries, nil
}

func (s *stubFeedbackService) PushToCanvas(_ context.Context, text string) (models.Submission, error) {
	s.lastPush = text
	return s.pushed, s.pushErr
}

func (s *stubFeedbackService) Suggest(context.Context, string) (dto.FeedbackResponse, error) {
	return s.generated, s.suggestErr
}

func newFeedbackApp(stub *stubFeedbackService) *fiber.App {
	app := fiber.New()
	h := handler.NewFeedbackHandler(stub, zerolog.Nop())
	h.Register(app.Group("/api/feedback"))
	return app
}

func TestFeedbackGenerateReturnsRenderedText(t *testing.T) {
	stub := &stubFeedbackService{generated: dto.FeedbackResponse{Text: "Total: 9/14", Grade: "9/14"}}
	app := newFeedbackApp(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback/generate", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data dto.FeedbackResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Total: 9/14", body.Data.Text)
	require.Equal(t, "9/14", body.Data.Grade)
}

func TestFeedbackGenerateWithoutRubricConflicts(t *testing.T) {
	stub := &stubFeedbackService{genererr: service.ErrNoActiveRubric}
	app := newFeedbackApp(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback/generate", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFeedbackPushRequiresText(t *testing.T) {
	stub := &stubFeedbackService{}
	app := newFeedbackApp(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback/push", strings.NewReader(`{"text":""}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, stub.lastPush)
}

func TestFeedbackPushForwardsText(t *testing.T) {
	stub := &stubFeedbackService{pushed: models.Submission{ID: "s1", Grade: "9/14"}}
	app := newFeedbackApp(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback/push", strings.NewReader(`{"text":"Well argued."}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Well argued.", stub.lastPush)
}

func TestFeedbackPushWithoutSubmissionConflicts(t *testing.T) {
	stub := &stubFeedbackService{pushErr: service.ErrNoSubmissionSelected}
	app := newFeedbackApp(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback/push", strings.NewReader(`{"text":"Well argued."}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFeedbackSuggestWithoutProviderNotImplemented(t *testing.T) {
	stub := &stubFeedbackService{suggestErr: service.ErrSuggesterUnavailable}
	app := newFeedbackApp(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback/suggest", strings.NewReader(`{"text":"draft"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
