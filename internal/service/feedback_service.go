package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/repository"
	"github.com/noah-isme/critkey-api/pkg/ai"
)

var ErrSuggesterUnavailable = errors.New("no AI suggester configured")

// FeedbackService turns the graded rubric into feedback text, keeps a short
// history of generated texts, and pushes feedback plus the earned score to
// Canvas as a grade.
type FeedbackService interface {
	Generate(ctx context.Context) (dto.FeedbackResponse, error)
	History(ctx context.Context) ([]models.FeedbackEntry, error)
	PushToCanvas(ctx context.Context, text string) (models.Submission, error)
	Suggest(ctx context.Context, draft string) (dto.FeedbackResponse, error)
}

type feedbackService struct {
	grading   GradingService
	resources ResourceService
	history   repository.FeedbackHistoryRepository
	suggester ai.Suggester
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewFeedbackService instantiates the feedback service. suggester may be
// nil when no AI provider is configured.
func NewFeedbackService(
	grading GradingService,
	resources ResourceService,
	history repository.FeedbackHistoryRepository,
	suggester ai.Suggester,
	logger zerolog.Logger,
) FeedbackService {
	return &feedbackService{
		grading:   grading,
		resources: resources,
		history:   history,
		suggester: suggester,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "feedback_service").Logger(),
		now:       time.Now,
	}
}

// Generate renders the working rubric into feedback text and records it in
// the history. Sections follow criterion order; each shows the chosen level
// with its points over the criterion maximum, followed by the grader's
// comment when one was written.
func (s *feedbackService) Generate(ctx context.Context) (dto.FeedbackResponse, error) {
	rubric, ok := s.grading.CurrentRubric()
	if !ok {
		return dto.FeedbackResponse{}, ErrNoActiveRubric
	}

	totals := s.grading.TotalPoints()
	text := renderFeedback(rubric, totals)
	generatedAt := s.now()

	entry := models.FeedbackEntry{
		ID:         uuid.NewString(),
		Text:       text,
		RubricName: rubric.Name,
		Label:      rubric.FeedbackLabel,
		Timestamp:  generatedAt,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record feedback history")
	}

	return dto.FeedbackResponse{
		Text:        text,
		Grade:       formatGrade(totals),
		TotalPoints: totals,
		GeneratedAt: generatedAt,
	}, nil
}

func (s *feedbackService) History(ctx context.Context) ([]models.FeedbackEntry, error) {
	return s.history.List(ctx)
}

// PushToCanvas submits the feedback as the selected submission's grade
// comment, with the earned-over-possible score as the grade. On success, when
// auto-advance is on, the cursor moves to the next submission and the
// rubric resets for it; on failure both stay put so the grader can retry.
func (s *feedbackService) PushToCanvas(ctx context.Context, text string) (models.Submission, error) {
	totals := s.grading.TotalPoints()
	if _, ok := s.grading.CurrentRubric(); !ok {
		return models.Submission{}, ErrNoActiveRubric
	}

	comment := s.sanitizer.Sanitize(text)
	grade := formatGrade(totals)

	updated, err := s.resources.SubmitGrade(ctx, grade, comment)
	if err != nil {
		return models.Submission{}, err
	}

	if s.grading.AutoAdvance() {
		s.resources.NextSubmission()
		if err := s.grading.ResetSelections(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to reset rubric after push")
		}
	}
	return updated, nil
}

// Suggest asks the configured AI model for a polished rewrite of the graded
// rubric, optionally improving a grader-written draft.
func (s *feedbackService) Suggest(ctx context.Context, draft string) (dto.FeedbackResponse, error) {
	if s.suggester == nil {
		return dto.FeedbackResponse{}, ErrSuggesterUnavailable
	}

	rubric, ok := s.grading.CurrentRubric()
	if !ok {
		return dto.FeedbackResponse{}, ErrNoActiveRubric
	}
	totals := s.grading.TotalPoints()

	input := ai.SuggestionInput{
		RubricName: rubric.Name,
		Label:      rubric.FeedbackLabel,
		Earned:     totals.Earned,
		Possible:   totals.Possible,
		Draft:      draft,
	}
	for _, criterion := range rubric.Criteria {
		section := ai.SuggestionSection{
			Criterion: criterion.Name,
			MaxPoints: criterion.MaxPoints(),
			Points:    criterion.SelectedPoints(),
			Comment:   criterion.Comment,
		}
		if criterion.SelectedLevel != nil && *criterion.SelectedLevel < len(criterion.Levels) {
			section.Level = criterion.Levels[*criterion.SelectedLevel].Name
		}
		input.Sections = append(input.Sections, section)
	}

	result, err := s.suggester.Suggest(ctx, input)
	if err != nil {
		return dto.FeedbackResponse{}, err
	}

	return dto.FeedbackResponse{
		Text:        result.Text,
		Grade:       formatGrade(totals),
		TotalPoints: totals,
		GeneratedAt: s.now(),
	}, nil
}

// renderFeedback builds the feedback text: the optional label, one section
// per graded criterion, and the total line.
func renderFeedback(rubric models.Rubric, totals models.TotalPoints) string {
	var builder strings.Builder

	if rubric.FeedbackLabel != "" {
		builder.WriteString(rubric.FeedbackLabel)
		builder.WriteString("\n\n")
	}

	for _, criterion := range rubric.Criteria {
		if criterion.SelectedLevel == nil || *criterion.SelectedLevel >= len(criterion.Levels) {
			continue
		}
		level := criterion.Levels[*criterion.SelectedLevel]

		builder.WriteString(criterion.Name)
		builder.WriteString(": ")
		builder.WriteString(level.Name)
		builder.WriteString(" (")
		builder.WriteString(formatPoints(float64(level.Points)))
		builder.WriteString("/")
		builder.WriteString(formatPoints(criterion.MaxPoints()))
		builder.WriteString(")\n")
		if criterion.Comment != "" {
			builder.WriteString(criterion.Comment)
			builder.WriteString("\n")
		}
		builder.WriteString("\n")
	}

	builder.WriteString("Total: ")
	builder.WriteString(formatPoints(totals.Earned))
	builder.WriteString("/")
	builder.WriteString(formatPoints(totals.Possible))
	return builder.String()
}

func formatPoints(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// formatGrade renders the "earned/possible" grade string submitted upstream.
func formatGrade(totals models.TotalPoints) string {
	return formatPoints(totals.Earned) + "/" + formatPoints(totals.Possible)
}
