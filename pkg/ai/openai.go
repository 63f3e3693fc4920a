package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	suggestionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "critkey",
		Subsystem: "ai",
		Name:      "suggestion_duration_seconds",
		Help:      "Duration of AI feedback suggestion requests",
	}, []string{"model"})

	suggestionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "critkey",
		Subsystem: "ai",
		Name:      "suggestion_failures_total",
		Help:      "Number of AI feedback suggestion failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI suggester.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAISuggester implements Suggester against the OpenAI chat completion API.
type OpenAISuggester struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAISuggester builds a new suggester using the provided configuration.
func NewOpenAISuggester(cfg OpenAIConfig) (*OpenAISuggester, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	tracer := otel.Tracer("github.com/noah-isme/critkey-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	client := openai.NewClientWithConfig(config)

	return &OpenAISuggester{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Suggest sends the graded rubric to OpenAI and parses the response.
func (s *OpenAISuggester) Suggest(parent context.Context, input SuggestionInput) (SuggestionResult, error) {
	ctx, span := s.tracer.Start(parent, "openai.suggest", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: suggesterSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildSuggestionPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := s.client.CreateChatCompletion(ctx, request)
	duration := time.Since(start)
	suggestionDuration.WithLabelValues(s.cfg.Model).Observe(duration.Seconds())
	if err != nil {
		suggestionFailures.WithLabelValues(s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SuggestionResult{}, fmt.Errorf("openai suggest: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		suggestionFailures.WithLabelValues(s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SuggestionResult{}, err
	}

	result, err := parseSuggestionResponse(resp.Choices[0].Message.Content)
	if err != nil {
		suggestionFailures.WithLabelValues(s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SuggestionResult{}, err
	}

	s.logger.Debug().
		Str("model", s.cfg.Model).
		Dur("duration", duration).
		Msg("openai suggestion completed")

	return result, nil
}

func suggesterSystemPrompt() string {
	return strings.Join([]string{
		"You are an experienced teaching assistant writing feedback for a learner.",
		"You receive a graded rubric: criteria, the level chosen for each, points, and grader comments.",
		"Write clear, encouraging, specific feedback that reflects the grading faithfully.",
		"Do not change any score. Respond with a JSON object: {\"feedback\": \"...\"}.",
	}, " ")
}

func buildSuggestionPrompt(input SuggestionInput) string {
	var builder strings.Builder
	builder.WriteString("# Rubric\n")
	builder.WriteString(input.RubricName)
	if input.Label != "" {
		builder.WriteString("\n\n## Label\n")
		builder.WriteString(input.Label)
	}
	builder.WriteString("\n\n## Graded Criteria\n")
	for _, section := range input.Sections {
		builder.WriteString("- ")
		builder.WriteString(section.Criterion)
		builder.WriteString(": ")
		builder.WriteString(section.Level)
		builder.WriteString(" (")
		builder.WriteString(strconv.FormatFloat(section.Points, 'f', -1, 64))
		builder.WriteString("/")
		builder.WriteString(strconv.FormatFloat(section.MaxPoints, 'f', -1, 64))
		builder.WriteString(")")
		if section.Comment != "" {
			builder.WriteString(" - ")
			builder.WriteString(section.Comment)
		}
		builder.WriteString("\n")
	}
	builder.WriteString("\n## Total\n")
	builder.WriteString(strconv.FormatFloat(input.Earned, 'f', -1, 64))
	builder.WriteString("/")
	builder.WriteString(strconv.FormatFloat(input.Possible, 'f', -1, 64))
	if input.Draft != "" {
		builder.WriteString("\n\n## Draft To Improve\n")
		builder.WriteString(input.Draft)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseSuggestionResponse(content string) (SuggestionResult, error) {
	type payload struct {
		Feedback string `json:"feedback"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return SuggestionResult{}, fmt.Errorf("parse suggestion json: %w", err)
	}
	if data.Feedback == "" {
		return SuggestionResult{}, fmt.Errorf("empty feedback in suggestion response")
	}

	return SuggestionResult{Text: data.Feedback}, nil
}
