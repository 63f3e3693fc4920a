package ai

import "context"

// SuggestionInput carries the graded rubric context a suggester works from.
type SuggestionInput struct {
	RubricName string
	Label      string
	Sections   []SuggestionSection
	Earned     float64
	Possible   float64
	Draft      string
}

// SuggestionSection summarises one graded criterion.
type SuggestionSection struct {
	Criterion string
	Level     string
	Points    float64
	MaxPoints float64
	Comment   string
}

// SuggestionResult is the polished feedback text returned by a suggester.
type SuggestionResult struct {
	Text string `json:"text"`
}

// Suggester describes an AI model capable of turning rubric selections into
// polished learner feedback.
type Suggester interface {
	Suggest(ctx context.Context, input SuggestionInput) (SuggestionResult, error)
}
