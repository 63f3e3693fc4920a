package dto

import (
	"encoding/json"

	"github.com/noah-isme/critkey-api/internal/models"
)

// CredentialsRequest sets or clears the Canvas access credentials.
type CredentialsRequest struct {
	Token      string `json:"token"`
	CanvasBase string `json:"canvas_base"`
}

// SelectCourseRequest selects a course by identifier.
type SelectCourseRequest struct {
	CourseID string `json:"course_id" validate:"required"`
}

// SelectGroupRequest changes the assignment group filter ("all" clears it).
type SelectGroupRequest struct {
	GroupID string `json:"group_id" validate:"required"`
}

// SelectAssignmentRequest selects an assignment by identifier.
type SelectAssignmentRequest struct {
	AssignmentID string `json:"assignment_id" validate:"required"`
}

// SelectSubmissionRequest selects a submission by position.
type SelectSubmissionRequest struct {
	Index int `json:"index"`
}

// SubmitGradeRequest pushes a grade and feedback comment upstream.
type SubmitGradeRequest struct {
	Grade   string `json:"grade" validate:"required"`
	Comment string `json:"comment"`
}

// StageGradeRequest stages a grade locally for a later batch push.
type StageGradeRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Grade   string `json:"grade" validate:"required"`
	Comment string `json:"comment"`
}

// FlagRequest toggles a boolean store setting.
type FlagRequest struct {
	Enabled bool `json:"enabled"`
}

// LimitRequest updates the parallel download limit (0 = unbounded).
type LimitRequest struct {
	Limit int `json:"limit" validate:"gte=0"`
}

// SelectRubricRequest activates a stored rubric template by name.
type SelectRubricRequest struct {
	Name string `json:"name" validate:"required"`
}

// ImportRubricRequest carries a raw rubric document. It is validated
// against the rubric schema before normalisation.
type ImportRubricRequest struct {
	Rubric json.RawMessage `json:"rubric" validate:"required"`
}

// SelectLevelRequest records a level selection for a criterion.
type SelectLevelRequest struct {
	CriterionIndex int `json:"criterion_index" validate:"gte=0"`
	LevelIndex     int `json:"level_index" validate:"gte=0"`
}

// CommentRequest updates a criterion's free-text comment.
type CommentRequest struct {
	CriterionIndex int    `json:"criterion_index" validate:"gte=0"`
	Comment        string `json:"comment"`
}

// LevelRequest adds a level to a criterion.
type LevelRequest struct {
	CriterionIndex int     `json:"criterion_index" validate:"gte=0"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	Points         float64 `json:"points"`
}

// LevelUpdateRequest applies partial updates to an existing level.
type LevelUpdateRequest struct {
	CriterionIndex int      `json:"criterion_index" validate:"gte=0"`
	LevelIndex     int      `json:"level_index" validate:"gte=0"`
	Name           *string  `json:"name"`
	Description    *string  `json:"description"`
	Points         *float64 `json:"points"`
}

// LevelDeleteRequest removes a level from a criterion.
type LevelDeleteRequest struct {
	CriterionIndex int `json:"criterion_index" validate:"gte=0"`
	LevelIndex     int `json:"level_index" validate:"gte=0"`
}

// ReplaceCriteriaRequest swaps the working rubric's criteria wholesale.
type ReplaceCriteriaRequest struct {
	Criteria []models.Criterion `json:"criteria" validate:"required"`
}

// GoToCriterionRequest moves the criterion cursor.
type GoToCriterionRequest struct {
	Index int `json:"index"`
}

// FeedbackLabelRequest updates the active rubric's feedback label.
type FeedbackLabelRequest struct {
	Label string `json:"label"`
}

// PushFeedbackRequest pushes generated (or edited) feedback to Canvas.
type PushFeedbackRequest struct {
	Text string `json:"text"`
}
