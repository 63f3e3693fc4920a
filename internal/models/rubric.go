package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Points is a numeric level score. Imported rubrics sometimes carry points
// as strings; anything unparseable coerces to 0.
type Points float64

// UnmarshalJSON accepts numbers, numeric strings, and null.
func (p *Points) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*p = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*p = 0
			return nil
		}
		*p = Points(value)
		return nil
	}

	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		*p = 0
		return nil
	}
	*p = Points(value)
	return nil
}

// Level is one discrete point option within a criterion. The ID is a
// generated surrogate key so level selection survives re-sorts and
// deserialisation, where positional or reference identity would not.
type Level struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Points      Points `json:"points"`
}

// Criterion is one gradable dimension of a rubric. Levels are kept sorted
// descending by points; SelectedLevel indexes into that order.
type Criterion struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Levels        []Level `json:"levels"`
	SelectedLevel *int    `json:"selectedLevel"`
	Comment       string  `json:"comment"`
}

// MaxPoints returns the highest level points for the criterion, 0 when it
// has no levels.
func (c Criterion) MaxPoints() float64 {
	max := 0.0
	for i, level := range c.Levels {
		if i == 0 || float64(level.Points) > max {
			max = float64(level.Points)
		}
	}
	return max
}

// SelectedPoints returns the selected level's points, 0 when unset.
func (c Criterion) SelectedPoints() float64 {
	if c.SelectedLevel == nil || *c.SelectedLevel < 0 || *c.SelectedLevel >= len(c.Levels) {
		return 0
	}
	return float64(c.Levels[*c.SelectedLevel].Points)
}

// Rubric is a named grading template: ordered criteria with point-valued
// levels. Criterion order is the grading order and the section order of
// generated feedback.
type Rubric struct {
	Name          string      `json:"name"`
	FeedbackLabel string      `json:"feedbackLabel"`
	Criteria      []Criterion `json:"criteria"`
}

// Clone returns an independent deep copy so grading edits never reach the
// stored template until explicitly persisted.
func (r Rubric) Clone() Rubric {
	out := r
	out.Criteria = make([]Criterion, len(r.Criteria))
	for i, criterion := range r.Criteria {
		copied := criterion
		copied.Levels = append([]Level(nil), criterion.Levels...)
		if criterion.SelectedLevel != nil {
			idx := *criterion.SelectedLevel
			copied.SelectedLevel = &idx
		}
		out.Criteria[i] = copied
	}
	return out
}

// TotalPoints is the derived score of a rubric grading session.
type TotalPoints struct {
	Earned   float64 `json:"earned"`
	Possible float64 `json:"possible"`
}

// RubricRecord is the durable form of a rubric template, scoped to a course
// and keyed by rubric name within it.
type RubricRecord struct {
	ID        uint           `gorm:"primaryKey"`
	CourseID  string         `gorm:"uniqueIndex:idx_rubric_course_name"`
	Name      string         `gorm:"uniqueIndex:idx_rubric_course_name"`
	Payload   datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GradingSessionRecord is the single-row durable snapshot of the grading
// session, written after every mutating grading action.
type GradingSessionRecord struct {
	ID                    uint `gorm:"primaryKey"`
	CurrentCourse         string
	CurrentRubric         datatypes.JSON `gorm:"type:json"`
	CurrentCriterionIndex int
	AutoAdvance           bool
	CorrectByDefault      bool
	UpdatedAt             time.Time
}

// SessionSnapshot is the in-memory form of the grading session.
type SessionSnapshot struct {
	CurrentCourse         string  `json:"currentCourse"`
	CurrentRubric         *Rubric `json:"currentRubric"`
	CurrentCriterionIndex int     `json:"currentCriterionIndex"`
	AutoAdvance           bool    `json:"autoAdvance"`
	CorrectByDefault      bool    `json:"correctByDefault"`
}

// FeedbackEntry is one generated feedback text kept in the history list.
type FeedbackEntry struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	RubricName string    `json:"rubricName"`
	Label      string    `json:"label"`
	Timestamp  time.Time `json:"timestamp"`
}
