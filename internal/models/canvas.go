package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// FlexID is an entity identifier as Canvas serialises it: sometimes a JSON
// number, sometimes a string. Both decode to the string form so identifiers
// compare reliably across payloads.
type FlexID string

// UnmarshalJSON accepts string, number or null identifiers.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid identifier %q: %w", string(data), err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// IsZero reports whether the entity carried no identifier at all.
func (id FlexID) IsZero() bool { return id == "" }

// Term carries the enrollment term window of a course.
type Term struct {
	ID    FlexID     `json:"id"`
	Name  string     `json:"name"`
	EndAt *time.Time `json:"end_at"`
}

// Course is a Canvas course as consumed by the resource store.
type Course struct {
	ID            FlexID `json:"id"`
	Name          string `json:"name"`
	CourseCode    string `json:"course_code"`
	WorkflowState string `json:"workflow_state"`
	Term          *Term  `json:"term"`
}

// Active reports whether the course is available and its term has not ended.
func (c Course) Active(now time.Time) bool {
	if c.WorkflowState != "available" {
		return false
	}
	if c.Term != nil && c.Term.EndAt != nil {
		return !now.After(*c.Term.EndAt)
	}
	return true
}

// AssignmentGroup is a Canvas assignment group.
type AssignmentGroup struct {
	ID       FlexID `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Assignment is a Canvas assignment.
type Assignment struct {
	ID                      FlexID     `json:"id"`
	Name                    string     `json:"name"`
	Published               bool       `json:"published"`
	HasSubmittedSubmissions bool       `json:"has_submitted_submissions"`
	AssignmentGroupID       FlexID     `json:"assignment_group_id"`
	PointsPossible          float64    `json:"points_possible"`
	DueAt                   *time.Time `json:"due_at"`
}

// Attachment is one file attached to a submission. Canvas serialises the
// content type under "content-type".
type Attachment struct {
	ID          FlexID `json:"id"`
	DisplayName string `json:"display_name"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content-type"`
	Size        int64  `json:"size"`
}

// Submission is a learner's graded work item.
type Submission struct {
	ID          FlexID       `json:"id"`
	UserID      FlexID       `json:"user_id"`
	Attachments []Attachment `json:"attachments"`
	Grade       string       `json:"grade"`
	Score       *float64     `json:"score"`
	SubmittedAt *time.Time   `json:"submitted_at"`
	GradedAt    *time.Time   `json:"graded_at"`
	Late        bool         `json:"late"`
}

// Identity returns the value submissions are deduplicated by: id when
// present, falling back to the user id.
func (s Submission) Identity() FlexID {
	if !s.ID.IsZero() {
		return s.ID
	}
	return s.UserID
}

// CachingProgress reports the state of a background attachment-caching run.
type CachingProgress struct {
	Current   int  `json:"current"`
	Total     int  `json:"total"`
	IsCaching bool `json:"isCaching"`
}

// PushProgress reports the state of a staged-grade batch push.
type PushProgress struct {
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	Pushing   bool `json:"pushing"`
}

// StagedGrade is a grade held locally until a batch push sends it upstream.
type StagedGrade struct {
	UserID   FlexID    `json:"user_id"`
	Grade    string    `json:"grade"`
	Comment  string    `json:"comment"`
	StagedAt time.Time `json:"staged_at"`
}
