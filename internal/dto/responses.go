package dto

import (
	"time"

	"github.com/noah-isme/critkey-api/internal/models"
)

// ResourceSnapshot is the full read model of the resource store: everything
// a grading client needs to render course, assignment and submission state.
type ResourceSnapshot struct {
	Courses          []models.Course          `json:"courses"`
	AssignmentGroups []models.AssignmentGroup `json:"assignmentGroups"`
	Assignments      []models.Assignment      `json:"assignments"`
	Submissions      []models.Submission      `json:"submissions"`

	SelectedCourse          *models.Course     `json:"selectedCourse"`
	SelectedAssignmentGroup string             `json:"selectedAssignmentGroup"`
	SelectedAssignment      *models.Assignment `json:"selectedAssignment"`
	SelectedSubmission      *models.Submission `json:"selectedSubmission"`
	SubmissionIndex         int                `json:"submissionIndex"`

	LastRequestURLs map[string]string `json:"lastRequestUrls"`

	OfflineMode           bool                   `json:"offlineMode"`
	ParallelDownloadLimit int                    `json:"parallelDownloadLimit"`
	CachingProgress       models.CachingProgress `json:"cachingProgress"`
	CachedAssignments     []models.CacheMetadata `json:"cachedAssignments"`

	StagedGradeCount int                 `json:"stagedGradeCount"`
	PushProgress     models.PushProgress `json:"pushProgress"`

	LoadingCourses     bool   `json:"loadingCourses"`
	LoadingAssignments bool   `json:"loadingAssignments"`
	LoadingSubmissions bool   `json:"loadingSubmissions"`
	LastError          string `json:"lastError"`
}

// GradingSnapshot is the read model of the grading store.
type GradingSnapshot struct {
	CurrentCourse         string             `json:"currentCourse"`
	Rubrics               []models.Rubric    `json:"rubrics"`
	CurrentRubric         *models.Rubric     `json:"currentRubric"`
	CurrentCriterionIndex int                `json:"currentCriterionIndex"`
	AutoAdvance           bool               `json:"autoAdvance"`
	CorrectByDefault      bool               `json:"correctByDefault"`
	TotalPoints           models.TotalPoints `json:"totalPoints"`
}

// FeedbackResponse carries one generated feedback text plus the score it
// encodes, ready to push as a grade.
type FeedbackResponse struct {
	Text        string             `json:"text"`
	Grade       string             `json:"grade"`
	TotalPoints models.TotalPoints `json:"totalPoints"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// CacheStatusResponse summarises the attachment cache.
type CacheStatusResponse struct {
	Assignments []models.CacheMetadata `json:"assignments"`
	Size        models.CacheSize       `json:"size"`
	Progress    models.CachingProgress `json:"progress"`
}

// StagedGradesResponse lists grades held for a batch push.
type StagedGradesResponse struct {
	AssignmentID string               `json:"assignmentId"`
	Grades       []models.StagedGrade `json:"grades"`
	Progress     models.PushProgress  `json:"progress"`
}

// HealthResponse reports process liveness and dependency status.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}
