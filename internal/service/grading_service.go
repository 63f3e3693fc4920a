package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/repository"
)

var (
	ErrNoActiveRubric    = errors.New("no rubric selected")
	ErrRubricNotFound    = errors.New("rubric not found")
	ErrNoCourseForRubric = errors.New("no course set for rubric storage")
)

// rubricSchema validates imported rubric documents before normalisation.
// Points are deliberately loose: numbers, numeric strings, and null all
// appear in the wild and coerce later.
const rubricSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "criteria"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"feedbackLabel": {"type": "string"},
		"criteria": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "levels"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"levels": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name"],
							"properties": {
								"name": {"type": "string"},
								"description": {"type": "string"},
								"points": {"type": ["number", "string", "null"]}
							}
						}
					}
				}
			}
		}
	}
}`

var (
	rubricSchemaOnce     sync.Once
	compiledRubricSchema *jsonschema.Schema
)

func rubricDocumentSchema() *jsonschema.Schema {
	rubricSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rubric.json", strings.NewReader(rubricSchema)); err != nil {
			panic(err)
		}
		compiledRubricSchema = compiler.MustCompile("rubric.json")
	})
	return compiledRubricSchema
}

// GradingService is the rubric grading store: the working rubric with its
// level selections and comments, the criterion cursor, grading preferences,
// and the per-course rubric template library.
//
// Every mutating operation persists the session snapshot so a restart
// restores grading exactly where it stopped.
type GradingService interface {
	Initialize(ctx context.Context) error

	SetCourse(ctx context.Context, courseID string) error
	SelectRubric(ctx context.Context, name string) error
	SaveRubric(ctx context.Context) error
	ImportRubric(ctx context.Context, raw json.RawMessage) error
	DeleteRubric(ctx context.Context, name string) error

	SelectLevel(ctx context.Context, criterionIndex, levelIndex int) error
	UpdateComment(ctx context.Context, criterionIndex int, comment string) error
	AddLevel(ctx context.Context, criterionIndex int, name, description string, points float64) error
	UpdateLevel(ctx context.Context, criterionIndex, levelIndex int, name, description *string, points *float64) (int, error)
	DeleteLevel(ctx context.Context, criterionIndex, levelIndex int) error
	ReplaceCriteria(ctx context.Context, criteria []models.Criterion) error

	GoToCriterion(ctx context.Context, index int) error
	NextCriterion(ctx context.Context) error
	PreviousCriterion(ctx context.Context) error

	SetAutoAdvance(ctx context.Context, enabled bool) error
	SetCorrectByDefault(ctx context.Context, enabled bool) error
	SetFeedbackLabel(ctx context.Context, label string) error
	ResetSelections(ctx context.Context) error

	CurrentRubric() (models.Rubric, bool)
	TotalPoints() models.TotalPoints
	AutoAdvance() bool
	Snapshot() dto.GradingSnapshot
}

type gradingService struct {
	mu sync.Mutex

	currentCourse         string
	rubrics               []models.Rubric
	currentRubric         *models.Rubric
	currentCriterionIndex int
	autoAdvance           bool
	correctByDefault      bool

	repo    repository.RubricRepository
	session repository.SessionRepository
	logger  zerolog.Logger
}

// NewGradingService instantiates the grading store. Fresh stores start with
// auto-advance on and correct-by-default off. Initialize must be called
// before serving requests.
func NewGradingService(repo repository.RubricRepository, session repository.SessionRepository, logger zerolog.Logger) GradingService {
	return &gradingService{
		autoAdvance: true,
		repo:        repo,
		session:     session,
		logger:      logger.With().Str("component", "grading_service").Logger(),
	}
}

// Initialize restores the persisted session and the template library for
// its course. A missing snapshot leaves the defaults in place.
func (s *gradingService) Initialize(ctx context.Context) error {
	snapshot, found, err := s.session.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore grading session: %w", err)
	}

	s.mu.Lock()
	if found {
		s.currentCourse = snapshot.CurrentCourse
		s.currentRubric = snapshot.CurrentRubric
		s.currentCriterionIndex = snapshot.CurrentCriterionIndex
		s.autoAdvance = snapshot.AutoAdvance
		s.correctByDefault = snapshot.CorrectByDefault
	}
	course := s.currentCourse
	s.mu.Unlock()

	if course == "" {
		return nil
	}
	return s.reloadRubrics(ctx, course)
}

// SetCourse scopes the template library to a course. The working rubric is
// kept: grading in flight survives switching course views.
func (s *gradingService) SetCourse(ctx context.Context, courseID string) error {
	s.mu.Lock()
	s.currentCourse = courseID
	s.mu.Unlock()

	if err := s.reloadRubrics(ctx, courseID); err != nil {
		return err
	}
	return s.persistSession(ctx)
}

func (s *gradingService) reloadRubrics(ctx context.Context, courseID string) error {
	rubrics, err := s.repo.ListByCourse(ctx, courseID)
	if err != nil {
		return fmt.Errorf("failed to load rubrics: %w", err)
	}

	s.mu.Lock()
	s.rubrics = rubrics
	s.mu.Unlock()
	return nil
}

// SelectRubric clones a stored template into the working rubric. With
// correct-by-default on, every criterion starts at its highest-point level;
// ties go to the first occurrence.
func (s *gradingService) SelectRubric(ctx context.Context, name string) error {
	s.mu.Lock()
	var template *models.Rubric
	for i := range s.rubrics {
		if s.rubrics[i].Name == name {
			template = &s.rubrics[i]
			break
		}
	}
	if template == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRubricNotFound, name)
	}

	working := template.Clone()
	for i := range working.Criteria {
		working.Criteria[i].SelectedLevel = nil
		working.Criteria[i].Comment = ""
	}
	if s.correctByDefault {
		preselectMaxLevels(&working)
	}
	s.currentRubric = &working
	s.currentCriterionIndex = 0
	s.mu.Unlock()

	return s.persistSession(ctx)
}

// SaveRubric stores the working rubric as a template for the current
// course. Selections and comments are grading state, not template content,
// and are stripped before saving.
func (s *gradingService) SaveRubric(ctx context.Context) error {
	s.mu.Lock()
	if s.currentRubric == nil {
		s.mu.Unlock()
		return ErrNoActiveRubric
	}
	if s.currentCourse == "" {
		s.mu.Unlock()
		return ErrNoCourseForRubric
	}
	course := s.currentCourse
	template := s.currentRubric.Clone()
	s.mu.Unlock()

	for i := range template.Criteria {
		template.Criteria[i].SelectedLevel = nil
		template.Criteria[i].Comment = ""
	}

	if err := s.repo.Save(ctx, course, template); err != nil {
		return fmt.Errorf("failed to save rubric: %w", err)
	}
	return s.reloadRubrics(ctx, course)
}

// ImportRubric validates a raw rubric document, normalises it (surrogate
// level IDs, levels sorted descending by points, selections cleared), saves
// it as a template, and makes it the working rubric.
func (s *gradingService) ImportRubric(ctx context.Context, raw json.RawMessage) error {
	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("rubric document is not valid JSON: %w", err)
	}
	if err := rubricDocumentSchema().Validate(document); err != nil {
		return fmt.Errorf("rubric document failed validation: %w", err)
	}

	var rubric models.Rubric
	if err := json.Unmarshal(raw, &rubric); err != nil {
		return fmt.Errorf("failed to decode rubric document: %w", err)
	}

	for i := range rubric.Criteria {
		criterion := &rubric.Criteria[i]
		criterion.SelectedLevel = nil
		criterion.Comment = ""
		for j := range criterion.Levels {
			if criterion.Levels[j].ID == "" {
				criterion.Levels[j].ID = uuid.NewString()
			}
		}
		sortLevels(criterion)
	}

	s.mu.Lock()
	course := s.currentCourse
	correctByDefault := s.correctByDefault
	s.mu.Unlock()

	if course == "" {
		return ErrNoCourseForRubric
	}
	if err := s.repo.Save(ctx, course, rubric); err != nil {
		return fmt.Errorf("failed to save imported rubric: %w", err)
	}
	if err := s.reloadRubrics(ctx, course); err != nil {
		return err
	}

	working := rubric.Clone()
	if correctByDefault {
		preselectMaxLevels(&working)
	}

	s.mu.Lock()
	s.currentRubric = &working
	s.currentCriterionIndex = 0
	s.mu.Unlock()

	s.logger.Info().Str("rubric", rubric.Name).Int("criteria", len(rubric.Criteria)).Msg("imported rubric")
	return s.persistSession(ctx)
}

func (s *gradingService) DeleteRubric(ctx context.Context, name string) error {
	s.mu.Lock()
	course := s.currentCourse
	s.mu.Unlock()

	if course == "" {
		return ErrNoCourseForRubric
	}
	if err := s.repo.Delete(ctx, course, name); err != nil {
		return fmt.Errorf("failed to delete rubric: %w", err)
	}
	return s.reloadRubrics(ctx, course)
}

// SelectLevel records a level choice. With auto-advance on, selecting on
// the current criterion moves the cursor to the next one.
func (s *gradingService) SelectLevel(ctx context.Context, criterionIndex, levelIndex int) error {
	s.mu.Lock()
	criterion, err := s.criterionAtLocked(criterionIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if levelIndex < 0 || levelIndex >= len(criterion.Levels) {
		s.mu.Unlock()
		return fmt.Errorf("level index %d out of range", levelIndex)
	}

	idx := levelIndex
	criterion.SelectedLevel = &idx
	if s.autoAdvance && criterionIndex == s.currentCriterionIndex &&
		s.currentCriterionIndex < len(s.currentRubric.Criteria)-1 {
		s.currentCriterionIndex++
	}
	s.mu.Unlock()

	return s.persistSession(ctx)
}

func (s *gradingService) UpdateComment(ctx context.Context, criterionIndex int, comment string) error {
	s.mu.Lock()
	criterion, err := s.criterionAtLocked(criterionIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	criterion.Comment = comment
	s.mu.Unlock()

	return s.persistSession(ctx)
}

// AddLevel appends a level and re-sorts; the existing selection follows its
// level through the re-sort.
func (s *gradingService) AddLevel(ctx context.Context, criterionIndex int, name, description string, points float64) error {
	s.mu.Lock()
	criterion, err := s.criterionAtLocked(criterionIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	criterion.Levels = append(criterion.Levels, models.Level{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Points:      models.Points(points),
	})
	sortLevels(criterion)
	s.mu.Unlock()

	return s.persistSession(ctx)
}

// UpdateLevel applies partial edits to a level. The returned index is where
// the edited level sits after any points re-sort, so callers can keep focus
// on it.
func (s *gradingService) UpdateLevel(ctx context.Context, criterionIndex, levelIndex int, name, description *string, points *float64) (int, error) {
	s.mu.Lock()
	criterion, err := s.criterionAtLocked(criterionIndex)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if levelIndex < 0 || levelIndex >= len(criterion.Levels) {
		s.mu.Unlock()
		return 0, fmt.Errorf("level index %d out of range", levelIndex)
	}

	level := &criterion.Levels[levelIndex]
	editedID := level.ID
	if name != nil {
		level.Name = strings.TrimSpace(*name)
	}
	if description != nil {
		level.Description = strings.TrimSpace(*description)
	}
	if points != nil {
		level.Points = models.Points(*points)
		sortLevels(criterion)
	}

	newIndex := levelIndex
	for i := range criterion.Levels {
		if criterion.Levels[i].ID == editedID {
			newIndex = i
			break
		}
	}
	s.mu.Unlock()

	if err := s.persistSession(ctx); err != nil {
		return newIndex, err
	}
	return newIndex, nil
}

func (s *gradingService) DeleteLevel(ctx context.Context, criterionIndex, levelIndex int) error {
	s.mu.Lock()
	criterion, err := s.criterionAtLocked(criterionIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if levelIndex < 0 || levelIndex >= len(criterion.Levels) {
		s.mu.Unlock()
		return fmt.Errorf("level index %d out of range", levelIndex)
	}

	selectedID := selectedLevelID(criterion)
	criterion.Levels = append(criterion.Levels[:levelIndex], criterion.Levels[levelIndex+1:]...)
	relocateSelection(criterion, selectedID)
	s.mu.Unlock()

	return s.persistSession(ctx)
}

// ReplaceCriteria swaps the working rubric's criteria wholesale. Every
// incoming field is normalised, the cursor is clamped into the new bounds,
// and correct-by-default re-applies its pre-selection.
func (s *gradingService) ReplaceCriteria(ctx context.Context, criteria []models.Criterion) error {
	normalised := make([]models.Criterion, len(criteria))
	for i, criterion := range criteria {
		copied := criterion
		copied.Name = strings.TrimSpace(criterion.Name)
		copied.Description = strings.TrimSpace(criterion.Description)
		copied.Comment = strings.TrimSpace(criterion.Comment)
		copied.Levels = append([]models.Level(nil), criterion.Levels...)
		for j := range copied.Levels {
			copied.Levels[j].Name = strings.TrimSpace(copied.Levels[j].Name)
			copied.Levels[j].Description = strings.TrimSpace(copied.Levels[j].Description)
			if copied.Levels[j].ID == "" {
				copied.Levels[j].ID = uuid.NewString()
			}
		}
		if copied.SelectedLevel != nil {
			idx := *copied.SelectedLevel
			if idx < 0 || idx >= len(copied.Levels) {
				copied.SelectedLevel = nil
			} else {
				copied.SelectedLevel = &idx
			}
		}
		sortLevels(&copied)
		normalised[i] = copied
	}

	s.mu.Lock()
	if s.currentRubric == nil {
		s.mu.Unlock()
		return ErrNoActiveRubric
	}
	s.currentRubric.Criteria = normalised
	if s.correctByDefault {
		preselectMaxLevels(s.currentRubric)
	}
	if len(normalised) == 0 {
		s.currentCriterionIndex = 0
	} else if s.currentCriterionIndex >= len(normalised) {
		s.currentCriterionIndex = len(normalised) - 1
	}
	s.mu.Unlock()

	return s.persistSession(ctx)
}

func (s *gradingService) GoToCriterion(ctx context.Context, index int) error {
	s.mu.Lock()
	if s.currentRubric == nil {
		s.mu.Unlock()
		return ErrNoActiveRubric
	}
	if index < 0 || index >= len(s.currentRubric.Criteria) {
		s.mu.Unlock()
		return nil
	}
	s.currentCriterionIndex = index
	s.mu.Unlock()

	return s.persistSession(ctx)
}

func (s *gradingService) NextCriterion(ctx context.Context) error {
	s.mu.Lock()
	index := s.currentCriterionIndex + 1
	s.mu.Unlock()
	return s.GoToCriterion(ctx, index)
}

func (s *gradingService) PreviousCriterion(ctx context.Context) error {
	s.mu.Lock()
	index := s.currentCriterionIndex - 1
	s.mu.Unlock()
	return s.GoToCriterion(ctx, index)
}

func (s *gradingService) SetAutoAdvance(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.autoAdvance = enabled
	s.mu.Unlock()
	return s.persistSession(ctx)
}

// SetCorrectByDefault toggles the pre-selection mode. Enabling it applies
// the max-level selection to every criterion of the working rubric
// immediately, overwriting existing picks; disabling it leaves selections
// untouched.
func (s *gradingService) SetCorrectByDefault(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.correctByDefault = enabled
	if enabled && s.currentRubric != nil {
		preselectMaxLevels(s.currentRubric)
	}
	s.mu.Unlock()
	return s.persistSession(ctx)
}

func (s *gradingService) SetFeedbackLabel(ctx context.Context, label string) error {
	s.mu.Lock()
	if s.currentRubric == nil {
		s.mu.Unlock()
		return ErrNoActiveRubric
	}
	s.currentRubric.FeedbackLabel = label
	s.mu.Unlock()
	return s.persistSession(ctx)
}

// ResetSelections clears every selection, comment and the feedback label on
// the working rubric and rewinds the cursor, ready for the next submission.
// Correct-by-default re-applies its pre-selection.
func (s *gradingService) ResetSelections(ctx context.Context) error {
	s.mu.Lock()
	if s.currentRubric == nil {
		s.mu.Unlock()
		return ErrNoActiveRubric
	}
	for i := range s.currentRubric.Criteria {
		s.currentRubric.Criteria[i].SelectedLevel = nil
		s.currentRubric.Criteria[i].Comment = ""
	}
	s.currentRubric.FeedbackLabel = ""
	if s.correctByDefault {
		preselectMaxLevels(s.currentRubric)
	}
	s.currentCriterionIndex = 0
	s.mu.Unlock()

	return s.persistSession(ctx)
}

func (s *gradingService) CurrentRubric() (models.Rubric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentRubric == nil {
		return models.Rubric{}, false
	}
	return s.currentRubric.Clone(), true
}

func (s *gradingService) TotalPoints() models.TotalPoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalPointsLocked()
}

func (s *gradingService) AutoAdvance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoAdvance
}

func (s *gradingService) Snapshot() dto.GradingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := dto.GradingSnapshot{
		CurrentCourse:         s.currentCourse,
		Rubrics:               append([]models.Rubric(nil), s.rubrics...),
		CurrentCriterionIndex: s.currentCriterionIndex,
		AutoAdvance:           s.autoAdvance,
		CorrectByDefault:      s.correctByDefault,
		TotalPoints:           s.totalPointsLocked(),
	}
	if s.currentRubric != nil {
		working := s.currentRubric.Clone()
		snapshot.CurrentRubric = &working
	}
	return snapshot
}

func (s *gradingService) totalPointsLocked() models.TotalPoints {
	var totals models.TotalPoints
	if s.currentRubric == nil {
		return totals
	}
	for _, criterion := range s.currentRubric.Criteria {
		totals.Earned += criterion.SelectedPoints()
		totals.Possible += criterion.MaxPoints()
	}
	return totals
}

func (s *gradingService) criterionAtLocked(index int) (*models.Criterion, error) {
	if s.currentRubric == nil {
		return nil, ErrNoActiveRubric
	}
	if index < 0 || index >= len(s.currentRubric.Criteria) {
		return nil, fmt.Errorf("criterion index %d out of range", index)
	}
	return &s.currentRubric.Criteria[index], nil
}

func (s *gradingService) persistSession(ctx context.Context) error {
	s.mu.Lock()
	snapshot := models.SessionSnapshot{
		CurrentCourse:         s.currentCourse,
		CurrentCriterionIndex: s.currentCriterionIndex,
		AutoAdvance:           s.autoAdvance,
		CorrectByDefault:      s.correctByDefault,
	}
	if s.currentRubric != nil {
		working := s.currentRubric.Clone()
		snapshot.CurrentRubric = &working
	}
	s.mu.Unlock()

	if err := s.session.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist grading session: %w", err)
	}
	return nil
}

// sortLevels orders a criterion's levels descending by points. The sort is
// stable and the selection is re-located by level ID, so a selected level
// stays selected wherever it lands.
func sortLevels(criterion *models.Criterion) {
	selectedID := selectedLevelID(criterion)
	sort.SliceStable(criterion.Levels, func(i, j int) bool {
		return criterion.Levels[i].Points > criterion.Levels[j].Points
	})
	relocateSelection(criterion, selectedID)
}

func selectedLevelID(criterion *models.Criterion) string {
	if criterion.SelectedLevel == nil {
		return ""
	}
	idx := *criterion.SelectedLevel
	if idx < 0 || idx >= len(criterion.Levels) {
		return ""
	}
	return criterion.Levels[idx].ID
}

func relocateSelection(criterion *models.Criterion, selectedID string) {
	if selectedID == "" {
		criterion.SelectedLevel = nil
		return
	}
	for i, level := range criterion.Levels {
		if level.ID == selectedID {
			idx := i
			criterion.SelectedLevel = &idx
			return
		}
	}
	criterion.SelectedLevel = nil
}

// preselectMaxLevels selects the highest-point level of every criterion,
// first occurrence winning ties. Existing selections are overwritten; a
// criterion without levels ends up unselected.
func preselectMaxLevels(rubric *models.Rubric) {
	for i := range rubric.Criteria {
		criterion := &rubric.Criteria[i]
		if len(criterion.Levels) == 0 {
			criterion.SelectedLevel = nil
			continue
		}
		best := 0
		for j, level := range criterion.Levels {
			if float64(level.Points) > float64(criterion.Levels[best].Points) {
				best = j
			}
		}
		idx := best
		criterion.SelectedLevel = &idx
	}
}
