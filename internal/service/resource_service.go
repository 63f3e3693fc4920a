package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/observability"
	"github.com/noah-isme/critkey-api/internal/repository"
	"github.com/noah-isme/critkey-api/pkg/canvas"
)

// AllGroups is the assignment group filter value that disables filtering.
const AllGroups = "all"

var (
	ErrCredentialsMissing   = errors.New("API token not set")
	ErrNoCourseSelected     = errors.New("no course selected")
	ErrNoAssignmentSelected = errors.New("no assignment selected")
	ErrNoSubmissionSelected = errors.New("no submission selected")
)

// CanvasAPI is the upstream surface the resource store depends on.
// *canvas.Client satisfies it; tests substitute fakes.
type CanvasAPI interface {
	ListCourses(ctx context.Context, creds canvas.Credentials) ([]models.Course, string, error)
	ListAssignmentGroups(ctx context.Context, creds canvas.Credentials, courseID string) ([]models.AssignmentGroup, string, error)
	ListAssignments(ctx context.Context, creds canvas.Credentials, courseID, groupID string) ([]models.Assignment, string, error)
	ListSubmissions(ctx context.Context, creds canvas.Credentials, courseID, assignmentID string) ([]models.Submission, string, error)
	UpdateSubmissionGrade(ctx context.Context, creds canvas.Credentials, courseID, assignmentID, userID, grade, comment string) (models.Submission, error)
	FetchFile(ctx context.Context, creds canvas.Credentials, fileURL string) ([]byte, string, error)
}

// ResourceService is the stateful hub for Canvas-sourced data: the selection
// chain (course, assignment group, assignment, submission), the fetched
// collections backing it, attachment caching, and grade submission.
//
// Fetch failures are recorded on the snapshot as LastError and returned;
// selection operations out of range are silent no-ops.
type ResourceService interface {
	Initialize(ctx context.Context) error

	SetCredentials(ctx context.Context, token, canvasBase string) error
	SetOfflineMode(ctx context.Context, enabled bool) error
	SetParallelDownloadLimit(ctx context.Context, limit int) error

	FetchCourses(ctx context.Context) error
	SelectCourse(ctx context.Context, courseID string) error
	SelectAssignmentGroup(ctx context.Context, groupID string) error
	SelectAssignment(ctx context.Context, assignmentID string) error
	SelectSubmission(index int)
	NextSubmission()
	PreviousSubmission()

	CacheAllPDFs(ctx context.Context) error
	CachedAttachment(ctx context.Context, url string) (models.CachedAttachment, bool)
	DeleteAssignmentCache(ctx context.Context, assignmentID string) error
	ClearCache(ctx context.Context) error
	CacheStatus(ctx context.Context) dto.CacheStatusResponse

	SubmitGrade(ctx context.Context, grade, comment string) (models.Submission, error)
	StageGrade(ctx context.Context, userID, grade, comment string) error
	UnstageGrade(ctx context.Context, userID string) error
	StagedGrades() dto.StagedGradesResponse
	PushStagedGrades(ctx context.Context) error

	Snapshot() dto.ResourceSnapshot
	CachingProgress() models.CachingProgress
}

type resourceState struct {
	token      string
	canvasBase string

	courses          []models.Course
	assignmentGroups []models.AssignmentGroup
	assignments      []models.Assignment
	submissions      []models.Submission

	selectedCourse     *models.Course
	selectedGroup      string
	selectedAssignment *models.Assignment
	selectedSubmission *models.Submission
	submissionIndex    int

	lastRequestURLs map[string]string

	offlineMode   bool
	parallelLimit int

	cachingProgress   models.CachingProgress
	cachedAssignments []models.CacheMetadata

	stagedGrades map[models.FlexID]map[models.FlexID]models.StagedGrade
	pushProgress models.PushProgress

	loadingCourses     bool
	loadingAssignments bool
	loadingSubmissions bool
	lastError          string
}

type resourceService struct {
	mu    sync.Mutex
	state resourceState

	// Generation counters guard commits: a fetch only writes its result back
	// if no newer fetch of the same collection started while it was in
	// flight. The mutex is never held across upstream calls.
	gen struct {
		courses     uint64
		groups      uint64
		assignments uint64
		submissions uint64
	}

	api    CanvasAPI
	cache  repository.AttachmentCacheRepository
	prefs  repository.PreferencesRepository
	events EventPublisher
	logger zerolog.Logger
	now    func() time.Time

	defaultParallel int
}

// NewResourceService instantiates the resource store. Initialize must be
// called before serving requests.
func NewResourceService(
	api CanvasAPI,
	cache repository.AttachmentCacheRepository,
	prefs repository.PreferencesRepository,
	events EventPublisher,
	logger zerolog.Logger,
	defaultParallel int,
) ResourceService {
	return &resourceService{
		state: resourceState{
			selectedGroup:   AllGroups,
			lastRequestURLs: make(map[string]string),
			stagedGrades:    make(map[models.FlexID]map[models.FlexID]models.StagedGrade),
			parallelLimit:   defaultParallel,
		},
		api:             api,
		cache:           cache,
		prefs:           prefs,
		events:          events,
		logger:          logger.With().Str("component", "resource_service").Logger(),
		now:             time.Now,
		defaultParallel: defaultParallel,
	}
}

// Initialize restores persisted preferences and cache metadata, then loads
// the course list when credentials are already on file. A failed course
// fetch is logged, not fatal: the store still serves with what it has.
func (s *resourceService) Initialize(ctx context.Context) error {
	token, err := s.prefs.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore credentials: %w", err)
	}
	base, err := s.prefs.CanvasBase(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore canvas base: %w", err)
	}
	offline, err := s.prefs.OfflineMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore offline mode: %w", err)
	}

	limit := s.defaultParallel
	if stored, found, limitErr := s.prefs.ParallelDownloadLimit(ctx); limitErr == nil && found {
		limit = stored
	}

	metadata := s.cache.ListMetadata(ctx, true)

	s.mu.Lock()
	s.state.token = token
	s.state.canvasBase = base
	s.state.offlineMode = offline
	s.state.parallelLimit = limit
	s.state.cachedAssignments = metadata
	s.mu.Unlock()

	if token != "" {
		if err := s.FetchCourses(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial course fetch failed")
		}
	}

	return nil
}

func (s *resourceService) SetCredentials(ctx context.Context, token, canvasBase string) error {
	if err := s.prefs.SetToken(ctx, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	if err := s.prefs.SetCanvasBase(ctx, canvasBase); err != nil {
		return fmt.Errorf("failed to persist canvas base: %w", err)
	}

	s.mu.Lock()
	s.state.token = token
	s.state.canvasBase = canvasBase
	s.state.lastError = ""
	if token == "" {
		s.state.courses = nil
		s.state.assignmentGroups = nil
		s.state.assignments = nil
		s.state.submissions = nil
		s.state.selectedCourse = nil
		s.state.selectedAssignment = nil
		s.state.selectedSubmission = nil
		s.state.submissionIndex = 0
		s.state.selectedGroup = AllGroups
	}
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	return s.FetchCourses(ctx)
}

func (s *resourceService) SetOfflineMode(ctx context.Context, enabled bool) error {
	if err := s.prefs.SetOfflineMode(ctx, enabled); err != nil {
		return fmt.Errorf("failed to persist offline mode: %w", err)
	}

	s.mu.Lock()
	s.state.offlineMode = enabled
	hasSubmissions := len(s.state.submissions) > 0
	s.mu.Unlock()

	if enabled && hasSubmissions {
		go func() {
			if err := s.CacheAllPDFs(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("offline caching run failed")
			}
		}()
	}
	return nil
}

func (s *resourceService) SetParallelDownloadLimit(ctx context.Context, limit int) error {
	if limit < 0 {
		limit = 0
	}
	if err := s.prefs.SetParallelDownloadLimit(ctx, limit); err != nil {
		return fmt.Errorf("failed to persist download limit: %w", err)
	}

	s.mu.Lock()
	s.state.parallelLimit = limit
	s.mu.Unlock()
	return nil
}

// FetchCourses loads the grader's courses, keeping only active ones, then
// re-selects the persisted course if it is still in the list.
func (s *resourceService) FetchCourses(ctx context.Context) error {
	s.mu.Lock()
	if s.state.token == "" {
		s.state.lastError = ErrCredentialsMissing.Error()
		s.mu.Unlock()
		return ErrCredentialsMissing
	}
	creds := s.credentialsLocked()
	s.gen.courses++
	gen := s.gen.courses
	s.state.loadingCourses = true
	s.state.lastError = ""
	s.mu.Unlock()

	courses, requestURL, err := s.api.ListCourses(ctx, creds)

	s.mu.Lock()
	if gen != s.gen.courses {
		s.mu.Unlock()
		return nil
	}
	s.state.loadingCourses = false
	if requestURL != "" {
		s.state.lastRequestURLs["courses"] = requestURL
	}
	if err != nil {
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}

	now := s.now()
	active := make([]models.Course, 0, len(courses))
	for _, course := range courses {
		if course.Active(now) {
			active = append(active, course)
		}
	}
	active = dedupeByID(active, func(c models.Course) models.FlexID { return c.ID })
	s.state.courses = active
	s.mu.Unlock()

	savedID, prefErr := s.prefs.SelectedCourseID(ctx)
	if prefErr != nil {
		s.logger.Warn().Err(prefErr).Msg("failed to read persisted course selection")
		return nil
	}
	if savedID == "" {
		return nil
	}
	for _, course := range active {
		if course.ID.String() == savedID {
			if err := s.SelectCourse(ctx, savedID); err != nil {
				s.logger.Warn().Err(err).Str("course_id", savedID).Msg("failed to restore course selection")
			}
			return nil
		}
	}
	return nil
}

// SelectCourse activates a course from the loaded list, resets the selection
// chain below it, and loads its assignment groups and assignments. The
// persisted group filter is restored when it still matches a loaded group.
func (s *resourceService) SelectCourse(ctx context.Context, courseID string) error {
	s.mu.Lock()
	course, found := findCourse(s.state.courses, courseID)
	if !found {
		err := fmt.Errorf("course %s is not in the loaded course list", courseID)
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}
	s.state.selectedCourse = &course
	s.state.selectedGroup = AllGroups
	s.state.selectedAssignment = nil
	s.state.selectedSubmission = nil
	s.state.submissionIndex = 0
	s.state.assignmentGroups = nil
	s.state.assignments = nil
	s.state.submissions = nil
	s.mu.Unlock()

	if err := s.prefs.SetSelectedCourseID(ctx, courseID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist course selection")
	}

	savedGroup, err := s.prefs.SelectedGroupID(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read persisted group filter")
		savedGroup = ""
	}

	if err := s.fetchAssignmentGroups(ctx, courseID, savedGroup); err != nil {
		return err
	}

	s.mu.Lock()
	group := s.state.selectedGroup
	s.mu.Unlock()
	if group == AllGroups {
		return s.fetchAssignments(ctx, courseID, AllGroups)
	}
	return nil
}

// fetchAssignmentGroups loads and commits the course's assignment groups,
// then restores savedGroup when it names a group that still exists. An
// unknown persisted group falls back to "all" silently.
func (s *resourceService) fetchAssignmentGroups(ctx context.Context, courseID, savedGroup string) error {
	s.mu.Lock()
	creds := s.credentialsLocked()
	s.gen.groups++
	gen := s.gen.groups
	s.mu.Unlock()

	groups, requestURL, err := s.api.ListAssignmentGroups(ctx, creds, courseID)

	s.mu.Lock()
	if gen != s.gen.groups {
		s.mu.Unlock()
		return nil
	}
	if requestURL != "" {
		s.state.lastRequestURLs["assignment_groups"] = requestURL
	}
	if err != nil {
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}
	groups = dedupeByID(groups, func(g models.AssignmentGroup) models.FlexID { return g.ID })
	s.state.assignmentGroups = groups
	s.mu.Unlock()

	if savedGroup == "" || savedGroup == AllGroups {
		return nil
	}
	for _, group := range groups {
		if group.ID.String() == savedGroup {
			return s.SelectAssignmentGroup(ctx, savedGroup)
		}
	}

	s.mu.Lock()
	s.state.selectedGroup = AllGroups
	s.mu.Unlock()
	if err := s.prefs.SetSelectedGroupID(ctx, ""); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist group filter fallback")
	}
	return nil
}

// SelectAssignmentGroup changes the group filter and reloads assignments.
// "all" disables filtering and clears the persisted filter key.
func (s *resourceService) SelectAssignmentGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	if s.state.selectedCourse == nil {
		s.state.lastError = ErrNoCourseSelected.Error()
		s.mu.Unlock()
		return ErrNoCourseSelected
	}
	courseID := s.state.selectedCourse.ID.String()
	s.state.selectedGroup = groupID
	s.state.selectedAssignment = nil
	s.state.selectedSubmission = nil
	s.state.submissionIndex = 0
	s.state.submissions = nil
	s.mu.Unlock()

	persisted := groupID
	if persisted == AllGroups {
		persisted = ""
	}
	if err := s.prefs.SetSelectedGroupID(ctx, persisted); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist group filter")
	}

	return s.fetchAssignments(ctx, courseID, groupID)
}

// fetchAssignments loads the course's gradable assignments: published, with
// at least one submitted submission, and in the filtered group when one is
// set.
func (s *resourceService) fetchAssignments(ctx context.Context, courseID, groupID string) error {
	upstreamGroup := groupID
	if upstreamGroup == AllGroups {
		upstreamGroup = ""
	}

	s.mu.Lock()
	creds := s.credentialsLocked()
	s.gen.assignments++
	gen := s.gen.assignments
	s.state.loadingAssignments = true
	s.mu.Unlock()

	assignments, requestURL, err := s.api.ListAssignments(ctx, creds, courseID, upstreamGroup)

	s.mu.Lock()
	if gen != s.gen.assignments {
		s.mu.Unlock()
		return nil
	}
	s.state.loadingAssignments = false
	if requestURL != "" {
		s.state.lastRequestURLs["assignments"] = requestURL
	}
	if err != nil {
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}

	gradable := make([]models.Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		if !assignment.Published || !assignment.HasSubmittedSubmissions {
			continue
		}
		if upstreamGroup != "" && assignment.AssignmentGroupID.String() != upstreamGroup {
			continue
		}
		gradable = append(gradable, assignment)
	}
	gradable = dedupeByID(gradable, func(a models.Assignment) models.FlexID { return a.ID })
	s.state.assignments = gradable
	s.mu.Unlock()
	return nil
}

// SelectAssignment activates an assignment and loads its submissions.
func (s *resourceService) SelectAssignment(ctx context.Context, assignmentID string) error {
	s.mu.Lock()
	if s.state.selectedCourse == nil {
		s.state.lastError = ErrNoCourseSelected.Error()
		s.mu.Unlock()
		return ErrNoCourseSelected
	}
	courseID := s.state.selectedCourse.ID.String()
	assignment, found := findAssignment(s.state.assignments, assignmentID)
	if !found {
		err := fmt.Errorf("assignment %s is not in the loaded assignment list", assignmentID)
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}
	s.state.selectedAssignment = &assignment
	s.state.selectedSubmission = nil
	s.state.submissionIndex = 0
	s.state.submissions = nil
	s.mu.Unlock()

	return s.fetchSubmissions(ctx, courseID, assignmentID)
}

// fetchSubmissions loads the assignment's submissions, keeps only those
// carrying attachments, auto-selects the first, and kicks off a background
// caching run when offline mode is on.
func (s *resourceService) fetchSubmissions(ctx context.Context, courseID, assignmentID string) error {
	s.mu.Lock()
	creds := s.credentialsLocked()
	s.gen.submissions++
	gen := s.gen.submissions
	s.state.loadingSubmissions = true
	s.mu.Unlock()

	submissions, requestURL, err := s.api.ListSubmissions(ctx, creds, courseID, assignmentID)

	s.mu.Lock()
	if gen != s.gen.submissions {
		s.mu.Unlock()
		return nil
	}
	s.state.loadingSubmissions = false
	if requestURL != "" {
		s.state.lastRequestURLs["submissions"] = requestURL
	}
	if err != nil {
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}

	withFiles := make([]models.Submission, 0, len(submissions))
	for _, submission := range submissions {
		if len(submission.Attachments) > 0 {
			withFiles = append(withFiles, submission)
		}
	}
	withFiles = dedupeByID(withFiles, func(s models.Submission) models.FlexID { return s.Identity() })
	s.state.submissions = withFiles
	s.state.submissionIndex = 0
	if len(withFiles) > 0 {
		first := withFiles[0]
		s.state.selectedSubmission = &first
	} else {
		s.state.selectedSubmission = nil
	}
	offline := s.state.offlineMode
	s.mu.Unlock()

	if offline && len(withFiles) > 0 {
		go func() {
			if err := s.CacheAllPDFs(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("background caching run failed")
			}
		}()
	}
	return nil
}

// SelectSubmission moves the cursor to index. Out-of-range indexes are
// ignored.
func (s *resourceService) SelectSubmission(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectSubmissionLocked(index)
}

func (s *resourceService) NextSubmission() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectSubmissionLocked(s.state.submissionIndex + 1)
}

func (s *resourceService) PreviousSubmission() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectSubmissionLocked(s.state.submissionIndex - 1)
}

func (s *resourceService) selectSubmissionLocked(index int) {
	if index < 0 || index >= len(s.state.submissions) {
		return
	}
	s.state.submissionIndex = index
	selected := s.state.submissions[index]
	s.state.selectedSubmission = &selected
}

// CacheAllPDFs downloads the first attachment of every loaded submission
// into the local cache. Already cached files count toward progress without
// being re-downloaded; a failed download is logged, counted, and skipped.
// Concurrent runs are coalesced into the one already in flight.
func (s *resourceService) CacheAllPDFs(ctx context.Context) error {
	s.mu.Lock()
	if s.state.cachingProgress.IsCaching {
		s.mu.Unlock()
		return nil
	}
	if s.state.selectedAssignment == nil {
		s.mu.Unlock()
		return ErrNoAssignmentSelected
	}
	creds := s.credentialsLocked()
	assignment := *s.state.selectedAssignment
	submissions := append([]models.Submission(nil), s.state.submissions...)
	limit := s.state.parallelLimit
	s.state.cachingProgress = models.CachingProgress{IsCaching: true}
	s.mu.Unlock()

	type target struct {
		url          string
		submissionID models.FlexID
	}
	targets := make([]target, 0, len(submissions))
	for _, submission := range submissions {
		if len(submission.Attachments) == 0 {
			continue
		}
		targets = append(targets, target{
			url:          submission.Attachments[0].URL,
			submissionID: submission.Identity(),
		})
	}

	toCache := make([]target, 0, len(targets))
	for _, t := range targets {
		if !s.cache.Has(ctx, t.url) {
			toCache = append(toCache, t)
		}
	}

	total := len(targets)
	s.mu.Lock()
	s.state.cachingProgress = models.CachingProgress{
		Current:   total - len(toCache),
		Total:     total,
		IsCaching: true,
	}
	s.mu.Unlock()

	batch := limit
	if batch <= 0 {
		batch = len(toCache)
	}
	for start := 0; start < len(toCache); start += batch {
		end := min(start+batch, len(toCache))
		var wg sync.WaitGroup
		for _, t := range toCache[start:end] {
			wg.Add(1)
			go func(t target) {
				defer wg.Done()
				s.cacheOne(ctx, creds, assignment, t.submissionID, t.url)
				s.mu.Lock()
				s.state.cachingProgress.Current++
				s.mu.Unlock()
			}(t)
		}
		wg.Wait()
	}

	metadata := s.cache.ListMetadata(ctx, true)

	s.mu.Lock()
	s.state.cachingProgress.IsCaching = false
	s.state.cachedAssignments = metadata
	progress := s.state.cachingProgress
	s.mu.Unlock()

	s.logger.Info().
		Str("assignment_id", assignment.ID.String()).
		Int("cached", progress.Current).
		Int("total", progress.Total).
		Msg("attachment caching run finished")

	s.events.Publish(ctx, "cache.completed", map[string]any{
		"assignment_id": assignment.ID.String(),
		"cached":        progress.Current,
		"total":         progress.Total,
	})
	return nil
}

func (s *resourceService) cacheOne(ctx context.Context, creds canvas.Credentials, assignment models.Assignment, submissionID models.FlexID, fileURL string) {
	blob, contentType, err := s.api.FetchFile(ctx, creds, fileURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", fileURL).Msg("failed to download attachment")
		return
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(blob).String()
	}

	attachment := models.CachedAttachment{
		URL:            fileURL,
		AssignmentID:   assignment.ID.String(),
		SubmissionID:   submissionID.String(),
		AssignmentName: assignment.Name,
		ContentType:    contentType,
		Blob:           blob,
		CachedAt:       s.now(),
	}
	if err := s.cache.Put(ctx, attachment); err != nil {
		s.logger.Error().Err(err).Str("url", fileURL).Msg("failed to store attachment")
	}
}

func (s *resourceService) CachedAttachment(ctx context.Context, url string) (models.CachedAttachment, bool) {
	return s.cache.Get(ctx, url)
}

func (s *resourceService) DeleteAssignmentCache(ctx context.Context, assignmentID string) error {
	if err := s.cache.DeleteForAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.refreshCachedAssignments(ctx)
	return nil
}

func (s *resourceService) ClearCache(ctx context.Context) error {
	if err := s.cache.ClearAll(ctx); err != nil {
		return err
	}
	s.refreshCachedAssignments(ctx)
	return nil
}

func (s *resourceService) refreshCachedAssignments(ctx context.Context) {
	metadata := s.cache.ListMetadata(ctx, false)
	s.mu.Lock()
	s.state.cachedAssignments = metadata
	s.mu.Unlock()
}

func (s *resourceService) CacheStatus(ctx context.Context) dto.CacheStatusResponse {
	metadata := s.cache.ListMetadata(ctx, true)
	size := s.cache.SizeEstimate(ctx)

	s.mu.Lock()
	s.state.cachedAssignments = metadata
	progress := s.state.cachingProgress
	s.mu.Unlock()

	return dto.CacheStatusResponse{
		Assignments: metadata,
		Size:        size,
		Progress:    progress,
	}
}

// SubmitGrade pushes a grade for the selected submission. All four pieces of
// context must be in place: credentials, course, assignment, submission. The
// updated submission replaces its predecessor in the loaded list; the
// current selection keeps its pre-update value until the cursor moves.
func (s *resourceService) SubmitGrade(ctx context.Context, grade, comment string) (models.Submission, error) {
	s.mu.Lock()
	var err error
	switch {
	case s.state.token == "":
		err = ErrCredentialsMissing
	case s.state.selectedCourse == nil:
		err = ErrNoCourseSelected
	case s.state.selectedAssignment == nil:
		err = ErrNoAssignmentSelected
	case s.state.selectedSubmission == nil:
		err = ErrNoSubmissionSelected
	}
	if err != nil {
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return models.Submission{}, err
	}

	creds := s.credentialsLocked()
	courseID := s.state.selectedCourse.ID.String()
	assignmentID := s.state.selectedAssignment.ID.String()
	userID := s.state.selectedSubmission.UserID.String()
	s.mu.Unlock()

	updated, err := s.api.UpdateSubmissionGrade(ctx, creds, courseID, assignmentID, userID, grade, comment)
	if err != nil {
		observability.GradeSubmissions().WithLabelValues("error").Inc()
		s.mu.Lock()
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return models.Submission{}, err
	}

	s.mu.Lock()
	replaced := make([]models.Submission, len(s.state.submissions))
	copy(replaced, s.state.submissions)
	for i := range replaced {
		if submissionsMatch(replaced[i], updated) {
			replaced[i] = updated
		}
	}
	s.state.submissions = replaced
	s.mu.Unlock()

	observability.GradeSubmissions().WithLabelValues("ok").Inc()
	s.events.Publish(ctx, "grade.submitted", map[string]any{
		"course_id":     courseID,
		"assignment_id": assignmentID,
		"user_id":       userID,
		"grade":         grade,
	})
	return updated, nil
}

// StageGrade holds a grade locally under the selected assignment for a
// later batch push. Staging the same user again overwrites the held grade.
func (s *resourceService) StageGrade(_ context.Context, userID, grade, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.selectedAssignment == nil {
		s.state.lastError = ErrNoAssignmentSelected.Error()
		return ErrNoAssignmentSelected
	}

	assignmentID := s.state.selectedAssignment.ID
	if s.state.stagedGrades[assignmentID] == nil {
		s.state.stagedGrades[assignmentID] = make(map[models.FlexID]models.StagedGrade)
	}
	s.state.stagedGrades[assignmentID][models.FlexID(userID)] = models.StagedGrade{
		UserID:   models.FlexID(userID),
		Grade:    grade,
		Comment:  comment,
		StagedAt: s.now(),
	}
	return nil
}

func (s *resourceService) UnstageGrade(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.selectedAssignment == nil {
		return ErrNoAssignmentSelected
	}
	delete(s.state.stagedGrades[s.state.selectedAssignment.ID], models.FlexID(userID))
	return nil
}

func (s *resourceService) StagedGrades() dto.StagedGradesResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	response := dto.StagedGradesResponse{
		Grades:   []models.StagedGrade{},
		Progress: s.state.pushProgress,
	}
	if s.state.selectedAssignment == nil {
		return response
	}

	assignmentID := s.state.selectedAssignment.ID
	response.AssignmentID = assignmentID.String()
	for _, staged := range s.state.stagedGrades[assignmentID] {
		response.Grades = append(response.Grades, staged)
	}
	sort.Slice(response.Grades, func(i, j int) bool {
		return response.Grades[i].StagedAt.Before(response.Grades[j].StagedAt)
	})
	return response
}

// PushStagedGrades sends the selected assignment's staged grades upstream
// one by one, oldest first. The push stops at the first failure; grades
// already pushed stay removed from the staging area.
func (s *resourceService) PushStagedGrades(ctx context.Context) error {
	s.mu.Lock()
	var err error
	switch {
	case s.state.token == "":
		err = ErrCredentialsMissing
	case s.state.selectedCourse == nil:
		err = ErrNoCourseSelected
	case s.state.selectedAssignment == nil:
		err = ErrNoAssignmentSelected
	}
	if err != nil {
		s.state.lastError = err.Error()
		s.mu.Unlock()
		return err
	}
	if s.state.pushProgress.Pushing {
		s.mu.Unlock()
		return nil
	}

	creds := s.credentialsLocked()
	courseID := s.state.selectedCourse.ID.String()
	assignmentID := s.state.selectedAssignment.ID

	pending := make([]models.StagedGrade, 0, len(s.state.stagedGrades[assignmentID]))
	for _, staged := range s.state.stagedGrades[assignmentID] {
		pending = append(pending, staged)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].StagedAt.Before(pending[j].StagedAt) })
	s.state.pushProgress = models.PushProgress{Total: len(pending), Pushing: true}
	s.mu.Unlock()

	for _, staged := range pending {
		_, pushErr := s.api.UpdateSubmissionGrade(ctx, creds, courseID, assignmentID.String(), staged.UserID.String(), staged.Grade, staged.Comment)
		if pushErr != nil {
			observability.GradeSubmissions().WithLabelValues("error").Inc()
			s.mu.Lock()
			s.state.pushProgress.Pushing = false
			s.state.lastError = pushErr.Error()
			s.mu.Unlock()
			return fmt.Errorf("push stopped at user %s: %w", staged.UserID, pushErr)
		}

		observability.GradeSubmissions().WithLabelValues("ok").Inc()
		s.mu.Lock()
		delete(s.state.stagedGrades[assignmentID], staged.UserID)
		s.state.pushProgress.Completed++
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state.pushProgress.Pushing = false
	completed := s.state.pushProgress.Completed
	s.mu.Unlock()

	s.events.Publish(ctx, "grades.pushed", map[string]any{
		"course_id":     courseID,
		"assignment_id": assignmentID.String(),
		"count":         completed,
	})
	return nil
}

func (s *resourceService) Snapshot() dto.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make(map[string]string, len(s.state.lastRequestURLs))
	for key, value := range s.state.lastRequestURLs {
		urls[key] = value
	}

	stagedCount := 0
	for _, perUser := range s.state.stagedGrades {
		stagedCount += len(perUser)
	}

	return dto.ResourceSnapshot{
		Courses:                 append([]models.Course(nil), s.state.courses...),
		AssignmentGroups:        append([]models.AssignmentGroup(nil), s.state.assignmentGroups...),
		Assignments:             append([]models.Assignment(nil), s.state.assignments...),
		Submissions:             append([]models.Submission(nil), s.state.submissions...),
		SelectedCourse:          copyCourse(s.state.selectedCourse),
		SelectedAssignmentGroup: s.state.selectedGroup,
		SelectedAssignment:      copyAssignment(s.state.selectedAssignment),
		SelectedSubmission:      copySubmission(s.state.selectedSubmission),
		SubmissionIndex:         s.state.submissionIndex,
		LastRequestURLs:         urls,
		OfflineMode:             s.state.offlineMode,
		ParallelDownloadLimit:   s.state.parallelLimit,
		CachingProgress:         s.state.cachingProgress,
		CachedAssignments:       append([]models.CacheMetadata(nil), s.state.cachedAssignments...),
		StagedGradeCount:        stagedCount,
		PushProgress:            s.state.pushProgress,
		LoadingCourses:          s.state.loadingCourses,
		LoadingAssignments:      s.state.loadingAssignments,
		LoadingSubmissions:      s.state.loadingSubmissions,
		LastError:               s.state.lastError,
	}
}

func (s *resourceService) CachingProgress() models.CachingProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.cachingProgress
}

func (s *resourceService) credentialsLocked() canvas.Credentials {
	return canvas.Credentials{Token: s.state.token, CanvasBase: s.state.canvasBase}
}

// dedupeByID drops later duplicates by identifier, keeping first occurrence
// order. Entries without an identifier are kept as-is.
func dedupeByID[T any](items []T, id func(T) models.FlexID) []T {
	seen := make(map[models.FlexID]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		key := id(item)
		if key.IsZero() {
			out = append(out, item)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func findCourse(courses []models.Course, id string) (models.Course, bool) {
	for _, course := range courses {
		if course.ID.String() == id {
			return course, true
		}
	}
	return models.Course{}, false
}

func findAssignment(assignments []models.Assignment, id string) (models.Assignment, bool) {
	for _, assignment := range assignments {
		if assignment.ID.String() == id {
			return assignment, true
		}
	}
	return models.Assignment{}, false
}

func submissionsMatch(existing, updated models.Submission) bool {
	if !updated.ID.IsZero() && existing.ID == updated.ID {
		return true
	}
	return !updated.UserID.IsZero() && existing.UserID == updated.UserID
}

func copyCourse(course *models.Course) *models.Course {
	if course == nil {
		return nil
	}
	copied := *course
	return &copied
}

func copyAssignment(assignment *models.Assignment) *models.Assignment {
	if assignment == nil {
		return nil
	}
	copied := *assignment
	return &copied
}

func copySubmission(submission *models.Submission) *models.Submission {
	if submission == nil {
		return nil
	}
	copied := *submission
	copied.Attachments = append([]models.Attachment(nil), submission.Attachments...)
	return &copied
}
