package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/pkg/canvas"
)

type fakeCanvas struct {
	mu sync.Mutex

	courses     []models.Course
	groups      []models.AssignmentGroup
	assignments []models.Assignment
	submissions []models.Submission

	coursesErr     error
	submissionsErr error

	updateErr    func(userID string) error
	updateCalls  int
	updatedUsers []string

	fetchFileErr map[string]error
	fileBodies   map[string][]byte
}

func newFakeCanvas() *fakeCanvas {
	return &fakeCanvas{
		fetchFileErr: make(map[string]error),
		fileBodies:   make(map[string][]byte),
	}
}

func (f *fakeCanvas) ListCourses(context.Context, canvas.Credentials) ([]models.Course, string, error) {
	if f.coursesErr != nil {
		return nil, "", f.coursesErr
	}
	return f.courses, "https://canvas.test/api/v1/courses", nil
}

func (f *fakeCanvas) ListAssignmentGroups(context.Context, canvas.Credentials, string) ([]models.AssignmentGroup, string, error) {
	return f.groups, "https://canvas.test/api/v1/groups", nil
}

func (f *fakeCanvas) ListAssignments(_ context.Context, _ canvas.Credentials, _ string, groupID string) ([]models.Assignment, string, error) {
	if groupID == "" {
		return f.assignments, "https://canvas.test/api/v1/assignments", nil
	}
	filtered := make([]models.Assignment, 0, len(f.assignments))
	for _, assignment := range f.assignments {
		if assignment.AssignmentGroupID.String() == groupID {
			filtered = append(filtered, assignment)
		}
	}
	return filtered, "https://canvas.test/api/v1/assignments", nil
}

func (f *fakeCanvas) ListSubmissions(context.Context, canvas.Credentials, string, string) ([]models.Submission, string, error) {
	if f.submissionsErr != nil {
		return nil, "", f.submissionsErr
	}
	return f.submissions, "https://canvas.test/api/v1/submissions", nil
}

func (f *fakeCanvas) UpdateSubmissionGrade(_ context.Context, _ canvas.Credentials, _, _, userID, grade, _ string) (models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		if err := f.updateErr(userID); err != nil {
			return models.Submission{}, err
		}
	}
	f.updatedUsers = append(f.updatedUsers, userID)
	return models.Submission{
		ID:     models.FlexID("sub-" + userID),
		UserID: models.FlexID(userID),
		Grade:  grade,
	}, nil
}

func (f *fakeCanvas) FetchFile(_ context.Context, _ canvas.Credentials, fileURL string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchFileErr[fileURL]; err != nil {
		return nil, "", err
	}
	if body, ok := f.fileBodies[fileURL]; ok {
		return body, "application/pdf", nil
	}
	return []byte("%PDF-1.4 " + fileURL), "application/pdf", nil
}

type memoryCacheRepo struct {
	mu          sync.Mutex
	attachments map[string]models.CachedAttachment
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{attachments: make(map[string]models.CachedAttachment)}
}

func (m *memoryCacheRepo) Put(_ context.Context, attachment models.CachedAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[attachment.URL] = attachment
	return nil
}

func (m *memoryCacheRepo) Get(_ context.Context, url string) (models.CachedAttachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attachment, ok := m.attachments[url]
	return attachment, ok
}

func (m *memoryCacheRepo) Has(_ context.Context, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attachments[url]
	return ok
}

func (m *memoryCacheRepo) DeleteForAssignment(_ context.Context, assignmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, attachment := range m.attachments {
		if attachment.AssignmentID == assignmentID {
			delete(m.attachments, url)
		}
	}
	return nil
}

func (m *memoryCacheRepo) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments = make(map[string]models.CachedAttachment)
	return nil
}

func (m *memoryCacheRepo) ListMetadata(context.Context, bool) []models.CacheMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	grouped := make(map[string]*models.CacheMetadata)
	for _, attachment := range m.attachments {
		metadata, ok := grouped[attachment.AssignmentID]
		if !ok {
			metadata = &models.CacheMetadata{
				AssignmentID:   attachment.AssignmentID,
				AssignmentName: attachment.AssignmentName,
				CachedAt:       attachment.CachedAt,
			}
			grouped[attachment.AssignmentID] = metadata
		}
		metadata.SubmissionCount++
	}
	out := make([]models.CacheMetadata, 0, len(grouped))
	for _, metadata := range grouped {
		out = append(out, *metadata)
	}
	return out
}

func (m *memoryCacheRepo) SizeEstimate(context.Context) models.CacheSize {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := models.CacheSize{Count: int64(len(m.attachments))}
	for _, attachment := range m.attachments {
		size.TotalBytes += int64(len(attachment.Blob))
	}
	return size
}

type memoryPrefsRepo struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryPrefsRepo() *memoryPrefsRepo {
	return &memoryPrefsRepo{values: make(map[string]string)}
}

func (m *memoryPrefsRepo) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func (m *memoryPrefsRepo) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.values, key)
		return
	}
	m.values[key] = value
}

func (m *memoryPrefsRepo) Token(context.Context) (string, error) { return m.get("token"), nil }
func (m *memoryPrefsRepo) SetToken(_ context.Context, token string) error {
	m.set("token", token)
	return nil
}
func (m *memoryPrefsRepo) CanvasBase(context.Context) (string, error) { return m.get("base"), nil }
func (m *memoryPrefsRepo) SetCanvasBase(_ context.Context, base string) error {
	m.set("base", base)
	return nil
}
func (m *memoryPrefsRepo) OfflineMode(context.Context) (bool, error) {
	return m.get("offline") == "true", nil
}
func (m *memoryPrefsRepo) SetOfflineMode(_ context.Context, enabled bool) error {
	m.set("offline", fmt.Sprintf("%t", enabled))
	return nil
}
func (m *memoryPrefsRepo) SelectedCourseID(context.Context) (string, error) {
	return m.get("course"), nil
}
func (m *memoryPrefsRepo) SetSelectedCourseID(_ context.Context, id string) error {
	m.set("course", id)
	return nil
}
func (m *memoryPrefsRepo) SelectedGroupID(context.Context) (string, error) {
	return m.get("group"), nil
}
func (m *memoryPrefsRepo) SetSelectedGroupID(_ context.Context, id string) error {
	m.set("group", id)
	return nil
}
func (m *memoryPrefsRepo) ParallelDownloadLimit(context.Context) (int, bool, error) {
	return 0, false, nil
}
func (m *memoryPrefsRepo) SetParallelDownloadLimit(_ context.Context, limit int) error {
	m.set("limit", fmt.Sprintf("%d", limit))
	return nil
}

func newTestResourceService(api CanvasAPI, cache *memoryCacheRepo, prefs *memoryPrefsRepo) *resourceService {
	svc := NewResourceService(api, cache, prefs, NewNoopPublisher(), zerolog.Nop(), 3)
	return svc.(*resourceService)
}

func endedTerm() *models.Term {
	ended := time.Now().Add(-24 * time.Hour)
	return &models.Term{ID: "t1", EndAt: &ended}
}

func TestFetchCoursesFiltersAndDeduplicates(t *testing.T) {
	api := newFakeCanvas()
	api.courses = []models.Course{
		{ID: "1", Name: "Active", WorkflowState: "available"},
		{ID: "2", Name: "Unpublished", WorkflowState: "unpublished"},
		{ID: "3", Name: "Ended", WorkflowState: "available", Term: endedTerm()},
		{ID: "1", Name: "Active Duplicate", WorkflowState: "available"},
	}

	svc := newTestResourceService(api, newMemoryCacheRepo(), newMemoryPrefsRepo())
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))

	snapshot := svc.Snapshot()
	require.Len(t, snapshot.Courses, 1)
	require.Equal(t, "Active", snapshot.Courses[0].Name)
	require.Equal(t, "https://canvas.test/api/v1/courses", snapshot.LastRequestURLs["courses"])
}

func TestFetchCoursesWithoutTokenFailsFast(t *testing.T) {
	api := newFakeCanvas()
	svc := newTestResourceService(api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	err := svc.FetchCourses(context.Background())
	require.ErrorIs(t, err, ErrCredentialsMissing)
	require.Equal(t, ErrCredentialsMissing.Error(), svc.Snapshot().LastError)
}

func TestSelectCourseRestoresPersistedGroupFilter(t *testing.T) {
	api := newFakeCanvas()
	api.courses = []models.Course{{ID: "c1", Name: "Course", WorkflowState: "available"}}
	api.groups = []models.AssignmentGroup{{ID: "g1", Name: "Homework"}, {ID: "g2", Name: "Exams"}}
	api.assignments = []models.Assignment{
		{ID: "a1", Name: "HW 1", Published: true, HasSubmittedSubmissions: true, AssignmentGroupID: "g1"},
		{ID: "a2", Name: "Exam 1", Published: true, HasSubmittedSubmissions: true, AssignmentGroupID: "g2"},
	}

	prefs := newMemoryPrefsRepo()
	prefs.set("group", "g2")

	svc := newTestResourceService(api, newMemoryCacheRepo(), prefs)
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))
	require.NoError(t, svc.SelectCourse(context.Background(), "c1"))

	snapshot := svc.Snapshot()
	require.Equal(t, "g2", snapshot.SelectedAssignmentGroup)
	require.Len(t, snapshot.Assignments, 1)
	require.Equal(t, "Exam 1", snapshot.Assignments[0].Name)
}

func TestSelectCourseUnknownPersistedGroupFallsBackToAll(t *testing.T) {
	api := newFakeCanvas()
	api.courses = []models.Course{{ID: "c1", Name: "Course", WorkflowState: "available"}}
	api.groups = []models.AssignmentGroup{{ID: "g1", Name: "Homework"}}
	api.assignments = []models.Assignment{
		{ID: "a1", Name: "HW 1", Published: true, HasSubmittedSubmissions: true, AssignmentGroupID: "g1"},
	}

	prefs := newMemoryPrefsRepo()
	prefs.set("group", "gone")

	svc := newTestResourceService(api, newMemoryCacheRepo(), prefs)
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))
	require.NoError(t, svc.SelectCourse(context.Background(), "c1"))

	snapshot := svc.Snapshot()
	require.Equal(t, AllGroups, snapshot.SelectedAssignmentGroup)
	require.Empty(t, prefs.get("group"))
	require.Len(t, snapshot.Assignments, 1)
	require.Empty(t, snapshot.LastError)
}

func TestSelectAllGroupsClearsPersistedFilter(t *testing.T) {
	api := newFakeCanvas()
	api.courses = []models.Course{{ID: "c1", Name: "Course", WorkflowState: "available"}}
	api.groups = []models.AssignmentGroup{{ID: "g1", Name: "Homework"}, {ID: "g2", Name: "Exams"}}
	api.assignments = []models.Assignment{
		{ID: "a1", Name: "HW 1", Published: true, HasSubmittedSubmissions: true, AssignmentGroupID: "g1"},
		{ID: "a2", Name: "Exam 1", Published: true, HasSubmittedSubmissions: true, AssignmentGroupID: "g2"},
	}

	prefs := newMemoryPrefsRepo()
	svc := newTestResourceService(api, newMemoryCacheRepo(), prefs)
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))
	require.NoError(t, svc.SelectCourse(context.Background(), "c1"))

	require.NoError(t, svc.SelectAssignmentGroup(context.Background(), "g2"))
	require.Equal(t, "g2", prefs.get("group"))

	require.NoError(t, svc.SelectAssignmentGroup(context.Background(), AllGroups))
	require.Empty(t, prefs.get("group"))
	require.Len(t, svc.Snapshot().Assignments, 2)
}

func TestFetchAssignmentsKeepsOnlyGradable(t *testing.T) {
	api := newFakeCanvas()
	api.courses = []models.Course{{ID: "c1", Name: "Course", WorkflowState: "available"}}
	api.assignments = []models.Assignment{
		{ID: "a1", Name: "Gradable", Published: true, HasSubmittedSubmissions: true},
		{ID: "a2", Name: "Draft", Published: false, HasSubmittedSubmissions: true},
		{ID: "a3", Name: "Empty", Published: true, HasSubmittedSubmissions: false},
		{ID: "a1", Name: "Gradable Duplicate", Published: true, HasSubmittedSubmissions: true},
	}

	svc := newTestResourceService(api, newMemoryCacheRepo(), newMemoryPrefsRepo())
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))
	require.NoError(t, svc.SelectCourse(context.Background(), "c1"))

	snapshot := svc.Snapshot()
	require.Len(t, snapshot.Assignments, 1)
	require.Equal(t, "Gradable", snapshot.Assignments[0].Name)
}

func selectAssignmentFixture(t *testing.T, api *fakeCanvas, cache *memoryCacheRepo, prefs *memoryPrefsRepo) *resourceService {
	t.Helper()
	api.courses = []models.Course{{ID: "c1", Name: "Course", WorkflowState: "available"}}
	api.assignments = []models.Assignment{
		{ID: "a1", Name: "Essay", Published: true, HasSubmittedSubmissions: true},
	}

	svc := newTestResourceService(api, cache, prefs)
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))
	require.NoError(t, svc.SelectCourse(context.Background(), "c1"))
	require.NoError(t, svc.SelectAssignment(context.Background(), "a1"))
	return svc
}

func TestFetchSubmissionsFiltersAndAutoSelects(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
		{ID: "s2", UserID: "u2"},
		{ID: "s3", UserID: "u3", Attachments: []models.Attachment{{URL: "https://files/3.pdf"}}},
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
	}

	svc := selectAssignmentFixture(t, api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	snapshot := svc.Snapshot()
	require.Len(t, snapshot.Submissions, 2)
	require.NotNil(t, snapshot.SelectedSubmission)
	require.Equal(t, models.FlexID("s1"), snapshot.SelectedSubmission.ID)
	require.Equal(t, 0, snapshot.SubmissionIndex)
}

func TestSubmissionCursorIgnoresOutOfRangeMoves(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
		{ID: "s2", UserID: "u2", Attachments: []models.Attachment{{URL: "https://files/2.pdf"}}},
	}

	svc := selectAssignmentFixture(t, api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	svc.SelectSubmission(99)
	require.Equal(t, 0, svc.Snapshot().SubmissionIndex)

	svc.PreviousSubmission()
	require.Equal(t, 0, svc.Snapshot().SubmissionIndex)

	svc.NextSubmission()
	require.Equal(t, 1, svc.Snapshot().SubmissionIndex)

	svc.NextSubmission()
	require.Equal(t, 1, svc.Snapshot().SubmissionIndex)
}

func TestCacheAllPDFsCountsFailuresAndKeepsFinalProgress(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
		{ID: "s2", UserID: "u2", Attachments: []models.Attachment{{URL: "https://files/2.pdf"}}},
		{ID: "s3", UserID: "u3", Attachments: []models.Attachment{{URL: "https://files/3.pdf"}}},
	}
	api.fetchFileErr["https://files/2.pdf"] = fmt.Errorf("download failed")

	cache := newMemoryCacheRepo()
	svc := selectAssignmentFixture(t, api, cache, newMemoryPrefsRepo())
	require.NoError(t, svc.SetParallelDownloadLimit(context.Background(), 1))

	require.NoError(t, svc.CacheAllPDFs(context.Background()))

	progress := svc.CachingProgress()
	require.Equal(t, models.CachingProgress{Current: 3, Total: 3, IsCaching: false}, progress)

	_, ok := cache.Get(context.Background(), "https://files/1.pdf")
	require.True(t, ok)
	_, ok = cache.Get(context.Background(), "https://files/2.pdf")
	require.False(t, ok)
	_, ok = cache.Get(context.Background(), "https://files/3.pdf")
	require.True(t, ok)
}

func TestCacheAllPDFsSkipsAlreadyCached(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
		{ID: "s2", UserID: "u2", Attachments: []models.Attachment{{URL: "https://files/2.pdf"}}},
	}

	cache := newMemoryCacheRepo()
	require.NoError(t, cache.Put(context.Background(), models.CachedAttachment{
		URL:          "https://files/1.pdf",
		AssignmentID: "a1",
		Blob:         []byte("cached"),
	}))
	// A re-download would overwrite the seeded blob.
	api.fetchFileErr["https://files/1.pdf"] = fmt.Errorf("should not be fetched")

	svc := selectAssignmentFixture(t, api, cache, newMemoryPrefsRepo())
	require.NoError(t, svc.CacheAllPDFs(context.Background()))

	progress := svc.CachingProgress()
	require.Equal(t, models.CachingProgress{Current: 2, Total: 2, IsCaching: false}, progress)

	cached, ok := cache.Get(context.Background(), "https://files/1.pdf")
	require.True(t, ok)
	require.Equal(t, []byte("cached"), cached.Blob)
}

func TestSubmitGradeRequiresFullContext(t *testing.T) {
	api := newFakeCanvas()
	svc := newTestResourceService(api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	_, err := svc.SubmitGrade(context.Background(), "10", "good work")
	require.ErrorIs(t, err, ErrCredentialsMissing)
	require.Zero(t, api.updateCalls)

	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))
	_, err = svc.SubmitGrade(context.Background(), "10", "good work")
	require.ErrorIs(t, err, ErrNoCourseSelected)
	require.Zero(t, api.updateCalls)
}

func TestSubmitGradeReplacesSubmissionAndKeepsSelection(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "sub-u1", UserID: "u1", Grade: "", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
		{ID: "sub-u2", UserID: "u2", Grade: "", Attachments: []models.Attachment{{URL: "https://files/2.pdf"}}},
	}

	svc := selectAssignmentFixture(t, api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	updated, err := svc.SubmitGrade(context.Background(), "12", "nice")
	require.NoError(t, err)
	require.Equal(t, "12", updated.Grade)

	snapshot := svc.Snapshot()
	require.Equal(t, "12", snapshot.Submissions[0].Grade)
	// The on-screen submission stays as it was until the cursor moves.
	require.Equal(t, "", snapshot.SelectedSubmission.Grade)
}

func TestPushStagedGradesStopsAtFirstFailure(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
	}
	api.updateErr = func(userID string) error {
		if userID == "u2" {
			return fmt.Errorf("canvas rejected the grade")
		}
		return nil
	}

	svc := selectAssignmentFixture(t, api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	require.NoError(t, svc.StageGrade(context.Background(), "u1", "10", ""))
	require.NoError(t, svc.StageGrade(context.Background(), "u2", "8", ""))
	require.NoError(t, svc.StageGrade(context.Background(), "u3", "9", ""))

	err := svc.PushStagedGrades(context.Background())
	require.Error(t, err)
	require.Equal(t, []string{"u1"}, api.updatedUsers)

	staged := svc.StagedGrades()
	require.Len(t, staged.Grades, 2)
	require.False(t, staged.Progress.Pushing)
	require.Equal(t, 1, staged.Progress.Completed)
}

func TestPushStagedGradesDrainsInStagingOrder(t *testing.T) {
	api := newFakeCanvas()
	api.submissions = []models.Submission{
		{ID: "s1", UserID: "u1", Attachments: []models.Attachment{{URL: "https://files/1.pdf"}}},
	}

	svc := selectAssignmentFixture(t, api, newMemoryCacheRepo(), newMemoryPrefsRepo())

	base := time.Now()
	svc.now = func() time.Time { base = base.Add(time.Second); return base }

	require.NoError(t, svc.StageGrade(context.Background(), "u3", "7", ""))
	require.NoError(t, svc.StageGrade(context.Background(), "u1", "10", ""))
	require.NoError(t, svc.StageGrade(context.Background(), "u2", "8", ""))

	require.NoError(t, svc.PushStagedGrades(context.Background()))
	require.Equal(t, []string{"u3", "u1", "u2"}, api.updatedUsers)
	require.Empty(t, svc.StagedGrades().Grades)
}

func TestSnapshotIsDetachedFromInternalState(t *testing.T) {
	api := newFakeCanvas()
	api.courses = []models.Course{{ID: "c1", Name: "Course", WorkflowState: "available"}}

	svc := newTestResourceService(api, newMemoryCacheRepo(), newMemoryPrefsRepo())
	require.NoError(t, svc.SetCredentials(context.Background(), "token", ""))

	snapshot := svc.Snapshot()
	snapshot.Courses[0].Name = "mutated"
	require.Equal(t, "Course", svc.Snapshot().Courses[0].Name)
}
