package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/critkey-api/internal/models"
)

func TestSessionSaveAndLoadRoundTrip(t *testing.T) {
	repo := NewSessionRepository(setupRubricDB(t))
	ctx := context.Background()

	rubric := sampleRubric("Essay")
	selected := 0
	rubric.Criteria[0].SelectedLevel = &selected
	rubric.Criteria[0].Comment = "Strong opening."

	require.NoError(t, repo.Save(ctx, models.SessionSnapshot{
		CurrentCourse:         "c1",
		CurrentRubric:         &rubric,
		CurrentCriterionIndex: 1,
		AutoAdvance:           true,
		CorrectByDefault:      true,
	}))

	snapshot, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "c1", snapshot.CurrentCourse)
	require.Equal(t, 1, snapshot.CurrentCriterionIndex)
	require.True(t, snapshot.AutoAdvance)
	require.NotNil(t, snapshot.CurrentRubric)
	require.Equal(t, "Strong opening.", snapshot.CurrentRubric.Criteria[0].Comment)
	require.NotNil(t, snapshot.CurrentRubric.Criteria[0].SelectedLevel)
	require.Equal(t, 0, *snapshot.CurrentRubric.Criteria[0].SelectedLevel)
}

func TestSessionSaveOverwritesSingleRow(t *testing.T) {
	db := setupRubricDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, models.SessionSnapshot{CurrentCourse: "c1"}))
	require.NoError(t, repo.Save(ctx, models.SessionSnapshot{CurrentCourse: "c2", AutoAdvance: true}))

	var count int64
	require.NoError(t, db.Model(&models.GradingSessionRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	snapshot, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "c2", snapshot.CurrentCourse)
	require.True(t, snapshot.AutoAdvance)
	require.Nil(t, snapshot.CurrentRubric)
}

func TestSessionLoadWithoutSnapshot(t *testing.T) {
	repo := NewSessionRepository(setupRubricDB(t))

	_, found, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestSessionClearRemovesSnapshot(t *testing.T) {
	repo := NewSessionRepository(setupRubricDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, models.SessionSnapshot{CurrentCourse: "c1"}))
	require.NoError(t, repo.Clear(ctx))

	_, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSessionToleratesLegacyRubricPayload(t *testing.T) {
	db := setupRubricDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	record := models.GradingSessionRecord{
		ID:            1,
		CurrentCourse: "c1",
		CurrentRubric: []byte(`{"name":"Essay","criteria":[{"name":"Thesis","levels":[{"name":"Clear","points":"4"}]}]}`),
	}
	require.NoError(t, db.Create(&record).Error)

	snapshot, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, snapshot.CurrentRubric)
	require.Equal(t, models.Points(4), snapshot.CurrentRubric.Criteria[0].Levels[0].Points)
	require.Empty(t, snapshot.CurrentRubric.Criteria[0].Levels[0].ID)
}
