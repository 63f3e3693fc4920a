package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/critkey-api/internal/models"
)

func setupRubricDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.RubricRecord{}, &models.GradingSessionRecord{}))
	return db
}

func sampleRubric(name string) models.Rubric {
	return models.Rubric{
		Name: name,
		Criteria: []models.Criterion{
			{
				Name: "Thesis",
				Levels: []models.Level{
					{ID: "l1", Name: "Clear", Points: 4},
					{ID: "l2", Name: "Missing", Points: 0},
				},
			},
		},
	}
}

func TestRubricSaveAndListByCourse(t *testing.T) {
	repo := NewRubricRepository(setupRubricDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "c1", sampleRubric("Essay")))
	require.NoError(t, repo.Save(ctx, "c1", sampleRubric("Lab report")))
	require.NoError(t, repo.Save(ctx, "c2", sampleRubric("Essay")))

	rubrics, err := repo.ListByCourse(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rubrics, 2)
	require.Equal(t, "Essay", rubrics[0].Name)
	require.Equal(t, "Lab report", rubrics[1].Name)
	require.Len(t, rubrics[0].Criteria, 1)
	require.Equal(t, models.Points(4), rubrics[0].Criteria[0].Levels[0].Points)

	courses, err := repo.ListCourses(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, courses)
}

func TestRubricSaveUpsertsByCourseAndName(t *testing.T) {
	repo := NewRubricRepository(setupRubricDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "c1", sampleRubric("Essay")))

	updated := sampleRubric("Essay")
	updated.FeedbackLabel = "Essay feedback"
	require.NoError(t, repo.Save(ctx, "c1", updated))

	rubrics, err := repo.ListByCourse(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rubrics, 1)
	require.Equal(t, "Essay feedback", rubrics[0].FeedbackLabel)
}

func TestRubricSaveRejectsMissingIdentity(t *testing.T) {
	repo := NewRubricRepository(setupRubricDB(t))
	ctx := context.Background()

	require.Error(t, repo.Save(ctx, "", sampleRubric("Essay")))
	require.Error(t, repo.Save(ctx, "c1", models.Rubric{}))
}

func TestRubricDeleteIsScopedToCourse(t *testing.T) {
	repo := NewRubricRepository(setupRubricDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "c1", sampleRubric("Essay")))
	require.NoError(t, repo.Save(ctx, "c2", sampleRubric("Essay")))

	require.NoError(t, repo.Delete(ctx, "c1", "Essay"))

	remaining, err := repo.ListByCourse(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, remaining)

	other, err := repo.ListByCourse(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}
