package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/critkey-api/internal/models"
)

// RubricRepository stores per-course rubric template collections.
type RubricRepository interface {
	Save(ctx context.Context, courseID string, rubric models.Rubric) error
	ListByCourse(ctx context.Context, courseID string) ([]models.Rubric, error)
	Delete(ctx context.Context, courseID, name string) error
	ListCourses(ctx context.Context) ([]string, error)
}

type rubricRepository struct {
	db *gorm.DB
}

// NewRubricRepository instantiates the repository.
func NewRubricRepository(db *gorm.DB) RubricRepository {
	return &rubricRepository{db: db}
}

func (r *rubricRepository) Save(ctx context.Context, courseID string, rubric models.Rubric) error {
	if courseID == "" {
		return fmt.Errorf("course id must not be empty")
	}
	if rubric.Name == "" {
		return fmt.Errorf("rubric name must not be empty")
	}

	payload, err := json.Marshal(rubric)
	if err != nil {
		return fmt.Errorf("failed to encode rubric: %w", err)
	}

	record := models.RubricRecord{
		CourseID: courseID,
		Name:     rubric.Name,
		Payload:  datatypes.JSON(payload),
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&record).Error
}

func (r *rubricRepository) ListByCourse(ctx context.Context, courseID string) ([]models.Rubric, error) {
	var records []models.RubricRecord
	if err := r.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("name").
		Find(&records).Error; err != nil {
		return nil, err
	}

	rubrics := make([]models.Rubric, 0, len(records))
	for _, record := range records {
		var rubric models.Rubric
		if err := json.Unmarshal(record.Payload, &rubric); err != nil {
			return nil, fmt.Errorf("failed to decode rubric %q: %w", record.Name, err)
		}
		rubrics = append(rubrics, rubric)
	}

	return rubrics, nil
}

func (r *rubricRepository) Delete(ctx context.Context, courseID, name string) error {
	return r.db.WithContext(ctx).
		Where("course_id = ? AND name = ?", courseID, name).
		Delete(&models.RubricRecord{}).Error
}

func (r *rubricRepository) ListCourses(ctx context.Context) ([]string, error) {
	var courses []string
	if err := r.db.WithContext(ctx).Model(&models.RubricRecord{}).
		Distinct("course_id").
		Order("course_id").
		Pluck("course_id", &courses).Error; err != nil {
		return nil, err
	}
	return courses, nil
}
