package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/critkey-api/internal/models"
)

const sessionRowID = 1

// SessionRepository persists the single grading session snapshot.
type SessionRepository interface {
	Save(ctx context.Context, snapshot models.SessionSnapshot) error
	Load(ctx context.Context) (models.SessionSnapshot, bool, error)
	Clear(ctx context.Context) error
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository instantiates the repository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Save(ctx context.Context, snapshot models.SessionSnapshot) error {
	record := models.GradingSessionRecord{
		ID:                    sessionRowID,
		CurrentCourse:         snapshot.CurrentCourse,
		CurrentCriterionIndex: snapshot.CurrentCriterionIndex,
		AutoAdvance:           snapshot.AutoAdvance,
		CorrectByDefault:      snapshot.CorrectByDefault,
	}

	if snapshot.CurrentRubric != nil {
		payload, err := json.Marshal(snapshot.CurrentRubric)
		if err != nil {
			return fmt.Errorf("failed to encode session rubric: %w", err)
		}
		record.CurrentRubric = datatypes.JSON(payload)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (r *sessionRepository) Load(ctx context.Context) (models.SessionSnapshot, bool, error) {
	var record models.GradingSessionRecord
	err := r.db.WithContext(ctx).First(&record, sessionRowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.SessionSnapshot{}, false, nil
		}
		return models.SessionSnapshot{}, false, err
	}

	snapshot := models.SessionSnapshot{
		CurrentCourse:         record.CurrentCourse,
		CurrentCriterionIndex: record.CurrentCriterionIndex,
		AutoAdvance:           record.AutoAdvance,
		CorrectByDefault:      record.CorrectByDefault,
	}

	if len(record.CurrentRubric) > 0 {
		// Tolerate snapshots written before newer rubric fields existed:
		// anything missing decodes to its zero value.
		var rubric models.Rubric
		if err := json.Unmarshal(record.CurrentRubric, &rubric); err != nil {
			return models.SessionSnapshot{}, false, fmt.Errorf("failed to decode session rubric: %w", err)
		}
		snapshot.CurrentRubric = &rubric
	}

	return snapshot, true, nil
}

func (r *sessionRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Delete(&models.GradingSessionRecord{}, sessionRowID).Error
}
