package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/observability"
)

// AttachmentCacheRepository is the local blob cache: durable, keyed storage
// of submission attachments plus derived per-assignment metadata.
//
// Failure semantics follow the cache contract rather than the usual repo
// convention: read paths swallow storage errors and degrade to absent/empty
// results so a broken cache never blocks grading, while write paths return
// errors for the caller to judge.
type AttachmentCacheRepository interface {
	Put(ctx context.Context, attachment models.CachedAttachment) error
	Get(ctx context.Context, url string) (models.CachedAttachment, bool)
	Has(ctx context.Context, url string) bool
	DeleteForAssignment(ctx context.Context, assignmentID string) error
	ClearAll(ctx context.Context) error
	ListMetadata(ctx context.Context, rebuildIfEmpty bool) []models.CacheMetadata
	SizeEstimate(ctx context.Context) models.CacheSize
}

type attachmentCacheRepository struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewAttachmentCacheRepository instantiates the blob cache over the local
// database.
func NewAttachmentCacheRepository(db *gorm.DB, logger zerolog.Logger) AttachmentCacheRepository {
	return &attachmentCacheRepository{
		db:     db,
		logger: logger.With().Str("component", "attachment_cache").Logger(),
		now:    time.Now,
	}
}

func (r *attachmentCacheRepository) Put(ctx context.Context, attachment models.CachedAttachment) error {
	if attachment.URL == "" {
		return fmt.Errorf("attachment url must not be empty")
	}
	if attachment.CachedAt.IsZero() {
		attachment.CachedAt = r.now()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&attachment).Error; err != nil {
			return err
		}
		return r.recomputeMetadata(tx, attachment.AssignmentID, attachment.AssignmentName)
	})
	if err != nil {
		observability.CacheOperations().WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to cache attachment: %w", err)
	}

	observability.CacheOperations().WithLabelValues("put", "ok").Inc()
	return nil
}

func (r *attachmentCacheRepository) Get(ctx context.Context, url string) (models.CachedAttachment, bool) {
	var attachment models.CachedAttachment
	err := r.db.WithContext(ctx).First(&attachment, "url = ?", url).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Warn().Err(err).Str("url", url).Msg("cache read failed, treating as miss")
			observability.CacheOperations().WithLabelValues("get", "error").Inc()
		} else {
			observability.CacheOperations().WithLabelValues("get", "miss").Inc()
		}
		return models.CachedAttachment{}, false
	}

	observability.CacheOperations().WithLabelValues("get", "hit").Inc()
	return attachment, true
}

// Has probes for a cached attachment without loading its blob.
func (r *attachmentCacheRepository) Has(ctx context.Context, url string) bool {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CachedAttachment{}).
		Where("url = ?", url).
		Count(&count).Error
	if err != nil {
		r.logger.Warn().Err(err).Str("url", url).Msg("cache probe failed, treating as miss")
		return false
	}
	return count > 0
}

func (r *attachmentCacheRepository) DeleteForAssignment(ctx context.Context, assignmentID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("assignment_id = ?", assignmentID).Delete(&models.CachedAttachment{}).Error; err != nil {
			return err
		}
		return tx.Where("assignment_id = ?", assignmentID).Delete(&models.CacheMetadata{}).Error
	})
	if err != nil {
		observability.CacheOperations().WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete assignment cache: %w", err)
	}

	observability.CacheOperations().WithLabelValues("delete", "ok").Inc()
	return nil
}

func (r *attachmentCacheRepository) ClearAll(ctx context.Context) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.CachedAttachment{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&models.CacheMetadata{}).Error
	})
	if err != nil {
		observability.CacheOperations().WithLabelValues("clear", "error").Inc()
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	observability.CacheOperations().WithLabelValues("clear", "ok").Inc()
	return nil
}

func (r *attachmentCacheRepository) ListMetadata(ctx context.Context, rebuildIfEmpty bool) []models.CacheMetadata {
	var metadata []models.CacheMetadata
	if err := r.db.WithContext(ctx).Order("cached_at").Find(&metadata).Error; err != nil {
		r.logger.Warn().Err(err).Msg("metadata read failed, returning empty cache listing")
		return nil
	}

	if len(metadata) > 0 || !rebuildIfEmpty {
		return metadata
	}

	// Metadata empty while attachments exist is a recoverable inconsistency:
	// rebuild the aggregate from the attachment records.
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.CachedAttachment{}).Count(&count).Error; err != nil || count == 0 {
		return metadata
	}

	rebuilt, err := r.rebuildMetadata(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to rebuild cache metadata")
		return nil
	}

	r.logger.Info().Int("assignments", len(rebuilt)).Msg("rebuilt cache metadata from attachments")
	return rebuilt
}

func (r *attachmentCacheRepository) SizeEstimate(ctx context.Context) models.CacheSize {
	type row struct {
		Count      int64
		TotalBytes int64
	}

	var result row
	err := r.db.WithContext(ctx).Model(&models.CachedAttachment{}).
		Select("COUNT(*) AS count, COALESCE(SUM(COALESCE(LENGTH(blob), 0)), 0) AS total_bytes").
		Scan(&result).Error
	if err != nil {
		r.logger.Warn().Err(err).Msg("cache size estimate failed")
		return models.CacheSize{}
	}

	size := models.CacheSize{Count: result.Count, TotalBytes: result.TotalBytes}
	observability.CacheBytesStored().Set(float64(size.TotalBytes))
	return size
}

// recomputeMetadata rewrites the metadata row for one assignment from its
// attachment records: distinct submission count, earliest cache time, and
// the first non-empty assignment name seen.
func (r *attachmentCacheRepository) recomputeMetadata(tx *gorm.DB, assignmentID, assignmentName string) error {
	var attachments []models.CachedAttachment
	if err := tx.Select("submission_id", "assignment_name", "cached_at").
		Where("assignment_id = ?", assignmentID).
		Find(&attachments).Error; err != nil {
		return err
	}

	var existing models.CacheMetadata
	hasExisting := tx.First(&existing, "assignment_id = ?", assignmentID).Error == nil

	metadata := aggregateMetadata(assignmentID, attachments)
	if hasExisting {
		if existing.AssignmentName != "" {
			metadata.AssignmentName = existing.AssignmentName
		}
		if !existing.CachedAt.IsZero() && existing.CachedAt.Before(metadata.CachedAt) {
			metadata.CachedAt = existing.CachedAt
		}
	}
	if metadata.AssignmentName == "" {
		if assignmentName != "" {
			metadata.AssignmentName = assignmentName
		} else {
			metadata.AssignmentName = "Assignment " + assignmentID
		}
	}

	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&metadata).Error
}

func (r *attachmentCacheRepository) rebuildMetadata(ctx context.Context) ([]models.CacheMetadata, error) {
	var attachments []models.CachedAttachment
	if err := r.db.WithContext(ctx).
		Select("url", "assignment_id", "submission_id", "assignment_name", "cached_at").
		Find(&attachments).Error; err != nil {
		return nil, err
	}

	grouped := make(map[string][]models.CachedAttachment)
	order := make([]string, 0)
	for _, attachment := range attachments {
		if attachment.AssignmentID == "" {
			continue
		}
		if _, seen := grouped[attachment.AssignmentID]; !seen {
			order = append(order, attachment.AssignmentID)
		}
		grouped[attachment.AssignmentID] = append(grouped[attachment.AssignmentID], attachment)
	}

	rebuilt := make([]models.CacheMetadata, 0, len(order))
	for _, assignmentID := range order {
		metadata := aggregateMetadata(assignmentID, grouped[assignmentID])
		if metadata.AssignmentName == "" {
			metadata.AssignmentName = "Assignment " + assignmentID
		}
		rebuilt = append(rebuilt, metadata)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rebuilt {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rebuilt[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rebuilt, nil
}

func aggregateMetadata(assignmentID string, attachments []models.CachedAttachment) models.CacheMetadata {
	metadata := models.CacheMetadata{AssignmentID: assignmentID}
	submissions := make(map[string]struct{})
	for _, attachment := range attachments {
		if attachment.SubmissionID != "" {
			submissions[attachment.SubmissionID] = struct{}{}
		}
		if metadata.AssignmentName == "" && attachment.AssignmentName != "" {
			metadata.AssignmentName = attachment.AssignmentName
		}
		if metadata.CachedAt.IsZero() || attachment.CachedAt.Before(metadata.CachedAt) {
			metadata.CachedAt = attachment.CachedAt
		}
	}
	metadata.SubmissionCount = len(submissions)
	return metadata
}
