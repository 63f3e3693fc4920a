package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/critkey-api/internal/models"
)

const keyFeedbackHistory = "critkey:feedback_history"

// FeedbackHistoryRepository keeps the most recent generated feedback texts,
// newest first, capped to a fixed size.
type FeedbackHistoryRepository interface {
	Append(ctx context.Context, entry models.FeedbackEntry) error
	List(ctx context.Context) ([]models.FeedbackEntry, error)
}

type feedbackHistoryRepository struct {
	redis *redis.Client
	limit int64
}

// NewFeedbackHistoryRepository instantiates the repository with the given
// retention cap.
func NewFeedbackHistoryRepository(client *redis.Client, limit int) FeedbackHistoryRepository {
	if limit <= 0 {
		limit = 5
	}
	return &feedbackHistoryRepository{redis: client, limit: int64(limit)}
}

func (r *feedbackHistoryRepository) Append(ctx context.Context, entry models.FeedbackEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode feedback entry: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.LPush(ctx, keyFeedbackHistory, payload)
	pipe.LTrim(ctx, keyFeedbackHistory, 0, r.limit-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *feedbackHistoryRepository) List(ctx context.Context) ([]models.FeedbackEntry, error) {
	raw, err := r.redis.LRange(ctx, keyFeedbackHistory, 0, r.limit-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]models.FeedbackEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.FeedbackEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
