package repository

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	keyAPIToken       = "critkey:api_token"
	keyCanvasBase     = "critkey:canvas_base"
	keyOfflineMode    = "critkey:offline_mode"
	keySelectedCourse = "critkey:selected_course_id"
	keySelectedGroup  = "critkey:selected_group_id"
	keyParallelLimit  = "critkey:parallel_download_limit"
)

// PreferencesRepository is the durable key-value store for grader
// preferences and credentials. Setting an empty value removes the key.
type PreferencesRepository interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	CanvasBase(ctx context.Context) (string, error)
	SetCanvasBase(ctx context.Context, base string) error
	OfflineMode(ctx context.Context) (bool, error)
	SetOfflineMode(ctx context.Context, enabled bool) error
	SelectedCourseID(ctx context.Context) (string, error)
	SetSelectedCourseID(ctx context.Context, id string) error
	SelectedGroupID(ctx context.Context) (string, error)
	SetSelectedGroupID(ctx context.Context, id string) error
	ParallelDownloadLimit(ctx context.Context) (int, bool, error)
	SetParallelDownloadLimit(ctx context.Context, limit int) error
}

type preferencesRepository struct {
	redis *redis.Client
}

// NewPreferencesRepository instantiates the repository.
func NewPreferencesRepository(client *redis.Client) PreferencesRepository {
	return &preferencesRepository{redis: client}
}

func (r *preferencesRepository) getString(ctx context.Context, key string) (string, error) {
	value, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (r *preferencesRepository) setString(ctx context.Context, key, value string) error {
	if value == "" {
		return r.redis.Del(ctx, key).Err()
	}
	return r.redis.Set(ctx, key, value, 0).Err()
}

func (r *preferencesRepository) Token(ctx context.Context) (string, error) {
	return r.getString(ctx, keyAPIToken)
}

func (r *preferencesRepository) SetToken(ctx context.Context, token string) error {
	return r.setString(ctx, keyAPIToken, token)
}

func (r *preferencesRepository) CanvasBase(ctx context.Context) (string, error) {
	return r.getString(ctx, keyCanvasBase)
}

func (r *preferencesRepository) SetCanvasBase(ctx context.Context, base string) error {
	return r.setString(ctx, keyCanvasBase, base)
}

func (r *preferencesRepository) OfflineMode(ctx context.Context) (bool, error) {
	value, err := r.getString(ctx, keyOfflineMode)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (r *preferencesRepository) SetOfflineMode(ctx context.Context, enabled bool) error {
	return r.redis.Set(ctx, keyOfflineMode, strconv.FormatBool(enabled), 0).Err()
}

func (r *preferencesRepository) SelectedCourseID(ctx context.Context) (string, error) {
	return r.getString(ctx, keySelectedCourse)
}

func (r *preferencesRepository) SetSelectedCourseID(ctx context.Context, id string) error {
	return r.setString(ctx, keySelectedCourse, id)
}

func (r *preferencesRepository) SelectedGroupID(ctx context.Context) (string, error) {
	return r.getString(ctx, keySelectedGroup)
}

func (r *preferencesRepository) SetSelectedGroupID(ctx context.Context, id string) error {
	return r.setString(ctx, keySelectedGroup, id)
}

func (r *preferencesRepository) ParallelDownloadLimit(ctx context.Context) (int, bool, error) {
	value, err := r.getString(ctx, keyParallelLimit)
	if err != nil || value == "" {
		return 0, false, err
	}

	limit, parseErr := strconv.Atoi(value)
	if parseErr != nil || limit < 0 {
		return 0, false, nil
	}
	return limit, true, nil
}

func (r *preferencesRepository) SetParallelDownloadLimit(ctx context.Context, limit int) error {
	if limit < 0 {
		limit = 0
	}
	return r.redis.Set(ctx, keyParallelLimit, strconv.Itoa(limit), 0).Err()
}
