package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/critkey-api/internal/models"
)

func setupCacheDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CachedAttachment{}, &models.CacheMetadata{}))
	return db
}

func newCacheRepo(t *testing.T) AttachmentCacheRepository {
	t.Helper()
	return NewAttachmentCacheRepository(setupCacheDB(t), zerolog.Nop())
}

func cachedPDF(url, assignmentID, submissionID string, body string) models.CachedAttachment {
	return models.CachedAttachment{
		URL:            url,
		AssignmentID:   assignmentID,
		SubmissionID:   submissionID,
		AssignmentName: "Essay " + assignmentID,
		ContentType:    "application/pdf",
		Blob:           []byte(body),
		CachedAt:       time.Now(),
	}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	repo := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "%PDF-1")))

	cached, found := repo.Get(ctx, "https://files/1.pdf")
	require.True(t, found)
	require.Equal(t, "application/pdf", cached.ContentType)
	require.Equal(t, []byte("%PDF-1"), cached.Blob)
	require.True(t, repo.Has(ctx, "https://files/1.pdf"))

	_, found = repo.Get(ctx, "https://files/other.pdf")
	require.False(t, found)
	require.False(t, repo.Has(ctx, "https://files/other.pdf"))
}

func TestCachePutUpsertsByURL(t *testing.T) {
	repo := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "old")))
	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "new")))

	cached, found := repo.Get(ctx, "https://files/1.pdf")
	require.True(t, found)
	require.Equal(t, []byte("new"), cached.Blob)

	size := repo.SizeEstimate(ctx)
	require.Equal(t, int64(1), size.Count)
	require.Equal(t, int64(3), size.TotalBytes)
}

func TestCacheMetadataAggregatesPerAssignment(t *testing.T) {
	repo := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "x")))
	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/2.pdf", "a1", "s2", "y")))
	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/3.pdf", "a2", "s3", "z")))

	metadata := repo.ListMetadata(ctx, false)
	require.Len(t, metadata, 2)

	byAssignment := make(map[string]models.CacheMetadata, len(metadata))
	for _, entry := range metadata {
		byAssignment[entry.AssignmentID] = entry
	}
	require.Equal(t, 2, byAssignment["a1"].SubmissionCount)
	require.Equal(t, 1, byAssignment["a2"].SubmissionCount)
	require.Equal(t, "Essay a1", byAssignment["a1"].AssignmentName)
}

func TestCacheMetadataRebuildsFromAttachments(t *testing.T) {
	db := setupCacheDB(t)
	repo := NewAttachmentCacheRepository(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "x")))
	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/2.pdf", "a1", "s2", "y")))

	// Simulate a metadata table lost to a partial write.
	require.NoError(t, db.Where("1 = 1").Delete(&models.CacheMetadata{}).Error)
	require.Empty(t, repo.ListMetadata(ctx, false))

	rebuilt := repo.ListMetadata(ctx, true)
	require.Len(t, rebuilt, 1)
	require.Equal(t, "a1", rebuilt[0].AssignmentID)
	require.Equal(t, 2, rebuilt[0].SubmissionCount)

	// The rebuild is persisted, not just computed.
	require.Len(t, repo.ListMetadata(ctx, false), 1)
}

func TestCacheDeleteForAssignment(t *testing.T) {
	repo := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "x")))
	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/2.pdf", "a2", "s2", "y")))

	require.NoError(t, repo.DeleteForAssignment(ctx, "a1"))

	require.False(t, repo.Has(ctx, "https://files/1.pdf"))
	require.True(t, repo.Has(ctx, "https://files/2.pdf"))

	metadata := repo.ListMetadata(ctx, false)
	require.Len(t, metadata, 1)
	require.Equal(t, "a2", metadata[0].AssignmentID)
}

func TestCacheClearAll(t *testing.T) {
	repo := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, cachedPDF("https://files/1.pdf", "a1", "s1", "x")))
	require.NoError(t, repo.ClearAll(ctx))

	require.Empty(t, repo.ListMetadata(ctx, false))
	size := repo.SizeEstimate(ctx)
	require.Zero(t, size.Count)
	require.Zero(t, size.TotalBytes)
}
