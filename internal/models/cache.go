package models

import "time"

// CachedAttachment is one locally stored submission attachment, keyed by its
// source URL.
type CachedAttachment struct {
	URL            string    `gorm:"primaryKey" json:"url"`
	AssignmentID   string    `gorm:"index" json:"assignment_id"`
	SubmissionID   string    `gorm:"index" json:"submission_id"`
	AssignmentName string    `json:"assignment_name"`
	ContentType    string    `json:"content_type"`
	Blob           []byte    `gorm:"type:blob" json:"-"`
	CachedAt       time.Time `json:"cached_at"`
}

// CacheMetadata is the per-assignment aggregate over cached attachments. It
// is derived state: rebuildable at any time from the attachment records.
type CacheMetadata struct {
	AssignmentID    string    `gorm:"primaryKey" json:"assignment_id"`
	AssignmentName  string    `json:"assignment_name"`
	SubmissionCount int       `json:"submission_count"`
	CachedAt        time.Time `json:"cached_at"`
}

// CacheSize is a best-effort estimate of the local cache footprint.
type CacheSize struct {
	Count      int64 `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}
