package models

import (
	"time"
)

// ContentItem is one unit of synced platform content. Logical identity is
// (user_id, platform, resource_id, item_id, content_hash): re-fetching the
// same item with the same hash is a no-op upsert, a different hash creates
// a new row chained to the prior one via VersionOf.
type ContentItem struct {
	ID           uint     `gorm:"primaryKey" json:"id"`
	UserID       string   `gorm:"not null;size:255;uniqueIndex:idx_content_identity,priority:1" json:"user_id"`
	Platform     Platform `gorm:"not null;size:50;uniqueIndex:idx_content_identity,priority:2" json:"platform"`
	ResourceID   string   `gorm:"not null;size:255;uniqueIndex:idx_content_identity,priority:3" json:"resource_id"`
	ItemID       string   `gorm:"not null;size:255;uniqueIndex:idx_content_identity,priority:4" json:"item_id"`
	ContentHash  string   `gorm:"not null;size:64;uniqueIndex:idx_content_identity,priority:5" json:"content_hash"`
	ResourceName string   `gorm:"size:500" json:"resource_name"`
	Content      string   `gorm:"type:text" json:"content"`

	FetchedAt       time.Time  `gorm:"not null" json:"fetched_at"`
	SourceTimestamp *time.Time `gorm:"index" json:"source_timestamp"`

	// Retained items are exempt from TTL cleanup; expires_at is null iff
	// retained.
	Retained        bool       `gorm:"not null;default:false" json:"retained"`
	RetentionReason string     `gorm:"size:100" json:"retention_reason"`
	RetentionRef    string     `gorm:"size:255" json:"retention_ref"`
	ExpiresAt       *time.Time `gorm:"index" json:"expires_at"`

	// VersionOf links a corrected item to the version it supersedes.
	VersionOf *uint `gorm:"index" json:"version_of"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SourceFreshness tracks the last successful sync per (user, platform,
// resource). last_synced_at and cursor never regress.
type SourceFreshness struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	UserID     string   `gorm:"not null;size:255;uniqueIndex:idx_source_key,priority:1" json:"user_id"`
	Platform   Platform `gorm:"not null;size:50;uniqueIndex:idx_source_key,priority:2" json:"platform"`
	ResourceID string   `gorm:"not null;size:255;uniqueIndex:idx_source_key,priority:3" json:"resource_id"`

	LastSyncedAt   *time.Time `json:"last_synced_at"`
	Cursor         string     `gorm:"type:text" json:"cursor"`
	ItemCount      int        `json:"item_count"`
	SourceLatestAt *time.Time `json:"source_latest_at"`

	LastError   string     `gorm:"type:text" json:"last_error"`
	LastErrorAt *time.Time `json:"last_error_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
