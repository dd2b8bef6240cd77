package models

import "time"

// SignalDedupEntry suppresses repeat signal triggers. Unique per
// (user, signal type, signal ref); a trigger for the same key inside the
// type's dedup window only bumps bookkeeping.
type SignalDedupEntry struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	UserID     string     `gorm:"not null;size:255;uniqueIndex:idx_signal_key,priority:1" json:"user_id"`
	SignalType SignalType `gorm:"not null;size:50;uniqueIndex:idx_signal_key,priority:2" json:"signal_type"`
	SignalRef  string     `gorm:"not null;size:255;uniqueIndex:idx_signal_key,priority:3" json:"signal_ref"`

	LastTriggeredAt time.Time `gorm:"not null" json:"last_triggered_at"`
	DeliverableID   *uint     `json:"deliverable_id"`
	Evidence        JSONMap   `gorm:"type:jsonb" json:"evidence"`
	TriggerCount    int       `gorm:"not null;default:1" json:"trigger_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
