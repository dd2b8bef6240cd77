package models

import "time"

// ActivityEvent classifies append-only activity log entries.
type ActivityEvent string

const (
	ActivityVersionCreated    ActivityEvent = "version_created"
	ActivityVersionTransition ActivityEvent = "version_transition"
	ActivityTriggerSuppressed ActivityEvent = "trigger_suppressed"
	ActivityTriggerRejected   ActivityEvent = "trigger_rejected"
	ActivityScheduleFlagged   ActivityEvent = "schedule_flagged"
	ActivityDeliveryCompleted ActivityEvent = "delivery_completed"
	ActivityDeliveryFailed    ActivityEvent = "delivery_failed"
	ActivityCleanupRun        ActivityEvent = "cleanup_run"
	ActivityManualTrigger     ActivityEvent = "manual_trigger"
)

// ActivityEntry is one user-visible system event. Rows are only ever
// inserted, never updated.
type ActivityEntry struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	UserID        string        `gorm:"not null;size:255;index" json:"user_id"`
	DeliverableID *uint         `gorm:"index" json:"deliverable_id"`
	VersionID     *uint         `json:"version_id"`
	Event         ActivityEvent `gorm:"not null;size:50" json:"event"`
	Message       string        `gorm:"type:text" json:"message"`
	CreatedAt     time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
}
