package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TriggerType selects which trigger family a deliverable uses. Exactly one
// family is active at a time.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerSignal   TriggerType = "signal"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerSchedule, TriggerEvent, TriggerSignal:
		return true
	}
	return false
}

// Origin records how a deliverable came to exist.
type Origin string

const (
	OriginUser             Origin = "user"
	OriginAnalystSuggested Origin = "analyst_suggested"
	OriginSignalEmergent   Origin = "signal_emergent"
)

// DeliverableStatus is the standing status of the commitment itself, not of
// any single run.
type DeliverableStatus string

const (
	DeliverableActive   DeliverableStatus = "active"
	DeliverablePaused   DeliverableStatus = "paused"
	DeliverableArchived DeliverableStatus = "archived"
)

// ScheduleSpec configures a time-based trigger. Either Frequency or
// Expression is set; Expression is a restricted 5-field cron subset and
// anything the evaluator cannot handle flags the deliverable for external
// recalculation instead of guessing.
type ScheduleSpec struct {
	Frequency  string `json:"frequency,omitempty"` // daily | weekly | monthly
	AtHour     int    `json:"at_hour,omitempty"`
	AtMinute   int    `json:"at_minute,omitempty"`
	Weekday    int    `json:"weekday,omitempty"`      // 0=Sunday, weekly only
	DayOfMonth int    `json:"day_of_month,omitempty"` // monthly only
	Expression string `json:"expression,omitempty"`   // cron, overrides Frequency
}

// EventSpec configures a platform-event trigger.
type EventSpec struct {
	Platform   Platform `json:"platform"`
	ResourceID string   `json:"resource_id"`
	Senders    []string `json:"senders,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	CooldownS  int      `json:"cooldown_seconds,omitempty"`
}

// SignalSpec configures a signal trigger: which signal types may fire this
// deliverable.
type SignalSpec struct {
	Types []SignalType `json:"types"`
}

// TriggerConfig is the tagged variant stored in the trigger jsonb column.
// The populated branch must match the deliverable's TriggerType.
type TriggerConfig struct {
	Schedule *ScheduleSpec `json:"schedule,omitempty"`
	Event    *EventSpec    `json:"event,omitempty"`
	Signal   *SignalSpec   `json:"signal,omitempty"`
}

func (t *TriggerConfig) Scan(value interface{}) error {
	return scanJSON(value, t)
}

func (t TriggerConfig) Value() (driver.Value, error) {
	return valueJSON(t)
}

// DestinationConfig describes one fan-out target.
type DestinationConfig struct {
	Platform Platform `json:"platform"`
	Target   string   `json:"target"` // channel id, email address, doc id
	Format   string   `json:"format,omitempty"`
	Options  JSONMap  `json:"options,omitempty"`
}

type DestinationList []DestinationConfig

func (d *DestinationList) Scan(value interface{}) error {
	return scanJSON(value, d)
}

func (d DestinationList) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	return valueJSON(d)
}

// Deliverable is a standing recurring commitment to produce and deliver
// content.
type Deliverable struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        string `gorm:"not null;size:255;index" json:"user_id"`
	Title         string `gorm:"not null;size:500" json:"title"`
	Recipient     string `gorm:"size:500" json:"recipient"`
	TemplateHints string `gorm:"type:text" json:"template_hints"`

	TriggerType  TriggerType     `gorm:"not null;size:20" json:"trigger_type"`
	Trigger      TriggerConfig   `gorm:"type:jsonb" json:"trigger"`
	Destinations DestinationList `gorm:"type:jsonb" json:"destinations"`

	Origin Origin            `gorm:"not null;size:50;default:'user'" json:"origin"`
	Status DeliverableStatus `gorm:"not null;size:20;default:'active';index" json:"status"`

	// ReviewMode routes versions through the legacy staged/reviewing path
	// instead of finalizing straight to delivered/failed.
	ReviewMode bool `gorm:"not null;default:false" json:"review_mode"`

	// Timezone governs schedule evaluation for this deliverable.
	Timezone string `gorm:"size:64;default:'UTC'" json:"timezone"`

	// ScheduleNeedsRecalc marks an expression the evaluator could not
	// handle; next_run_at stays null until an external recalculation.
	ScheduleNeedsRecalc bool `gorm:"not null;default:false" json:"schedule_needs_recalc"`

	LastRunAt       *time.Time `json:"last_run_at"`
	NextRunAt       *time.Time `gorm:"index" json:"next_run_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"` // event cooldown anchor

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// VersionStatus is the state of one execution attempt.
type VersionStatus string

const (
	VersionSuggested  VersionStatus = "suggested"
	VersionGenerating VersionStatus = "generating"
	VersionStaged     VersionStatus = "staged"
	VersionReviewing  VersionStatus = "reviewing"
	VersionApproved   VersionStatus = "approved"
	VersionRejected   VersionStatus = "rejected"
	VersionDelivered  VersionStatus = "delivered"
	VersionFailed     VersionStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
// Delivery records on a terminal version may still be updated.
func (s VersionStatus) Terminal() bool {
	switch s {
	case VersionApproved, VersionRejected, VersionDelivered, VersionFailed:
		return true
	}
	return false
}

// SourceFetchSummary records what one source contributed to a version.
type SourceFetchSummary struct {
	Platform   Platform  `json:"platform"`
	ResourceID string    `json:"resource_id"`
	ItemCount  int       `json:"item_count"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
	Stale      bool      `json:"stale"`
}

type FetchSummaryList []SourceFetchSummary

func (f *FetchSummaryList) Scan(value interface{}) error {
	return scanJSON(value, f)
}

func (f FetchSummaryList) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	return valueJSON(f)
}

// DeliverableVersion is one execution attempt. Version numbers are gap-free
// per deliverable and at most one non-terminal version exists per
// deliverable at a time.
type DeliverableVersion struct {
	ID            uint `gorm:"primaryKey" json:"id"`
	DeliverableID uint `gorm:"not null;uniqueIndex:idx_version_number,priority:1" json:"deliverable_id"`
	VersionNumber int  `gorm:"not null;uniqueIndex:idx_version_number,priority:2" json:"version_number"`

	Status VersionStatus `gorm:"not null;size:20;index" json:"status"`

	DraftContent   string           `gorm:"type:text" json:"draft_content"`
	FinalContent   string           `gorm:"type:text" json:"final_content"`
	FetchSummaries FetchSummaryList `gorm:"type:jsonb" json:"fetch_summaries"`

	ErrorMessage string `gorm:"type:text" json:"error_message"`

	GeneratingAt *time.Time `json:"generating_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Deliveries []DeliveryRecord `gorm:"foreignKey:VersionID" json:"deliveries"`
}

// DeliveryStatus is the per-destination delivery state.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "delivering"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// TerminalOK reports whether the destination reached a state that counts
// toward a version-level delivered outcome.
func (s DeliveryStatus) TerminalOK() bool {
	return s == DeliveryDelivered || s == DeliverySkipped
}

// DeliveryRecord tracks one destination of one version. Unique per
// (version, platform, target) so retries reuse the row instead of
// re-delivering.
type DeliveryRecord struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	VersionID uint     `gorm:"not null;uniqueIndex:idx_delivery_dest,priority:1" json:"version_id"`
	Platform  Platform `gorm:"not null;size:50;uniqueIndex:idx_delivery_dest,priority:2" json:"platform"`
	Target    string   `gorm:"not null;size:500;uniqueIndex:idx_delivery_dest,priority:3" json:"target"`
	Format    string   `gorm:"size:50" json:"format"`

	Status         DeliveryStatus `gorm:"not null;size:20;default:'pending'" json:"status"`
	ExternalID     string         `gorm:"size:255" json:"external_id"`
	ExternalURL    string         `gorm:"size:1000" json:"external_url"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message"`
	IdempotencyKey string         `gorm:"size:64" json:"idempotency_key"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	DeliveredAt    *time.Time     `json:"delivered_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func scanJSON(value, dest interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into %T", value, dest)
	}
}

func valueJSON(src interface{}) (driver.Value, error) {
	b, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
