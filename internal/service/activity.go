package service

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence/internal/models"
)

// ActivityService is the append-only, user-visible event log. Every version
// transition and suppressed/rejected trigger lands here.
type ActivityService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewActivityService(db *gorm.DB, logger *zap.Logger) *ActivityService {
	return &ActivityService{db: db, logger: logger}
}

// ActivityOption attaches optional references to an entry.
type ActivityOption func(*models.ActivityEntry)

func WithDeliverable(id uint) ActivityOption {
	return func(e *models.ActivityEntry) {
		e.DeliverableID = &id
	}
}

func WithVersion(id uint) ActivityOption {
	return func(e *models.ActivityEntry) {
		e.VersionID = &id
	}
}

// Record appends one entry. Failures are logged, not propagated: the log is
// best-effort bookkeeping and must never fail the operation it describes.
func (a *ActivityService) Record(userID string, event models.ActivityEvent, message string, options ...ActivityOption) {
	entry := &models.ActivityEntry{
		UserID:  userID,
		Event:   event,
		Message: message,
	}
	for _, option := range options {
		option(entry)
	}

	if err := a.db.Create(entry).Error; err != nil {
		a.logger.Error("Failed to append activity entry",
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

// Recent returns the latest entries for a user, newest first.
func (a *ActivityService) Recent(userID string, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []models.ActivityEntry
	err := a.db.Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}
	return entries, nil
}
