package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/models"
)

// FreshnessService tracks per-(user, platform, resource) sync state and
// answers delta-window and staleness questions.
type FreshnessService struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  clock.Clock
}

func NewFreshnessService(db *gorm.DB, logger *zap.Logger, clk clock.Clock) *FreshnessService {
	return &FreshnessService{db: db, logger: logger, clock: clk}
}

// GetFreshness returns the sync state, or (nil, nil) for a source that has
// never synced.
func (s *FreshnessService) GetFreshness(userID string, platform models.Platform, resourceID string) (*models.SourceFreshness, error) {
	var f models.SourceFreshness
	err := s.db.Where("user_id = ? AND platform = ? AND resource_id = ?", userID, platform, resourceID).
		First(&f).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source freshness: %w", err)
	}
	return &f, nil
}

// ListFreshness returns all tracked sources for a user.
func (s *FreshnessService) ListFreshness(userID string) ([]models.SourceFreshness, error) {
	var rows []models.SourceFreshness
	if err := s.db.Where("user_id = ?", userID).
		Order("platform, resource_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list source freshness: %w", err)
	}
	return rows, nil
}

// Update records a successful sync. last_synced_at always advances to now;
// cursor and source_latest_at never regress, so out-of-order arrivals are
// absorbed.
func (s *FreshnessService) Update(userID string, platform models.Platform, resourceID, cursor string, itemCount int, sourceLatestAt *time.Time) error {
	now := s.clock.Now()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var f models.SourceFreshness
		err := tx.Where("user_id = ? AND platform = ? AND resource_id = ?", userID, platform, resourceID).
			First(&f).Error
		if err == gorm.ErrRecordNotFound {
			f = models.SourceFreshness{
				UserID:         userID,
				Platform:       platform,
				ResourceID:     resourceID,
				LastSyncedAt:   &now,
				Cursor:         cursor,
				ItemCount:      itemCount,
				SourceLatestAt: sourceLatestAt,
			}
			return tx.Create(&f).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"item_count":    itemCount,
			"last_error":    "",
			"last_error_at": nil,
		}
		if f.LastSyncedAt == nil || now.After(*f.LastSyncedAt) {
			updates["last_synced_at"] = now
		}
		if cursor != "" {
			updates["cursor"] = cursor
		}
		if sourceLatestAt != nil &&
			(f.SourceLatestAt == nil || sourceLatestAt.After(*f.SourceLatestAt)) {
			updates["source_latest_at"] = *sourceLatestAt
		}

		return tx.Model(&f).Updates(updates).Error
	})
}

// RecordError notes a failed sync attempt without touching the cursor or
// last_synced_at.
func (s *FreshnessService) RecordError(userID string, platform models.Platform, resourceID, message string) error {
	now := s.clock.Now()

	var f models.SourceFreshness
	err := s.db.Where("user_id = ? AND platform = ? AND resource_id = ?", userID, platform, resourceID).
		First(&f).Error
	if err == gorm.ErrRecordNotFound {
		f = models.SourceFreshness{
			UserID:      userID,
			Platform:    platform,
			ResourceID:  resourceID,
			LastError:   message,
			LastErrorAt: &now,
		}
		return s.db.Create(&f).Error
	}
	if err != nil {
		return fmt.Errorf("failed to read source freshness: %w", err)
	}

	return s.db.Model(&f).Updates(map[string]interface{}{
		"last_error":    message,
		"last_error_at": now,
	}).Error
}

// DeltaWindow is the content time range a run should fetch.
type DeltaWindow struct {
	From time.Time
	To   time.Time
}

// ComputeDeltaWindow returns [last_synced_at, now], or [now - fallbackDays,
// now] for a source that has never synced. Recurring deliverables fetch
// only what changed since their last successful run.
func (s *FreshnessService) ComputeDeltaWindow(userID string, platform models.Platform, resourceID string, fallbackDays int) (DeltaWindow, error) {
	now := s.clock.Now()

	f, err := s.GetFreshness(userID, platform, resourceID)
	if err != nil {
		return DeltaWindow{}, err
	}
	if f == nil || f.LastSyncedAt == nil {
		return DeltaWindow{
			From: now.AddDate(0, 0, -fallbackDays),
			To:   now,
		}, nil
	}
	return DeltaWindow{From: *f.LastSyncedAt, To: now}, nil
}

// IsStale reports whether the source's last sync is missing or older than
// the threshold. Degraded freshness is annotated on output, never silently
// passed off as fresh.
func (s *FreshnessService) IsStale(userID string, platform models.Platform, resourceID string, threshold time.Duration) (bool, error) {
	f, err := s.GetFreshness(userID, platform, resourceID)
	if err != nil {
		return false, err
	}
	if f == nil || f.LastSyncedAt == nil {
		return true, nil
	}
	return s.clock.Now().Sub(*f.LastSyncedAt) > threshold, nil
}
