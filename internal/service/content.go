package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/models"
)

// ContentService is the append-mostly store of platform-sourced items.
type ContentService struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  clock.Clock
	ttl    time.Duration
	batch  int
}

func NewContentService(db *gorm.DB, logger *zap.Logger, clk clock.Clock, cfg *config.RetentionConfig) *ContentService {
	return &ContentService{
		db:     db,
		logger: logger,
		clock:  clk,
		ttl:    time.Duration(cfg.DefaultTTLDays) * 24 * time.Hour,
		batch:  cfg.CleanupBatchSize,
	}
}

// IngestInput is what the platform sync worker hands over per fetched item.
type IngestInput struct {
	UserID          string
	Platform        models.Platform
	ResourceID      string
	ResourceName    string
	ItemID          string
	Content         string
	ContentHash     string
	SourceTimestamp *time.Time
}

func (in *IngestInput) validate() error {
	if in.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if !in.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", in.Platform)
	}
	if in.ResourceID == "" || in.ItemID == "" {
		return fmt.Errorf("resource id and item id are required")
	}
	if in.ContentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	return nil
}

// Ingest upserts by logical identity. Re-fetching the same item with the
// same hash returns the existing row; a different hash creates a new row
// chained to the latest prior version. Returns the stored item id.
func (s *ContentService) Ingest(in IngestInput) (uint, error) {
	if err := in.validate(); err != nil {
		return 0, fmt.Errorf("invalid content item: %w", err)
	}

	now := s.clock.Now()
	expires := now.Add(s.ttl)

	item := models.ContentItem{
		UserID:          in.UserID,
		Platform:        in.Platform,
		ResourceID:      in.ResourceID,
		ResourceName:    in.ResourceName,
		ItemID:          in.ItemID,
		Content:         in.Content,
		ContentHash:     in.ContentHash,
		FetchedAt:       now,
		SourceTimestamp: in.SourceTimestamp,
		ExpiresAt:       &expires,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Link to the latest prior version of the same logical item, if
		// the content changed. The prior row keeps its own expiry.
		var prior models.ContentItem
		err := tx.Where("user_id = ? AND platform = ? AND resource_id = ? AND item_id = ?",
			in.UserID, in.Platform, in.ResourceID, in.ItemID).
			Order("id desc").First(&prior).Error
		if err == nil {
			if prior.ContentHash == in.ContentHash {
				item = prior
				return nil
			}
			item.VersionOf = &prior.ID
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		// DoNothing on the identity index keeps concurrent ingests of the
		// same item idempotent; the loser re-reads the winner's row.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&item).Error; err != nil {
			return err
		}
		if item.ID == 0 {
			return tx.Where("user_id = ? AND platform = ? AND resource_id = ? AND item_id = ? AND content_hash = ?",
				in.UserID, in.Platform, in.ResourceID, in.ItemID, in.ContentHash).
				First(&item).Error
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to ingest content item: %w", err)
	}

	return item.ID, nil
}

// MarkRetained exempts items from TTL cleanup because a downstream record
// references them. Idempotent: already-retained rows are untouched.
func (s *ContentService) MarkRetained(itemIDs []uint, reason, ref string) error {
	if len(itemIDs) == 0 {
		return nil
	}

	result := s.db.Model(&models.ContentItem{}).
		Where("id IN ? AND retained = ?", itemIDs, false).
		Updates(map[string]interface{}{
			"retained":         true,
			"retention_reason": reason,
			"retention_ref":    ref,
			"expires_at":       nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark items retained: %w", result.Error)
	}

	s.logger.Info("Marked content retained",
		zap.Int64("items", result.RowsAffected),
		zap.String("reason", reason),
		zap.String("ref", ref))
	return nil
}

// ContentQuery filters visible (retained or unexpired) items.
type ContentQuery struct {
	UserID       string
	Platform     models.Platform
	ResourceID   string
	From         *time.Time
	To           *time.Time
	RetainedOnly bool
}

func (s *ContentService) Query(q ContentQuery) ([]models.ContentItem, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := s.clock.Now()
	tx := s.db.Where("user_id = ?", q.UserID).
		Where("retained = ? OR expires_at > ?", true, now)

	if q.Platform != "" {
		tx = tx.Where("platform = ?", q.Platform)
	}
	if q.ResourceID != "" {
		tx = tx.Where("resource_id = ?", q.ResourceID)
	}
	if q.From != nil {
		tx = tx.Where("source_timestamp >= ?", *q.From)
	}
	if q.To != nil {
		tx = tx.Where("source_timestamp <= ?", *q.To)
	}
	if q.RetainedOnly {
		tx = tx.Where("retained = ?", true)
	}

	var items []models.ContentItem
	if err := tx.Order("source_timestamp asc").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to query content: %w", err)
	}
	return items, nil
}

// CleanupExpired deletes up to one batch of expired ephemeral items.
// Row failures are skipped and only counted; safe to run concurrently and
// repeatedly.
func (s *ContentService) CleanupExpired() (int, error) {
	now := s.clock.Now()

	var ids []uint
	if err := s.db.Model(&models.ContentItem{}).
		Where("retained = ? AND expires_at < ?", false, now).
		Limit(s.batch).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list expired items: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	deleted, failed := 0, 0
	for _, id := range ids {
		// Re-check retained inside the delete so a concurrent MarkRetained
		// wins.
		result := s.db.Where("id = ? AND retained = ?", id, false).
			Delete(&models.ContentItem{})
		if result.Error != nil {
			failed++
			continue
		}
		deleted += int(result.RowsAffected)
	}

	if failed > 0 {
		s.logger.Warn("Cleanup skipped rows", zap.Int("failed", failed))
	}
	s.logger.Info("Cleanup pass completed",
		zap.Int("deleted", deleted),
		zap.Int("candidates", len(ids)))
	return deleted, nil
}
