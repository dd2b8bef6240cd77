package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/models"
)

// DeliveryService fans one finalized version out to its destinations.
// Destinations are attempted independently and concurrently; one failure
// never blocks or fails a sibling, and retries skip records that already
// reached a terminal-ok state.
type DeliveryService struct {
	db         *gorm.DB
	logger     *zap.Logger
	clock      clock.Clock
	deliverers map[models.Platform]Deliverer
}

func NewDeliveryService(db *gorm.DB, logger *zap.Logger, clk clock.Clock) *DeliveryService {
	return &DeliveryService{
		db:         db,
		logger:     logger,
		clock:      clk,
		deliverers: make(map[models.Platform]Deliverer),
	}
}

func (s *DeliveryService) RegisterDeliverer(d Deliverer) error {
	platform := d.GetPlatformName()
	if _, exists := s.deliverers[platform]; exists {
		return fmt.Errorf("deliverer for platform %s already registered", platform)
	}
	s.deliverers[platform] = d
	s.logger.Info("Deliverer registered", zap.String("platform", string(platform)))
	return nil
}

// FanOutResult summarizes one fan-out pass.
type FanOutResult struct {
	Records   []models.DeliveryRecord
	Delivered int
	Failed    int
}

// AllTerminalOK reports whether every destination reached delivered or
// skipped, which is what a version-level delivered status requires.
func (r *FanOutResult) AllTerminalOK() bool {
	for _, rec := range r.Records {
		if !rec.Status.TerminalOK() {
			return false
		}
	}
	return len(r.Records) > 0
}

// FanOut delivers a version's final content to every configured
// destination. Safe to call again after a partial failure: records already
// delivered or skipped keep their state and are not re-attempted.
func (s *DeliveryService) FanOut(ctx context.Context, version *models.DeliverableVersion, destinations []models.DestinationConfig) (*FanOutResult, error) {
	if len(destinations) == 0 {
		return nil, fmt.Errorf("version %d has no destinations", version.ID)
	}

	records, err := s.ensureRecords(version.ID, destinations)
	if err != nil {
		return nil, err
	}

	destByKey := make(map[uint]models.DestinationConfig, len(destinations))
	for i := range records {
		for _, dest := range destinations {
			if dest.Platform == records[i].Platform && dest.Target == records[i].Target {
				destByKey[records[i].ID] = dest
				break
			}
		}
	}

	var wg sync.WaitGroup
	for i := range records {
		rec := &records[i]
		if rec.Status.TerminalOK() {
			continue
		}
		// A record from an earlier attempt whose destination has since been
		// removed has nothing to deliver to.
		dest, ok := destByKey[rec.ID]
		if !ok {
			s.fail(rec, "destination no longer configured")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliverOne(ctx, version, rec, dest)
		}()
	}
	wg.Wait()

	result := &FanOutResult{Records: records}
	for _, rec := range records {
		switch {
		case rec.Status.TerminalOK():
			result.Delivered++
		case rec.Status == models.DeliveryFailed:
			result.Failed++
		}
	}
	return result, nil
}

// ensureRecords creates one pending record per destination; existing rows
// (from an earlier attempt) are reused so the idempotency key stays stable.
func (s *DeliveryService) ensureRecords(versionID uint, destinations []models.DestinationConfig) ([]models.DeliveryRecord, error) {
	for _, dest := range destinations {
		rec := models.DeliveryRecord{
			VersionID:      versionID,
			Platform:       dest.Platform,
			Target:         dest.Target,
			Format:         dest.Format,
			Status:         models.DeliveryPending,
			IdempotencyKey: uuid.NewString(),
		}
		if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("failed to create delivery record: %w", err)
		}
	}

	var records []models.DeliveryRecord
	if err := s.db.Where("version_id = ?", versionID).
		Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load delivery records: %w", err)
	}
	return records, nil
}

func (s *DeliveryService) deliverOne(ctx context.Context, version *models.DeliverableVersion, rec *models.DeliveryRecord, dest models.DestinationConfig) {
	deliverer, ok := s.deliverers[rec.Platform]
	if !ok {
		s.fail(rec, fmt.Sprintf("no deliverer registered for platform %s", rec.Platform))
		return
	}

	if err := s.db.Model(rec).Updates(map[string]interface{}{
		"status":   models.DeliveryInFlight,
		"attempts": gorm.Expr("attempts + 1"),
	}).Error; err != nil {
		s.logger.Error("Failed to mark delivery in flight",
			zap.Uint("record_id", rec.ID), zap.Error(err))
	}
	rec.Attempts++

	content := version.FinalContent
	if content == "" {
		content = version.DraftContent
	}

	result, err := deliverer.Deliver(ctx, content, dest, rec.IdempotencyKey)
	if err != nil {
		s.fail(rec, err.Error())
		s.logger.Error("Delivery failed",
			zap.Uint("version_id", version.ID),
			zap.String("platform", string(rec.Platform)),
			zap.String("target", rec.Target),
			zap.Error(err))
		return
	}

	now := s.clock.Now()
	updates := map[string]interface{}{
		"status":        models.DeliveryDelivered,
		"external_id":   result.ExternalID,
		"external_url":  result.ExternalURL,
		"error_message": "",
		"delivered_at":  now,
	}
	if err := s.db.Model(rec).Updates(updates).Error; err != nil {
		s.logger.Error("Failed to record delivery success",
			zap.Uint("record_id", rec.ID), zap.Error(err))
		return
	}
	rec.Status = models.DeliveryDelivered
	rec.ExternalID = result.ExternalID
	rec.ExternalURL = result.ExternalURL
	rec.ErrorMessage = ""
	rec.DeliveredAt = &now

	s.logger.Info("Delivery completed",
		zap.Uint("version_id", version.ID),
		zap.String("platform", string(rec.Platform)),
		zap.String("target", rec.Target),
		zap.String("external_id", result.ExternalID))
}

func (s *DeliveryService) fail(rec *models.DeliveryRecord, message string) {
	if err := s.db.Model(rec).Updates(map[string]interface{}{
		"status":        models.DeliveryFailed,
		"error_message": message,
	}).Error; err != nil {
		s.logger.Error("Failed to record delivery failure",
			zap.Uint("record_id", rec.ID), zap.Error(err))
	}
	rec.Status = models.DeliveryFailed
	rec.ErrorMessage = message
}
