package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/models"
)

// DeliverableService manages the standing commitments themselves.
type DeliverableService struct {
	db       *gorm.DB
	logger   *zap.Logger
	clock    clock.Clock
	activity *ActivityService
}

func NewDeliverableService(db *gorm.DB, logger *zap.Logger, clk clock.Clock, activity *ActivityService) *DeliverableService {
	return &DeliverableService{db: db, logger: logger, clock: clk, activity: activity}
}

// CreateInput carries everything needed to stand up a deliverable.
type CreateInput struct {
	UserID        string                     `json:"user_id"`
	Title         string                     `json:"title"`
	Recipient     string                     `json:"recipient"`
	TemplateHints string                     `json:"template_hints"`
	TriggerType   models.TriggerType         `json:"trigger_type"`
	Trigger       models.TriggerConfig       `json:"trigger"`
	Destinations  []models.DestinationConfig `json:"destinations"`
	Origin        models.Origin              `json:"origin"`
	ReviewMode    bool                       `json:"review_mode"`
	Timezone      string                     `json:"timezone"`
}

func (in *CreateInput) validate() error {
	if in.UserID == "" || in.Title == "" {
		return fmt.Errorf("user id and title are required")
	}
	if !in.TriggerType.Valid() {
		return fmt.Errorf("unknown trigger type %q", in.TriggerType)
	}
	if len(in.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}
	for _, d := range in.Destinations {
		if !d.Platform.Valid() || d.Target == "" {
			return fmt.Errorf("destination requires a known platform and a target")
		}
	}

	// Exactly one trigger family may be configured, and it must match the
	// declared type.
	populated := 0
	if in.Trigger.Schedule != nil {
		populated++
	}
	if in.Trigger.Event != nil {
		populated++
	}
	if in.Trigger.Signal != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("exactly one trigger config must be set, got %d", populated)
	}
	switch in.TriggerType {
	case models.TriggerSchedule:
		if in.Trigger.Schedule == nil {
			return fmt.Errorf("trigger type schedule requires a schedule config")
		}
	case models.TriggerEvent:
		if in.Trigger.Event == nil {
			return fmt.Errorf("trigger type event requires an event config")
		}
	case models.TriggerSignal:
		if in.Trigger.Signal == nil {
			return fmt.Errorf("trigger type signal requires a signal config")
		}
	}
	return nil
}

// Create stands up a deliverable. Schedule-triggered deliverables get
// next_run_at precomputed; an unsupported expression flags the deliverable
// for external recalculation instead of failing creation.
func (s *DeliverableService) Create(in CreateInput) (*models.Deliverable, error) {
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("invalid deliverable: %w", err)
	}

	if in.Origin == "" {
		in.Origin = models.OriginUser
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}

	d := models.Deliverable{
		UserID:        in.UserID,
		Title:         in.Title,
		Recipient:     in.Recipient,
		TemplateHints: in.TemplateHints,
		TriggerType:   in.TriggerType,
		Trigger:       in.Trigger,
		Destinations:  in.Destinations,
		Origin:        in.Origin,
		Status:        models.DeliverableActive,
		ReviewMode:    in.ReviewMode,
		Timezone:      in.Timezone,
	}

	if in.TriggerType == models.TriggerSchedule {
		next, err := NextRun(in.Trigger.Schedule, in.Timezone, s.clock.Now())
		if err != nil {
			s.logger.Warn("Deliverable created with unevaluable schedule",
				zap.String("title", in.Title), zap.Error(err))
			d.ScheduleNeedsRecalc = true
		} else {
			d.NextRunAt = &next
		}
	}

	if err := s.db.Create(&d).Error; err != nil {
		return nil, fmt.Errorf("failed to create deliverable: %w", err)
	}

	if d.ScheduleNeedsRecalc {
		s.activity.Record(d.UserID, models.ActivityScheduleFlagged,
			fmt.Sprintf("schedule for %q needs external recalculation", d.Title),
			WithDeliverable(d.ID))
	}
	return &d, nil
}

func (s *DeliverableService) Get(id uint) (*models.Deliverable, error) {
	var d models.Deliverable
	err := s.db.First(&d, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deliverable: %w", err)
	}
	return &d, nil
}

func (s *DeliverableService) List(userID string) ([]models.Deliverable, error) {
	var list []models.Deliverable
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at desc").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list deliverables: %w", err)
	}
	return list, nil
}

// SetStatus pauses, resumes, or archives a deliverable. Pausing stops
// triggering but preserves history; resuming a schedule recomputes
// next_run_at from now.
func (s *DeliverableService) SetStatus(id uint, status models.DeliverableStatus) error {
	d, err := s.Get(id)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"status": status}
	switch status {
	case models.DeliverableActive:
		if d.TriggerType == models.TriggerSchedule && !d.ScheduleNeedsRecalc {
			if next, err := NextRun(d.Trigger.Schedule, d.Timezone, s.clock.Now()); err == nil {
				updates["next_run_at"] = next
			}
		}
	case models.DeliverablePaused, models.DeliverableArchived:
		updates["next_run_at"] = nil
	default:
		return fmt.Errorf("unknown deliverable status %q", status)
	}

	return s.db.Model(&models.Deliverable{}).Where("id = ?", id).Updates(updates).Error
}

// SetRecalculatedSchedule lets the external agent write back a next run
// time for a flagged expression.
func (s *DeliverableService) SetRecalculatedSchedule(id uint, nextRunAt time.Time) error {
	return s.db.Model(&models.Deliverable{}).Where("id = ?", id).Updates(map[string]interface{}{
		"next_run_at":           nextRunAt.UTC(),
		"schedule_needs_recalc": false,
	}).Error
}
