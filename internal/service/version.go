package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/models"
)

// Legal status transitions. One machine covers both the delivery-first
// path and the legacy review path; Deliverable.ReviewMode selects which
// terminal route a run takes.
var versionTransitions = map[models.VersionStatus][]models.VersionStatus{
	models.VersionSuggested:  {models.VersionGenerating, models.VersionRejected},
	models.VersionGenerating: {models.VersionStaged, models.VersionDelivered, models.VersionFailed},
	models.VersionStaged:     {models.VersionReviewing},
	models.VersionReviewing:  {models.VersionApproved, models.VersionRejected},
}

func transitionAllowed(from, to models.VersionStatus) bool {
	for _, next := range versionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VersionService owns the lifecycle of deliverable versions.
type VersionService struct {
	db       *gorm.DB
	logger   *zap.Logger
	clock    clock.Clock
	activity *ActivityService
}

func NewVersionService(db *gorm.DB, logger *zap.Logger, clk clock.Clock, activity *ActivityService) *VersionService {
	return &VersionService{db: db, logger: logger, clock: clk, activity: activity}
}

// Create inserts the next version for a deliverable. The check-and-insert
// runs in one transaction against a locked parent row, which is the
// per-deliverable mutex enforcing the single-flight invariant: a trigger
// arriving while a version is in flight gets ErrConcurrentExecution, it is
// not queued.
func (v *VersionService) Create(deliverableID uint, initial models.VersionStatus) (*models.DeliverableVersion, error) {
	if initial != models.VersionGenerating && initial != models.VersionSuggested {
		return nil, fmt.Errorf("version cannot start in status %q", initial)
	}

	now := v.clock.Now()
	var version models.DeliverableVersion

	err := v.db.Transaction(func(tx *gorm.DB) error {
		var parent models.Deliverable
		if err := lockForUpdate(tx).
			First(&parent, deliverableID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}

		var inFlight int64
		if err := tx.Model(&models.DeliverableVersion{}).
			Where("deliverable_id = ? AND status NOT IN ?", deliverableID, terminalStatuses()).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrConcurrentExecution
		}

		var maxNumber int
		if err := tx.Model(&models.DeliverableVersion{}).
			Where("deliverable_id = ?", deliverableID).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return err
		}

		version = models.DeliverableVersion{
			DeliverableID: deliverableID,
			VersionNumber: maxNumber + 1,
			Status:        initial,
		}
		if initial == models.VersionGenerating {
			version.GeneratingAt = &now
		}
		return tx.Create(&version).Error
	})
	if err != nil {
		if err == ErrConcurrentExecution {
			var parent models.Deliverable
			if derr := v.db.First(&parent, deliverableID).Error; derr == nil {
				v.activity.Record(parent.UserID, models.ActivityTriggerRejected,
					fmt.Sprintf("trigger for %q rejected: a version is already in flight", parent.Title),
					WithDeliverable(deliverableID))
			}
		}
		return nil, err
	}

	var parent models.Deliverable
	if derr := v.db.First(&parent, deliverableID).Error; derr == nil {
		v.activity.Record(parent.UserID, models.ActivityVersionCreated,
			fmt.Sprintf("version %d of %q created (%s)", version.VersionNumber, parent.Title, initial),
			WithDeliverable(deliverableID), WithVersion(version.ID))
	}
	return &version, nil
}

// TransitionOption mutates the version alongside a status change.
type TransitionOption func(*transitionState)

type transitionState struct {
	errorMessage string
	draft        *string
	final        *string
	summaries    models.FetchSummaryList
}

func WithError(message string) TransitionOption {
	return func(s *transitionState) { s.errorMessage = message }
}

func WithDraft(content string) TransitionOption {
	return func(s *transitionState) { s.draft = &content }
}

func WithFinal(content string) TransitionOption {
	return func(s *transitionState) { s.final = &content }
}

func WithFetchSummaries(summaries models.FetchSummaryList) TransitionOption {
	return func(s *transitionState) { s.summaries = summaries }
}

// Transition moves a version to a new status. Terminal states are
// immutable; reaching one updates the parent's last_run_at and, for
// schedule-triggered deliverables, recomputes next_run_at. error_message is
// mandatory on the failed transition.
func (v *VersionService) Transition(versionID uint, to models.VersionStatus, options ...TransitionOption) error {
	state := transitionState{}
	for _, option := range options {
		option(&state)
	}
	if to == models.VersionFailed && state.errorMessage == "" {
		return fmt.Errorf("transition to failed requires an error message")
	}

	now := v.clock.Now()
	var version models.DeliverableVersion
	var parent models.Deliverable

	err := v.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&version, versionID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		if version.Status.Terminal() {
			return fmt.Errorf("version %d is terminal (%s)", versionID, version.Status)
		}
		if !transitionAllowed(version.Status, to) {
			return fmt.Errorf("illegal transition %s -> %s", version.Status, to)
		}

		updates := map[string]interface{}{"status": to}
		if to == models.VersionGenerating {
			updates["generating_at"] = now
		}
		if state.errorMessage != "" {
			updates["error_message"] = state.errorMessage
		}
		if state.draft != nil {
			updates["draft_content"] = *state.draft
		}
		if state.final != nil {
			updates["final_content"] = *state.final
		}
		if state.summaries != nil {
			updates["fetch_summaries"] = state.summaries
		}
		if to.Terminal() {
			updates["completed_at"] = now
		}
		if err := tx.Model(&version).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.First(&parent, version.DeliverableID).Error; err != nil {
			return err
		}

		// Staging counts as a completed run for scheduling purposes: the
		// parent's next slot advances while the version awaits review, so
		// the scheduler does not keep re-triggering the deliverable.
		if to.Terminal() || to == models.VersionStaged {
			return v.finalizeParent(tx, &parent, now)
		}
		return nil
	})
	if err != nil {
		return err
	}

	message := fmt.Sprintf("version %d of %q: %s -> %s", version.VersionNumber, parent.Title, version.Status, to)
	if state.errorMessage != "" {
		message += ": " + state.errorMessage
	}
	v.activity.Record(parent.UserID, models.ActivityVersionTransition, message,
		WithDeliverable(parent.ID), WithVersion(version.ID))
	return nil
}

// finalizeParent updates last_run_at and precomputes the next run for
// schedule-triggered deliverables. An expression the evaluator cannot
// handle leaves next_run_at NULL and flags the deliverable for external
// recalculation rather than crashing the loop.
func (v *VersionService) finalizeParent(tx *gorm.DB, parent *models.Deliverable, now time.Time) error {
	updates := map[string]interface{}{"last_run_at": now}

	if parent.TriggerType == models.TriggerSchedule && parent.Status == models.DeliverableActive {
		next, err := NextRun(parent.Trigger.Schedule, parent.Timezone, now)
		if err != nil {
			v.logger.Warn("Schedule flagged for external recalculation",
				zap.Uint("deliverable_id", parent.ID),
				zap.Error(err))
			updates["next_run_at"] = nil
			updates["schedule_needs_recalc"] = true
			v.activity.Record(parent.UserID, models.ActivityScheduleFlagged,
				fmt.Sprintf("schedule for %q needs external recalculation: %v", parent.Title, err),
				WithDeliverable(parent.ID))
		} else {
			updates["next_run_at"] = next
			updates["schedule_needs_recalc"] = false
		}
	}

	return tx.Model(&models.Deliverable{}).
		Where("id = ?", parent.ID).
		Updates(updates).Error
}

func terminalStatuses() []models.VersionStatus {
	return []models.VersionStatus{
		models.VersionApproved,
		models.VersionRejected,
		models.VersionDelivered,
		models.VersionFailed,
	}
}

// Get loads a version with its delivery records.
func (v *VersionService) Get(versionID uint) (*models.DeliverableVersion, error) {
	var version models.DeliverableVersion
	err := v.db.Preload("Deliveries").First(&version, versionID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return &version, nil
}

// History returns a deliverable's versions, newest first.
func (v *VersionService) History(deliverableID uint) ([]models.DeliverableVersion, error) {
	var versions []models.DeliverableVersion
	err := v.db.Where("deliverable_id = ?", deliverableID).
		Preload("Deliveries").
		Order("version_number desc").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load version history: %w", err)
	}
	return versions, nil
}

// AcceptSuggested moves an analyst-suggested version into generation.
func (v *VersionService) AcceptSuggested(versionID uint) error {
	return v.Transition(versionID, models.VersionGenerating)
}

// Suggest records an analyst-proposed version, optionally with its draft
// content. The single-flight rule applies: a suggestion cannot be filed
// while another version is in flight.
func (v *VersionService) Suggest(deliverableID uint, draft string) (*models.DeliverableVersion, error) {
	version, err := v.Create(deliverableID, models.VersionSuggested)
	if err != nil {
		return nil, err
	}
	if draft != "" {
		if err := v.db.Model(version).Update("draft_content", draft).Error; err != nil {
			return nil, fmt.Errorf("failed to store suggested draft: %w", err)
		}
		version.DraftContent = draft
	}
	return version, nil
}
