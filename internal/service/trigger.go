package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/models"
)

// Default per-signal-type dedup windows; overridable via config.
var defaultDedupWindows = map[models.SignalType]time.Duration{
	models.SignalMeetingPrep:   24 * time.Hour,
	models.SignalThreadSilence: 7 * 24 * time.Hour,
	models.SignalContactDrift:  14 * 24 * time.Hour,
}

// DueTrigger is the normalized "due" event all three trigger families
// produce; the runner consumes it identically regardless of family.
type DueTrigger struct {
	Deliverable models.Deliverable
	Family      models.TriggerType
	Reason      string
}

// TriggerService computes due work from schedules, platform events, and
// analyzer signals, and owns signal deduplication.
type TriggerService struct {
	db           *gorm.DB
	logger       *zap.Logger
	clock        clock.Clock
	activity     *ActivityService
	dedupWindows map[models.SignalType]time.Duration
	cooldown     time.Duration
}

func NewTriggerService(db *gorm.DB, logger *zap.Logger, clk clock.Clock, activity *ActivityService, cfg *config.TriggersConfig) *TriggerService {
	windows := make(map[models.SignalType]time.Duration, len(defaultDedupWindows))
	for k, v := range defaultDedupWindows {
		windows[k] = v
	}
	for name, raw := range cfg.DedupWindows {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Warn("Ignoring invalid dedup window",
				zap.String("signal_type", name),
				zap.String("value", raw))
			continue
		}
		windows[models.SignalType(name)] = d
	}

	cooldown, err := time.ParseDuration(cfg.EventCooldown)
	if err != nil {
		cooldown = 15 * time.Minute
	}

	return &TriggerService{
		db:           db,
		logger:       logger,
		clock:        clk,
		activity:     activity,
		dedupWindows: windows,
		cooldown:     cooldown,
	}
}

// DedupWindow returns the suppression window for a signal type.
func (t *TriggerService) DedupWindow(sigType models.SignalType) time.Duration {
	if w, ok := t.dedupWindows[sigType]; ok {
		return w
	}
	return 24 * time.Hour
}

// DueSchedules returns active schedule-triggered deliverables whose
// next_run_at has passed.
func (t *TriggerService) DueSchedules() ([]DueTrigger, error) {
	now := t.clock.Now()

	var due []models.Deliverable
	err := t.db.Where("status = ? AND trigger_type = ? AND next_run_at IS NOT NULL AND next_run_at <= ?",
		models.DeliverableActive, models.TriggerSchedule, now).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	triggers := make([]DueTrigger, 0, len(due))
	for _, d := range due {
		triggers = append(triggers, DueTrigger{
			Deliverable: d,
			Family:      models.TriggerSchedule,
			Reason:      "schedule due",
		})
	}
	return triggers, nil
}

// EventInput is one platform-native event (mention, new message in a
// watched resource).
type EventInput struct {
	UserID     string          `json:"user_id"`
	Platform   models.Platform `json:"platform"`
	ResourceID string          `json:"resource_id"`
	Sender     string          `json:"sender"`
	Text       string          `json:"text"`
}

// EvaluateEvent matches an event against configured event deliverables,
// applying the per-deliverable cooldown to prevent storms.
func (t *TriggerService) EvaluateEvent(in EventInput) ([]DueTrigger, error) {
	now := t.clock.Now()

	var candidates []models.Deliverable
	err := t.db.Where("user_id = ? AND status = ? AND trigger_type = ?",
		in.UserID, models.DeliverableActive, models.TriggerEvent).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query event deliverables: %w", err)
	}

	var due []DueTrigger
	for _, d := range candidates {
		spec := d.Trigger.Event
		if spec == nil {
			continue
		}
		if spec.Platform != in.Platform || spec.ResourceID != in.ResourceID {
			continue
		}
		if !matchSenders(spec.Senders, in.Sender) || !matchKeywords(spec.Keywords, in.Text) {
			continue
		}

		cooldown := t.cooldown
		if spec.CooldownS > 0 {
			cooldown = time.Duration(spec.CooldownS) * time.Second
		}
		if d.LastTriggeredAt != nil && now.Sub(*d.LastTriggeredAt) < cooldown {
			t.activity.Record(d.UserID, models.ActivityTriggerSuppressed,
				fmt.Sprintf("event trigger for %q suppressed by cooldown", d.Title),
				WithDeliverable(d.ID))
			continue
		}

		if err := t.db.Model(&models.Deliverable{}).
			Where("id = ?", d.ID).
			Update("last_triggered_at", now).Error; err != nil {
			return nil, fmt.Errorf("failed to record event trigger: %w", err)
		}

		due = append(due, DueTrigger{
			Deliverable: d,
			Family:      models.TriggerEvent,
			Reason:      fmt.Sprintf("event on %s/%s", in.Platform, in.ResourceID),
		})
	}
	return due, nil
}

func matchSenders(senders []string, sender string) bool {
	if len(senders) == 0 {
		return true
	}
	for _, s := range senders {
		if strings.EqualFold(s, sender) {
			return true
		}
	}
	return false
}

func matchKeywords(keywords []string, text string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// SignalDecision is the dedup verdict returned to the analyzer.
type SignalDecision struct {
	Allowed bool
	Entry   *models.SignalDedupEntry
	Due     []DueTrigger
}

// SignalTrigger applies the dedup contract for an analyzer-detected
// condition. Absent or window-expired entries allow the trigger and refresh
// last_triggered_at; a trigger inside the window is suppressed and only
// bumps bookkeeping. Signals are opportunistic: a deliverable that a
// schedule or event trigger already claimed in this pass is skipped.
func (t *TriggerService) SignalTrigger(userID string, sigType models.SignalType, sigRef string, evidence models.JSONMap) (*SignalDecision, error) {
	if !sigType.Valid() {
		return nil, fmt.Errorf("unknown signal type %q", sigType)
	}
	if sigRef == "" {
		return nil, fmt.Errorf("signal ref is required")
	}

	now := t.clock.Now()
	window := t.DedupWindow(sigType)

	var entry models.SignalDedupEntry
	err := t.db.Where("user_id = ? AND signal_type = ? AND signal_ref = ?", userID, sigType, sigRef).
		First(&entry).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		entry = models.SignalDedupEntry{
			UserID:          userID,
			SignalType:      sigType,
			SignalRef:       sigRef,
			LastTriggeredAt: now,
			Evidence:        evidence,
			TriggerCount:    1,
		}
		if err := t.db.Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("failed to record dedup entry: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read dedup entry: %w", err)
	case now.Sub(entry.LastTriggeredAt) < window:
		// Suppressed: bookkeeping only, last_triggered_at untouched so a
		// steady stream of repeats cannot extend the window forever.
		if err := t.db.Model(&entry).
			Update("trigger_count", gorm.Expr("trigger_count + 1")).Error; err != nil {
			return nil, fmt.Errorf("failed to update dedup entry: %w", err)
		}
		t.activity.Record(userID, models.ActivityTriggerSuppressed,
			fmt.Sprintf("signal %s/%s suppressed within %s window", sigType, sigRef, window))
		return &SignalDecision{Allowed: false, Entry: &entry}, nil
	default:
		updates := map[string]interface{}{
			"last_triggered_at": now,
			"trigger_count":     gorm.Expr("trigger_count + 1"),
		}
		if evidence != nil {
			updates["evidence"] = evidence
		}
		if err := t.db.Model(&entry).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to refresh dedup entry: %w", err)
		}
	}

	due, err := t.signalDeliverables(userID, sigType)
	if err != nil {
		return nil, err
	}
	return &SignalDecision{Allowed: true, Entry: &entry, Due: due}, nil
}

// LinkSignalDeliverable records which deliverable a signal trigger
// produced.
func (t *TriggerService) LinkSignalDeliverable(entryID, deliverableID uint) error {
	return t.db.Model(&models.SignalDedupEntry{}).
		Where("id = ?", entryID).
		Update("deliverable_id", deliverableID).Error
}

func (t *TriggerService) signalDeliverables(userID string, sigType models.SignalType) ([]DueTrigger, error) {
	now := t.clock.Now()

	var candidates []models.Deliverable
	err := t.db.Where("user_id = ? AND status = ? AND trigger_type = ?",
		userID, models.DeliverableActive, models.TriggerSignal).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query signal deliverables: %w", err)
	}

	var due []DueTrigger
	for _, d := range candidates {
		spec := d.Trigger.Signal
		if spec == nil {
			continue
		}
		matched := false
		for _, st := range spec.Types {
			if st == sigType {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		// Tie-break: schedule and event triggers take precedence in the
		// same pass; an imminently scheduled deliverable ignores signals.
		if d.NextRunAt != nil && !d.NextRunAt.After(now) {
			continue
		}
		due = append(due, DueTrigger{
			Deliverable: d,
			Family:      models.TriggerSignal,
			Reason:      fmt.Sprintf("signal %s", sigType),
		})
	}
	return due, nil
}
