package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/models"
)

func (e *testEnv) signalDeliverable(t *testing.T, userID string, types ...models.SignalType) *models.Deliverable {
	t.Helper()

	d, err := e.deliverables.Create(CreateInput{
		UserID:      userID,
		Title:       "Meeting prep brief",
		TriggerType: models.TriggerSignal,
		Trigger:     models.TriggerConfig{Signal: &models.SignalSpec{Types: types}},
		Destinations: []models.DestinationConfig{
			{Platform: models.PlatformSlack, Target: "D456"},
		},
	})
	require.NoError(t, err)
	return d
}

func (e *testEnv) eventDeliverable(t *testing.T, userID string, spec models.EventSpec) *models.Deliverable {
	t.Helper()

	d, err := e.deliverables.Create(CreateInput{
		UserID:      userID,
		Title:       "Escalation digest",
		TriggerType: models.TriggerEvent,
		Trigger:     models.TriggerConfig{Event: &spec},
		Destinations: []models.DestinationConfig{
			{Platform: models.PlatformGmail, Target: "boss@example.com"},
		},
	})
	require.NoError(t, err)
	return d
}

func TestDueSchedules(t *testing.T) {
	env := newTestEnv(t)

	d := env.dailyDeliverable(t, "u1")
	paused := env.dailyDeliverable(t, "u1")
	require.NoError(t, env.deliverables.SetStatus(paused.ID, models.DeliverablePaused))

	due, err := env.triggers.DueSchedules()
	require.NoError(t, err)
	assert.Empty(t, due, "nothing due before the scheduled slot")

	env.clock.Advance(9 * time.Hour) // past 17:00
	due, err = env.triggers.DueSchedules()
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, d.ID, due[0].Deliverable.ID)
	assert.Equal(t, models.TriggerSchedule, due[0].Family)
}

func TestSignalDedupWindow(t *testing.T) {
	env := newTestEnv(t)
	d := env.signalDeliverable(t, "u1", models.SignalMeetingPrep)

	evidence := models.JSONMap{"event_id": "cal-42", "attendees": float64(4)}
	decision, err := env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-42", evidence)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.Len(t, decision.Due, 1)
	assert.Equal(t, d.ID, decision.Due[0].Deliverable.ID)

	firstTriggeredAt := decision.Entry.LastTriggeredAt

	// Same signal an hour later: suppressed, bookkeeping only.
	env.clock.Advance(time.Hour)
	decision, err = env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-42", evidence)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.Due)

	var entry models.SignalDedupEntry
	require.NoError(t, env.db.Where("user_id = ? AND signal_ref = ?", "u1", "cal-42").First(&entry).Error)
	assert.Equal(t, 2, entry.TriggerCount)
	assert.Equal(t, firstTriggeredAt.UTC(), entry.LastTriggeredAt.UTC(),
		"suppressed repeats must not extend the window")

	// Past the 24h window the signal fires again and refreshes the anchor.
	env.clock.Advance(24 * time.Hour)
	decision, err = env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-42", evidence)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.Len(t, decision.Due, 1)

	require.NoError(t, env.db.Where("user_id = ? AND signal_ref = ?", "u1", "cal-42").First(&entry).Error)
	assert.Equal(t, 3, entry.TriggerCount)
	assert.Equal(t, env.clock.Now(), entry.LastTriggeredAt.UTC())
}

func TestSignalDedupKeysAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.signalDeliverable(t, "u1", models.SignalMeetingPrep, models.SignalThreadSilence)

	decision, err := env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-1", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Different ref of the same type is a fresh key.
	decision, err = env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-2", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Same ref but a different type is also a fresh key.
	decision, err = env.triggers.SignalTrigger("u1", models.SignalThreadSilence, "cal-1", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestSignalDedupWindowOverride(t *testing.T) {
	cfg := testTriggersConfig()
	cfg.DedupWindows = map[string]string{"meeting_prep": "1h", "contact_drift": "bogus"}

	env := newTestEnv(t)
	triggers := NewTriggerService(env.db, zap.NewNop(), env.clock, env.activity, cfg)

	assert.Equal(t, time.Hour, triggers.DedupWindow(models.SignalMeetingPrep))
	// Invalid override falls back to the default.
	assert.Equal(t, 14*24*time.Hour, triggers.DedupWindow(models.SignalContactDrift))
	assert.Equal(t, 7*24*time.Hour, triggers.DedupWindow(models.SignalThreadSilence))
}

func TestSignalRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.triggers.SignalTrigger("u1", "weather", "ref", nil)
	assert.Error(t, err)

	_, err = env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "", nil)
	assert.Error(t, err)
}

func TestSignalSkipsImminentlyScheduledDeliverable(t *testing.T) {
	env := newTestEnv(t)
	d := env.signalDeliverable(t, "u1", models.SignalMeetingPrep)

	// Simulate another trigger family having already claimed this pass.
	now := env.clock.Now()
	require.NoError(t, env.db.Model(&models.Deliverable{}).
		Where("id = ?", d.ID).Update("next_run_at", now.Add(-time.Minute)).Error)

	decision, err := env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-9", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Due)
}

func TestLinkSignalDeliverable(t *testing.T) {
	env := newTestEnv(t)
	d := env.signalDeliverable(t, "u1", models.SignalMeetingPrep)

	decision, err := env.triggers.SignalTrigger("u1", models.SignalMeetingPrep, "cal-7", nil)
	require.NoError(t, err)
	require.NoError(t, env.triggers.LinkSignalDeliverable(decision.Entry.ID, d.ID))

	var entry models.SignalDedupEntry
	require.NoError(t, env.db.First(&entry, decision.Entry.ID).Error)
	require.NotNil(t, entry.DeliverableID)
	assert.Equal(t, d.ID, *entry.DeliverableID)
}

func TestEvaluateEventMatching(t *testing.T) {
	env := newTestEnv(t)
	d := env.eventDeliverable(t, "u1", models.EventSpec{
		Platform:   models.PlatformSlack,
		ResourceID: "C123",
		Senders:    []string{"alice"},
		Keywords:   []string{"urgent"},
	})

	// Wrong resource.
	due, err := env.triggers.EvaluateEvent(EventInput{
		UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C999",
		Sender: "alice", Text: "urgent: prod down",
	})
	require.NoError(t, err)
	assert.Empty(t, due)

	// Wrong sender.
	due, err = env.triggers.EvaluateEvent(EventInput{
		UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C123",
		Sender: "bob", Text: "urgent: prod down",
	})
	require.NoError(t, err)
	assert.Empty(t, due)

	// Keyword match is case-insensitive; sender match ignores case too.
	due, err = env.triggers.EvaluateEvent(EventInput{
		UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C123",
		Sender: "Alice", Text: "URGENT: prod down",
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, d.ID, due[0].Deliverable.ID)
	assert.Equal(t, models.TriggerEvent, due[0].Family)
}

func TestEvaluateEventCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.eventDeliverable(t, "u1", models.EventSpec{
		Platform:   models.PlatformSlack,
		ResourceID: "C123",
	})

	event := EventInput{UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C123", Sender: "alice", Text: "hi"}

	due, err := env.triggers.EvaluateEvent(event)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Within the 15m default cooldown: suppressed and logged.
	env.clock.Advance(5 * time.Minute)
	due, err = env.triggers.EvaluateEvent(event)
	require.NoError(t, err)
	assert.Empty(t, due)

	entries, err := env.activity.Recent("u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, models.ActivityTriggerSuppressed, entries[0].Event)

	env.clock.Advance(11 * time.Minute)
	due, err = env.triggers.EvaluateEvent(event)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestEvaluateEventPerDeliverableCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.eventDeliverable(t, "u1", models.EventSpec{
		Platform:   models.PlatformSlack,
		ResourceID: "C123",
		CooldownS:  60,
	})

	event := EventInput{UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C123"}

	due, err := env.triggers.EvaluateEvent(event)
	require.NoError(t, err)
	require.Len(t, due, 1)

	env.clock.Advance(30 * time.Second)
	due, err = env.triggers.EvaluateEvent(event)
	require.NoError(t, err)
	assert.Empty(t, due)

	env.clock.Advance(31 * time.Second)
	due, err = env.triggers.EvaluateEvent(event)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
