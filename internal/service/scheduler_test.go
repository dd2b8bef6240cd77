package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/models"
)

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		Enabled:          true,
		PollInterval:     "1m",
		Workers:          2,
		SynthesisTimeout: "5m",
		CleanupInterval:  "1h",
	}
}

func TestRunPassExecutesDueSchedules(t *testing.T) {
	env := newTestEnv(t)
	runner := env.newRunner(t, &stubSynthesizer{draft: "update"}, &stubDeliverer{platform: models.PlatformSlack})
	scheduler := NewScheduler(testSchedulerConfig(), zap.NewNop(), env.triggers, runner, env.content)

	d := env.dailyDeliverable(t, "u1")
	env.clock.Advance(9 * time.Hour) // past the 17:00 slot

	scheduler.RunPass(context.Background())

	history, err := env.versions.History(d.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.VersionDelivered, history[0].Status)

	// The run advanced next_run_at, so a second pass finds nothing due.
	scheduler.RunPass(context.Background())
	history, err = env.versions.History(d.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDispatchHonorsSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	runner := env.newRunner(t, &stubSynthesizer{draft: "update"}, &stubDeliverer{platform: models.PlatformSlack})
	scheduler := NewScheduler(testSchedulerConfig(), zap.NewNop(), env.triggers, runner, env.content)

	d := env.dailyDeliverable(t, "u1")
	_, err := env.versions.Create(d.ID, models.VersionGenerating)
	require.NoError(t, err)

	scheduler.Dispatch(context.Background(), []DueTrigger{
		{Deliverable: *d, Family: models.TriggerSignal, Reason: "signal meeting_prep"},
	})

	var count int64
	require.NoError(t, env.db.Model(&models.DeliverableVersion{}).
		Where("deliverable_id = ?", d.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count, "the in-flight version is the only one")
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	runner := env.newRunner(t, &stubSynthesizer{draft: "update"})

	disabled := NewScheduler(&config.SchedulerConfig{Enabled: false}, zap.NewNop(), env.triggers, runner, env.content)
	require.NoError(t, disabled.Start(context.Background()))
	disabled.Stop()

	bad := NewScheduler(&config.SchedulerConfig{Enabled: true, PollInterval: "soon"}, zap.NewNop(), env.triggers, runner, env.content)
	assert.Error(t, bad.Start(context.Background()))

	s := NewScheduler(testSchedulerConfig(), zap.NewNop(), env.triggers, runner, env.content)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop() // idempotent
}
