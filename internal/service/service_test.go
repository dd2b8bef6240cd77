package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/models"
)

// testStart is a Monday morning; weekly schedule tests depend on that.
var testStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every query on the same in-memory database
	// and serializes the concurrent fan-out goroutines.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db))
	return db
}

func testTriggersConfig() *config.TriggersConfig {
	return &config.TriggersConfig{
		FallbackDays:   7,
		EventCooldown:  "15m",
		StaleThreshold: "48h",
	}
}

func testRetentionConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		DefaultTTLDays:   30,
		CleanupBatchSize: 500,
	}
}

type stubSynthesizer struct {
	draft string
	err   error
	delay time.Duration
	calls int
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, versionID uint, content AssembledContent, hints string) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.draft, nil
}

type stubDeliverer struct {
	platform models.Platform
	failWith error

	mu    sync.Mutex
	calls int
	keys  []string
}

func (d *stubDeliverer) GetPlatformName() models.Platform { return d.platform }

func (d *stubDeliverer) Deliver(ctx context.Context, content string, dest models.DestinationConfig, idempotencyKey string) (*DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.keys = append(d.keys, idempotencyKey)
	if d.failWith != nil {
		return nil, d.failWith
	}
	return &DeliveryResult{
		ExternalID:  fmt.Sprintf("%s-msg-%d", d.platform, d.calls),
		ExternalURL: fmt.Sprintf("https://%s.example.com/%s", d.platform, idempotencyKey),
	}, nil
}

func (d *stubDeliverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// testEnv bundles the full service graph over one in-memory database.
type testEnv struct {
	db           *gorm.DB
	clock        *clock.Fake
	activity     *ActivityService
	content      *ContentService
	freshness    *FreshnessService
	deliverables *DeliverableService
	versions     *VersionService
	triggers     *TriggerService
	delivery     *DeliveryService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	logger := zap.NewNop()
	clk := clock.NewFake(testStart)

	activity := NewActivityService(db, logger)
	return &testEnv{
		db:           db,
		clock:        clk,
		activity:     activity,
		content:      NewContentService(db, logger, clk, testRetentionConfig()),
		freshness:    NewFreshnessService(db, logger, clk),
		deliverables: NewDeliverableService(db, logger, clk, activity),
		versions:     NewVersionService(db, logger, clk, activity),
		triggers:     NewTriggerService(db, logger, clk, activity, testTriggersConfig()),
		delivery:     NewDeliveryService(db, logger, clk),
	}
}

func (e *testEnv) newRunner(t *testing.T, synth Synthesizer, deliverers ...Deliverer) *Runner {
	t.Helper()

	for _, d := range deliverers {
		require.NoError(t, e.delivery.RegisterDeliverer(d))
	}
	return NewRunner(zap.NewNop(), e.clock, e.content, e.freshness, e.versions,
		e.delivery, e.activity, synth, testTriggersConfig(),
		&config.SchedulerConfig{SynthesisTimeout: "5m"})
}

// dailyDeliverable creates an active daily-schedule deliverable to Slack.
func (e *testEnv) dailyDeliverable(t *testing.T, userID string) *models.Deliverable {
	t.Helper()

	d, err := e.deliverables.Create(CreateInput{
		UserID:      userID,
		Title:       "Daily client update",
		TriggerType: models.TriggerSchedule,
		Trigger: models.TriggerConfig{
			Schedule: &models.ScheduleSpec{Frequency: "daily", AtHour: 17, AtMinute: 0},
		},
		Destinations: []models.DestinationConfig{
			{Platform: models.PlatformSlack, Target: "C123"},
		},
	})
	require.NoError(t, err)
	return d
}
