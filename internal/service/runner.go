package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/clock"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/models"
)

// Runner drives one deliverable execution end to end: resolve delta
// windows, assemble content, create the version, synthesize, fan out,
// finalize. Errors land on the version record; nothing escapes to the
// scheduler loop.
type Runner struct {
	logger      *zap.Logger
	clock       clock.Clock
	content     *ContentService
	freshness   *FreshnessService
	versions    *VersionService
	delivery    *DeliveryService
	activity    *ActivityService
	synthesizer Synthesizer

	fallbackDays     int
	staleThreshold   time.Duration
	synthesisTimeout time.Duration
}

func NewRunner(
	logger *zap.Logger,
	clk clock.Clock,
	content *ContentService,
	freshness *FreshnessService,
	versions *VersionService,
	delivery *DeliveryService,
	activity *ActivityService,
	synthesizer Synthesizer,
	triggers *config.TriggersConfig,
	scheduler *config.SchedulerConfig,
) *Runner {
	stale, err := time.ParseDuration(triggers.StaleThreshold)
	if err != nil {
		stale = 48 * time.Hour
	}
	timeout, err := time.ParseDuration(scheduler.SynthesisTimeout)
	if err != nil {
		timeout = 5 * time.Minute
	}

	return &Runner{
		logger:           logger,
		clock:            clk,
		content:          content,
		freshness:        freshness,
		versions:         versions,
		delivery:         delivery,
		activity:         activity,
		synthesizer:      synthesizer,
		fallbackDays:     triggers.FallbackDays,
		staleThreshold:   stale,
		synthesisTimeout: timeout,
	}
}

// Execute runs one trigger to completion. Returns ErrConcurrentExecution
// when a version is already in flight for the deliverable.
func (r *Runner) Execute(ctx context.Context, trigger DueTrigger) error {
	d := trigger.Deliverable

	version, err := r.versions.Create(d.ID, models.VersionGenerating)
	if err != nil {
		if errors.Is(err, ErrConcurrentExecution) {
			r.logger.Info("Trigger rejected, version in flight",
				zap.Uint("deliverable_id", d.ID),
				zap.String("family", string(trigger.Family)))
		}
		return err
	}

	assembled, summaries, err := r.assemble(d)
	if err != nil {
		return r.versions.Transition(version.ID, models.VersionFailed,
			WithError(fmt.Sprintf("source fetch failed: %v", err)))
	}

	draft, err := r.synthesize(ctx, version.ID, assembled, d.TemplateHints)
	if err != nil {
		return r.versions.Transition(version.ID, models.VersionFailed,
			WithError(err.Error()),
			WithFetchSummaries(summaries))
	}

	// Raw content referenced by this version survives TTL cleanup.
	itemIDs := make([]uint, 0, len(assembled.Items))
	for _, item := range assembled.Items {
		itemIDs = append(itemIDs, item.ID)
	}
	if err := r.content.MarkRetained(itemIDs, "version", fmt.Sprintf("version:%d", version.ID)); err != nil {
		r.logger.Error("Failed to retain version content",
			zap.Uint("version_id", version.ID), zap.Error(err))
	}

	if d.ReviewMode {
		// Legacy governance path: stage the draft and stop; review
		// transitions arrive through the API.
		return r.versions.Transition(version.ID, models.VersionStaged,
			WithDraft(draft),
			WithFetchSummaries(summaries))
	}

	version.DraftContent = draft
	version.FinalContent = draft
	result, err := r.delivery.FanOut(ctx, version, d.Destinations)
	if err != nil {
		return r.versions.Transition(version.ID, models.VersionFailed,
			WithError(fmt.Sprintf("fan-out failed: %v", err)),
			WithDraft(draft), WithFinal(draft),
			WithFetchSummaries(summaries))
	}

	if result.AllTerminalOK() {
		r.activity.Record(d.UserID, models.ActivityDeliveryCompleted,
			fmt.Sprintf("version %d of %q delivered to %d destination(s)",
				version.VersionNumber, d.Title, result.Delivered),
			WithDeliverable(d.ID), WithVersion(version.ID))
		return r.versions.Transition(version.ID, models.VersionDelivered,
			WithDraft(draft), WithFinal(draft),
			WithFetchSummaries(summaries))
	}

	// Content is preserved for retry and diagnosis even though the version
	// fails on partial delivery.
	r.activity.Record(d.UserID, models.ActivityDeliveryFailed,
		fmt.Sprintf("version %d of %q: %d destination(s) failed",
			version.VersionNumber, d.Title, result.Failed),
		WithDeliverable(d.ID), WithVersion(version.ID))
	return r.versions.Transition(version.ID, models.VersionFailed,
		WithError(fmt.Sprintf("%d of %d destinations failed", result.Failed, len(result.Records))),
		WithDraft(draft), WithFinal(draft),
		WithFetchSummaries(summaries))
}

// assemble resolves delta windows for every source the user syncs and
// pulls the in-window (or retained) content slice.
func (r *Runner) assemble(d models.Deliverable) (AssembledContent, models.FetchSummaryList, error) {
	sources, err := r.freshness.ListFreshness(d.UserID)
	if err != nil {
		return AssembledContent{}, nil, err
	}

	var assembled AssembledContent
	var summaries models.FetchSummaryList

	if len(sources) == 0 {
		// Never-synced user: one fallback window across all content.
		now := r.clock.Now()
		window := DeltaWindow{From: now.AddDate(0, 0, -r.fallbackDays), To: now}
		items, err := r.content.Query(ContentQuery{
			UserID: d.UserID,
			From:   &window.From,
			To:     &window.To,
		})
		if err != nil {
			return AssembledContent{}, nil, err
		}
		assembled.Items = items
		summary := models.SourceFetchSummary{
			ItemCount:  len(items),
			WindowFrom: window.From,
			WindowTo:   window.To,
			Stale:      true,
		}
		summaries = append(summaries, summary)
		assembled.Summaries = append(assembled.Summaries, summary)
		return assembled, summaries, nil
	}

	for _, src := range sources {
		window, err := r.freshness.ComputeDeltaWindow(d.UserID, src.Platform, src.ResourceID, r.fallbackDays)
		if err != nil {
			return AssembledContent{}, nil, err
		}
		stale, err := r.freshness.IsStale(d.UserID, src.Platform, src.ResourceID, r.staleThreshold)
		if err != nil {
			return AssembledContent{}, nil, err
		}

		items, err := r.content.Query(ContentQuery{
			UserID:     d.UserID,
			Platform:   src.Platform,
			ResourceID: src.ResourceID,
			From:       &window.From,
			To:         &window.To,
		})
		if err != nil {
			return AssembledContent{}, nil, err
		}

		assembled.Items = append(assembled.Items, items...)
		summary := models.SourceFetchSummary{
			Platform:   src.Platform,
			ResourceID: src.ResourceID,
			ItemCount:  len(items),
			WindowFrom: window.From,
			WindowTo:   window.To,
			Stale:      stale,
		}
		summaries = append(summaries, summary)
		assembled.Summaries = append(assembled.Summaries, summary)
	}
	return assembled, summaries, nil
}

// synthesize invokes the external agent under a deadline. A timeout fails
// the version with a timeout-specific message instead of leaving it
// generating indefinitely.
func (r *Runner) synthesize(ctx context.Context, versionID uint, content AssembledContent, hints string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.synthesisTimeout)
	defer cancel()

	draft, err := r.synthesizer.Synthesize(ctx, versionID, content, hints)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: synthesis timed out after %s", ErrSynthesisFailed, r.synthesisTimeout)
		}
		return "", fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	return draft, nil
}
