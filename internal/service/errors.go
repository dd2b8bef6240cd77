package service

import "errors"

// Error taxonomy. Synthesis and destination errors are captured on the
// version/delivery records and never escape the scheduler loop.
var (
	// ErrSourceUnavailable means a sync/fetch failed upstream; the sync
	// worker retries, not this core.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrStaleContent marks freshness below threshold. Non-fatal: the
	// generated output is annotated instead of suppressed.
	ErrStaleContent = errors.New("stale content")

	// ErrSynthesisFailed covers agent errors and timeouts; the version
	// moves to failed.
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrDestinationFailed is per-destination and does not fail sibling
	// destinations.
	ErrDestinationFailed = errors.New("destination delivery failed")

	// ErrConcurrentExecution means a trigger arrived while a version was
	// already in flight for the deliverable. Logged, not retried.
	ErrConcurrentExecution = errors.New("concurrent execution rejected")

	// ErrInvalidSchedule marks an expression the evaluator cannot handle;
	// the deliverable is flagged for external recalculation.
	ErrInvalidSchedule = errors.New("invalid schedule expression")

	ErrNotFound    = errors.New("record not found")
	ErrRateLimited = errors.New("rate limited")
)
