package service

import (
	"context"
	"time"

	"github.com/cadencehq/cadence/internal/models"
)

// AssembledContent is the content slice handed to the synthesis agent.
type AssembledContent struct {
	Items     []models.ContentItem        `json:"items"`
	Summaries []models.SourceFetchSummary `json:"summaries"`
}

// Synthesizer is the external agent that drafts deliverable content.
type Synthesizer interface {
	Synthesize(ctx context.Context, versionID uint, content AssembledContent, templateHints string) (string, error)
}

// DeliveryResult is what a destination client reports back.
type DeliveryResult struct {
	ExternalID  string
	ExternalURL string
	DeliveredAt time.Time
}

// Deliverer is a per-platform destination client. The idempotency key is
// stable across retries of the same (version, destination) pair so clients
// can suppress duplicate posts.
type Deliverer interface {
	GetPlatformName() models.Platform
	Deliver(ctx context.Context, content string, dest models.DestinationConfig, idempotencyKey string) (*DeliveryResult, error)
}
