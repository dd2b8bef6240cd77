package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/models"
	"github.com/cadencehq/cadence/internal/service"
)

// WebhookDeliverer posts finalized content to one platform's destination
// client. The idempotency key travels as a header so the client can
// suppress duplicate posts on retry.
type WebhookDeliverer struct {
	platform models.Platform
	url      string
	client   *http.Client
	logger   *zap.Logger
}

func NewWebhookDeliverer(platform models.Platform, url string, timeout time.Duration, logger *zap.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{
		platform: platform,
		url:      url,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (d *WebhookDeliverer) GetPlatformName() models.Platform {
	return d.platform
}

type deliverRequest struct {
	Content string         `json:"content"`
	Target  string         `json:"target"`
	Format  string         `json:"format,omitempty"`
	Options models.JSONMap `json:"options,omitempty"`
}

type deliverResponse struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url"`
	Error       string `json:"error"`
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, content string, dest models.DestinationConfig, idempotencyKey string) (*service.DeliveryResult, error) {
	jsonBody, err := json.Marshal(deliverRequest{
		Content: content,
		Target:  dest.Target,
		Format:  dest.Format,
		Options: dest.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach destination client: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("destination client returned status %d: %s", resp.StatusCode, string(body))
	}

	var response deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("destination client error: %s", response.Error)
	}

	d.logger.Debug("Destination accepted content",
		zap.String("platform", string(d.platform)),
		zap.String("target", dest.Target),
		zap.String("external_id", response.ExternalID))
	return &service.DeliveryResult{
		ExternalID:  response.ExternalID,
		ExternalURL: response.ExternalURL,
	}, nil
}
