// Package agent holds HTTP clients for the external collaborators: the
// synthesis agent that drafts deliverable content and the per-platform
// destination services that post it. Both are consumed through the narrow
// interfaces in the service package; nothing here knows platform APIs.
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

	"github.com/cadencehq/cadence/internal/service"
)

// HTTPSynthesizer calls the synthesis agent over HTTP.
type HTTPSynthesizer struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPSynthesizer(url string, timeout time.Duration, logger *zap.Logger) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type synthesizeRequest struct {
	VersionID     uint                     `json:"version_id"`
	Content       service.AssembledContent `json:"content"`
	TemplateHints string                   `json:"template_hints"`
}

type synthesizeResponse struct {
	Draft string `json:"draft"`
	Error string `json:"error"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, versionID uint, content service.AssembledContent, templateHints string) (string, error) {
	jsonBody, err := json.Marshal(synthesizeRequest{
		VersionID:     versionID,
		Content:       content,
		TemplateHints: templateHints,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach synthesis agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("synthesis agent returned status %d: %s", resp.StatusCode, string(body))
	}

	var response synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return "", fmt.Errorf("synthesis agent error: %s", response.Error)
	}

	s.logger.Debug("Synthesis completed",
		zap.Uint("version_id", versionID),
		zap.Int("draft_bytes", len(response.Draft)))
	return response.Draft, nil
}
