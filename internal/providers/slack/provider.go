// Package slack posts operational alerts to an incoming webhook. Delivery is
// best effort: callers treat failures as log-and-continue.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

type WebhookProvider struct {
	webhookURL string
	client     *http.Client
}

func NewWebhookProvider(webhookURL string) *WebhookProvider {
	return &WebhookProvider{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	body, err := json.Marshal(webhookPayload{Channel: channelID, Text: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
