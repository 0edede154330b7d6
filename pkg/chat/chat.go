// Package chat is the notify capability: post one incident card to a chat
// channel via an incoming webhook. The real client speaks the MessageCard
// format; the dry-run client returns deterministic message ids.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Card limits.
const (
	MaxSummaryLength = 200
	MaxBodyLength    = 4000
	MaxLinks         = 5
)

const requestTimeout = 10 * time.Second

// themeColor marks incident cards in the channel.
const themeColor = "d63384"

// Link is one card action button.
type Link struct {
	Name string
	URL  string
}

// SendResult reports the webhook response.
type SendResult struct {
	StatusCode int    `json:"status_code"`
	Response   string `json:"response,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Notifier posts one message.
type Notifier interface {
	SendMessage(ctx context.Context, title, bodyMD string, links []Link) (SendResult, error)
}

// WebhookNotifier posts MessageCards to an incoming-webhook URL.
type WebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewWebhookNotifier builds a webhook notifier.
func NewWebhookNotifier(webhookURL string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("chat: webhook URL is required")
	}
	return &WebhookNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

func (n *WebhookNotifier) SendMessage(ctx context.Context, title, bodyMD string, links []Link) (SendResult, error) {
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": themeColor,
		"summary":    truncate(title, MaxSummaryLength),
		"sections": []map[string]any{{
			"activityTitle": title,
			"text":          truncate(bodyMD, MaxBodyLength),
			"markdown":      true,
		}},
	}
	if len(links) > 0 {
		if len(links) > MaxLinks {
			links = links[:MaxLinks]
		}
		actions := make([]map[string]any, 0, len(links))
		for _, lnk := range links {
			name := lnk.Name
			if name == "" {
				name = "Link"
			}
			actions = append(actions, map[string]any{
				"@type":   "OpenUri",
				"name":    name,
				"targets": []map[string]string{{"os": "default", "uri": lnk.URL}},
			})
		}
		card["potentialAction"] = actions
	}

	payload, err := json.Marshal(card)
	if err != nil {
		return SendResult{}, fmt.Errorf("chat: marshal card: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("chat: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SendResult{}, fmt.Errorf("chat: webhook error %d", resp.StatusCode)
	}
	return SendResult{StatusCode: resp.StatusCode, Response: string(body)}, nil
}

// DryRunNotifier records nothing and returns deterministic message ids.
type DryRunNotifier struct {
	mu      sync.Mutex
	counter int
}

// NewDryRunNotifier builds a dry-run notifier.
func NewDryRunNotifier() *DryRunNotifier { return &DryRunNotifier{} }

func (n *DryRunNotifier) SendMessage(_ context.Context, _, _ string, _ []Link) (SendResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counter++
	return SendResult{
		StatusCode: 200,
		Response:   "DRYRUN-OK",
		MessageID:  fmt.Sprintf("dryrun-teams-%d", n.counter),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
