package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook relays a notification batch as one JSON POST.
type Webhook struct {
	channel string
	url     string
	token   string
	client  *http.Client
}

// NewWebhook creates a Webhook. timeoutSeconds <= 0 means 5s.
func NewWebhook(channel, url, token string, timeoutSeconds int) *Webhook {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	return &Webhook{
		channel: channel,
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

type webhookPayload struct {
	Channel string `json:"channel"`
	Notification
}

type webhookResponse struct {
	Sent   *int `json:"sent"`
	Failed *int `json:"failed"`
}

// Dispatch posts n. A 2xx response with a {sent, failed} body is taken as
// the batch result; without a body the whole batch counts as sent.
func (w *Webhook) Dispatch(ctx context.Context, n Notification) (Result, error) {
	if len(n.Recipients) == 0 {
		return Result{}, nil
	}
	body, err := json.Marshal(webhookPayload{Channel: w.channel, Notification: n})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	failed := Result{Failed: len(n.Recipients)}
	resp, err := w.client.Do(req)
	if err != nil {
		return failed, fmt.Errorf("%s webhook: %w", w.channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return failed, fmt.Errorf("%s webhook: provider rejected request: %s", w.channel, resp.Status)
	}

	var wr webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil || wr.Sent == nil {
		return Result{Sent: len(n.Recipients)}, nil
	}
	r := Result{Sent: *wr.Sent}
	if wr.Failed != nil {
		r.Failed = *wr.Failed
	}
	return r, nil
}
