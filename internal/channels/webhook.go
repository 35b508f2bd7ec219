package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel постит событие как JSON на настроенный URL.
type WebhookChannel struct {
	url        string
	httpClient *http.Client
}

// NewWebhookChannel возвращает канал. При пустом URL канал выключен.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Enabled() bool { return c.url != "" }

func (c *WebhookChannel) Send(ctx context.Context, p Payload) error {
	return c.post(ctx, webhookBody{Event: string(p.Kind()), Payload: p})
}

func (c *WebhookChannel) Test(ctx context.Context) error {
	return c.post(ctx, webhookBody{Event: "ping"})
}

// webhookBody — конверт вебхука: вид события плюс его полезная нагрузка.
type webhookBody struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload,omitempty"`
}

func (c *WebhookChannel) post(ctx context.Context, body webhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
