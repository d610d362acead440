package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"opsagent/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier posts every message as JSON to one URL. A chat bridge on the
// other side fans out to the real messaging service.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Client  *http.Client
	Limiter *rate.Limiter
	Now     func() time.Time
}

// NewWebhook builds a notifier throttled to perSecond messages (0 disables throttling).
func NewWebhook(url, secret string, perSecond float64) *WebhookNotifier {
	n := &WebhookNotifier{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
		Now:    time.Now,
	}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		n.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return n
}

type webhookMessage struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	To      string `json:"to"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
	Summary any    `json:"summary,omitempty"`
}

func (n *WebhookNotifier) SendDM(ctx context.Context, email, text string) error {
	return n.post(ctx, webhookMessage{Kind: "dm", To: email, Text: text})
}

func (n *WebhookNotifier) SendChannel(ctx context.Context, channel, text string) error {
	return n.post(ctx, webhookMessage{Kind: "channel", To: channel, Text: text})
}

func (n *WebhookNotifier) SendDailySummary(ctx context.Context, user domain.User, summary domain.DailySummary) error {
	return n.post(ctx, webhookMessage{Kind: "daily_summary", To: user.Email, Text: FormatSummary(user, summary), Summary: summary})
}

func (n *WebhookNotifier) post(ctx context.Context, msg webhookMessage) error {
	if strings.TrimSpace(n.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	if n.Limiter != nil {
		if err := n.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notify throttle: %w", err)
		}
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	msg.ID = uuid.NewString()
	msg.TS = now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsagent-Kind", msg.Kind)
	req.Header.Set("X-Opsagent-Delivery", msg.ID)
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Opsagent-Secret", n.Secret)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s to %s: %w", msg.Kind, msg.To, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("deliver %s: status %d: %s", msg.Kind, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
