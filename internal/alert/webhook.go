package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// ErrRateLimited is returned when an alert is dropped by the limiter
var ErrRateLimited = errors.New("alert rate limit exceeded")

// WebhookConfig configures a webhook sender
type WebhookConfig struct {
	URL      string
	Username string
	// Rate is the sustained number of alerts per second; Burst the bucket size.
	Rate    float64
	Burst   int
	Timeout time.Duration
}

// DefaultWebhookConfig returns defaults for url
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:      url,
		Username: "Otedama Fleet",
		Rate:     1,
		Burst:    5,
		Timeout:  5 * time.Second,
	}
}

// Webhook posts alerts as JSON. The payload carries a chat-compatible
// text and attachment plus the raw alert.
type Webhook struct {
	logger     *zap.Logger
	config     WebhookConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// WebhookMessage is the JSON body posted for each alert
type WebhookMessage struct {
	Text        string       `json:"text"`
	Username    string       `json:"username,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Alert       fleet.Alert  `json:"alert"`
}

// Attachment is a colored detail block
type Attachment struct {
	Fallback  string  `json:"fallback,omitempty"`
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Text      string  `json:"text,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

// Field is a titled value within an attachment
type Field struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value,omitempty"`
	Short bool   `json:"short,omitempty"`
}

// NewWebhook creates a webhook sender
func NewWebhook(logger *zap.Logger, config WebhookConfig) (*Webhook, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}

	return &Webhook{
		logger: logger.Named("webhook"),
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(limit, config.Burst),
	}, nil
}

// Send posts the alert. Non-2xx responses are errors.
func (w *Webhook) Send(ctx context.Context, a fleet.Alert) error {
	if !w.limiter.Allow() {
		return ErrRateLimited
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	payload, err := json.Marshal(w.message(a))
	if err != nil {
		return fmt.Errorf("error marshaling webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-ID", a.ID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected webhook response status: %s", resp.Status)
	}

	w.logger.Debug("Alert delivered",
		zap.String("alert_id", a.ID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func (w *Webhook) message(a fleet.Alert) WebhookMessage {
	color := "#FFA500"
	if a.Severity == "critical" {
		color = "#FF0000"
	}

	title := "Fleet risk alert"
	if a.Kind == fleet.AlertKindAdvisory {
		title = "Fleet optimization advisory"
	}

	fields := []Field{
		{Title: "Severity", Value: a.Severity, Short: true},
		{Title: "Risk score", Value: fmt.Sprintf("%d", a.Score), Short: true},
	}
	if a.UnitID != "" {
		fields = append(fields, Field{Title: "Unit", Value: a.UnitID, Short: true})
	}
	fields = append(fields, Field{Title: "Time", Value: a.Timestamp.Format(time.RFC1123)})

	return WebhookMessage{
		Text:     fmt.Sprintf("[%s] %s", a.Severity, a.Message),
		Username: w.config.Username,
		Attachments: []Attachment{{
			Fallback:  a.Message,
			Color:     color,
			Title:     title,
			Text:      a.Message,
			Fields:    fields,
			Footer:    "otedama-fleet",
			Timestamp: a.Timestamp.Unix(),
		}},
		Alert: a,
	}
}
