package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrSinkUnavailable 表示 webhook 熔断器处于打开状态。
var ErrSinkUnavailable = errors.New("alert sink unavailable")

// WebhookNotifier posts alerts as JSON. A gobreaker circuit stops hammering
// an endpoint that keeps failing.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

type webhookPayload struct {
	SourceID     string     `json:"source_id"`
	SourceName   string     `json:"source_name"`
	Kind         Kind       `json:"kind"`
	OccurredAt   time.Time  `json:"occurred_at"`
	UsedPct      string     `json:"used_pct,omitempty"`
	ThresholdPct string     `json:"threshold_pct,omitempty"`
	Used         string     `json:"used"`
	Limit        string     `json:"limit,omitempty"`
	PreviousUsed string     `json:"previous_used,omitempty"`
	NextResetAt  *time.Time `json:"next_reset_at,omitempty"`
	Text         string     `json:"text"`
}

// NewWebhookNotifier 构造 webhook 告警器。
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := logger.With().Str("component", "alert_webhook").Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook 熔断状态变化")
		},
	})
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: cb,
		logger:  log,
	}
}

// Notify 推送 JSON 负载。
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(toPayload(note))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send webhook request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	if err != nil {
		return err
	}

	n.logger.Info().Str("source", note.SourceID).Str("kind", string(note.Kind)).Msg("告警已发送 (Webhook)")
	return nil
}

// State exposes the breaker state for status output.
func (n *WebhookNotifier) State() gobreaker.State {
	return n.breaker.State()
}

func toPayload(note Notification) webhookPayload {
	p := webhookPayload{
		SourceID:    note.SourceID,
		SourceName:  note.SourceName,
		Kind:        note.Kind,
		OccurredAt:  note.OccurredAt.UTC(),
		Used:        note.Used.String(),
		NextResetAt: note.NextResetAt,
		Text:        renderMessage(note),
	}
	if note.Kind == KindResetDetected {
		p.PreviousUsed = note.PreviousUsed.String()
	} else {
		p.UsedPct = note.UsedPct.StringFixed(2)
		p.ThresholdPct = note.ThresholdPct.StringFixed(2)
	}
	if note.Limit.IsPositive() {
		p.Limit = note.Limit.String()
	}
	return p
}

var _ Notifier = (*WebhookNotifier)(nil)
