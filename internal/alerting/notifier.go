package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 区分告警类型。
type Kind string

const (
	KindUsageThreshold Kind = "usage_threshold"
	KindResetDetected  Kind = "reset_detected"
)

// Notification 封装告警上下文。
type Notification struct {
	SourceID      string
	SourceName    string
	Kind          Kind
	OccurredAt    time.Time
	UsedPct       decimal.Decimal
	ThresholdPct  decimal.Decimal
	Used          decimal.Decimal
	Limit         decimal.Decimal
	PreviousUsed  decimal.Decimal
	NextResetAt   *time.Time
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("source", note.SourceID).
		Str("kind", string(note.Kind)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	name := note.SourceName
	if name == "" {
		name = note.SourceID
	}
	builder := strings.Builder{}
	switch note.Kind {
	case KindResetDetected:
		builder.WriteString("[Quota Reset]\n")
		builder.WriteString(fmt.Sprintf("Source: %s\n", name))
		builder.WriteString(fmt.Sprintf("Used: %s -> %s\n", note.PreviousUsed.StringFixed(2), note.Used.StringFixed(2)))
	default:
		builder.WriteString("[Quota Usage Alert]\n")
		builder.WriteString(fmt.Sprintf("Source: %s\n", name))
		builder.WriteString(fmt.Sprintf("Usage: %s%% (threshold %s%%)\n", note.UsedPct.StringFixed(1), note.ThresholdPct.StringFixed(1)))
		if note.Limit.IsPositive() {
			builder.WriteString(fmt.Sprintf("Used: %s / %s\n", note.Used.StringFixed(2), note.Limit.StringFixed(2)))
		}
	}
	if note.NextResetAt != nil {
		builder.WriteString(fmt.Sprintf("Next reset: %s UTC\n", note.NextResetAt.UTC().Format(time.RFC3339)))
	}
	if !note.OccurredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
