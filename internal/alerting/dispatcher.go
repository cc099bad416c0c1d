package alerting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"quota-watch/internal/config"
)

// QuietHours 在每日固定时段内抑制通知。Start 晚于 End 时窗口跨越午夜。
type QuietHours struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// ParseQuietHours 解析 HH:MM 形式的时段。
func ParseQuietHours(cfg config.QuietHoursConfig) (*QuietHours, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	start, err := parseClock(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("quiet_hours.start: %w", err)
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("quiet_hours.end: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("quiet_hours.timezone: %w", err)
		}
	}
	return &QuietHours{Start: start, End: end, Location: loc}, nil
}

// Contains reports whether t falls in the window.
func (q *QuietHours) Contains(t time.Time) bool {
	if q == nil || q.Start == q.End {
		return false
	}
	local := t.In(q.Location)
	offset := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}

func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Decision 描述一次告警的处理结果。
type Decision string

const (
	DecisionSent        Decision = "sent"
	DecisionQuiet       Decision = "quiet_hours"
	DecisionCooldown    Decision = "cooldown"
	DecisionRateLimited Decision = "rate_limited"
	DecisionNoSink      Decision = "no_sink"
	DecisionFailed      Decision = "failed"
)

// DispatcherOptions 配置告警闸门。
type DispatcherOptions struct {
	QuietHours    *QuietHours
	Cooldown      time.Duration
	RatePerMinute int
	Now           func() time.Time
}

// Dispatcher fans an alert out to every sink after applying quiet hours,
// a per-source cooldown and a global rate limit.
type Dispatcher struct {
	sinks   []Notifier
	opts    DispatcherOptions
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher 构造告警分发器。
func NewDispatcher(sinks []Notifier, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
	}
	return &Dispatcher{
		sinks:    sinks,
		opts:     opts,
		limiter:  limiter,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// FromConfig wires the configured sinks.
func FromConfig(cfg config.AlertingConfig, logger zerolog.Logger) (*Dispatcher, error) {
	quiet, err := ParseQuietHours(cfg.QuietHours)
	if err != nil {
		return nil, err
	}
	var sinks []Notifier
	if cfg.Enabled {
		if cfg.Telegram.Enabled {
			sinks = append(sinks, NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, logger))
		}
		if cfg.Webhook.Enabled {
			sinks = append(sinks, NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, logger))
		}
	}
	return NewDispatcher(sinks, DispatcherOptions{
		QuietHours:    quiet,
		Cooldown:      cfg.Cooldown,
		RatePerMinute: cfg.RatePerMinute,
	}, logger), nil
}

// Enabled reports whether any sink is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.sinks) > 0
}

// Dispatch 发送告警并返回处理结果。冷却只对阈值告警生效。
func (d *Dispatcher) Dispatch(ctx context.Context, note Notification) (Decision, error) {
	if !d.Enabled() {
		return DecisionNoSink, nil
	}
	now := d.opts.Now()
	if note.OccurredAt.IsZero() {
		note.OccurredAt = now
	}
	if d.opts.QuietHours.Contains(now) {
		d.logger.Debug().Str("source", note.SourceID).Str("kind", string(note.Kind)).Msg("静默时段内, 跳过告警")
		return DecisionQuiet, nil
	}

	key := note.SourceID + "|" + string(note.Kind)
	if note.Kind == KindUsageThreshold && d.opts.Cooldown > 0 {
		d.mu.Lock()
		last, ok := d.lastSent[key]
		d.mu.Unlock()
		if ok && now.Sub(last) < d.opts.Cooldown {
			return DecisionCooldown, nil
		}
	}
	if d.limiter != nil && !d.limiter.AllowN(now, 1) {
		d.logger.Warn().Str("source", note.SourceID).Msg("告警限流")
		return DecisionRateLimited, nil
	}

	var errs []error
	delivered := 0
	for _, sink := range d.sinks {
		if err := sink.Notify(ctx, note); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return DecisionFailed, errors.Join(errs...)
	}

	d.mu.Lock()
	d.lastSent[key] = now
	d.mu.Unlock()
	return DecisionSent, errors.Join(errs...)
}
