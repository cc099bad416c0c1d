package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"quota-watch/internal/config"
	"quota-watch/internal/model"
)

// Adapter names understood by DefaultRegistry.
const (
	AdapterHTTPJSON = "http_json"
	AdapterStatic   = "static"
)

const maxPayloadBytes = 1 << 20

// Source options read by the HTTP JSON adapter.
const (
	OptURL           = "url"
	OptMethod        = "method"
	OptAuthHeader    = "auth_header"
	OptAuthScheme    = "auth_scheme"
	OptUsedPath      = "used_path"
	OptLimitPath     = "limit_path"
	OptPercentPath   = "percent_path"
	OptRemainingPath = "remaining_path"
	OptResetPath     = "reset_path"
	OptStatusPath    = "status_path"
	OptDetailsPath   = "details_path"
)

// HTTPJSONOptions parameterise the generic JSON adapter.
type HTTPJSONOptions struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// HTTPJSON reads usage from any JSON endpoint. Field locations come from
// per-source options as gjson paths.
type HTTPJSON struct {
	opts   HTTPJSONOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPJSON constructs the adapter.
func NewHTTPJSON(opts HTTPJSONOptions, logger zerolog.Logger) *HTTPJSON {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPJSON{
		opts:   opts,
		logger: logger.With().Str("component", "http_json_adapter").Logger(),
		client: client,
	}
}

// Fetch calls the configured endpoint and maps the response to one sample.
func (h *HTTPJSON) Fetch(ctx context.Context, src config.SourceConfig) (Result, error) {
	endpoint := strings.TrimSpace(src.Options[OptURL])
	if endpoint == "" {
		return Result{}, model.ConfigurationError(fmt.Errorf("source %s: options.url is required", src.ID))
	}
	if !src.System && !src.HasCredentials() {
		return Result{}, model.ConfigurationError(fmt.Errorf("source %s: api key missing", src.ID))
	}

	method := strings.ToUpper(strings.TrimSpace(src.Options[OptMethod]))
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return Result{}, model.ConfigurationError(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "quotawatch/1.0")
	}
	if src.HasCredentials() {
		header := src.Options[OptAuthHeader]
		if header == "" {
			header = "Authorization"
		}
		scheme, ok := src.Options[OptAuthScheme]
		if !ok {
			scheme = "Bearer"
		}
		value := strings.TrimSpace(scheme + " " + src.APIKey)
		req.Header.Set(header, value)
	}

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, model.TransientFetchError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return Result{HTTPStatus: resp.StatusCode}, model.TransientFetchError(err)
	}
	latency := time.Since(started)
	res := Result{RawPayload: string(payload), HTTPStatus: resp.StatusCode}

	if resp.StatusCode >= http.StatusBadRequest {
		return res, model.TransientFetchError(parseHTTPError(resp.StatusCode, payload))
	}
	if !gjson.ValidBytes(payload) {
		return res, model.TransientFetchError(errors.New("response is not valid JSON"))
	}

	sample, err := extractSample(gjson.ParseBytes(payload), src)
	if err != nil {
		return res, model.TransientFetchError(err)
	}
	sample.FetchedAt = time.Now().UTC()
	sample.LatencyMs = latency.Milliseconds()
	res.Samples = []model.Sample{sample}

	h.logger.Debug().Str("source", src.ID).
		Int("status", resp.StatusCode).
		Float64("used", sample.Used).
		Dur("latency", latency).
		Msg("source fetched")
	return res, nil
}

func extractSample(doc gjson.Result, src config.SourceConfig) (model.Sample, error) {
	opts := src.Options
	sample := model.Sample{SourceID: src.ID, IsAvailable: true, StatusMessage: "ok"}

	used, hasUsed, err := numberAt(doc, opts[OptUsedPath])
	if err != nil {
		return sample, fmt.Errorf("used: %w", err)
	}
	limit, hasLimit, err := numberAt(doc, opts[OptLimitPath])
	if err != nil {
		return sample, fmt.Errorf("limit: %w", err)
	}
	remaining, hasRemaining, err := numberAt(doc, opts[OptRemainingPath])
	if err != nil {
		return sample, fmt.Errorf("remaining: %w", err)
	}
	percent, hasPercent, err := numberAt(doc, opts[OptPercentPath])
	if err != nil {
		return sample, fmt.Errorf("percentage: %w", err)
	}

	if !hasUsed && hasLimit && hasRemaining {
		used, hasUsed = limit-remaining, true
	}
	if !hasLimit && hasUsed && hasRemaining {
		limit, hasLimit = used+remaining, true
	}
	if !hasUsed && !hasPercent {
		return sample, errors.New("neither used nor percentage found in response")
	}

	sample.Used = used
	if hasLimit {
		sample.Available = limit
	}
	switch {
	case hasPercent:
		sample.Percentage = percent
	case hasLimit && limit > 0:
		sample.Percentage = used / limit * 100
	}
	if !hasUsed {
		sample.Used = sample.Percentage
		if !hasLimit {
			sample.Available = 100
		}
	}

	if path := opts[OptResetPath]; path != "" {
		if at, ok := timeAt(doc.Get(path)); ok {
			sample.NextResetAt = &at
		}
	}
	if path := opts[OptStatusPath]; path != "" {
		if msg := doc.Get(path); msg.Exists() {
			sample.StatusMessage = msg.String()
		}
	}
	if path := opts[OptDetailsPath]; path != "" {
		sample.Details = extractDetails(doc.Get(path))
	}
	return sample, nil
}

// extractDetails reads an array of {name, used, limit, percentage, reset_at} objects.
func extractDetails(arr gjson.Result) []model.Detail {
	if !arr.IsArray() {
		return nil
	}
	var out []model.Detail
	arr.ForEach(func(_, item gjson.Result) bool {
		name := item.Get("name").String()
		if name == "" {
			return true
		}
		d := model.Detail{Name: name, Description: item.Get("description").String()}
		d.Used, _, _ = numberAt(item, "used")
		d.Available, _, _ = numberAt(item, "limit")
		if pct, ok, _ := numberAt(item, "percentage"); ok {
			d.Percentage = pct
		} else if d.Available > 0 {
			d.Percentage = d.Used / d.Available * 100
		}
		if at, ok := timeAt(item.Get("reset_at")); ok {
			d.NextResetAt = &at
		}
		out = append(out, d)
		return true
	})
	return out
}

// numberAt accepts JSON numbers and numeric strings; strings go through
// decimal so values like "12.50" or "1e3" parse exactly.
func numberAt(doc gjson.Result, path string) (float64, bool, error) {
	if path == "" {
		return 0, false, nil
	}
	v := doc.Get(path)
	switch v.Type {
	case gjson.Null:
		return 0, false, nil
	case gjson.Number:
		return v.Float(), true, nil
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(v.Str))
		if err != nil {
			return 0, false, fmt.Errorf("parse %q at %s: %w", v.Str, path, err)
		}
		return d.InexactFloat64(), true, nil
	default:
		return 0, false, fmt.Errorf("unexpected %s at %s", v.Type, path)
	}
}

// timeAt accepts RFC 3339 strings and unix timestamps in seconds or milliseconds.
func timeAt(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		t, err := time.Parse(time.RFC3339, v.Str)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case gjson.Number:
		n := v.Int()
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func parseHTTPError(status int, payload []byte) error {
	if gjson.ValidBytes(payload) {
		doc := gjson.ParseBytes(payload)
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if v := doc.Get(path); v.Exists() && v.Type == gjson.String && v.Str != "" {
				return fmt.Errorf("upstream error (%d): %s", status, v.Str)
			}
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("upstream error (%d): %s", status, body)
	}
	return fmt.Errorf("upstream error (%d)", status)
}

var _ Adapter = (*HTTPJSON)(nil)
