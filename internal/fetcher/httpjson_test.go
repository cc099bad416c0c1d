package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quota-watch/internal/config"
	"quota-watch/internal/model"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func jsonSource(url string) config.SourceConfig {
	return config.SourceConfig{
		ID:      "acme",
		Adapter: AdapterHTTPJSON,
		APIKey:  "secret",
		Options: map[string]string{
			OptURL:       url,
			OptUsedPath:  "usage.used",
			OptLimitPath: "usage.limit",
			OptResetPath: "usage.resets_at",
		},
	}
}

func TestHTTPJSONMissingURL(t *testing.T) {
	h := NewHTTPJSON(HTTPJSONOptions{}, noopLogger())
	_, err := h.Fetch(context.Background(), config.SourceConfig{ID: "x", APIKey: "k"})
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("缺少 url 应返回配置错误, 实际 %v", err)
	}
}

func TestHTTPJSONMissingKey(t *testing.T) {
	h := NewHTTPJSON(HTTPJSONOptions{}, noopLogger())
	src := jsonSource("http://127.0.0.1")
	src.APIKey = ""
	if _, err := h.Fetch(context.Background(), src); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("缺少密钥应返回配置错误, 实际 %v", err)
	}
}

func TestHTTPJSONHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "slow down"}})
	}))
	defer srv.Close()

	h := NewHTTPJSON(HTTPJSONOptions{Timeout: time.Second}, noopLogger())
	res, err := h.Fetch(context.Background(), jsonSource(srv.URL))
	if !errors.Is(err, model.ErrTransientFetch) {
		t.Fatalf("HTTP 429 应返回临时错误, 实际 %v", err)
	}
	if res.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("应保留状态码, 实际 %d", res.HTTPStatus)
	}
	if res.RawPayload == "" {
		t.Fatal("应保留原始响应")
	}
}

func TestHTTPJSONSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"usage": map[string]any{
				"used":      "25.5",
				"limit":     100,
				"resets_at": "2026-06-01T00:00:00Z",
			},
		})
	}))
	defer srv.Close()

	h := NewHTTPJSON(HTTPJSONOptions{Timeout: time.Second}, noopLogger())
	res, err := h.Fetch(context.Background(), jsonSource(srv.URL))
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("应携带 Bearer 凭证, 实际 %q", gotAuth)
	}
	if len(res.Samples) != 1 {
		t.Fatalf("期望 1 条样本, 实际 %d", len(res.Samples))
	}
	s := res.Samples[0]
	if s.Used != 25.5 || s.Available != 100 || s.Percentage != 25.5 {
		t.Fatalf("解析结果错误: %+v", s)
	}
	if s.NextResetAt == nil || !s.NextResetAt.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("重置时间解析错误: %v", s.NextResetAt)
	}
	if !s.IsAvailable || s.SourceID != "acme" {
		t.Fatalf("样本应可用且带来源 id: %+v", s)
	}
}

func TestHTTPJSONRemainingAndDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quota":{"limit":50,"remaining":20},"models":[
			{"name":"pro","used":4,"limit":10,"reset_at":1780000000},
			{"name":"","used":1}
		]}`))
	}))
	defer srv.Close()

	src := config.SourceConfig{ID: "g", APIKey: "k", Options: map[string]string{
		OptURL:           srv.URL,
		OptLimitPath:     "quota.limit",
		OptRemainingPath: "quota.remaining",
		OptDetailsPath:   "models",
	}}
	h := NewHTTPJSON(HTTPJSONOptions{Timeout: time.Second}, noopLogger())
	res, err := h.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	s := res.Samples[0]
	if s.Used != 30 || s.Available != 50 {
		t.Fatalf("应由 limit-remaining 推导 used: %+v", s)
	}
	if len(s.Details) != 1 || s.Details[0].Percentage != 40 || s.Details[0].NextResetAt == nil {
		t.Fatalf("明细解析错误: %+v", s.Details)
	}
}

func TestHTTPJSONInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(HTTPJSONOptions{Timeout: time.Second}, noopLogger())
	if _, err := h.Fetch(context.Background(), jsonSource(srv.URL)); !errors.Is(err, model.ErrTransientFetch) {
		t.Fatalf("非法 JSON 应返回临时错误, 实际 %v", err)
	}
}

func TestStaticAndRegistry(t *testing.T) {
	reg := DefaultRegistry(time.Second, noopLogger())
	a, err := reg.Resolve(" STATIC ")
	if err != nil {
		t.Fatalf("应能解析 static: %v", err)
	}
	res, err := a.Fetch(context.Background(), config.SourceConfig{ID: "sys", System: true, Options: map[string]string{
		"used": "12", "limit": "48", "reset_in": "1h",
	}})
	if err != nil {
		t.Fatalf("static 不应报错: %v", err)
	}
	s := res.Samples[0]
	if s.Percentage != 25 || s.NextResetAt == nil {
		t.Fatalf("static 样本错误: %+v", s)
	}

	_, err = reg.Resolve("missing")
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("未知适配器应返回配置错误, 实际 %v", err)
	}
	if !strings.Contains(err.Error(), "http_json, static") {
		t.Fatalf("错误信息应列出已注册适配器: %v", err)
	}
	if names := reg.Names(); len(names) != 2 {
		t.Fatalf("期望 2 个适配器, 实际 %v", names)
	}
}
