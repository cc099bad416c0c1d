package model

import (
	"encoding/json"
	"strings"
	"time"
)

// SourceKind distinguishes quota allotments from metered spend.
type SourceKind string

const (
	// KindQuota is a renewable allotment reported as used/limit or percent.
	KindQuota SourceKind = "quota"
	// KindUsageBased is pay-as-you-go spend that only ever grows within a billing cycle.
	KindUsageBased SourceKind = "usage"
)

// ParseSourceKind maps config strings onto a kind, defaulting to quota.
func ParseSourceKind(v string) SourceKind {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "usage", "usage_based", "usage-based", "payg", "spend":
		return KindUsageBased
	default:
		return KindQuota
	}
}

// InternalErrorMarker prefixes status messages produced by adapters on internal failures.
const InternalErrorMarker = "[internal error]"

// Source is a polled account. Rows are upserted, never recreated.
type Source struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	AuthSource  string          `json:"auth_source,omitempty"`
	AccountName string          `json:"account_name,omitempty"`
	AuthPresent bool            `json:"auth_present"`
	Kind        SourceKind      `json:"kind"`
	Active      bool            `json:"active"`
	System      bool            `json:"system"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Detail is a per-model or per-bucket breakdown attached to a sample.
type Detail struct {
	Name        string     `json:"name"`
	Used        float64    `json:"used"`
	Available   float64    `json:"available"`
	Percentage  float64    `json:"percentage"`
	NextResetAt *time.Time `json:"next_reset_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Sample is one timestamped usage snapshot. Available holds the allotment
// (limit) for the current cycle, zero when the source reports none.
type Sample struct {
	ID            int64      `json:"id,omitempty"`
	SourceID      string     `json:"source_id"`
	FetchedAt     time.Time  `json:"fetched_at"`
	Used          float64    `json:"used"`
	Available     float64    `json:"available"`
	Percentage    float64    `json:"percentage"`
	IsAvailable   bool       `json:"is_available"`
	StatusMessage string     `json:"status_message,omitempty"`
	NextResetAt   *time.Time `json:"next_reset_at,omitempty"`
	Details       []Detail   `json:"details,omitempty"`
	LatencyMs     int64      `json:"latency_ms"`
}

// IsPlaceholder reports whether the sample carries no data at all.
func (s Sample) IsPlaceholder() bool {
	return !s.IsAvailable && s.Used == 0 && s.Available == 0
}

// UsedPercent returns the consumed share of the allotment in percent.
func (s Sample) UsedPercent() float64 {
	if s.Available > 0 {
		return s.Used / s.Available * 100
	}
	return s.Percentage
}

// HasInternalError reports whether the adapter flagged the sample as an internal failure.
func (s Sample) HasInternalError() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s.StatusMessage)), InternalErrorMarker)
}

// ResetType classifies a detected reset.
type ResetType string

const (
	ResetQuota ResetType = "quota"
	ResetUsage ResetType = "usage"
)

// ResetEvent records a detected renewal of a source's counter or allotment.
type ResetEvent struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	SourceName   string    `json:"source_name"`
	PreviousUsed float64   `json:"previous_used"`
	NewUsed      float64   `json:"new_used"`
	ResetType    ResetType `json:"reset_type"`
	Timestamp    time.Time `json:"timestamp"`
}

// RawSnapshot keeps an adapter's raw response for diagnostics.
type RawSnapshot struct {
	SourceID   string    `json:"source_id"`
	RawPayload string    `json:"raw_payload"`
	HTTPStatus int       `json:"http_status"`
	FetchedAt  time.Time `json:"fetched_at"`
}
