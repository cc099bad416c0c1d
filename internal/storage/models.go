package storage

import (
	"encoding/json"
	"time"

	"quota-watch/internal/model"
)

// HistoryQuery selects stored samples. Zero values leave a bound open.
// Results are ascending by fetched_at; when Limit is set the most recent
// Limit rows are kept.
type HistoryQuery struct {
	SourceID string
	From     time.Time
	To       time.Time
	Limit    int
}

func encodeDetails(details []model.Detail) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}

func decodeDetails(raw []byte) ([]model.Detail, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var details []model.Detail
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, err
	}
	return details, nil
}

func configJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
