package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quota-watch/internal/config"
	"quota-watch/internal/model"
)

// Static returns a fixed sample built from the source options. It backs
// system sources and simulations; it never needs credentials.
type Static struct {
	now func() time.Time
}

// NewStatic constructs the adapter.
func NewStatic() *Static {
	return &Static{now: time.Now}
}

// Fetch implements Adapter.
func (s *Static) Fetch(ctx context.Context, src config.SourceConfig) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, model.TransientFetchError(err)
	}
	opts := src.Options
	sample := model.Sample{
		SourceID:      src.ID,
		FetchedAt:     s.now().UTC(),
		IsAvailable:   true,
		StatusMessage: "ok",
	}

	var err error
	if sample.Used, err = optNumber(opts, "used"); err != nil {
		return Result{}, model.ConfigurationError(err)
	}
	if sample.Available, err = optNumber(opts, "limit"); err != nil {
		return Result{}, model.ConfigurationError(err)
	}
	if sample.Percentage, err = optNumber(opts, "percentage"); err != nil {
		return Result{}, model.ConfigurationError(err)
	}
	if sample.Percentage == 0 && sample.Available > 0 {
		sample.Percentage = sample.Used / sample.Available * 100
	}
	if v := strings.TrimSpace(opts["available"]); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return Result{}, model.ConfigurationError(fmt.Errorf("options.available: %w", err))
		}
		sample.IsAvailable = ok
	}
	if v := opts["status"]; v != "" {
		sample.StatusMessage = v
	}
	if v := strings.TrimSpace(opts["reset_in"]); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Result{}, model.ConfigurationError(fmt.Errorf("options.reset_in: %w", err))
		}
		at := sample.FetchedAt.Add(d)
		sample.NextResetAt = &at
	}
	return Result{Samples: []model.Sample{sample}, HTTPStatus: 200}, nil
}

func optNumber(opts map[string]string, key string) (float64, error) {
	v := strings.TrimSpace(opts[key])
	if v == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, fmt.Errorf("options.%s: %w", key, err)
	}
	return d.InexactFloat64(), nil
}

var _ Adapter = (*Static)(nil)
