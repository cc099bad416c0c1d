package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"quota-watch/internal/alerting"
)

// SimulateAlert 通过给定的用量百分比模拟一次阈值告警，走完整的分发流程。
func (a *App) SimulateAlert(ctx context.Context, sourceID string, usedPct float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	dispatcher, err := a.newAlerts()
	if err != nil {
		return err
	}
	if !dispatcher.Enabled() {
		return errors.New("未配置任何告警通道")
	}

	decision, err := dispatcher.Dispatch(ctx, alerting.Notification{
		SourceID:      sourceID,
		SourceName:    sourceID,
		Kind:          alerting.KindUsageThreshold,
		OccurredAt:    time.Now().UTC(),
		UsedPct:       decimal.NewFromFloat(usedPct),
		ThresholdPct:  decimal.NewFromFloat(a.Config.Alerting.ThresholdPct),
		Used:          decimal.NewFromFloat(usedPct),
		Limit:         decimal.NewFromInt(100),
		AdditionalMsg: "simulated alert",
	})
	fmt.Fprintf(os.Stdout, "decision: %s\n", decision)
	return err
}
