package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateSource  string
	simulateUsedPct float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次用量阈值告警并发送到已配置的通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateUsedPct <= 0 || simulateUsedPct > 100 {
			return errors.New("--used-pct 必须在 (0, 100] 范围内")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateSource, simulateUsedPct)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "simulated", "告警中使用的 source id")
	simulateCmd.Flags().Float64Var(&simulateUsedPct, "used-pct", 95, "模拟的已用百分比")
}
