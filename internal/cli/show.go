package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"quota-watch/internal/app"
)

var (
	showAll      bool
	historyHours int
	historyLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest usage of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{All: showAll})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <source-id>",
	Short: "Display stored samples of one source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyHours < 0 {
			return fmt.Errorf("--hours must not be negative")
		}
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{
			SourceID: args[0],
			Hours:    historyHours,
			Limit:    historyLimit,
		})
	},
}

func init() {
	showCmd.Flags().BoolVar(&showAll, "all", false, "Include inactive sources")
	historyCmd.Flags().IntVar(&historyHours, "hours", 24, "Look back this many hours (0 for all)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of samples to display")
}
