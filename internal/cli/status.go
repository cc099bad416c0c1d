package cli

import (
	"github.com/spf13/cobra"

	"quota-watch/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Locate the running instance and check its health",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Status(cmd.Context())
		if report.Descriptor.PID != 0 {
			app.PrintStatus(report)
		}
		return err
	},
}
