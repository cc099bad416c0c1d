package cli

import (
	"github.com/spf13/cobra"

	"quota-watch/internal/app"
)

var (
	refreshForce   bool
	refreshSources []string
	refreshBypass  bool
	refreshOnly    bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one refresh cycle in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{
			Force:         refreshForce,
			SourceIDs:     refreshSources,
			BypassBreaker: refreshBypass,
			Only:          refreshOnly,
		})
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Poll every source, including inactive ones and open circuits")
	refreshCmd.Flags().StringSliceVar(&refreshSources, "source", nil, "Source ids to include regardless of state (repeatable)")
	refreshCmd.Flags().BoolVar(&refreshBypass, "bypass-breaker", false, "Ignore open circuits")
	refreshCmd.Flags().BoolVar(&refreshOnly, "only", false, "Poll only the sources given with --source")
}
