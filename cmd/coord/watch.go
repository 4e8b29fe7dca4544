package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/internal/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live dashboard of tasks, agents and locks",
	Long: `Watch polls the store and shows tasks, agents, locks, stuck tasks and
an activity log of what changed between refreshes.

Keys: tab to switch panels, arrows to scroll, r to refresh, s to sweep,
q to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval := cfg.TUI.RefreshRate
		if watchInterval > 0 {
			interval = watchInterval
		}
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			return tui.Run(c, interval, storePath())
		})
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Refresh interval (default tui.refresh_rate)")
}
