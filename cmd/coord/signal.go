package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/api"
)

var signalCmd = &cobra.Command{
	Use:   "signal <sweep|stop>",
	Short: "Send a signal to a running coord serve",
	Long: `Drop a signal file next to the store. A running "coord serve" on the
same store picks it up: sweep runs recovery immediately, stop shuts the
server down gracefully.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{api.SignalSweep, api.SignalStop},
	RunE: func(cmd *cobra.Command, args []string) error {
		var err error
		switch args[0] {
		case api.SignalSweep:
			err = api.SendSweep(dataDir())
		case api.SignalStop:
			err = api.SendStop(dataDir())
		default:
			return fmt.Errorf("unknown signal %q (want sweep or stop)", args[0])
		}
		if err != nil {
			return fmt.Errorf("send %s signal: %w", args[0], err)
		}
		printStatus("→", fmt.Sprintf("Sent %s to %s", args[0], dataDir()), color.FgCyan)
		return nil
	},
}
