package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

var (
	heartbeatCaps  []string
	heartbeatEvery time.Duration
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <agent-id>",
	Short: "Record that an agent is alive",
	Long: `Record a heartbeat for an agent, registering it on first sight.

With --every, keep heartbeating on that interval until interrupted; a
wrapper script can run this in the background next to the agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var caps []string
		if cmd.Flags().Changed("cap") {
			caps = heartbeatCaps
			if caps == nil {
				caps = []string{}
			}
		}
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			if heartbeatEvery > 0 {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return c.NewHeartbeater(args[0], caps, heartbeatEvery).Run(ctx)
			}
			agent, err := c.Heartbeat(cmd.Context(), args[0], caps)
			if err != nil {
				return err
			}
			return emit(agent, func() {
				printStatus("♥", fmt.Sprintf("%s %s", agent.ID, colorStatus(agent.Status)), color.FgGreen)
			})
		})
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents and their liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			return emit(agents, func() { printAgentTable(agents) })
		})
	},
}

var deregisterCmd = &cobra.Command{
	Use:   "deregister <agent-id>",
	Short: "Remove an agent from the registry",
	Long: `Remove an agent from the registry. Its tasks and locks are not touched
here; the agent now counts as offline, so the next sweep requeues its tasks
and releases its locks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			removed, err := c.RemoveAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%w: %s", models.ErrAgentNotFound, args[0])
			}
			printStatus("✓", fmt.Sprintf("Removed %s", args[0]), color.FgGreen)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover tasks and locks held by offline agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			report, err := c.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return emit(report, func() {
				if report.Empty() {
					fmt.Println("Nothing to recover.")
					return
				}
				for _, t := range report.Requeued {
					printStatus("↺", fmt.Sprintf("Requeued %s (was %s)", t.ID, t.AssignedAgent), color.FgYellow)
				}
				for _, l := range report.Released {
					printStatus("↺", fmt.Sprintf("Released lock %s (was %s)", l.Key, l.Holder), color.FgYellow)
				}
			})
		})
	},
}

func init() {
	heartbeatCmd.Flags().StringSliceVar(&heartbeatCaps, "cap", nil, "Capabilities this agent offers (kept from the last heartbeat when omitted)")
	heartbeatCmd.Flags().DurationVar(&heartbeatEvery, "every", 0, "Keep heartbeating on this interval until interrupted")
}
