package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize tasks, agents, locks and stuck work",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			snap, err := c.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := c.PendingRecovery(cmd.Context())
			if err != nil {
				return err
			}
			return emit(snap, func() {
				printSnapshot(snap)
				if pending.NeedsRecovery() {
					fmt.Println()
					printStatus("⚠", fmt.Sprintf("%d task(s) and %d lock(s) held by offline agents; run coord sweep",
						pending.OrphanedTasks, pending.OrphanedLocks), color.FgYellow)
				}
			})
		})
	},
}

func printSnapshot(snap *orchestrator.Snapshot) {
	fmt.Printf("Store: %s\n\n", storePath())

	var counts []string
	for _, s := range models.TaskStates {
		counts = append(counts, fmt.Sprintf("%s %d", colorState(s), snap.Counts[s]))
	}
	fmt.Println("Tasks:  " + strings.Join(counts, "  "))

	byStatus := make(map[models.AgentStatus]int)
	for _, a := range snap.Agents {
		byStatus[a.Status]++
	}
	fmt.Printf("Agents: %s %d  %s %d  %s %d\n",
		colorStatus(models.AgentAlive), byStatus[models.AgentAlive],
		colorStatus(models.AgentStale), byStatus[models.AgentStale],
		colorStatus(models.AgentOffline), byStatus[models.AgentOffline])
	fmt.Printf("Locks:  %d\n", len(snap.Locks))
	fmt.Printf("Graph:  version %d\n", snap.GraphVersion)

	if len(snap.Agents) > 0 {
		fmt.Println()
		printAgentTable(snap.Agents)
	}

	if len(snap.Stuck) > 0 {
		fmt.Println()
		printStatus("⚠", fmt.Sprintf("%d task(s) can never run:", len(snap.Stuck)), color.FgYellow)
		for _, s := range snap.Stuck {
			var why []string
			for _, b := range s.BlockedBy {
				if b.Missing {
					why = append(why, b.ID+" (missing)")
				} else {
					why = append(why, fmt.Sprintf("%s (%s)", b.ID, b.State))
				}
			}
			fmt.Printf("    %s blocked by %s\n", s.Task.ID, strings.Join(why, ", "))
		}
	}
}
