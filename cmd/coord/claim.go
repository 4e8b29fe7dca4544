package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

var (
	claimCaps    []string
	claimWait    bool
	claimTimeout time.Duration
)

var claimCmd = &cobra.Command{
	Use:   "claim <agent-id>",
	Short: "Claim the best runnable task for an agent",
	Long: `Claim the highest-priority runnable task, oldest first among equals.
A task is runnable when it is queued and all of its dependencies completed.

Without --cap the agent may claim any task. With --cap, only tasks whose
required capabilities are all listed qualify.

Claiming counts as a heartbeat. With --wait, coord polls with backoff until
a task becomes runnable or --timeout passes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := args[0]
		var filter []string
		if cmd.Flags().Changed("cap") {
			filter = claimCaps
			if filter == nil {
				filter = []string{}
			}
		}

		return withCoordinator(func(c *orchestrator.Coordinator) error {
			task, err := claim(cmd.Context(), c, agentID, filter)
			if errors.Is(err, models.ErrNoRunnableTask) && !flagJSON {
				printStatus("·", "No runnable task.", color.FgYellow)
				return err
			}
			if err != nil {
				return err
			}
			return emit(task, func() {
				printStatus("✓", fmt.Sprintf("%s claimed %s", agentID, task.ID), color.FgGreen)
				printTask(task)
			})
		})
	},
}

func claim(ctx context.Context, c *orchestrator.Coordinator, agentID string, filter []string) (*models.Task, error) {
	if !claimWait {
		return c.Claim(ctx, agentID, filter)
	}

	var task *models.Task
	op := func() error {
		t, err := c.Claim(ctx, agentID, filter)
		if errors.Is(err, models.ErrNoRunnableTask) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		task = t
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(pollBackoff(claimTimeout), ctx)); err != nil {
		return nil, err
	}
	return task, nil
}

func init() {
	claimCmd.Flags().StringSliceVar(&claimCaps, "cap", nil, "Capabilities this agent offers")
	claimCmd.Flags().BoolVarP(&claimWait, "wait", "w", false, "Wait until a task becomes runnable")
	claimCmd.Flags().DurationVar(&claimTimeout, "timeout", 10*time.Minute, "How long --wait polls before giving up")
}
