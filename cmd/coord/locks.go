package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
)

var (
	lockTTL    time.Duration
	lockHolder string
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire, release, renew and list locks",
	Long: `Locks are named leases on shared resources such as file paths.

A lock expires after its TTL unless renewed. A lock whose holder went
offline can be taken over by anyone.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <key> <agent-id>",
	Short: "Acquire a lock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			l, err := c.Acquire(cmd.Context(), args[0], args[1], lockTTL)
			if err != nil {
				return explain(err)
			}
			return emit(l, func() {
				printStatus("✓", fmt.Sprintf("%s holds %s until %s", l.Holder, l.Key, l.ExpiresAt.Local().Format(time.Kitchen)), color.FgGreen)
			})
		})
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <key> <agent-id>",
	Short: "Release a lock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			if err := c.Release(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Released %s", args[0]), color.FgGreen)
			return nil
		})
	},
}

var lockRenewCmd = &cobra.Command{
	Use:   "renew <key> <agent-id>",
	Short: "Extend a held lock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			l, err := c.Renew(cmd.Context(), args[0], args[1], lockTTL)
			if err != nil {
				return err
			}
			return emit(l, func() {
				printStatus("✓", fmt.Sprintf("%s renewed until %s", l.Key, l.ExpiresAt.Local().Format(time.Kitchen)), color.FgGreen)
			})
		})
	},
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			locks, err := c.Locks(cmd.Context(), lockHolder)
			if err != nil {
				return err
			}
			return emit(locks, func() { printLockTable(locks) })
		})
	},
}

func init() {
	lockAcquireCmd.Flags().DurationVar(&lockTTL, "ttl", 0, "Lease length (default locks.default_ttl)")
	lockRenewCmd.Flags().DurationVar(&lockTTL, "ttl", 0, "Lease length (default locks.default_ttl)")
	lockListCmd.Flags().StringVar(&lockHolder, "holder", "", "Only locks held by this agent")

	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockRenewCmd)
	lockCmd.AddCommand(lockListCmd)
}
