package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/config"
	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/internal/state"
)

var (
	flagConfig string
	flagDB     string
	flagDriver string
	flagJSON   bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "coord",
	Short: "Task coordinator for cooperating agents",
	Long: `coord keeps a shared queue of tasks with dependencies, hands runnable
tasks to agents, tracks agent liveness through heartbeats, and grants
short-lived locks on shared resources.

Every command talks to the same SQLite store, so agents on one machine can
coordinate by running coord directly, or through "coord serve" over HTTP.

Agents that stop heartbeating lose their tasks and locks after the
heartbeat TTL plus a grace period.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flagConfig != "" {
			cfg, err = config.LoadFromPath(flagConfig)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if flagDB != "" {
			cfg.Store.Path = flagDB
		}
		if flagDriver != "" {
			cfg.Store.Driver = flagDriver
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: ~/.config/coord/config.yaml and .coord.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite store path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "SQLite driver: sqlite or sqlite3")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print results as JSON")

	// Tasks
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(closureCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(stuckCmd)

	// Agents
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(deregisterCmd)
	rootCmd.AddCommand(sweepCmd)

	// Locks and channel
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(artifactCmd)

	// Operation
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// storePath resolves the configured store, preferring a project store in
// the working directory when no path is configured.
func storePath() string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	if cwd, err := os.Getwd(); err == nil {
		if p := state.ProjectDBPath(cwd); fileExists(p) {
			return p
		}
	}
	return state.DefaultDBPath()
}

// dataDir is the directory holding the store, signals and logs.
func dataDir() string {
	return filepath.Dir(storePath())
}

// openStore opens and migrates the configured store.
func openStore() (*state.DB, error) {
	db, err := state.OpenWithOptions(storePath(), state.Options{
		Driver:      cfg.Store.Driver,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}

// coordinatorOptions maps config onto coordinator options.
func coordinatorOptions(extra ...orchestrator.Option) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithHeartbeatTTL(cfg.Liveness.HeartbeatTTL),
		orchestrator.WithGrace(cfg.Liveness.Grace),
		orchestrator.WithLockTTL(cfg.Locks.DefaultTTL),
		orchestrator.WithRecoverOnClaim(cfg.Scheduler.RecoverOnClaim),
	}
	return append(opts, extra...)
}

// withCoordinator opens the store, builds a coordinator and runs fn.
func withCoordinator(fn func(c *orchestrator.Coordinator) error) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	logger, err := orchestrator.NewDebugLogger(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	c := orchestrator.New(db, coordinatorOptions(orchestrator.WithLogger(logger))...)
	defer c.Close()
	return fn(c)
}

// pollBackoff is the schedule for commands that wait on the store.
func pollBackoff(maxWait time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait
	return b
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
