package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/config"
	"github.com/ShayCichocki/coord/internal/state"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Create a project store",
	Long: `Initialize a directory for use with coord.

This command sets up:
  - .coord/state.db, the shared SQLite store
  - .coord/logs for the debug log
  - .coord.yaml with the project's liveness and lock settings

Commands run anywhere inside the directory then use this store instead of
the per-user one.

Examples:
  coord init              # Initialize current directory
  coord init ./myproject  # Initialize specific directory
  coord init --force      # Rewrite .coord.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing .coord.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}

	fmt.Printf("Initializing coord in %s...\n\n", absPath)

	coordDir := filepath.Join(absPath, ".coord")
	logsDir := filepath.Join(coordDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", logsDir, err)
	}
	printStatus("✓", "Created .coord/", color.FgGreen)

	dbPath := state.ProjectDBPath(absPath)
	db, err := state.OpenWithOptions(dbPath, state.Options{
		Driver:      cfg.Store.Driver,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		printStatus("✗", "Could not open store", color.FgRed)
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		printStatus("✗", "Could not migrate store", color.FgRed)
		return err
	}
	printStatus("✓", "Store ready at .coord/state.db", color.FgGreen)

	configPath := filepath.Join(absPath, ".coord.yaml")
	if fileExists(configPath) && !initForce {
		printStatus("⚠", ".coord.yaml exists (use --force to rewrite)", color.FgYellow)
	} else {
		projectCfg := config.Default()
		projectCfg.Store.Path = dbPath
		projectCfg.Log.Path = filepath.Join(logsDir, "coord-debug.log")
		if err := config.SaveTo(projectCfg, configPath); err != nil {
			return fmt.Errorf("writing .coord.yaml: %w", err)
		}
		printStatus("✓", "Wrote .coord.yaml", color.FgGreen)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  coord submit \"first task\"    # queue work")
	fmt.Println("  coord heartbeat worker-1 --every 10s &")
	fmt.Println("  coord claim worker-1 --wait   # take the next runnable task")
	fmt.Println("  coord watch                   # open the dashboard")
	return nil
}
