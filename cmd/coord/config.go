package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify coord configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/coord/config.yaml
Project-specific overrides can be placed in .coord.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			for _, key := range configKeys {
				value, _ := getConfigValue(cfg, key)
				fmt.Printf("%s: %s\n", key, value)
			}
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// configKeys lists every settable key in display order.
var configKeys = []string{
	"store.path",
	"store.driver",
	"store.busy_timeout",
	"liveness.heartbeat_ttl",
	"liveness.grace",
	"liveness.sweep_interval",
	"locks.default_ttl",
	"scheduler.recover_on_claim",
	"server.addr",
	"server.cors_origins",
	"log.path",
	"log.level",
	"tui.refresh_rate",
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "store.path":
		return orUnset(cfg.Store.Path), nil
	case "store.driver":
		return cfg.Store.Driver, nil
	case "store.busy_timeout":
		return cfg.Store.BusyTimeout.String(), nil
	case "liveness.heartbeat_ttl":
		return cfg.Liveness.HeartbeatTTL.String(), nil
	case "liveness.grace":
		return cfg.Liveness.Grace.String(), nil
	case "liveness.sweep_interval":
		return cfg.Liveness.SweepInterval.String(), nil
	case "locks.default_ttl":
		return cfg.Locks.DefaultTTL.String(), nil
	case "scheduler.recover_on_claim":
		return strconv.FormatBool(cfg.Scheduler.RecoverOnClaim), nil
	case "server.addr":
		return cfg.Server.Addr, nil
	case "server.cors_origins":
		return orUnset(strings.Join(cfg.Server.CORSOrigins, ",")), nil
	case "log.path":
		return orUnset(cfg.Log.Path), nil
	case "log.level":
		return cfg.Log.Level, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "store.path":
		cfg.Store.Path = value
	case "store.driver":
		cfg.Store.Driver = value
	case "server.addr":
		cfg.Server.Addr = value
	case "server.cors_origins":
		cfg.Server.CORSOrigins = nil
		for _, o := range strings.Split(value, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, o)
			}
		}
	case "log.path":
		cfg.Log.Path = value
	case "log.level":
		cfg.Log.Level = value
	case "scheduler.recover_on_claim":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for recover_on_claim: %w", err)
		}
		cfg.Scheduler.RecoverOnClaim = b
	default:
		target := durationField(cfg, strings.ToLower(key))
		if target == nil {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		*target = d
	}
	return nil
}

func durationField(cfg *config.Config, key string) *time.Duration {
	switch key {
	case "store.busy_timeout":
		return &cfg.Store.BusyTimeout
	case "liveness.heartbeat_ttl":
		return &cfg.Liveness.HeartbeatTTL
	case "liveness.grace":
		return &cfg.Liveness.Grace
	case "liveness.sweep_interval":
		return &cfg.Liveness.SweepInterval
	case "locks.default_ttl":
		return &cfg.Locks.DefaultTTL
	case "tui.refresh_rate":
		return &cfg.TUI.RefreshRate
	}
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
