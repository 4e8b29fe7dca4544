package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/coord/internal/api"
	"github.com/ShayCichocki/coord/internal/orchestrator"
)

var (
	serveAddr  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the coordinator over HTTP and run periodic recovery",
	Long: `Serve exposes the coordinator as a JSON API under /v1, Prometheus
metrics under /metrics and a server-sent event stream under /v1/events.

While serving, a background sweeper requeues tasks and releases locks held
by offline agents every liveness.sweep_interval. "coord signal sweep" asks
for an immediate sweep; "coord signal stop" shuts the server down.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Run gin in debug mode")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	// The serve log goes to stderr as well as the configured file.
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	console := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := orchestrator.MustNewMetrics(reg)

	coord := orchestrator.New(db, coordinatorOptions(
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	)...)
	defer coord.Close()

	srvCfg := api.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	srvCfg.Debug = serveDebug
	server := api.NewServer(coord, srvCfg, reg)

	signals, err := api.NewSignalWatcher(dataDir())
	if err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}
	defer signals.Close()

	sweeper := orchestrator.NewSweeper(coord, cfg.Liveness.SweepInterval)
	events, unsubscribe := coord.Events().Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printStatus("●", fmt.Sprintf("Serving %s on http://%s", storePath(), srvCfg.Addr), color.FgGreen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-signals.Sweeps():
				console.Info().Msg("sweep requested")
				sweeper.Trigger()
			case <-signals.Stopped():
				console.Info().Msg("stop requested")
				cancel()
				return nil
			case <-ticker.C:
				signals.Poll()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				logEvent(console, ev)
			}
		}
	})

	err = g.Wait()
	signals.ClearSignals()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printStatus("○", "Stopped", color.FgYellow)
	return nil
}

func logEvent(l zerolog.Logger, ev orchestrator.OrchestratorEvent) {
	var e *zerolog.Event
	switch {
	case ev.Error != "":
		e = l.Warn().Str("error", ev.Error)
	case ev.Type == orchestrator.EventSweepCompleted, ev.Type == orchestrator.EventLockReclaimed:
		e = l.Info()
	default:
		e = l.Debug()
	}
	if ev.TaskID != "" {
		e = e.Str("task", ev.TaskID)
	}
	if ev.AgentID != "" {
		e = e.Str("agent", ev.AgentID)
	}
	if ev.LockKey != "" {
		e = e.Str("lock", ev.LockKey)
	}
	e.Str("event", string(ev.Type)).Msg(ev.Message)
}
