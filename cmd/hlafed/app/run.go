package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jasonlharvey/TrickHLA/internal/api"
	"github.com/jasonlharvey/TrickHLA/internal/config"
	"github.com/jasonlharvey/TrickHLA/internal/federate"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous"
	"github.com/jasonlharvey/TrickHLA/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a federate against an in-process federation execution",
	Long: `Run a federate from a configuration file: join the federation, execute
the startup synchronization points, then drive the thread data-cycle
barrier one frame per main cycle until interrupted.`,
	RunE: runFederate,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

// StartupListName is the sync-point list executed before the frame loop
// starts.
const StartupListName = "startup"

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	runCmd.Flags().String("address", ":8080", "Diagnostics server address (overridden by api.address)")
	runCmd.Flags().Uint64("frames", 0, "Number of frames to run (0 runs until interrupted)")

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
}

func runFederate(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return err
	}
	frames, err := cmd.Flags().GetUint64("frames")
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.API != nil {
		address = cfg.API.Address
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The federation execution is in-process. A single configured federate
	// synchronizes against itself; this is the standalone checkout mode for
	// a federate's coordination setup.
	loop := rendezvous.NewLoopback()
	defer loop.Close()

	handler := &rendezvous.DeferredHandler{}
	fed := loop.Join(cfg.FederateName, handler)

	var execOpts []federate.Option
	var metricsHandler http.Handler
	if cfg.Telemetry != nil && cfg.Telemetry.Enabled {
		registry := prometheus.NewRegistry()
		provider, merr := telemetry.NewMeterProvider(telemetry.WithRegisterer(registry))
		if merr != nil {
			return fmt.Errorf("failed to set up metrics: %w", merr)
		}
		execOpts = append(execOpts, federate.WithMeterProvider(provider))
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	exec, err := federate.New(cfg, fed, execOpts...)
	if err != nil {
		return err
	}
	handler.Set(exec.Handler())

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	}
	if metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(metricsHandler))
	}
	server := &http.Server{
		Addr:         address,
		Handler:      api.NewServer(exec, serverOpts...),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Diagnostics server listening", "address", address)
		if serr := server.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server failed: %w", serr)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			slog.Error("Diagnostics server forced to shut down", "error", serr)
		}
		return nil
	})

	g.Go(func() error {
		defer stop()
		if ferr := executeStartup(ctx, exec); ferr != nil {
			return ferr
		}
		return runFrames(ctx, exec, cfg, frames)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Federate shutdown complete")
	return nil
}

// executeStartup runs the full rendezvous for every point in the startup
// list, in configured order.
func executeStartup(ctx context.Context, exec *federate.Executive) error {
	startup, ok := exec.Manager().GetList(StartupListName)
	if !ok {
		return nil
	}
	for _, label := range startup.Labels() {
		slog.Info("Executing startup sync-point", "label", label)
		if err := exec.ExecuteSyncPoint(ctx, label); err != nil {
			return err
		}
	}
	return nil
}

// runFrames paces the barrier at one frame per main cycle of wall time.
// Child thread frames run in lockstep with the main thread frame.
func runFrames(ctx context.Context, exec *federate.Executive, cfg *config.Config, frames uint64) error {
	childIDs := make([]int, 0, len(cfg.Threads))
	for _, th := range cfg.Threads {
		childIDs = append(childIDs, th.ID)
	}

	cycle := time.Duration(cfg.MainCycle * float64(time.Second))
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}

		var g errgroup.Group
		for _, id := range childIDs {
			g.Go(func() error {
				return exec.ChildFrame(ctx, id)
			})
		}
		g.Go(func() error {
			return exec.MainFrame(ctx)
		})
		if err := g.Wait(); err != nil {
			return err
		}

		frame++
		if frame%100 == 0 {
			slog.Debug("Frame loop progress", "frame", frame, "sim_time_s", exec.SimTime().Seconds())
		}
		if frames > 0 && frame >= frames {
			slog.Info("Frame budget reached", "frames", frame, "sim_time_s", exec.SimTime().Seconds())
			return nil
		}
	}
}
