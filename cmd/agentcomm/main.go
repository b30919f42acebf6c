// Command agentcomm runs the communication substrate standalone: the
// protocol facade plus its operational collaborators (metrics server,
// liveness sweeper, optional redis audit sink). Agent processes embed the
// library directly; this binary exists for running the substrate's
// operational surface during development and soak testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentcomm-dev/agentcomm"
	"github.com/agentcomm-dev/agentcomm/audit"
	"github.com/agentcomm-dev/agentcomm/internal/tracing"
	"github.com/agentcomm-dev/agentcomm/liveness"
	"github.com/agentcomm-dev/agentcomm/pkg/config"
	"github.com/agentcomm-dev/agentcomm/pkg/observability"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentcomm",
		Short: "In-process multi-agent communication substrate",
	}
	rootCmd.AddCommand(newServeCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcomm %s\n", Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configFile string
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the substrate with its operational collaborators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile, metricsPort)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML configuration file")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "override the metrics server port")
	return cmd
}

func serve(configFile string, metricsPort int) error {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if metricsPort > 0 {
		cfg.Observability.MetricsPort = metricsPort
	}

	log.Printf("Starting agentcomm %s (metrics on :%d)", Version, cfg.Observability.MetricsPort)

	if err := tracing.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}
	observability.InitMetrics()

	protocol := agentcomm.New(
		agentcomm.WithQueueCapacity(cfg.Bus.QueueCapacity),
		agentcomm.WithBusHistoryCapacity(cfg.Bus.HistoryCapacity),
		agentcomm.WithContextHistoryCapacity(cfg.Context.HistoryCapacity),
	)

	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())
	healthChecker.RegisterCheck(observability.BusCheck(
		protocol.Bus().QueueDepths, cfg.Observability.MaxQueuedWarning))

	threshold, err := cfg.LivenessThreshold()
	if err != nil {
		return err
	}
	sweepInterval, err := cfg.SweepInterval()
	if err != nil {
		return err
	}
	sweeper := liveness.NewSweeper(protocol.Registry(), threshold)
	if err := sweeper.Start(sweepInterval); err != nil {
		return err
	}
	defer sweeper.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	obsServer := observability.NewServer(cfg.Observability.MetricsPort)
	g.Go(func() error {
		return obsServer.Start()
	})

	if cfg.Audit.Enabled {
		sink, err := audit.NewSink(cfg.Audit, protocol.Bus())
		if err != nil {
			return fmt.Errorf("start audit sink: %w", err)
		}
		defer func() { _ = sink.Close() }()
		healthChecker.RegisterCheck(observability.AuditSinkCheck(sink.Ping))

		drainInterval, err := cfg.DrainInterval()
		if err != nil {
			return err
		}
		g.Go(func() error {
			sink.Run(gctx, drainInterval)
			return nil
		})
		log.Printf("Audit sink draining to %s every %s", cfg.Audit.RedisAddr, drainInterval)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Println("Shutting down...")
	case <-gctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: metrics server shutdown: %v", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: tracing shutdown: %v", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
