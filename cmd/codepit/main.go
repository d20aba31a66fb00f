package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codepit/codepit/pkg/api"
	"github.com/codepit/codepit/pkg/config"
	"github.com/codepit/codepit/pkg/dispatch"
	"github.com/codepit/codepit/pkg/events"
	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/metrics"
	"github.com/codepit/codepit/pkg/presence"
	"github.com/codepit/codepit/pkg/queue"
	"github.com/codepit/codepit/pkg/sandbox"
	"github.com/codepit/codepit/pkg/session"
	"github.com/codepit/codepit/pkg/store"
	"github.com/codepit/codepit/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codepit",
	Short: "Codepit - collaborative C++ editing and sandboxed execution",
	Long: `Codepit is the back-end for a multi-user collaborative coding
service: shared CRDT documents with presence over WebSocket, and a
sandboxed compile-and-run pipeline on containerd.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Codepit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Codepit version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Codepit service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Println("✓ Migrations applied")
		return nil
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: true,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Int("port", cfg.Port).Msg("starting codepit")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	q, err := queue.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	runner, err := sandbox.NewRunner(cfg.ContainerdSocket, cfg.SandboxImage)
	if err != nil {
		return fmt.Errorf("connect containerd: %w", err)
	}
	defer runner.Close()

	pullCtx, cancelPull := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := runner.EnsureImage(pullCtx); err != nil {
		cancelPull()
		return fmt.Errorf("ensure sandbox image: %w", err)
	}
	cancelPull()
	logger.Info().Str("image", cfg.SandboxImage).Msg("sandbox image ready")

	pool := sandbox.NewPool(runner, broker, cfg.MaxConcurrentJobs)
	pool.Start()
	defer pool.Stop()

	disp := dispatch.New(st, q, pool, broker, dispatch.Config{
		Workers:         cfg.WorkerCount,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxTimeoutMs:    cfg.MaxExecutionTimeMs,
		MaxMemory:       cfg.MaxMemoryLimit,
		MaxCPU:          cfg.MaxCPULimit,
	})
	disp.Start()
	defer disp.Stop()

	sessions := session.NewManager(st, broker)
	sessions.Start()
	defer sessions.Stop()

	tracker := presence.NewTracker(st, broker)

	sup := supervisor.New(st, pool, disp, sessions, tracker, broker)
	sup.Start()
	defer sup.Stop()

	collector := metrics.NewCollector(q, pool, sessions, broker)
	collector.Start()
	defer collector.Stop()

	srv := api.NewServer(st, disp, sessions, tracker, broker)
	srv.Start()
	defer srv.Stop()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}

	// Deferred stops run in reverse wiring order: api hub, collector,
	// supervisor, sessions (final flush), dispatcher, pool, broker,
	// queue, store.
	return nil
}
