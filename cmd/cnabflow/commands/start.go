package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/internal/telemetry"
	"github.com/marmos91/cnabflow/pkg/api"
	"github.com/marmos91/cnabflow/pkg/blob"
	blobmemory "github.com/marmos91/cnabflow/pkg/blob/memory"
	"github.com/marmos91/cnabflow/pkg/blob/s3"
	"github.com/marmos91/cnabflow/pkg/config"
	"github.com/marmos91/cnabflow/pkg/engine"
	"github.com/marmos91/cnabflow/pkg/ingest"
	"github.com/marmos91/cnabflow/pkg/lock"
	lockmemory "github.com/marmos91/cnabflow/pkg/lock/memory"
	lockredis "github.com/marmos91/cnabflow/pkg/lock/redis"
	"github.com/marmos91/cnabflow/pkg/metrics"
	"github.com/marmos91/cnabflow/pkg/queue"
	queuememory "github.com/marmos91/cnabflow/pkg/queue/memory"
	queueredis "github.com/marmos91/cnabflow/pkg/queue/redis"
	"github.com/marmos91/cnabflow/pkg/recovery"
	"github.com/marmos91/cnabflow/pkg/registry"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cnabflow server",
	Long: `Start the cnabflow server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/cnabflow/config.yaml.

Examples:
  # Start in background (default)
  cnabflow start

  # Start in foreground
  cnabflow start --foreground

  # Start with custom config file
  cnabflow start --config /etc/cnabflow/config.yaml

  # Start with environment variable overrides
  CNABFLOW_LOGGING_LEVEL=DEBUG cnabflow start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cnabflow/cnabflow.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/cnabflow/cnabflow.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "cnabflow",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "cnabflow",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("cnabflow starting",
		"version", Version,
		"mode", cfg.Pipeline.Mode,
		"config", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	// Initialize metrics (if enabled)
	var pipelineMetrics *metrics.PipelineMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		pipelineMetrics = metrics.NewPipelineMetrics()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Upload registry (SQLite or PostgreSQL)
	reg, err := registry.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("registry close error", "error", err)
		}
	}()
	logger.Info("Registry initialized", "type", string(cfg.Database.Type))

	async := cfg.Pipeline.Mode == config.ModeAsync

	// Blob store, work queue and lock manager. Async mode needs the real
	// S3 and Redis backends; sync mode runs self-contained with in-memory
	// fakes so a single node can ingest without external services.
	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		workQueue queue.Queue
		locks     lock.Manager
	)
	if async {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer func() { _ = redisClient.Close() }()

		workQueue, err = queueredis.New(ctx, redisClient, cfg.Redis.Queue)
		if err != nil {
			return fmt.Errorf("failed to initialize work queue: %w", err)
		}
		locks = lockredis.New(redisClient)
		logger.Info("Queue initialized", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Queue.Stream)
	} else {
		workQueue = queuememory.New()
		locks = lockmemory.New()
	}

	// Processing engine, intake front and recovery loop
	eng := engine.New(cfg.Pipeline.Engine, reg, blobs, workQueue, locks, pipelineMetrics)

	front := ingest.New(ingest.Config{
		Bucket:   cfg.BlobStore.Bucket,
		MaxBytes: cfg.Pipeline.MaxUploadSize.Int64(),
		Async:    async,
	}, reg, blobs, workQueue, eng, pipelineMetrics)

	rec := recovery.New(cfg.Pipeline.Recovery, reg, workQueue, pipelineMetrics)

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Start the long-running components. Each owns one goroutine and
	// stops when ctx is cancelled.
	serverDone := make(chan error, 4)
	running := 0

	if async {
		running += 2
		go func() { serverDone <- eng.Run(ctx) }()
		go func() { serverDone <- rec.Run(ctx) }()
		logger.Info("Processing engine started",
			"workers", cfg.Pipeline.Engine.ParallelWorkers,
			"checkpoint_interval", cfg.Pipeline.Engine.CheckpointInterval)
	}

	if cfg.API.IsEnabled() {
		running++
		apiServer := api.NewServer(cfg.API, api.Deps{
			Front:    front,
			Registry: reg,
			Recovery: rec,
		})
		go func() { serverDone <- apiServer.Start(ctx) }()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		running++
		metricsServer = newMetricsServer(cfg.Metrics.Port)
		go func() {
			err := metricsServer.ListenAndServe()
			if err == http.ErrServerClosed {
				err = nil
			}
			serverDone <- err
		}()
	}

	if running == 0 {
		return fmt.Errorf("nothing to run: API, metrics and async processing are all disabled")
	}

	// Wait for interrupt signal or component error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case err := <-serverDone:
		signal.Stop(sigChan)
		running--
		if err != nil && err != context.Canceled {
			logger.Error("Component failed", "error", err)
			runErr = err
		}
	}

	cancel()

	// Drain remaining components within the shutdown timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	for running > 0 {
		select {
		case err := <-serverDone:
			running--
			if err != nil && err != context.Canceled && runErr == nil {
				runErr = err
			}
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout exceeded, exiting",
				"timeout", cfg.ShutdownTimeout)
			return runErr
		}
	}

	logger.Info("Server stopped gracefully")
	return runErr
}

// buildBlobStore picks the object store backend. S3 is used whenever
// credentials or a custom endpoint are configured; otherwise a process
// local in-memory store is used, which disables crash resumption.
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	s3cfg := cfg.BlobStore.S3
	if s3cfg.AccessKeyID == "" && s3cfg.Endpoint == "" {
		if cfg.Pipeline.Mode == config.ModeAsync {
			return nil, fmt.Errorf("async mode requires an S3-compatible blob store: " +
				"set blobstore.s3.endpoint or credentials, or switch pipeline.mode to sync")
		}
		logger.Warn("No blob store configured, raw uploads are kept in memory only")
		return blobmemory.New(), nil
	}

	client, err := s3.NewClient(ctx, s3cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}
	store := s3.New(client, s3cfg)

	// Bucket bootstrap must not delay startup. If it fails, uploads will
	// error until the bucket exists.
	go func() {
		if err := store.EnsureBucket(ctx, cfg.BlobStore.Bucket); err != nil {
			logger.Warn("Bucket bootstrap failed",
				"bucket", cfg.BlobStore.Bucket,
				"error", err)
		}
	}()

	logger.Info("Blob store initialized",
		"bucket", cfg.BlobStore.Bucket,
		"endpoint", s3cfg.Endpoint,
		"region", s3cfg.Region)
	return store, nil
}

// newMetricsServer serves the Prometheus registry on its own port.
func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "cnabflow.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("cnabflow is already running (PID %d)\nUse 'cnabflow stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "cnabflow.log")
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	cmd := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("cnabflow started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'cnabflow stop' to stop the server")
	fmt.Println("Use 'cnabflow status' to check server status")

	return nil
}
