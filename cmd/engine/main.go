// Command engine runs the strategos strategy execution and settlement engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/app/scheduler"
	"github.com/coachpo/strategos/internal/infra/config"
	"github.com/coachpo/strategos/internal/infra/logging"
	"github.com/coachpo/strategos/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 60 * time.Second
	schedulerShutdownTimeout = 45 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, envFile := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, cancel, cfgPath, envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", ".env", "Optional KEY=VALUE file loaded before STRATEGOS_* overrides")
	flag.Parse()
	return resolveConfigPath(*cfgPath), *envFile
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func loadConfig(ctx context.Context, path, envFile string) (config.AppConfig, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.AppConfig{}, err
	}
	cfg, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(&cfg, nil); err != nil {
		return config.AppConfig{}, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cancel context.CancelFunc, cfgPath, envFile string) error {
	appCfg, err := loadConfig(ctx, cfgPath, envFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:       appCfg.Logging.Level,
		Format:      appCfg.Logging.Format,
		Environment: string(appCfg.Environment),
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration initialised",
		zap.String("config", cfgPath),
		zap.String("environment", string(appCfg.Environment)),
		zap.String("storage", string(appCfg.Database.Backend)),
		zap.String("provider", appCfg.Provider.Adapter))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		return err
	}

	eng, err := buildEngine(ctx, appCfg, logger, telemetryProvider)
	if err != nil {
		shutdownTelemetry(logger, telemetryProvider)
		return err
	}

	if appCfg.Engine.Recover() {
		recovered, err := eng.orchestrator.RecoverInterrupted(ctx)
		if err != nil {
			logger.Warn("recover interrupted executions", zap.Error(err))
		} else if recovered > 0 {
			logger.Info("interrupted executions failed", zap.Int("count", recovered))
		}
	}
	if _, err := eng.control.RestoreSchedules(ctx); err != nil {
		logger.Warn("restore schedules", zap.Error(err))
	}

	var lifecycle conc.WaitGroup
	eng.scheduler.Start()

	apiServer := eng.server
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", zap.Error(err))
			cancel()
		}
	})
	logger.Info("engine started; awaiting shutdown signal",
		zap.String("addr", apiServer.Addr),
		zap.String("owner", eng.orchestrator.Owner()))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		scheduler:     eng.scheduler,
		lifecycle:     &lifecycle,
		closeEngine:   eng.close,
		telemetry:     telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func initTelemetry(ctx context.Context, logger *zap.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.EnableMetrics,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: cfg.Telemetry.MetricInterval,
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    string(cfg.Environment),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialized",
			zap.String("endpoint", cfg.Telemetry.OTLPEndpoint),
			zap.String("service", cfg.Telemetry.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func shutdownTelemetry(logger *zap.Logger, provider *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	scheduler     *scheduler.Scheduler
	lifecycle     *conc.WaitGroup
	closeEngine   func()
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", cfg.serverTimeout, cfg.server.Shutdown)
	}
	// In-flight runs finish before storage goes away.
	if cfg.scheduler != nil {
		shutdownStep("stopping scheduler", schedulerShutdownTimeout, cfg.scheduler.Stop)
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}
	if cfg.closeEngine != nil {
		cfg.closeEngine()
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
