package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/mendel/pkg/api"
	"github.com/odvcencio/mendel/pkg/config"
	"github.com/odvcencio/mendel/pkg/fleet"
	"github.com/odvcencio/mendel/pkg/logging"
	"github.com/odvcencio/mendel/pkg/storage"
	"github.com/odvcencio/mendel/pkg/telemetry"
	"github.com/odvcencio/mendel/pkg/trial"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mendel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.MinLevel))

	store, err := storage.New(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	hub := telemetry.NewHub(cfg.Events.QueueSize)
	defer hub.Close()

	registry := fleet.NewRegistry(fleet.RegistryConfig{
		FailureThreshold: cfg.Fleet.FailureThreshold,
		RecoveryTimeout:  cfg.Fleet.RecoveryTimeout,
		SuccessThreshold: cfg.Fleet.SuccessThreshold,
		PollInterval:     cfg.Fleet.HealthPollInterval,
	}, hub, logger)
	defer registry.Stop()

	for _, svc := range cfg.Services {
		err := registry.Register(fleet.ServiceDescriptor{
			Name:        svc.Name,
			BaseURL:     svc.BaseURL,
			HealthPath:  svc.HealthPath,
			CallTimeout: svc.CallTimeout,
			MaxRetries:  svc.MaxRetries,
			AuthToken:   svc.AuthToken,
			Required:    svc.Required,
		})
		if err != nil {
			return fmt.Errorf("register service %q: %w", svc.Name, err)
		}
	}

	supervisor := trial.NewSupervisor(trial.SupervisorConfig{
		MaxConcurrentTrials: cfg.Trials.MaxConcurrent,
		Coordinator: trial.CoordinatorConfig{
			PollInterval:                     cfg.Trials.SchedulerPollInterval,
			MaxGenerationWait:                cfg.Trials.MaxGenerationWait,
			MaxConsecutiveGenerationFailures: cfg.Trials.MaxConsecutiveGenerationFailures,
			EarlyStopWindow:                  cfg.Trials.EarlyStopWindow,
			EarlyStopMinImprovement:          cfg.Trials.EarlyStopMinImprovement,
		},
	}, trial.Services{
		Agents:    fleet.NewAgentServiceClient(registry),
		Scheduler: fleet.NewSchedulerClient(registry),
		Economics: fleet.NewEconomicsClient(registry),
	}, trial.NewStoreFromStorage(store), hub, logger)

	if err := supervisor.RecoverInterrupted(); err != nil {
		return fmt.Errorf("recover interrupted trials: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry.StartHealthPolling(ctx)

	server := api.NewServer(cfg.API.Bind, supervisor, registry, hub, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info(logging.CategoryAPI, "listening", "api server listening", map[string]any{"bind": cfg.API.Bind})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(logging.CategoryAPI, "shutdown", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(logging.CategoryAPI, "shutdown_api", "api shutdown incomplete", map[string]any{"error": err.Error()})
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn(logging.CategoryTrial, "shutdown_trials", "trials did not drain", map[string]any{"error": err.Error()})
	}
	registry.Stop()
	return nil
}
