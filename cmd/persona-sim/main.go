package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/registry"
	"github.com/kestrel-ai/meshflow/common/artifact"
	"github.com/kestrel-ai/meshflow/common/bootstrap"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/config"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("persona-sim")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Bootstrap service components (Redis only, no journal)
	components, err := bootstrap.Setup(ctx, "persona-sim",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithoutDB(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	names := splitList(getEnv("MESHFLOW_SIM_PERSONAS", "persona-sim"))
	if len(names) == 0 {
		components.Logger.Error("no personas configured, set MESHFLOW_SIM_PERSONAS")
		os.Exit(1)
	}
	script, err := loadScript(os.Getenv("MESHFLOW_SIM_SCRIPT"))
	if err != nil {
		components.Logger.Error("failed to load persona script", "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewRedisBus(components.Redis, components.Logger)
	artifacts := artifact.NewRedisService(components.Redis, components.Logger)
	topics := protocol.NewTopics(cfg.Executor.Namespace)
	announceEvery := time.Duration(cfg.Executor.AnnounceInterval) * time.Second

	// One consumer and one discovery announcer per persona.
	errChan := make(chan error, 2*len(names))
	for _, name := range names {
		p := NewPersona(PersonaOpts{
			Name:      name,
			Bus:       msgBus,
			Artifacts: artifacts,
			Topics:    topics,
			AppName:   cfg.Executor.AppName,
			Script:    script[name],
			Logger:    components.Logger,
		})
		announcer := registry.NewAnnouncer(msgBus, topics, p.Card(), announceEvery, components.Logger)

		go func(name string) {
			if err := p.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("persona %s error: %w", name, err)
			}
		}(name)
		go func(name string) {
			if err := announcer.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("announcer %s error: %w", name, err)
			}
		}(name)
	}

	components.Logger.Info("persona-sim started successfully",
		"personas", names,
		"namespace", cfg.Executor.Namespace,
	)

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	components.Logger.Info("persona-sim shutting down gracefully")
}

// loadScript reads the optional persona script file: a JSON object mapping
// persona names to scripted behaviors.
func loadScript(path string) (map[string]behavior, error) {
	if path == "" {
		return map[string]behavior{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona script %s: %w", path, err)
	}
	var script map[string]behavior
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("invalid persona script %s: %w", path, err)
	}
	return script, nil
}

// splitList parses a comma-separated name list, dropping empty entries.
func splitList(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// getEnv gets an environment variable or returns a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
