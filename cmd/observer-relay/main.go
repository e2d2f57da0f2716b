// Command observer-relay bridges the executor's observer feed to WebSocket
// clients: it tails every observer topic in the namespace and fans events
// out to the connections watching each workflow task id, so dashboards can
// follow executions without speaking the bus protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrel-ai/meshflow/common/bootstrap"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/config"
	"github.com/kestrel-ai/meshflow/common/protocol"
	"github.com/kestrel-ai/meshflow/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("observer-relay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	components, err := bootstrap.Setup(ctx, "observer-relay",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithoutDB(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	log := components.Logger
	log.Info("observer-relay starting")

	msgBus := bus.NewRedisBus(components.Redis, log)
	topics := protocol.NewTopics(cfg.Executor.Namespace)

	hub := NewHub(log)
	tail := NewTail(msgBus, topics, hub, log)
	srv := server.New("relay server", cfg.Service.Port, newHandler(hub, log), log)

	errChan := make(chan error, 3)
	start := func(name string, run func(context.Context) error) {
		go func() {
			log.Info("starting " + name)
			if err := run(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("%s error: %w", name, err)
			}
		}()
	}

	start("hub", hub.Run)
	start("observer tail", tail.Start)
	start("relay server", srv.Start)

	log.Info("observer-relay started successfully",
		"namespace", cfg.Executor.Namespace,
		"port", cfg.Service.Port,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	log.Info("observer-relay shutting down gracefully")
}
