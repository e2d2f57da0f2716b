package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/consumer"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/correlation"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/engine"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/journal"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/opsserver"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/registry"
	"github.com/kestrel-ai/meshflow/common/artifact"
	"github.com/kestrel-ai/meshflow/common/bootstrap"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/config"
	"github.com/kestrel-ai/meshflow/common/db"
	"github.com/kestrel-ai/meshflow/common/protocol"
	"github.com/kestrel-ai/meshflow/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load config up front: whether the journal database is wired decides
	// which bootstrap options we need.
	cfg, err := config.Load("workflow-executor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []bootstrap.Option{bootstrap.WithCustomConfig(cfg)}
	if cfg.Database.Enabled {
		opts = append(opts, bootstrap.WithDBInitHook(func(database *db.DB) error {
			return journal.EnsureSchema(ctx, database)
		}))
	} else {
		opts = append(opts, bootstrap.WithoutDB())
	}

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "workflow-executor", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("workflow-executor starting")

	// Initialize dependencies
	deps, err := initializeDependencies(components)
	if err != nil {
		components.Logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	// Create all executor components
	executorComponents, err := createExecutorComponents(deps, components)
	if err != nil {
		components.Logger.Error("failed to create executor components", "error", err)
		os.Exit(1)
	}

	// Start all components
	errChan := startComponents(ctx, executorComponents, deps, components)

	components.Logger.Info("workflow-executor started successfully",
		"workflow", cfg.Executor.AgentName,
		"definition", cfg.Executor.WorkflowFile,
		"journal", cfg.Database.Enabled,
		"components", []string{
			"correlation_sweeper", "agent_registry",
			"submit_consumer", "response_consumer", "status_consumer", "discovery_consumer",
			"announcer", "ops_server",
		},
	)

	// Wait for shutdown signal or error
	waitForShutdown(ctx, cancel, errChan, components)

	components.Logger.Info("workflow-executor shutting down gracefully")
}

// dependencies holds the shared infrastructure the executor components are
// built on: the parsed definition, the bus, and the registries.
type dependencies struct {
	graph     *definition.Graph
	msgBus    bus.Bus
	artifacts artifact.Service
	topics    protocol.Topics
	agents    *registry.Registry
	correl    *correlation.Registry
	journal   journal.Journal
}

// executorComponents holds all workflow-executor components
type executorComponents struct {
	engine            *engine.Engine
	submitConsumer    *consumer.SubmitConsumer
	responseConsumer  *consumer.ResponseConsumer
	statusConsumer    *consumer.StatusConsumer
	discoveryConsumer *consumer.DiscoveryConsumer
	announcer         *registry.Announcer
	ops               *server.Server
}

// initializeDependencies loads the workflow definition and sets up the bus,
// artifact store, agent registry, correlation registry, and journal.
func initializeDependencies(components *bootstrap.Components) (*dependencies, error) {
	cfg := components.Config

	if cfg.Executor.AgentName == "" {
		return nil, fmt.Errorf("executor agent_name is required (set MESHFLOW_AGENT_NAME)")
	}
	if cfg.Executor.WorkflowFile == "" {
		return nil, fmt.Errorf("executor workflow_file is required (set MESHFLOW_WORKFLOW_FILE)")
	}

	graph, err := definition.Load(cfg.Executor.WorkflowFile)
	if err != nil {
		return nil, err
	}
	components.Logger.Info("workflow definition loaded",
		"definition", cfg.Executor.WorkflowFile,
		"workflow", cfg.Executor.AgentName,
		"nodes", len(graph.Workflow.Nodes),
	)

	// The journal is optional: without Postgres the engine records nothing.
	var jnl journal.Journal = journal.Nop{}
	if components.DB != nil {
		jnl = journal.NewPostgres(components.DB, components.Logger)
	}

	return &dependencies{
		graph:     graph,
		msgBus:    bus.NewRedisBus(components.Redis, components.Logger),
		artifacts: artifact.NewRedisService(components.Redis, components.Logger),
		topics:    protocol.NewTopics(cfg.Executor.Namespace),
		agents:    registry.New(time.Duration(cfg.Executor.AgentCardTTL)*time.Second, components.Logger),
		correl:    correlation.NewRegistry(components.Logger),
		journal:   jnl,
	}, nil
}

// createExecutorComponents initializes the engine, its consumers, the
// discovery announcer, and the operations API server.
func createExecutorComponents(deps *dependencies, components *bootstrap.Components) (*executorComponents, error) {
	cfg := components.Config
	workflowName := cfg.Executor.AgentName

	publisher := events.NewPublisher(deps.msgBus, deps.topics, workflowName, components.Logger)

	eng, err := engine.New(engine.Options{
		Graph:     deps.graph,
		Bus:       deps.msgBus,
		Artifacts: deps.artifacts,
		Agents:    deps.agents,
		Correl:    deps.correl,
		Events:    publisher,
		Journal:   deps.journal,
		Config:    cfg.Executor,
		Logger:    components.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	// Expired sub-tasks become synthetic timeout failures.
	deps.correl.OnExpiry(eng.HandleExpiry)

	ops := opsserver.New(eng, deps.agents, workflowName, components.Logger)
	announceEvery := time.Duration(cfg.Executor.AnnounceInterval) * time.Second

	return &executorComponents{
		engine:            eng,
		submitConsumer:    consumer.NewSubmitConsumer(deps.msgBus, deps.topics, workflowName, eng, components.Logger),
		responseConsumer:  consumer.NewResponseConsumer(deps.msgBus, deps.topics, workflowName, eng, components.Logger),
		statusConsumer:    consumer.NewStatusConsumer(deps.msgBus, deps.topics, workflowName, deps.correl, components.Logger),
		discoveryConsumer: consumer.NewDiscoveryConsumer(deps.msgBus, deps.topics, deps.agents, components.Logger),
		announcer:         registry.NewAnnouncer(deps.msgBus, deps.topics, deps.graph.Card(workflowName), announceEvery, components.Logger),
		ops:               server.New("ops server", cfg.Service.Port, ops.Handler(), components.Logger),
	}, nil
}

// startComponents starts all executor components in goroutines
func startComponents(ctx context.Context, ec *executorComponents, deps *dependencies, components *bootstrap.Components) chan error {
	errChan := make(chan error, 8)

	start := func(name string, run func(context.Context) error) {
		go func() {
			components.Logger.Info("starting " + name)
			if err := run(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("%s error: %w", name, err)
			}
		}()
	}

	start("correlation sweeper", deps.correl.Start)
	start("agent registry", deps.agents.Start)
	start("submit consumer", ec.submitConsumer.Start)
	start("response consumer", ec.responseConsumer.Start)
	start("status consumer", ec.statusConsumer.Start)
	start("discovery consumer", ec.discoveryConsumer.Start)
	start("announcer", ec.announcer.Start)
	start("ops server", ec.ops.Start)

	return errChan
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
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
}
