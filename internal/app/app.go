// Package app assembles the console agent from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog"

	"console_agent/internal/config"
	"console_agent/internal/core"
	"console_agent/internal/llm"
	"console_agent/internal/logger"
	"console_agent/internal/metrics"
	"console_agent/internal/nodes"
	"console_agent/internal/server"
	"console_agent/internal/services"
	"console_agent/internal/storage"
	"console_agent/internal/tools"
)

// Container owns every long-lived component of the process.
type Container struct {
	Config   *config.Config
	Agents   *config.AgentsConfig
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Store    storage.Store
	Executor services.CommandExecutor
	Tools    *tools.Registry
	Graph    *core.DefaultGraphProcessor
	Server   *server.Server
}

// Options override collaborators, mainly for tests.
type Options struct {
	Store     storage.Store
	ChatModel model.ToolCallingChatModel
	Clusters  services.ClusterService
	Services  services.ServiceCatalog
	Executor  services.CommandExecutor
}

// New builds the container. On error, everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Container, err error) {
	c := &Container{
		Config:  cfg,
		Logger:  logger.Component("app"),
		Metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Agents, err = config.LoadAgents(cfg.Graph.AgentsFile)
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	c.Store = opts.Store
	if c.Store == nil {
		c.Store, err = storage.Open(ctx, cfg.Store, storage.Options{})
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
		}
	}

	clusters, catalog := c.inventory(opts)
	c.Executor, err = c.executor(opts)
	if err != nil {
		return nil, err
	}
	c.Tools = tools.NewConsoleRegistry(tools.Deps{
		Clusters: clusters,
		Services: catalog,
		Executor: c.Executor,
	}, tools.Options{
		Timeout:               cfg.Tools.Timeout,
		AllowMutatingCommands: cfg.Tools.AllowMutatingCommands,
		Metrics:               c.Metrics,
	})

	chatModel := opts.ChatModel
	if chatModel == nil {
		chatModel, err = llm.NewChatModel(ctx, cfg.Model)
		if err != nil {
			return nil, err
		}
	}

	c.Graph, err = c.buildGraph(ctx, chatModel)
	if err != nil {
		return nil, err
	}
	c.Server = server.New(c.Graph, c.Store, c.Metrics, cfg.Server, logger.Component("server"))

	c.Logger.Info().
		Str("store", cfg.Store.Driver).
		Str("model_provider", cfg.Model.Provider).
		Str("router", cfg.Graph.Router).
		Strs("tools", c.Tools.Names()).
		Int("agents", len(c.Agents.Agents)).
		Msg("Console agent assembled")
	return c, nil
}

func (c *Container) inventory(opts Options) (services.ClusterService, services.ServiceCatalog) {
	if opts.Clusters != nil && opts.Services != nil {
		return opts.Clusters, opts.Services
	}
	if c.Config.Backend.URL != "" {
		backend := services.NewBackendClient(c.Config.Backend)
		return backend, backend
	}
	c.Logger.Warn().Msg("BACKEND_URL not set, serving the static inventory")
	inv := services.NewStaticInventory()
	return inv, inv
}

func (c *Container) executor(opts Options) (services.CommandExecutor, error) {
	if opts.Executor != nil {
		return opts.Executor, nil
	}
	if c.Config.MCP.Transport == "" {
		c.Logger.Warn().Msg("MCP_TRANSPORT not set, kubectl execution disabled")
		return services.UnavailableExecutor{}, nil
	}
	executor, err := services.NewMCPExecutor(c.Config.MCP, logger.Component("kubectl"))
	if err != nil {
		return nil, fmt.Errorf("creating kubectl executor: %w", err)
	}
	return executor, nil
}

func (c *Container) router(chatModel model.ToolCallingChatModel, members []nodes.AgentMember) (nodes.Router, error) {
	if strings.EqualFold(c.Config.Graph.Router, "rule") {
		return nodes.NewRuleRouter(members, c.Agents.Supervisor.FallbackReply), nil
	}
	return nodes.NewModelRouter(chatModel, c.Agents.Supervisor.SystemPrompt, members)
}

func (c *Container) buildGraph(ctx context.Context, chatModel model.ToolCallingChatModel) (*core.DefaultGraphProcessor, error) {
	graphCfg := c.Config.Graph
	members := nodes.MembersFromConfig(c.Agents)

	router, err := c.router(chatModel, members)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	graph := core.NewGraphProcessor(c.Store, core.Config{
		MaxSteps:     graphCfg.MaxSteps,
		StoreTimeout: c.Config.Store.Timeout,
		Logger:       logger.Component("graph"),
		Metrics:      c.Metrics,
	})

	err = graph.AddNode(nodes.NewSupervisorNode(nodes.SupervisorConfig{
		Router:         router,
		Members:        members,
		MaxActivations: graphCfg.MaxWorkerActivations,
		FallbackReply:  c.Agents.Supervisor.FallbackReply,
		Metrics:        c.Metrics,
		Logger:         logger.Component("supervisor"),
	}))
	if err != nil {
		return nil, err
	}

	for _, spec := range c.Agents.Agents {
		adapters, err := c.Tools.Select(spec.Tools)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.Name, err)
		}
		worker, err := nodes.NewWorkerNode(ctx, nodes.WorkerConfig{
			Name:          core.NodeName(spec.Name),
			SystemPrompt:  spec.SystemPrompt,
			Model:         chatModel,
			Tools:         adapters,
			MaxIterations: graphCfg.AgentMaxIterations,
			ModelTimeout:  c.Config.Model.Timeout,
			Logger:        logger.Component("worker").With().Str("agent", spec.Name).Logger(),
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.Name, err)
		}
		if err := graph.AddNode(worker); err != nil {
			return nil, err
		}
	}

	if err := graph.Compile(); err != nil {
		return nil, fmt.Errorf("compiling graph: %w", err)
	}
	return graph, nil
}

// Close releases the executor and the store.
func (c *Container) Close() error {
	var errs []error
	if c.Executor != nil {
		if err := c.Executor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing executor: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
