package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"console_agent/internal/config"
)

var (
	ErrCommandRejected     = errors.New("command rejected")
	ErrExecutorUnavailable = errors.New("cluster command execution is not configured")
)

const shellMetacharacters = ";&|`$<>\\\n\r"

// flags whose value is a separate argument
var valueFlags = map[string]bool{
	"-n": true, "--namespace": true, "--context": true, "--cluster": true,
	"--kubeconfig": true, "--user": true, "-s": true, "--server": true,
}

var mutatingVerbs = map[string]bool{
	"delete": true, "apply": true, "edit": true, "patch": true, "scale": true,
	"drain": true, "cordon": true, "uncordon": true, "replace": true, "create": true,
	"set": true, "label": true, "annotate": true, "taint": true, "expose": true,
	"autoscale": true, "run": true, "exec": true, "cp": true,
}

var mutatingRolloutCommands = map[string]bool{"restart": true, "undo": true, "pause": true, "resume": true}

// ValidateCommand accepts a single kubectl invocation without shell syntax.
// Mutating verbs are refused unless allowMutating is set.
func ValidateCommand(command string, allowMutating bool) error {
	command = strings.TrimSpace(command)
	fields := strings.Fields(command)
	if len(fields) == 0 || fields[0] != "kubectl" {
		return fmt.Errorf("%w: only kubectl commands are allowed", ErrCommandRejected)
	}
	if strings.ContainsAny(command, shellMetacharacters) {
		return fmt.Errorf("%w: shell metacharacters are not allowed", ErrCommandRejected)
	}

	verbs := kubectlVerbs(fields[1:])
	if len(verbs) == 0 {
		return fmt.Errorf("%w: missing kubectl subcommand", ErrCommandRejected)
	}
	if allowMutating {
		return nil
	}
	if mutatingVerbs[verbs[0]] || (verbs[0] == "rollout" && len(verbs) > 1 && mutatingRolloutCommands[verbs[1]]) {
		return fmt.Errorf("%w: %q modifies the cluster and is disabled", ErrCommandRejected, verbs[0])
	}
	return nil
}

// kubectlVerbs returns the positional arguments, skipping flags and their values.
func kubectlVerbs(args []string) []string {
	var verbs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			if valueFlags[arg] {
				i++
			}
			continue
		}
		verbs = append(verbs, arg)
	}
	return verbs
}

// MCPExecutor runs kubectl through a tool exposed by an MCP server. The
// connection is opened on first use and reopened after a transport failure.
type MCPExecutor struct {
	cfg    config.MCPConfig
	dial   func(ctx context.Context) (*client.Client, error)
	logger zerolog.Logger

	mu     sync.Mutex
	client *client.Client
}

func NewMCPExecutor(cfg config.MCPConfig, logger zerolog.Logger) (*MCPExecutor, error) {
	var dial func(ctx context.Context) (*client.Client, error)
	switch strings.ToLower(cfg.Transport) {
	case "stdio":
		dial = func(ctx context.Context) (*client.Client, error) {
			return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		}
	case "http":
		dial = func(ctx context.Context) (*client.Client, error) {
			return client.NewStreamableHttpClient(cfg.URL)
		}
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", cfg.Transport)
	}
	return newMCPExecutor(cfg, dial, logger), nil
}

func newMCPExecutor(cfg config.MCPConfig, dial func(ctx context.Context) (*client.Client, error), logger zerolog.Logger) *MCPExecutor {
	if cfg.Tool == "" {
		cfg.Tool = "kubectl"
	}
	if cfg.CommandArg == "" {
		cfg.CommandArg = "command"
	}
	return &MCPExecutor{cfg: cfg, dial: dial, logger: logger}
}

func (e *MCPExecutor) connect(ctx context.Context) (*client.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	mcpClient, err := e.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "console-agent",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	e.logger.Info().Str("transport", e.cfg.Transport).Str("tool", e.cfg.Tool).Msg("Connected to MCP server")
	e.client = mcpClient
	return mcpClient, nil
}

func (e *MCPExecutor) reset(broken *client.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == broken {
		e.client.Close()
		e.client = nil
	}
}

// Execute calls the MCP kubectl tool. The command must already be validated.
func (e *MCPExecutor) Execute(ctx context.Context, clusterID, command string) (string, error) {
	mcpClient, err := e.connect(ctx)
	if err != nil {
		return "", err
	}

	args := map[string]any{e.cfg.CommandArg: command}
	if clusterID != "" && e.cfg.ClusterArg != "" {
		args[e.cfg.ClusterArg] = clusterID
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = e.cfg.Tool
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			e.reset(mcpClient)
		}
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	output := strings.Join(texts, "\n")

	if resp.IsError {
		if output == "" {
			output = "unknown error"
		}
		return "", fmt.Errorf("kubectl failed: %s", output)
	}
	return output, nil
}

// Close closes the MCP connection.
func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// UnavailableExecutor is used when no MCP server is configured.
type UnavailableExecutor struct{}

func (UnavailableExecutor) Execute(ctx context.Context, clusterID, command string) (string, error) {
	return "", ErrExecutorUnavailable
}

func (UnavailableExecutor) Close() error { return nil }
