package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentsConfig represents the structure of agents.yaml
type AgentsConfig struct {
	Supervisor SupervisorSpec `yaml:"supervisor"`
	Agents     []AgentSpec    `yaml:"agents"`
}

type SupervisorSpec struct {
	SystemPrompt  string `yaml:"system_prompt"`
	FallbackReply string `yaml:"fallback_reply"`
}

// AgentSpec declares one worker of the roster.
type AgentSpec struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Keywords     []string `yaml:"keywords"`
	Tools        []string `yaml:"tools"`
	SystemPrompt string   `yaml:"system_prompt"`
}

const defaultSupervisorPrompt = `You are the supervisor of the infrastructure console assistant.
You manage a conversation between the user and these workers:
{roster}
Given the conversation, decide which worker should act next by calling the route tool.
Route to FINISH when the latest user request has been answered by a worker, or when no
worker is relevant; in that case put a short, helpful answer for the user in "reply".
Never route to a worker that already answered the latest user request.`

const defaultFallbackReply = "I can help with clusters (listing, details, kubectl) and services. " +
	"Could you tell me what you would like to know about your infrastructure?"

// DefaultAgents returns the compiled-in roster used when no agents file exists.
func DefaultAgents() *AgentsConfig {
	return &AgentsConfig{
		Supervisor: SupervisorSpec{
			SystemPrompt:  defaultSupervisorPrompt,
			FallbackReply: defaultFallbackReply,
		},
		Agents: []AgentSpec{
			{
				Name:        "ClusterAgent",
				Description: "Lists clusters, shows cluster details and runs kubectl commands against a cluster.",
				Keywords: []string{
					"cluster", "clusters", "kubectl", "node", "nodes", "pod", "pods",
					"namespace", "namespaces", "deployment", "deployments", "kubernetes", "k8s",
				},
				Tools: []string{"list_clusters", "get_cluster", "execute_cluster_command"},
				SystemPrompt: `You are ClusterAgent, an assistant for Kubernetes clusters in the infrastructure console.
Use the tools to look up clusters and inspect them with read-only kubectl commands.
Summarise results for a human: short sentences or a compact list, never raw JSON.
If a tool fails, explain what went wrong and what the user can try.`,
			},
			{
				Name:        "ServiceAgent",
				Description: "Lists the services deployed in projects, workspaces and clusters.",
				Keywords: []string{
					"service", "services", "workspace", "workspaces", "project", "projects",
					"endpoint", "endpoints", "deployed", "application", "applications",
				},
				Tools: []string{"list_services"},
				SystemPrompt: `You are ServiceAgent, an assistant for services in the infrastructure console.
Use the list_services tool, filtering by project, workspace or cluster when the user names one.
Summarise results for a human: short sentences or a compact list, never raw JSON.
If a tool fails, explain what went wrong and what the user can try.`,
			},
		},
	}
}

// LoadAgents loads the roster from path. A missing file yields the defaults.
func LoadAgents(path string) (*AgentsConfig, error) {
	if path == "" {
		return DefaultAgents(), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAgents(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading agents file: %w", err)
	}

	return ParseAgents(data)
}

// ParseAgents decodes an agents document and fills missing supervisor text
// from the defaults.
func ParseAgents(data []byte) (*AgentsConfig, error) {
	var config AgentsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	defaults := DefaultAgents()
	if strings.TrimSpace(config.Supervisor.SystemPrompt) == "" {
		config.Supervisor.SystemPrompt = defaults.Supervisor.SystemPrompt
	}
	if strings.TrimSpace(config.Supervisor.FallbackReply) == "" {
		config.Supervisor.FallbackReply = defaults.Supervisor.FallbackReply
	}
	if len(config.Agents) == 0 {
		config.Agents = defaults.Agents
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects empty, duplicate or reserved worker names.
func (c *AgentsConfig) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		name := strings.TrimSpace(agent.Name)
		if name == "" {
			return fmt.Errorf("agent %d has no name", i)
		}
		if name == "Supervisor" || name == "FINISH" {
			return fmt.Errorf("agent name %q is reserved", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate agent name %q", name)
		}
		seen[name] = true
		if agent.Description == "" {
			return fmt.Errorf("agent %q has no description", name)
		}
	}
	return nil
}
