package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"console_agent/internal/core"
	"console_agent/internal/services"
)

const (
	ListClustersTool          = "list_clusters"
	GetClusterTool            = "get_cluster"
	ExecuteClusterCommandTool = "execute_cluster_command"
	ListServicesTool          = "list_services"
)

type ListClustersInput struct {
	ProjectID string `json:"project_id,omitempty"`
	Keyword   string `json:"keyword,omitempty"`
}

type ListClustersOutput struct {
	Clusters []services.Cluster `json:"clusters"`
	Count    int                `json:"count"`
}

// NewListClusters creates the list_clusters tool.
func NewListClusters(svc services.ClusterService, opts Options) *Adapter {
	params := map[string]*schema.ParameterInfo{
		"project_id": {
			Type: schema.String,
			Desc: "Only return clusters of this project",
		},
		"keyword": {
			Type: schema.String,
			Desc: "Match against cluster name, region or provider",
		},
	}
	info := toolInfo(ListClustersTool, "List the Kubernetes clusters the user can see, optionally filtered by project or keyword.", params)

	inner := utils.NewTool(info, func(ctx context.Context, input *ListClustersInput) (*ListClustersOutput, error) {
		clusters, err := svc.ListClusters(ctx, services.ClusterFilter{
			ProjectID: strings.TrimSpace(input.ProjectID),
			Keyword:   strings.TrimSpace(input.Keyword),
		})
		if err != nil {
			return nil, err
		}
		if clusters == nil {
			clusters = []services.Cluster{}
		}
		return &ListClustersOutput{Clusters: clusters, Count: len(clusters)}, nil
	})
	return newAdapter(info, inner, opts)
}

type GetClusterInput struct {
	ClusterID string `json:"cluster_id"`
}

type GetClusterOutput struct {
	Found   bool              `json:"found"`
	Cluster *services.Cluster `json:"cluster,omitempty"`
	Message string            `json:"message,omitempty"`
}

// NewGetCluster creates the get_cluster tool. An unknown cluster is a normal
// result, not a failure.
func NewGetCluster(svc services.ClusterService, opts Options) *Adapter {
	params := map[string]*schema.ParameterInfo{
		"cluster_id": {
			Type:     schema.String,
			Desc:     "Cluster ID or name",
			Required: true,
		},
	}
	info := toolInfo(GetClusterTool, "Get the details of one cluster by ID or name.", params)

	inner := utils.NewTool(info, func(ctx context.Context, input *GetClusterInput) (*GetClusterOutput, error) {
		id := strings.TrimSpace(input.ClusterID)
		cluster, err := svc.GetCluster(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			return &GetClusterOutput{Found: false, Message: fmt.Sprintf("no cluster named %q", id)}, nil
		}
		if err != nil {
			return nil, err
		}
		return &GetClusterOutput{Found: true, Cluster: cluster}, nil
	})
	return newAdapter(info, inner, opts)
}

type ExecuteClusterCommandInput struct {
	ClusterID string `json:"cluster_id"`
	Command   string `json:"command"`
}

type ExecuteClusterCommandOutput struct {
	ClusterID string `json:"cluster_id"`
	Command   string `json:"command"`
	Output    string `json:"output"`
}

// NewExecuteClusterCommand creates the execute_cluster_command tool. Commands
// are checked with services.ValidateCommand before reaching the executor.
func NewExecuteClusterCommand(clusters services.ClusterService, executor services.CommandExecutor, opts Options) *Adapter {
	params := map[string]*schema.ParameterInfo{
		"cluster_id": {
			Type:     schema.String,
			Desc:     "Cluster ID or name to run the command against",
			Required: true,
		},
		"command": {
			Type:     schema.String,
			Desc:     "A single kubectl command, e.g. \"kubectl get pods -n payments\"",
			Required: true,
		},
	}
	desc := "Run a read-only kubectl command against a cluster and return its output."
	if opts.AllowMutatingCommands {
		desc = "Run a kubectl command against a cluster and return its output."
	}
	info := toolInfo(ExecuteClusterCommandTool, desc, params)

	inner := utils.NewTool(info, func(ctx context.Context, input *ExecuteClusterCommandInput) (*ExecuteClusterCommandOutput, error) {
		cluster, err := clusters.GetCluster(ctx, strings.TrimSpace(input.ClusterID))
		if err != nil {
			return nil, err
		}
		command := strings.TrimSpace(input.Command)
		out, err := executor.Execute(ctx, cluster.ID, command)
		if err != nil {
			return nil, err
		}
		return &ExecuteClusterCommandOutput{ClusterID: cluster.ID, Command: command, Output: out}, nil
	})

	adapter := newAdapter(info, inner, opts)
	adapter.check = func(args map[string]any) error {
		command, _ := args["command"].(string)
		return services.ValidateCommand(command, opts.AllowMutatingCommands)
	}
	return adapter
}

type ListServicesInput struct {
	ProjectID   string `json:"project_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ClusterID   string `json:"cluster_id,omitempty"`
}

type ListServicesOutput struct {
	Services []services.Service `json:"services"`
	Count    int                `json:"count"`
}

// NewListServices creates the list_services tool.
func NewListServices(catalog services.ServiceCatalog, opts Options) *Adapter {
	params := map[string]*schema.ParameterInfo{
		"project_id": {
			Type: schema.String,
			Desc: "Only return services of this project",
		},
		"workspace_id": {
			Type: schema.String,
			Desc: "Only return services of this workspace",
		},
		"cluster_id": {
			Type: schema.String,
			Desc: "Only return services deployed on this cluster",
		},
	}
	info := toolInfo(ListServicesTool, "List deployed services, optionally filtered by project, workspace or cluster.", params)

	inner := utils.NewTool(info, func(ctx context.Context, input *ListServicesInput) (*ListServicesOutput, error) {
		list, err := catalog.ListServices(ctx, services.ServiceFilter{
			ProjectID:   strings.TrimSpace(input.ProjectID),
			WorkspaceID: strings.TrimSpace(input.WorkspaceID),
			ClusterID:   strings.TrimSpace(input.ClusterID),
		})
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []services.Service{}
		}
		return &ListServicesOutput{Services: list, Count: len(list)}, nil
	})
	return newAdapter(info, inner, opts)
}

// Registry holds the adapters by name.
type Registry struct {
	byName map[string]*Adapter
	order  []string
}

func NewRegistry(adapters ...*Adapter) *Registry {
	r := &Registry{byName: make(map[string]*Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.byName[a.Name()]; !dup {
			r.order = append(r.order, a.Name())
		}
		r.byName[a.Name()] = a
	}
	return r
}

// Deps are the collaborators the console tools call.
type Deps struct {
	Clusters services.ClusterService
	Services services.ServiceCatalog
	Executor services.CommandExecutor
}

// NewConsoleRegistry builds the four console tools.
func NewConsoleRegistry(deps Deps, opts Options) *Registry {
	executor := deps.Executor
	if executor == nil {
		executor = services.UnavailableExecutor{}
	}
	return NewRegistry(
		NewListClusters(deps.Clusters, opts),
		NewGetCluster(deps.Clusters, opts),
		NewExecuteClusterCommand(deps.Clusters, executor, opts),
		NewListServices(deps.Services, opts),
	)
}

func (r *Registry) Get(name string) (*Adapter, bool) {
	a, ok := r.byName[name]
	return a, ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Select returns the adapters for names, in order. Unknown names are an error.
func (r *Registry) Select(names []string) ([]*Adapter, error) {
	selected := make([]*Adapter, 0, len(names))
	for _, name := range names {
		a, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown tool %q", core.ErrValidation, name)
		}
		selected = append(selected, a)
	}
	return selected, nil
}
