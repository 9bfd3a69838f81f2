// Package services holds the collaborators behind the assistant's tools:
// the infrastructure backend API, a static inventory for development and the
// kubectl executor.
package services

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a cluster or service does not exist.
var ErrNotFound = errors.New("not found")

// Cluster is a Kubernetes cluster registered in the console.
type Cluster struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"project_id"`
	Provider  string    `json:"provider"`
	Region    string    `json:"region"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	NodeCount int       `json:"node_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is an application deployed through the console.
type Service struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProjectID   string `json:"project_id"`
	WorkspaceID string `json:"workspace_id"`
	ClusterID   string `json:"cluster_id"`
	Namespace   string `json:"namespace"`
	Image       string `json:"image"`
	Replicas    int    `json:"replicas"`
	Status      string `json:"status"`
	Endpoint    string `json:"endpoint,omitempty"`
}

type ClusterFilter struct {
	ProjectID string
	Keyword   string
}

type ServiceFilter struct {
	ProjectID   string
	WorkspaceID string
	ClusterID   string
}

type ClusterService interface {
	ListClusters(ctx context.Context, filter ClusterFilter) ([]Cluster, error)
	GetCluster(ctx context.Context, id string) (*Cluster, error)
}

type ServiceCatalog interface {
	ListServices(ctx context.Context, filter ServiceFilter) ([]Service, error)
}

// CommandExecutor runs a validated kubectl command against a cluster.
type CommandExecutor interface {
	Execute(ctx context.Context, clusterID, command string) (string, error)
	Close() error
}
