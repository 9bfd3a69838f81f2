package services

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StaticInventory serves a fixed set of clusters and services. It stands in
// for the backend when BACKEND_URL is empty.
type StaticInventory struct {
	clusters []Cluster
	services []Service
}

// NewStaticInventory creates an inventory with simple mock data
func NewStaticInventory() *StaticInventory {
	created := time.Date(2024, 11, 4, 9, 30, 0, 0, time.UTC)
	return &StaticInventory{
		clusters: []Cluster{
			{
				ID:        "cls-prod-01",
				Name:      "prod-bkk",
				ProjectID: "proj-core",
				Provider:  "openstack",
				Region:    "bkk-1",
				Version:   "v1.29.4",
				Status:    "running",
				NodeCount: 6,
				CreatedAt: created,
			},
			{
				ID:        "cls-stg-01",
				Name:      "staging-bkk",
				ProjectID: "proj-core",
				Provider:  "openstack",
				Region:    "bkk-1",
				Version:   "v1.30.1",
				Status:    "running",
				NodeCount: 3,
				CreatedAt: created.AddDate(0, 1, 0),
			},
			{
				ID:        "cls-lab-01",
				Name:      "ml-lab",
				ProjectID: "proj-research",
				Provider:  "baremetal",
				Region:    "cnx-1",
				Version:   "v1.28.9",
				Status:    "degraded",
				NodeCount: 2,
				CreatedAt: created.AddDate(0, 2, 0),
			},
		},
		services: []Service{
			{
				ID:          "svc-001",
				Name:        "billing-api",
				ProjectID:   "proj-core",
				WorkspaceID: "ws-payments",
				ClusterID:   "cls-prod-01",
				Namespace:   "payments",
				Image:       "registry.local/billing-api:2.14.0",
				Replicas:    3,
				Status:      "healthy",
				Endpoint:    "https://billing.internal.example",
			},
			{
				ID:          "svc-002",
				Name:        "checkout-web",
				ProjectID:   "proj-core",
				WorkspaceID: "ws-payments",
				ClusterID:   "cls-stg-01",
				Namespace:   "payments",
				Image:       "registry.local/checkout-web:0.9.3",
				Replicas:    1,
				Status:      "healthy",
			},
			{
				ID:          "svc-003",
				Name:        "notebook-gateway",
				ProjectID:   "proj-research",
				WorkspaceID: "ws-ml",
				ClusterID:   "cls-lab-01",
				Namespace:   "notebooks",
				Image:       "registry.local/nb-gateway:1.2.0",
				Replicas:    2,
				Status:      "crashloop",
			},
		},
	}
}

// ListClusters filters clusters by project and by a keyword matched against
// name, region and provider.
func (s *StaticInventory) ListClusters(ctx context.Context, filter ClusterFilter) ([]Cluster, error) {
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))

	var results []Cluster
	for _, cluster := range s.clusters {
		if filter.ProjectID != "" && cluster.ProjectID != filter.ProjectID {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(cluster.Name), keyword) &&
			!strings.Contains(strings.ToLower(cluster.Region), keyword) &&
			!strings.Contains(strings.ToLower(cluster.Provider), keyword) {
			continue
		}
		results = append(results, cluster)
	}
	return results, nil
}

func (s *StaticInventory) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	for _, cluster := range s.clusters {
		if cluster.ID == id || cluster.Name == id {
			found := cluster
			return &found, nil
		}
	}
	return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
}

func (s *StaticInventory) ListServices(ctx context.Context, filter ServiceFilter) ([]Service, error) {
	var results []Service
	for _, svc := range s.services {
		if filter.ProjectID != "" && svc.ProjectID != filter.ProjectID {
			continue
		}
		if filter.WorkspaceID != "" && svc.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.ClusterID != "" && svc.ClusterID != filter.ClusterID {
			continue
		}
		results = append(results, svc)
	}
	return results, nil
}
