package gce

import (
	"context"
	"sync"

	compute "google.golang.org/api/compute/v1"
	container "google.golang.org/api/container/v1"
)

type mockCompute struct {
	mu    sync.Mutex
	calls []string

	ListRegionsFunc    func(ctx context.Context, project string) ([]*compute.Region, error)
	ListInstancesFunc  func(ctx context.Context, project, zone string) ([]*compute.Instance, error)
	DeleteInstanceFunc func(ctx context.Context, project, zone, name string) error
	ListImagesFunc     func(ctx context.Context, project string) ([]*compute.Image, error)
	DeleteImageFunc    func(ctx context.Context, project, name string) (*compute.Operation, error)
}

func (m *mockCompute) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockCompute) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockCompute) ListRegions(ctx context.Context, project string) ([]*compute.Region, error) {
	m.record("ListRegions")
	if m.ListRegionsFunc != nil {
		return m.ListRegionsFunc(ctx, project)
	}
	return []*compute.Region{{
		Name:  "europe-west1",
		Zones: []string{"https://www.googleapis.com/compute/v1/projects/p/zones/europe-west1-b"},
	}}, nil
}

func (m *mockCompute) ListInstances(ctx context.Context, project, zone string) ([]*compute.Instance, error) {
	m.record("ListInstances " + zone)
	if m.ListInstancesFunc != nil {
		return m.ListInstancesFunc(ctx, project, zone)
	}
	return nil, nil
}

func (m *mockCompute) DeleteInstance(ctx context.Context, project, zone, name string) error {
	m.record("DeleteInstance " + zone + "/" + name)
	if m.DeleteInstanceFunc != nil {
		return m.DeleteInstanceFunc(ctx, project, zone, name)
	}
	return nil
}

func (m *mockCompute) ListImages(ctx context.Context, project string) ([]*compute.Image, error) {
	m.record("ListImages")
	if m.ListImagesFunc != nil {
		return m.ListImagesFunc(ctx, project)
	}
	return nil, nil
}

func (m *mockCompute) DeleteImage(ctx context.Context, project, name string) (*compute.Operation, error) {
	m.record("DeleteImage " + name)
	if m.DeleteImageFunc != nil {
		return m.DeleteImageFunc(ctx, project, name)
	}
	return &compute.Operation{}, nil
}

type mockContainer struct {
	ListClustersFunc func(ctx context.Context, project, zone string) ([]*container.Cluster, error)
	GetClusterFunc   func(ctx context.Context, project, zone, name string) (*container.Cluster, error)
}

func (m *mockContainer) ListClusters(ctx context.Context, project, zone string) ([]*container.Cluster, error) {
	if m.ListClustersFunc != nil {
		return m.ListClustersFunc(ctx, project, zone)
	}
	return nil, nil
}

func (m *mockContainer) GetCluster(ctx context.Context, project, zone, name string) (*container.Cluster, error) {
	if m.GetClusterFunc != nil {
		return m.GetClusterFunc(ctx, project, zone, name)
	}
	return &container.Cluster{Name: name}, nil
}
