package gce

import (
	"context"

	compute "google.golang.org/api/compute/v1"
	container "google.golang.org/api/container/v1"
)

// ComputeAPI is the subset of Compute Engine used by the backend. List
// calls follow every page.
type ComputeAPI interface {
	ListRegions(ctx context.Context, project string) ([]*compute.Region, error)
	ListInstances(ctx context.Context, project, zone string) ([]*compute.Instance, error)
	DeleteInstance(ctx context.Context, project, zone, name string) error
	ListImages(ctx context.Context, project string) ([]*compute.Image, error)
	DeleteImage(ctx context.Context, project, name string) (*compute.Operation, error)
}

// ContainerAPI is the subset of GKE used by the backend.
type ContainerAPI interface {
	ListClusters(ctx context.Context, project, zone string) ([]*container.Cluster, error)
	GetCluster(ctx context.Context, project, zone, name string) (*container.Cluster, error)
}

type computeClient struct {
	svc *compute.Service
}

func (c *computeClient) ListRegions(ctx context.Context, project string) ([]*compute.Region, error) {
	var out []*compute.Region
	err := c.svc.Regions.List(project).Pages(ctx, func(page *compute.RegionList) error {
		out = append(out, page.Items...)
		return nil
	})
	return out, err
}

func (c *computeClient) ListInstances(ctx context.Context, project, zone string) ([]*compute.Instance, error) {
	var out []*compute.Instance
	err := c.svc.Instances.List(project, zone).Pages(ctx, func(page *compute.InstanceList) error {
		out = append(out, page.Items...)
		return nil
	})
	return out, err
}

func (c *computeClient) DeleteInstance(ctx context.Context, project, zone, name string) error {
	_, err := c.svc.Instances.Delete(project, zone, name).Context(ctx).Do()
	return err
}

func (c *computeClient) ListImages(ctx context.Context, project string) ([]*compute.Image, error) {
	var out []*compute.Image
	err := c.svc.Images.List(project).Pages(ctx, func(page *compute.ImageList) error {
		out = append(out, page.Items...)
		return nil
	})
	return out, err
}

func (c *computeClient) DeleteImage(ctx context.Context, project, name string) (*compute.Operation, error) {
	return c.svc.Images.Delete(project, name).Context(ctx).Do()
}

type containerClient struct {
	svc *container.Service
}

func (c *containerClient) ListClusters(ctx context.Context, project, zone string) ([]*container.Cluster, error) {
	resp, err := c.svc.Projects.Zones.Clusters.List(project, zone).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Clusters, nil
}

func (c *containerClient) GetCluster(ctx context.Context, project, zone, name string) (*container.Cluster, error) {
	return c.svc.Projects.Zones.Clusters.Get(project, zone, name).Context(ctx).Do()
}
