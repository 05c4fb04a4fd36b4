// Package gce implements the Google Cloud backend: Compute Engine instances,
// project images and GKE clusters.
package gce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
	compute "google.golang.org/api/compute/v1"
	container "google.golang.org/api/container/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.InstanceLister    = (*Provider)(nil)
	_ provider.KubernetesCleaner = (*Provider)(nil)
	_ provider.ClusterLister     = (*Provider)(nil)
)

// Provider is the GCE/GKE backend of one namespace.
type Provider struct {
	provider.Base

	project     string
	compute     ComputeAPI
	container   ContainerAPI
	tokenSource oauth2.TokenSource

	newKubeClients func(ctx context.Context) (*k8s.Clients, error)

	mu    sync.Mutex
	zones []string
}

// New builds the backend from the namespace service account key and probes
// it by walking the zones.
func New(ctx context.Context, env provider.Env) (provider.Provider, error) {
	if env.Credentials == nil {
		return nil, fmt.Errorf("gce: no credentials")
	}
	project, err := credentials.Field(ctx, env.Credentials, fieldProjectID)
	if err != nil {
		return nil, fmt.Errorf("gce project: %w", err)
	}

	ts := oauth2.ReuseTokenSource(nil, newKeyTokenSource(env.Credentials))
	computeSvc, err := compute.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create compute service: %w", err)
	}
	containerSvc, err := container.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create container service: %w", err)
	}

	p := newProvider(provider.NewBase(resource.KindGCE, env), project,
		&computeClient{svc: computeSvc}, &containerClient{svc: containerSvc})
	p.tokenSource = ts

	err = provider.Retry(ctx, "gce list regions", func(ctx context.Context) error {
		_, err := p.Zones(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newProvider(base provider.Base, project string, c ComputeAPI, k ContainerAPI) *Provider {
	return &Provider{
		Base:      base,
		project:   project,
		compute:   c,
		container: k,
	}
}

// Project returns the project id of the service account.
func (p *Provider) Project() string {
	return p.project
}

// Zones returns every zone of every region, sorted. The walk happens once.
func (p *Provider) Zones(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.zones != nil {
		return p.zones, nil
	}

	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	regions, err := p.compute.ListRegions(ctx, p.project)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	zones := []string{}
	for _, r := range regions {
		for _, z := range r.Zones {
			zones = append(zones, path.Base(z))
		}
	}
	sort.Strings(zones)
	p.zones = zones
	return zones, nil
}

// ListInstances concatenates the instances of every zone.
func (p *Provider) ListInstances(ctx context.Context) ([]resource.Instance, error) {
	zones, err := p.Zones(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	var instances []resource.Instance
	for _, zone := range zones {
		items, err := p.compute.ListInstances(ctx, p.project, zone)
		if err != nil {
			return nil, fmt.Errorf("list instances in %s: %w", zone, err)
		}
		for _, item := range items {
			instances = append(instances, p.buildInstance(zone, item))
		}
	}
	return instances, nil
}

func (p *Provider) buildInstance(zone string, item *compute.Instance) resource.Instance {
	created, err := time.Parse(time.RFC3339, item.CreationTimestamp)
	if err != nil {
		created = p.Now()
	}
	return resource.Instance{
		ID:        item.Name,
		Region:    zone,
		CreatedAt: created.UTC(),
		Type:      path.Base(item.MachineType),
		Tags:      instanceTags(item),
	}
}

// instanceTags merges metadata items and labels; labels win.
func instanceTags(item *compute.Instance) map[string]string {
	tags := make(map[string]string)
	if item.Metadata != nil {
		for _, m := range item.Metadata.Items {
			if m == nil {
				continue
			}
			v := ""
			if m.Value != nil {
				v = *m.Value
			}
			tags[m.Key] = v
		}
	}
	for k, v := range item.Labels {
		tags[k] = v
	}
	return tags
}

// DeleteInstance deletes the instance name in zone.
func (p *Provider) DeleteInstance(ctx context.Context, zone, name string) provider.Result {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	err := p.Mutate(ctx, "DeleteInstance", zone+"/"+name, func(ctx context.Context) error {
		return p.compute.DeleteInstance(ctx, p.project, zone, name)
	})
	return classify(ctx, err)
}

func classify(ctx context.Context, err error) provider.Result {
	if err == nil {
		return provider.OK()
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return provider.NotFound(apiErr.Message)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return provider.Transient(err)
		}
	}
	if ctx.Err() != nil {
		return provider.Transient(err)
	}
	return provider.Fatal(err)
}

func notFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
