// Package azure implements the Azure backend. Resource groups are the
// instances tracked in the catalog; images, disks, blobs and gallery
// versions are cleaned up by age.
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Defaults for the cleanup settings.
const (
	DefaultStorageGroup = "openqa-upload"
	DefaultGallery      = "test_image_gallery"
)

// TypeNoVMs is the instance type of a resource group without VMs.
const TypeNoVMs = "N/A"

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.InstanceLister    = (*Provider)(nil)
	_ provider.KubernetesCleaner = (*Provider)(nil)
)

// Provider is the Azure backend of one namespace.
type Provider struct {
	provider.Base

	subscriptionID string
	arm            ARM
	newBlobStore   func(account, key string) (BlobStore, error)
	kubeconfig     func(ctx context.Context, group, cluster string) ([]byte, error)
	newKubeClients func(ctx context.Context) (*k8s.Clients, error)
}

// New builds the backend and probes the credentials by listing resource groups.
func New(ctx context.Context, env provider.Env) (provider.Provider, error) {
	if env.Credentials == nil {
		return nil, fmt.Errorf("azure: no credentials")
	}
	subscriptionID, err := credentials.Field(ctx, env.Credentials, fieldSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("azure subscription: %w", err)
	}
	arm, err := newARMClient(subscriptionID, newLeaseCredential(env.Credentials))
	if err != nil {
		return nil, err
	}

	p := newProvider(provider.NewBase(resource.KindAzure, env), subscriptionID, arm)
	err = provider.Retry(ctx, "azure list resource groups", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
		defer cancel()
		_, err := arm.ListResourceGroups(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newProvider(base provider.Base, subscriptionID string, arm ARM) *Provider {
	return &Provider{
		Base:           base,
		subscriptionID: subscriptionID,
		arm:            arm,
		newBlobStore:   newBlobStore,
		kubeconfig:     arm.AdminKubeconfig,
	}
}

// StorageGroup returns cleanup/azure-storage-resourcegroup.
func (p *Provider) StorageGroup() string {
	return p.Config().String(p.Setting(config.FeatureCleanup, "azure-storage-resourcegroup"), DefaultStorageGroup)
}

// Gallery returns cleanup/azure-gallery-name.
func (p *Provider) Gallery() string {
	return p.Config().String(p.Setting(config.FeatureCleanup, "azure-gallery-name"), DefaultGallery)
}

// ListInstances returns every resource group. The type joins the VM sizes
// in the group; a group that vanished while listing is marked Vanished.
func (p *Provider) ListInstances(ctx context.Context) ([]resource.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	groups, err := p.arm.ListResourceGroups(ctx)
	if err != nil {
		return nil, err
	}

	instances := make([]resource.Instance, 0, len(groups))
	for _, g := range groups {
		inst := p.buildInstance(g)
		sizes, err := p.arm.ListVMSizes(ctx, inst.ID)
		switch {
		case notFound(err):
			inst.Vanished = true
		case err != nil:
			return nil, fmt.Errorf("list vms of %s: %w", inst.ID, err)
		case len(sizes) == 0:
			inst.Type = TypeNoVMs
		default:
			inst.Type = strings.Join(sizes, ",")
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (p *Provider) buildInstance(g *armresources.ResourceGroup) resource.Instance {
	tags := resource.TagsFromPointers(g.Tags)
	return resource.Instance{
		ID:        deref(g.Name),
		Region:    deref(g.Location),
		CreatedAt: createdAt(tags, p.Now()),
		Tags:      tags,
	}
}

var createdLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// createdAt reads the openqa_created_date tag. Resource groups carry no
// creation time of their own, so the fallback is now.
func createdAt(tags map[string]string, now time.Time) time.Time {
	if v, ok := tags[resource.TagCreatedDate]; ok {
		for _, layout := range createdLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return now
}

// DeleteInstance starts the deletion of a resource group. The region is unused.
func (p *Provider) DeleteInstance(ctx context.Context, _ string, id string) provider.Result {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	err := p.Mutate(ctx, "DeleteResourceGroup", id, func(ctx context.Context) error {
		return p.arm.DeleteResourceGroup(ctx, id)
	})
	switch {
	case err == nil:
		return provider.OK()
	case notFound(err):
		return provider.NotFound(err.Error())
	case ctx.Err() != nil:
		return provider.Transient(err)
	}
	return provider.Fatal(err)
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
