// Package openstack implements the OpenStack backend. Its resources are not
// tracked in the catalog; every pass is a standalone age-based cleanup of
// servers, images and keypairs created by openQA.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gophercloud/gophercloud"
	gcopenstack "github.com/gophercloud/gophercloud/openstack"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Name prefixes and tags of openQA resources.
const (
	ServerPrefix  = "openqa-vm-"
	ImageTag      = "openqa"
	KeypairPrefix = "openqa"
)

// Credential field names.
const (
	fieldAuthURL    = "auth_url"
	fieldUsername   = "username"
	fieldPassword   = "password"
	fieldProjectID  = "project_id"
	fieldProject    = "project_name"
	fieldDomainName = "user_domain_name"
	fieldRegion     = "region_name"
)

var _ provider.Provider = (*Provider)(nil)

// Provider is the OpenStack backend of one namespace.
type Provider struct {
	provider.Base

	cloud Cloud
}

// New authenticates against keystone and builds the compute, image and
// network clients.
func New(ctx context.Context, env provider.Env) (provider.Provider, error) {
	if env.Credentials == nil {
		return nil, fmt.Errorf("openstack: no credentials")
	}
	data, err := env.Credentials.Data(ctx)
	if err != nil {
		return nil, err
	}

	opts := gophercloud.AuthOptions{
		IdentityEndpoint: data[fieldAuthURL],
		Username:         data[fieldUsername],
		Password:         data[fieldPassword],
		TenantID:         data[fieldProjectID],
		TenantName:       data[fieldProject],
		DomainName:       data[fieldDomainName],
		AllowReauth:      true,
	}
	var pc *gophercloud.ProviderClient
	err = provider.Retry(ctx, "openstack authenticate", func(ctx context.Context) error {
		var err error
		pc, err = gcopenstack.AuthenticatedClient(opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openstack authenticate: %w", err)
	}

	endpoint := gophercloud.EndpointOpts{Region: data[fieldRegion]}
	c := &cloud{}
	if c.compute, err = gcopenstack.NewComputeV2(pc, endpoint); err != nil {
		return nil, fmt.Errorf("openstack compute client: %w", err)
	}
	if c.image, err = gcopenstack.NewImageServiceV2(pc, endpoint); err != nil {
		return nil, fmt.Errorf("openstack image client: %w", err)
	}
	if c.network, err = gcopenstack.NewNetworkV2(pc, endpoint); err != nil {
		return nil, fmt.Errorf("openstack network client: %w", err)
	}
	return newProvider(provider.NewBase(resource.KindOpenStack, env), c), nil
}

func newProvider(base provider.Base, c Cloud) *Provider {
	return &Provider{Base: base, cloud: c}
}

func (p *Provider) days(key string, def int) int {
	return p.Config().Int(p.Setting(config.FeatureCleanup, key), def)
}

// VMMaxAgeDays returns cleanup/openstack-vm-max-age-days.
func (p *Provider) VMMaxAgeDays() int { return p.days("openstack-vm-max-age-days", 1) }

// ImageMaxAgeDays returns cleanup/openstack-image-max-age-days.
func (p *Provider) ImageMaxAgeDays() int { return p.days("openstack-image-max-age-days", 3) }

// KeyMaxDays returns cleanup/openstack-key-max-days.
func (p *Provider) KeyMaxDays() int { return p.days("openstack-key-max-days", 1) }

// DeleteInstance removes a server and releases its floating IPs. The
// region is unused.
func (p *Provider) DeleteInstance(ctx context.Context, _ string, id string) provider.Result {
	err := p.deleteServer(ctx, id)
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

func (p *Provider) deleteServer(ctx context.Context, id string) error {
	fips, err := p.cloud.ServerFloatingIPs(ctx, id)
	if err != nil {
		return err
	}
	for _, fip := range fips {
		err := p.Mutate(ctx, "DeleteFloatingIP", fip, func(ctx context.Context) error {
			return p.cloud.DeleteFloatingIP(ctx, fip)
		})
		if err != nil && !notFound(err) {
			return fmt.Errorf("delete floating ip %s: %w", fip, err)
		}
	}
	return p.Mutate(ctx, "DeleteServer", id, func(ctx context.Context) error {
		return p.cloud.DeleteServer(ctx, id)
	})
}

// CleanupAll runs the server, image and keypair passes. A failing pass
// does not stop the others.
func (p *Provider) CleanupAll(ctx context.Context) (provider.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	stats := provider.Stats{}
	steps := []struct {
		field string
		run   func(context.Context) (int, error)
	}{
		{emitter.FieldInstances, p.cleanupServers},
		{emitter.FieldImages, p.cleanupImages},
		{emitter.FieldKeypairs, p.cleanupKeypairs},
	}
	var errs []error
	for _, step := range steps {
		n, err := step.run(ctx)
		stats.Add(step.field, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.field, err))
		}
	}
	return stats, errors.Join(errs...)
}

func (p *Provider) cleanupServers(ctx context.Context) (int, error) {
	all, err := p.cloud.ListServers(ctx)
	if err != nil {
		return 0, err
	}
	days := p.VMMaxAgeDays()
	listed := 0
	var errs []error
	for _, s := range all {
		if !strings.HasPrefix(s.Name, ServerPrefix) {
			continue
		}
		listed++
		if resource.Ignored(s.Metadata) || !p.OutdatedDays(s.Created, days) {
			continue
		}
		if err := p.deleteServer(ctx, s.ID); err != nil && !notFound(err) {
			errs = append(errs, fmt.Errorf("server %s: %w", s.Name, err))
		}
	}
	return listed, errors.Join(errs...)
}

func (p *Provider) cleanupImages(ctx context.Context) (int, error) {
	imgs, err := p.cloud.ListImages(ctx, ImageTag)
	if err != nil {
		return 0, err
	}
	days := p.ImageMaxAgeDays()
	var errs []error
	for _, img := range imgs {
		if !p.OutdatedDays(img.CreatedAt, days) {
			continue
		}
		err := p.Mutate(ctx, "DeleteImage", img.Name, func(ctx context.Context) error {
			return p.cloud.DeleteImage(ctx, img.ID)
		})
		if err != nil && !notFound(err) {
			errs = append(errs, fmt.Errorf("image %s: %w", img.Name, err))
		}
	}
	return len(imgs), errors.Join(errs...)
}

func (p *Provider) cleanupKeypairs(ctx context.Context) (int, error) {
	all, err := p.cloud.ListKeypairs(ctx)
	if err != nil {
		return 0, err
	}
	days := p.KeyMaxDays()
	listed := 0
	var errs []error
	for _, kp := range all {
		if !strings.HasPrefix(kp.Name, KeypairPrefix) {
			continue
		}
		listed++
		// the list view carries no created_at
		created, err := p.cloud.KeypairCreatedAt(ctx, kp.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !p.OutdatedDays(created, days) {
			continue
		}
		err = p.Mutate(ctx, "DeleteKeypair", kp.Name, func(ctx context.Context) error {
			return p.cloud.DeleteKeypair(ctx, kp.Name)
		})
		if err != nil && !notFound(err) {
			errs = append(errs, fmt.Errorf("keypair %s: %w", kp.Name, err))
		}
	}
	return listed, errors.Join(errs...)
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
