package openstack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/ports"
)

// Cloud is the subset of the OpenStack APIs used by the backend.
type Cloud interface {
	ListServers(ctx context.Context) ([]servers.Server, error)
	DeleteServer(ctx context.Context, id string) error
	// ServerFloatingIPs returns the ids of floating IPs bound to the ports
	// of a server.
	ServerFloatingIPs(ctx context.Context, serverID string) ([]string, error)
	DeleteFloatingIP(ctx context.Context, id string) error

	ListImages(ctx context.Context, tag string) ([]images.Image, error)
	DeleteImage(ctx context.Context, id string) error

	ListKeypairs(ctx context.Context) ([]keypairs.KeyPair, error)
	// KeypairCreatedAt reads created_at from the detailed keypair view.
	KeypairCreatedAt(ctx context.Context, name string) (time.Time, error)
	DeleteKeypair(ctx context.Context, name string) error
}

// cloud implements Cloud on gophercloud service clients. gophercloud v1
// takes no context per call, so ctx only gates the start of each call.
type cloud struct {
	compute *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
}

func (c *cloud) ListServers(ctx context.Context) ([]servers.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages, err := servers.List(c.compute, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers.ExtractServers(pages)
}

func (c *cloud) DeleteServer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return servers.Delete(c.compute, id).ExtractErr()
}

func (c *cloud) ServerFloatingIPs(ctx context.Context, serverID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	portPages, err := ports.List(c.network, ports.ListOpts{DeviceID: serverID}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("list ports of %s: %w", serverID, err)
	}
	serverPorts, err := ports.ExtractPorts(portPages)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, port := range serverPorts {
		fipPages, err := floatingips.List(c.network, floatingips.ListOpts{PortID: port.ID}).AllPages()
		if err != nil {
			return nil, fmt.Errorf("list floating ips of port %s: %w", port.ID, err)
		}
		fips, err := floatingips.ExtractFloatingIPs(fipPages)
		if err != nil {
			return nil, err
		}
		for _, fip := range fips {
			ids = append(ids, fip.ID)
		}
	}
	return ids, nil
}

func (c *cloud) DeleteFloatingIP(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return floatingips.Delete(c.network, id).ExtractErr()
}

func (c *cloud) ListImages(ctx context.Context, tag string) ([]images.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages, err := images.List(c.image, images.ListOpts{Tags: []string{tag}}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images.ExtractImages(pages)
}

func (c *cloud) DeleteImage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return images.Delete(c.image, id).ExtractErr()
}

func (c *cloud) ListKeypairs(ctx context.Context) ([]keypairs.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages, err := keypairs.List(c.compute, nil).AllPages()
	if err != nil {
		return nil, fmt.Errorf("list keypairs: %w", err)
	}
	return keypairs.ExtractKeyPairs(pages)
}

// keypairTimeLayouts covers the microsecond timestamps of nova.
var keypairTimeLayouts = []string{"2006-01-02T15:04:05.999999", time.RFC3339Nano}

func (c *cloud) KeypairCreatedAt(ctx context.Context, name string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	var body struct {
		Keypair struct {
			CreatedAt string `json:"created_at"`
		} `json:"keypair"`
	}
	if err := keypairs.Get(c.compute, name, nil).ExtractInto(&body); err != nil {
		return time.Time{}, fmt.Errorf("get keypair %s: %w", name, err)
	}
	return parseKeypairTime(body.Keypair.CreatedAt)
}

func parseKeypairTime(v string) (time.Time, error) {
	for _, layout := range keypairTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable keypair created_at %q", v)
}

func (c *cloud) DeleteKeypair(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return keypairs.Delete(c.compute, name, nil).ExtractErr()
}

func notFound(err error) bool {
	var e404 gophercloud.ErrDefault404
	return errors.As(err, &e404)
}
