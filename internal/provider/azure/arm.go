package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerservice/armcontainerservice/v4"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
)

// armClient implements ARM on top of the SDK clients of one subscription.
type armClient struct {
	groups        *armresources.ResourceGroupsClient
	resources     *armresources.Client
	vms           *armcompute.VirtualMachinesClient
	images        *armcompute.ImagesClient
	disks         *armcompute.DisksClient
	galleries     *armcompute.GalleriesClient
	galleryImages *armcompute.GalleryImagesClient
	versions      *armcompute.GalleryImageVersionsClient
	accounts      *armstorage.AccountsClient
	clusters      *armcontainerservice.ManagedClustersClient
}

func newARMClient(subscriptionID string, cred azcore.TokenCredential) (*armClient, error) {
	var (
		c   armClient
		err error
	)
	if c.groups, err = armresources.NewResourceGroupsClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("create resource groups client: %w", err)
	}
	if c.resources, err = armresources.NewClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("create resources client: %w", err)
	}
	compute, err := armcompute.NewClientFactory(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create compute clients: %w", err)
	}
	c.vms = compute.NewVirtualMachinesClient()
	c.images = compute.NewImagesClient()
	c.disks = compute.NewDisksClient()
	c.galleries = compute.NewGalleriesClient()
	c.galleryImages = compute.NewGalleryImagesClient()
	c.versions = compute.NewGalleryImageVersionsClient()
	if c.accounts, err = armstorage.NewAccountsClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("create storage accounts client: %w", err)
	}
	if c.clusters, err = armcontainerservice.NewManagedClustersClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("create managed clusters client: %w", err)
	}
	return &c, nil
}

func (c *armClient) ListResourceGroups(ctx context.Context) ([]*armresources.ResourceGroup, error) {
	var groups []*armresources.ResourceGroup
	pager := c.groups.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resource groups: %w", err)
		}
		groups = append(groups, page.Value...)
	}
	return groups, nil
}

func (c *armClient) DeleteResourceGroup(ctx context.Context, name string) error {
	_, err := c.groups.BeginDelete(ctx, name, nil)
	return err
}

func (c *armClient) ListVMSizes(ctx context.Context, group string) ([]string, error) {
	seen := make(map[string]bool)
	pager := c.vms.NewListPager(group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, vm := range page.Value {
			if vm.Properties == nil || vm.Properties.HardwareProfile == nil || vm.Properties.HardwareProfile.VMSize == nil {
				continue
			}
			seen[string(*vm.Properties.HardwareProfile.VMSize)] = true
		}
	}
	sizes := make([]string, 0, len(seen))
	for size := range seen {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)
	return sizes, nil
}

func (c *armClient) ListResources(ctx context.Context, group, resourceType string) ([]*armresources.GenericResourceExpanded, error) {
	var out []*armresources.GenericResourceExpanded
	pager := c.resources.NewListByResourceGroupPager(group, &armresources.ClientListByResourceGroupOptions{
		Filter: to.Ptr(fmt.Sprintf("resourceType eq '%s'", resourceType)),
		Expand: to.Ptr("changedTime"),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s in %s: %w", resourceType, group, err)
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *armClient) DeleteImage(ctx context.Context, group, name string) error {
	_, err := c.images.BeginDelete(ctx, group, name, nil)
	return err
}

func (c *armClient) DeleteDisk(ctx context.Context, group, name string) error {
	_, err := c.disks.BeginDelete(ctx, group, name, nil)
	return err
}

func (c *armClient) GalleryTags(ctx context.Context, group, gallery string) (map[string]*string, error) {
	resp, err := c.galleries.Get(ctx, group, gallery, nil)
	if err != nil {
		return nil, fmt.Errorf("get gallery %s: %w", gallery, err)
	}
	return resp.Tags, nil
}

func (c *armClient) ListGalleryImages(ctx context.Context, group, gallery string) ([]*armcompute.GalleryImage, error) {
	var out []*armcompute.GalleryImage
	pager := c.galleryImages.NewListByGalleryPager(group, gallery, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list images of gallery %s: %w", gallery, err)
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *armClient) ListGalleryImageVersions(ctx context.Context, group, gallery, image string) ([]*armcompute.GalleryImageVersion, error) {
	var out []*armcompute.GalleryImageVersion
	pager := c.versions.NewListByGalleryImagePager(group, gallery, image, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list versions of %s: %w", image, err)
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *armClient) DeleteGalleryImageVersion(ctx context.Context, group, gallery, image, version string) error {
	poller, err := c.versions.BeginDelete(ctx, group, gallery, image, version, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *armClient) DeleteGalleryImage(ctx context.Context, group, gallery, image string) error {
	_, err := c.galleryImages.BeginDelete(ctx, group, gallery, image, nil)
	return err
}

func (c *armClient) ListStorageAccounts(ctx context.Context, group string) ([]string, error) {
	var names []string
	pager := c.accounts.NewListByResourceGroupPager(group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list storage accounts in %s: %w", group, err)
		}
		for _, acc := range page.Value {
			names = append(names, deref(acc.Name))
		}
	}
	return names, nil
}

func (c *armClient) StorageAccountKey(ctx context.Context, group, account string) (string, error) {
	resp, err := c.accounts.ListKeys(ctx, group, account, nil)
	if err != nil {
		return "", fmt.Errorf("list keys of %s: %w", account, err)
	}
	for _, key := range resp.Keys {
		if key.Value != nil {
			return *key.Value, nil
		}
	}
	return "", fmt.Errorf("storage account %s has no keys", account)
}

func (c *armClient) AdminKubeconfig(ctx context.Context, group, cluster string) ([]byte, error) {
	resp, err := c.clusters.ListClusterAdminCredentials(ctx, group, cluster, nil)
	if err != nil {
		return nil, fmt.Errorf("admin credentials of %s: %w", cluster, err)
	}
	for _, kc := range resp.Kubeconfigs {
		if len(kc.Value) > 0 {
			return kc.Value, nil
		}
	}
	return nil, fmt.Errorf("cluster %s returned no kubeconfig", cluster)
}

// notFound reports a 404 from Resource Manager.
func notFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
