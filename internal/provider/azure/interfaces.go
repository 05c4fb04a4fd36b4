package azure

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

// ARM is the subset of Azure Resource Manager used by the backend. Pagers
// and pollers stay behind it so tests can fake whole listings.
type ARM interface {
	ListResourceGroups(ctx context.Context) ([]*armresources.ResourceGroup, error)
	// DeleteResourceGroup starts the deletion and does not wait for it.
	DeleteResourceGroup(ctx context.Context, name string) error
	ListVMSizes(ctx context.Context, group string) ([]string, error)

	// ListResources lists resources of one type, with changedTime expanded.
	ListResources(ctx context.Context, group, resourceType string) ([]*armresources.GenericResourceExpanded, error)
	DeleteImage(ctx context.Context, group, name string) error
	DeleteDisk(ctx context.Context, group, name string) error

	GalleryTags(ctx context.Context, group, gallery string) (map[string]*string, error)
	ListGalleryImages(ctx context.Context, group, gallery string) ([]*armcompute.GalleryImage, error)
	ListGalleryImageVersions(ctx context.Context, group, gallery, image string) ([]*armcompute.GalleryImageVersion, error)
	// DeleteGalleryImageVersion waits until the version is gone.
	DeleteGalleryImageVersion(ctx context.Context, group, gallery, image, version string) error
	DeleteGalleryImage(ctx context.Context, group, gallery, image string) error

	ListStorageAccounts(ctx context.Context, group string) ([]string, error)
	StorageAccountKey(ctx context.Context, group, account string) (string, error)

	AdminKubeconfig(ctx context.Context, group, cluster string) ([]byte, error)
}

// Container is a blob container with its metadata.
type Container struct {
	Name     string
	Metadata map[string]string
}

// Blob is a blob or a blob snapshot.
type Blob struct {
	Name         string
	Snapshot     string
	LastModified time.Time
}

// BlobStore is one storage account.
type BlobStore interface {
	ListContainers(ctx context.Context) ([]Container, error)
	ListBlobs(ctx context.Context, container string) ([]Blob, error)
	// DeleteBlob removes a blob with its snapshots, or a single snapshot
	// when b.Snapshot is set.
	DeleteBlob(ctx context.Context, container string, b Blob) error
}
