package azure

import (
	"context"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

type mockARM struct {
	mu    sync.Mutex
	calls []string

	ListResourceGroupsFunc        func(ctx context.Context) ([]*armresources.ResourceGroup, error)
	DeleteResourceGroupFunc       func(ctx context.Context, name string) error
	ListVMSizesFunc               func(ctx context.Context, group string) ([]string, error)
	ListResourcesFunc             func(ctx context.Context, group, resourceType string) ([]*armresources.GenericResourceExpanded, error)
	GalleryTagsFunc               func(ctx context.Context, group, gallery string) (map[string]*string, error)
	ListGalleryImagesFunc         func(ctx context.Context, group, gallery string) ([]*armcompute.GalleryImage, error)
	ListGalleryImageVersionsFunc  func(ctx context.Context, group, gallery, image string) ([]*armcompute.GalleryImageVersion, error)
	ListStorageAccountsFunc       func(ctx context.Context, group string) ([]string, error)
	AdminKubeconfigFunc           func(ctx context.Context, group, cluster string) ([]byte, error)
	DeleteGalleryImageVersionFunc func(ctx context.Context, group, gallery, image, version string) error
}

func (m *mockARM) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockARM) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockARM) ListResourceGroups(ctx context.Context) ([]*armresources.ResourceGroup, error) {
	m.record("ListResourceGroups")
	if m.ListResourceGroupsFunc != nil {
		return m.ListResourceGroupsFunc(ctx)
	}
	return nil, nil
}

func (m *mockARM) DeleteResourceGroup(ctx context.Context, name string) error {
	m.record("DeleteResourceGroup " + name)
	if m.DeleteResourceGroupFunc != nil {
		return m.DeleteResourceGroupFunc(ctx, name)
	}
	return nil
}

func (m *mockARM) ListVMSizes(ctx context.Context, group string) ([]string, error) {
	m.record("ListVMSizes " + group)
	if m.ListVMSizesFunc != nil {
		return m.ListVMSizesFunc(ctx, group)
	}
	return nil, nil
}

func (m *mockARM) ListResources(ctx context.Context, group, resourceType string) ([]*armresources.GenericResourceExpanded, error) {
	m.record("ListResources " + resourceType)
	if m.ListResourcesFunc != nil {
		return m.ListResourcesFunc(ctx, group, resourceType)
	}
	return nil, nil
}

func (m *mockARM) DeleteImage(_ context.Context, _, name string) error {
	m.record("DeleteImage " + name)
	return nil
}

func (m *mockARM) DeleteDisk(_ context.Context, _, name string) error {
	m.record("DeleteDisk " + name)
	return nil
}

func (m *mockARM) GalleryTags(ctx context.Context, group, gallery string) (map[string]*string, error) {
	m.record("GalleryTags " + gallery)
	if m.GalleryTagsFunc != nil {
		return m.GalleryTagsFunc(ctx, group, gallery)
	}
	return nil, nil
}

func (m *mockARM) ListGalleryImages(ctx context.Context, group, gallery string) ([]*armcompute.GalleryImage, error) {
	m.record("ListGalleryImages " + gallery)
	if m.ListGalleryImagesFunc != nil {
		return m.ListGalleryImagesFunc(ctx, group, gallery)
	}
	return nil, nil
}

func (m *mockARM) ListGalleryImageVersions(ctx context.Context, group, gallery, image string) ([]*armcompute.GalleryImageVersion, error) {
	m.record("ListGalleryImageVersions " + image)
	if m.ListGalleryImageVersionsFunc != nil {
		return m.ListGalleryImageVersionsFunc(ctx, group, gallery, image)
	}
	return nil, nil
}

func (m *mockARM) DeleteGalleryImageVersion(ctx context.Context, group, gallery, image, version string) error {
	m.record("DeleteGalleryImageVersion " + image + "/" + version)
	if m.DeleteGalleryImageVersionFunc != nil {
		return m.DeleteGalleryImageVersionFunc(ctx, group, gallery, image, version)
	}
	return nil
}

func (m *mockARM) DeleteGalleryImage(_ context.Context, _, _, image string) error {
	m.record("DeleteGalleryImage " + image)
	return nil
}

func (m *mockARM) ListStorageAccounts(ctx context.Context, group string) ([]string, error) {
	m.record("ListStorageAccounts " + group)
	if m.ListStorageAccountsFunc != nil {
		return m.ListStorageAccountsFunc(ctx, group)
	}
	return nil, nil
}

func (m *mockARM) StorageAccountKey(_ context.Context, _, account string) (string, error) {
	m.record("StorageAccountKey " + account)
	return "key-" + account, nil
}

func (m *mockARM) AdminKubeconfig(ctx context.Context, group, cluster string) ([]byte, error) {
	m.record("AdminKubeconfig " + group + "/" + cluster)
	if m.AdminKubeconfigFunc != nil {
		return m.AdminKubeconfigFunc(ctx, group, cluster)
	}
	return nil, nil
}

type mockBlobStore struct {
	containers []Container
	blobs      map[string][]Blob
	deleted    []string
}

func (s *mockBlobStore) ListContainers(context.Context) ([]Container, error) {
	return s.containers, nil
}

func (s *mockBlobStore) ListBlobs(_ context.Context, container string) ([]Blob, error) {
	return s.blobs[container], nil
}

func (s *mockBlobStore) DeleteBlob(_ context.Context, container string, b Blob) error {
	name := container + "/" + b.Name
	if b.Snapshot != "" {
		name += "@" + b.Snapshot
	}
	s.deleted = append(s.deleted, name)
	return nil
}
