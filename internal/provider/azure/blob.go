package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// blobStore implements BlobStore with a shared key client.
type blobStore struct {
	client *azblob.Client
}

func newBlobStore(account, key string) (BlobStore, error) {
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential for %s: %w", account, err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client for %s: %w", account, err)
	}
	return &blobStore{client: client}, nil
}

func (s *blobStore) ListContainers(ctx context.Context) ([]Container, error) {
	var out []Container
	pager := s.client.NewListContainersPager(&azblob.ListContainersOptions{
		Include: azblob.ListContainersInclude{Metadata: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		for _, item := range page.ContainerItems {
			c := Container{Name: deref(item.Name), Metadata: make(map[string]string, len(item.Metadata))}
			for k, v := range item.Metadata {
				c.Metadata[k] = deref(v)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *blobStore) ListBlobs(ctx context.Context, container string) ([]Blob, error) {
	var out []Blob
	pager := s.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Include: azblob.ListBlobsInclude{Snapshots: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs in %s: %w", container, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			b := Blob{Name: deref(item.Name), Snapshot: deref(item.Snapshot)}
			if item.Properties != nil && item.Properties.LastModified != nil {
				b.LastModified = item.Properties.LastModified.UTC()
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *blobStore) DeleteBlob(ctx context.Context, container string, b Blob) error {
	if b.Snapshot == "" {
		_, err := s.client.DeleteBlob(ctx, container, b.Name, &azblob.DeleteBlobOptions{
			DeleteSnapshots: to.Ptr(azblob.DeleteSnapshotsOptionTypeInclude),
		})
		return err
	}
	snap, err := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(b.Name).WithSnapshot(b.Snapshot)
	if err != nil {
		return err
	}
	_, err = snap.Delete(ctx, nil)
	return err
}
