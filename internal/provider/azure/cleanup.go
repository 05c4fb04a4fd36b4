package azure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"

	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Resource types cleaned up in the storage group.
const (
	typeImage = "Microsoft.Compute/images"
	typeDisk  = "Microsoft.Compute/disks"
)

// Containers eligible for blob cleanup.
const (
	bootDiagnosticsPrefix = "bootdiagnostics-"
	imagesContainer       = "sle-images"
)

// CleanupAll removes outdated images, disks, blobs and gallery image
// versions from the storage resource group.
func (p *Provider) CleanupAll(ctx context.Context) (provider.Stats, error) {
	stats := provider.Stats{}
	steps := []struct {
		field string
		run   func(context.Context) (int, error)
	}{
		{emitter.FieldImages, p.cleanupImages},
		{emitter.FieldDisks, p.cleanupDisks},
		{emitter.FieldBlobs, p.cleanupBlobs},
		{emitter.FieldGallery, p.cleanupGallery},
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

func (p *Provider) cleanupImages(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	group := p.StorageGroup()
	images, err := p.arm.ListResources(ctx, group, typeImage)
	if err != nil {
		return 0, err
	}
	maxAge := p.MaxAgeHours()
	for _, img := range images {
		name := deref(img.Name)
		if resource.Ignored(resource.TagsFromPointers(img.Tags)) || img.ChangedTime == nil || !p.OutdatedHours(*img.ChangedTime, maxAge) {
			continue
		}
		err := p.Mutate(ctx, "DeleteImage", name, func(ctx context.Context) error {
			return p.arm.DeleteImage(ctx, group, name)
		})
		if err != nil && !notFound(err) {
			return len(images), fmt.Errorf("delete image %s: %w", name, err)
		}
	}
	return len(images), nil
}

func (p *Provider) cleanupDisks(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	group := p.StorageGroup()
	disks, err := p.arm.ListResources(ctx, group, typeDisk)
	if err != nil {
		return 0, err
	}
	maxAge := p.MaxAgeHours()
	for _, disk := range disks {
		name := deref(disk.Name)
		// attached disks are owned by a VM
		if deref(disk.ManagedBy) != "" {
			continue
		}
		if resource.Ignored(resource.TagsFromPointers(disk.Tags)) || disk.ChangedTime == nil || !p.OutdatedHours(*disk.ChangedTime, maxAge) {
			continue
		}
		err := p.Mutate(ctx, "DeleteDisk", name, func(ctx context.Context) error {
			return p.arm.DeleteDisk(ctx, group, name)
		})
		if err != nil && !notFound(err) {
			return len(disks), fmt.Errorf("delete disk %s: %w", name, err)
		}
	}
	return len(disks), nil
}

func eligibleContainer(c Container) bool {
	if resource.Ignored(c.Metadata) {
		return false
	}
	return strings.HasPrefix(c.Name, bootDiagnosticsPrefix) || c.Name == imagesContainer
}

// cleanupBlobs walks every storage account of the storage group. It returns
// the number of blobs listed in eligible containers.
func (p *Provider) cleanupBlobs(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	group := p.StorageGroup()
	accounts, err := p.arm.ListStorageAccounts(ctx, group)
	if err != nil {
		return 0, err
	}

	listed := 0
	maxAge := p.MaxAgeHours()
	for _, account := range accounts {
		key, err := p.arm.StorageAccountKey(ctx, group, account)
		if err != nil {
			return listed, err
		}
		store, err := p.newBlobStore(account, key)
		if err != nil {
			return listed, err
		}
		containers, err := store.ListContainers(ctx)
		if err != nil {
			return listed, fmt.Errorf("account %s: %w", account, err)
		}

		for _, c := range containers {
			if !eligibleContainer(c) {
				continue
			}
			blobs, err := store.ListBlobs(ctx, c.Name)
			if err != nil {
				return listed, fmt.Errorf("account %s: %w", account, err)
			}
			listed += len(blobs)
			for _, b := range blobs {
				if !p.OutdatedHours(b.LastModified, maxAge) {
					continue
				}
				target := c.Name + "/" + b.Name
				if b.Snapshot != "" {
					target += "@" + b.Snapshot
				}
				err := p.Mutate(ctx, "DeleteBlob", target, func(ctx context.Context) error {
					return store.DeleteBlob(ctx, c.Name, b)
				})
				if err != nil && !notFound(err) {
					return listed, fmt.Errorf("delete blob %s: %w", target, err)
				}
			}
		}
	}
	return listed, nil
}

// cleanupGallery deletes failed or outdated image versions of the
// configured gallery. An image definition whose versions were all deleted
// is removed as well. It returns the number of versions listed.
func (p *Provider) cleanupGallery(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	group, gallery := p.StorageGroup(), p.Gallery()
	tags, err := p.arm.GalleryTags(ctx, group, gallery)
	if notFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if resource.Ignored(resource.TagsFromPointers(tags)) {
		return 0, nil
	}

	images, err := p.arm.ListGalleryImages(ctx, group, gallery)
	if err != nil {
		return 0, err
	}

	listed := 0
	maxAge := p.MaxAgeHours()
	for _, img := range images {
		image := deref(img.Name)
		if resource.Ignored(resource.TagsFromPointers(img.Tags)) {
			continue
		}
		versions, err := p.arm.ListGalleryImageVersions(ctx, group, gallery, image)
		if err != nil {
			return listed, err
		}
		listed += len(versions)

		deleted := 0
		for _, v := range versions {
			if !p.versionOutdated(v, maxAge) {
				continue
			}
			version := deref(v.Name)
			err := p.Mutate(ctx, "DeleteGalleryImageVersion", image+"/"+version, func(ctx context.Context) error {
				return p.arm.DeleteGalleryImageVersion(ctx, group, gallery, image, version)
			})
			if err != nil && !notFound(err) {
				return listed, fmt.Errorf("delete version %s of %s: %w", version, image, err)
			}
			deleted++
		}

		if len(versions) == 0 || deleted < len(versions) {
			continue
		}
		err = p.Mutate(ctx, "DeleteGalleryImage", image, func(ctx context.Context) error {
			return p.arm.DeleteGalleryImage(ctx, group, gallery, image)
		})
		if err != nil && !notFound(err) {
			return listed, fmt.Errorf("delete gallery image %s: %w", image, err)
		}
	}
	return listed, nil
}

func (p *Provider) versionOutdated(v *armcompute.GalleryImageVersion, maxAge int) bool {
	if resource.Ignored(resource.TagsFromPointers(v.Tags)) {
		return false
	}
	if v.Properties == nil {
		return false
	}
	if v.Properties.ProvisioningState != nil && *v.Properties.ProvisioningState == armcompute.GalleryProvisioningStateFailed {
		return true
	}
	var published time.Time
	if v.Properties.PublishingProfile != nil && v.Properties.PublishingProfile.PublishedDate != nil {
		published = *v.Properties.PublishingProfile.PublishedDate
	}
	return p.OutdatedHours(published, maxAge)
}
