package ec2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.InstanceLister    = (*Provider)(nil)
	_ provider.KubernetesCleaner = (*Provider)(nil)
	_ provider.ClusterLister     = (*Provider)(nil)
)

// maxAgeDays returns cleanup/ec2-max-age-days; -1 disables image, snapshot
// and volume cleanup.
func (p *Provider) maxAgeDays() int {
	return p.Config().Int(p.Setting(config.FeatureCleanup, "ec2-max-age-days"), -1)
}

// CleanupAll removes outdated images, snapshots and volumes in every region
// and, when enabled, unused VPCs.
func (p *Provider) CleanupAll(ctx context.Context) (provider.Stats, error) {
	regions, err := p.Regions(ctx)
	if err != nil {
		return nil, err
	}

	stats := provider.Stats{}
	vpcs := &vpcReport{}
	var errs []error
	for _, region := range regions {
		steps := []struct {
			field string
			run   func(context.Context, string) (int, error)
		}{
			{emitter.FieldImages, p.cleanupImages},
			{emitter.FieldSnapshots, p.cleanupSnapshots},
			{emitter.FieldVolumes, p.cleanupVolumes},
		}
		for _, step := range steps {
			n, err := step.run(ctx, region)
			stats.Add(step.field, n)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s in %s: %w", step.field, region, err))
			}
		}

		if p.Config().Bool(p.Setting(config.FeatureCleanup, "vpc_cleanup"), false) {
			n, err := p.cleanupVPCs(ctx, region, vpcs)
			stats.Add(emitter.FieldVPCs, n)
			if err != nil {
				errs = append(errs, fmt.Errorf("vpcs in %s: %w", region, err))
			}
		}
	}
	p.reportVPCs(ctx, vpcs)
	return stats, errors.Join(errs...)
}

func (p *Provider) cleanupImages(ctx context.Context, region string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	client := p.ec2Client(region)
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	if err != nil {
		return 0, fmt.Errorf("describe images: %w", err)
	}

	days := p.maxAgeDays()
	for _, img := range out.Images {
		id := aws.ToString(img.ImageId)
		if resource.Ignored(convertTags(img.Tags)) {
			continue
		}
		created, err := time.Parse(time.RFC3339, aws.ToString(img.CreationDate))
		if err != nil {
			p.Log().Warn().Err(err).Str("image", id).Msg("unparsable image creation date")
			continue
		}
		if !p.OutdatedDays(created, days) {
			continue
		}
		err = p.Mutate(ctx, "DeregisterImage", id, func(ctx context.Context) error {
			_, err := client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: img.ImageId})
			return err
		})
		if err != nil {
			return len(out.Images), fmt.Errorf("deregister image %s: %w", id, err)
		}
	}
	return len(out.Images), nil
}

func (p *Provider) cleanupSnapshots(ctx context.Context, region string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	client := p.ec2Client(region)
	paginator := ec2.NewDescribeSnapshotsPaginator(client, &ec2.DescribeSnapshotsInput{OwnerIds: []string{"self"}})
	days := p.maxAgeDays()
	listed := 0
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return listed, fmt.Errorf("describe snapshots: %w", err)
		}
		listed += len(output.Snapshots)

		for _, snap := range output.Snapshots {
			id := aws.ToString(snap.SnapshotId)
			if resource.Ignored(convertTags(snap.Tags)) || !p.OutdatedDays(aws.ToTime(snap.StartTime), days) {
				continue
			}
			err := p.Mutate(ctx, "DeleteSnapshot", id, func(ctx context.Context) error {
				_, err := client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: snap.SnapshotId})
				return err
			})
			if errorCode(err) == codeSnapshotInUse {
				p.Log().Info().Str("snapshot", id).Msg("snapshot still in use")
				continue
			}
			if err != nil {
				return listed, fmt.Errorf("delete snapshot %s: %w", id, err)
			}
		}
	}
	return listed, nil
}

func (p *Provider) cleanupVolumes(ctx context.Context, region string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	client := p.ec2Client(region)
	paginator := ec2.NewDescribeVolumesPaginator(client, &ec2.DescribeVolumesInput{})
	days := p.maxAgeDays()
	listed := 0
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return listed, fmt.Errorf("describe volumes: %w", err)
		}
		listed += len(output.Volumes)

		for _, vol := range output.Volumes {
			id := aws.ToString(vol.VolumeId)
			if resource.Ignored(convertTags(vol.Tags)) || !p.OutdatedDays(aws.ToTime(vol.CreateTime), days) {
				continue
			}
			err := p.Mutate(ctx, "DeleteVolume", id, func(ctx context.Context) error {
				_, err := client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: vol.VolumeId})
				return err
			})
			if errorCode(err) == codeVolumeInUse {
				p.Log().Info().Str("volume", id).Msg("volume still in use")
				continue
			}
			if err != nil {
				return listed, fmt.Errorf("delete volume %s: %w", id, err)
			}
		}
	}
	return listed, nil
}

// vpcReport collects what a VPC pass wants an operator to know.
type vpcReport struct {
	candidates []string
	failures   []string
}

func (p *Provider) reportVPCs(ctx context.Context, r *vpcReport) {
	if len(r.candidates) > 0 {
		body := "VPCs which would be deleted:\n" + strings.Join(r.candidates, "\n")
		if err := p.Mailer().Send(ctx, fmt.Sprintf("VPC deletion locked in [%s]", p.Namespace()), body); err != nil {
			p.Log().Error().Err(err).Msg("failed to send vpc notification")
		}
	}
	if len(r.failures) > 0 {
		body := "Failed to delete VPCs:\n" + strings.Join(r.failures, "\n")
		if err := p.Mailer().Send(ctx, fmt.Sprintf("VPC deletion errors in [%s]", p.Namespace()), body); err != nil {
			p.Log().Error().Err(err).Msg("failed to send vpc error mail")
		}
	}
}
