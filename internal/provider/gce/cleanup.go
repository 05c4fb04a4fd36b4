package gce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"

	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

// CleanupAll deletes project images older than cleanup/max-age-hours.
func (p *Provider) CleanupAll(ctx context.Context) (provider.Stats, error) {
	stats := provider.Stats{}
	n, err := p.cleanupImages(ctx)
	stats.Add(emitter.FieldImages, n)
	return stats, err
}

func (p *Provider) cleanupImages(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	images, err := p.compute.ListImages(ctx, p.project)
	if err != nil {
		return 0, fmt.Errorf("list images: %w", err)
	}

	maxAge := p.MaxAgeHours()
	var errs []error
	for _, img := range images {
		if resource.Ignored(img.Labels) {
			continue
		}
		created, err := time.Parse(time.RFC3339, img.CreationTimestamp)
		if err != nil || !p.OutdatedHours(created, maxAge) {
			continue
		}

		var op *compute.Operation
		err = p.Mutate(ctx, "DeleteImage", img.Name, func(ctx context.Context) error {
			var err error
			op, err = p.compute.DeleteImage(ctx, p.project, img.Name)
			return err
		})
		if err != nil {
			if !notFound(err) {
				errs = append(errs, fmt.Errorf("delete image %s: %w", img.Name, err))
			}
			continue
		}
		if err := p.checkOperation(img.Name, op); err != nil {
			errs = append(errs, err)
		}
	}
	return len(images), errors.Join(errs...)
}

// checkOperation logs the warnings of a delete operation and returns its
// errors.
func (p *Provider) checkOperation(target string, op *compute.Operation) error {
	if op == nil {
		return nil
	}
	for _, w := range op.Warnings {
		p.Log().Warn().Str("target", target).Str("code", w.Code).Msg(w.Message)
	}
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		msgs = append(msgs, e.Code+": "+e.Message)
	}
	return fmt.Errorf("delete image %s: %s", target, strings.Join(msgs, "; "))
}
