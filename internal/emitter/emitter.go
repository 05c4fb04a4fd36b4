// Package emitter records resource counts to metric backends.
package emitter

import (
	"context"
	"errors"
	"time"
)

// Point is one measurement: how many resources of a kind a listing returned.
type Point struct {
	// Measurement is the provider name, e.g. "ec2".
	Measurement string
	// Field is the resource kind, e.g. "instances" or "images".
	Field     string
	Namespace string
	Value     int64
	Time      time.Time
}

// Emitter writes points to a backend.
type Emitter interface {
	// Emit records a single point.
	Emit(ctx context.Context, p Point) error

	// Close flushes and releases the backend.
	Close() error
}

// Resource kinds used as point fields.
const (
	FieldInstances  = "instances"
	FieldImages     = "images"
	FieldSnapshots  = "snapshots"
	FieldVolumes    = "volumes"
	FieldVPCs       = "vpcs"
	FieldDisks      = "disks"
	FieldBlobs      = "blobs"
	FieldGallery    = "gallery_versions"
	FieldKeypairs   = "keypairs"
	FieldClusters   = "clusters"
	FieldK8sJobs    = "k8s_jobs"
	FieldNamespaces = "k8s_namespaces"
)

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to every emitter and joins the errors.
func (m *MultiEmitter) Emit(ctx context.Context, p Point) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards points.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Point) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
