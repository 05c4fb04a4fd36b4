// Package provider defines the contract every cloud backend implements and
// the helpers they share.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/pkg/resource"
)

// ErrNotSupported is returned for capabilities a backend does not have.
var ErrNotSupported = errors.New("not supported by provider")

// Provider is the capability set shared by every backend.
type Provider interface {
	Kind() resource.Kind
	Namespace() string

	// DeleteInstance removes one instance. Not-found counts as success.
	DeleteInstance(ctx context.Context, region, id string) Result

	// CleanupAll deletes outdated auxiliary resources and returns how many
	// of each resource kind were listed.
	CleanupAll(ctx context.Context) (Stats, error)

	Close() error
}

// InstanceLister is implemented by backends whose instances are tracked in
// the catalog.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]resource.Instance, error)
}

// KubernetesCleaner is implemented by backends with managed Kubernetes clusters.
type KubernetesCleaner interface {
	CleanupK8sJobs(ctx context.Context) error
	CleanupK8sNamespaces(ctx context.Context) error
}

// ClusterLister is implemented by backends that can enumerate their
// managed clusters, keyed by region.
type ClusterLister interface {
	ListClusters(ctx context.Context) (map[string][]string, error)
}

// Stats maps a resource kind to the number of resources listed.
type Stats map[string]int

// Add increments a counter.
func (s Stats) Add(field string, n int) {
	s[field] += n
}

// Env is what a backend receives when it is constructed.
type Env struct {
	Namespace   string
	Config      *config.Config
	Credentials credentials.Source
	Mailer      notify.Mailer
	Now         func() time.Time
}

// Factory constructs a backend for one namespace.
type Factory func(ctx context.Context, env Env) (Provider, error)

// ResultKind classifies the outcome of a delete call.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultNotFound
	ResultTransient
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not_found"
	case ResultTransient:
		return "transient"
	case ResultFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is the outcome of a mutating call.
type Result struct {
	Kind ResultKind
	Msg  string
	Err  error
}

// OK is a successful result.
func OK() Result { return Result{Kind: ResultOK} }

// NotFound means the resource was already gone.
func NotFound(msg string) Result { return Result{Kind: ResultNotFound, Msg: msg} }

// Transient wraps an error that is expected to clear on its own.
func Transient(err error) Result {
	return Result{Kind: ResultTransient, Msg: errMsg(err), Err: err}
}

// Fatal wraps an unexpected error.
func Fatal(err error) Result {
	return Result{Kind: ResultFatal, Msg: errMsg(err), Err: err}
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Succeeded reports whether the resource is gone or going away.
func (r Result) Succeeded() bool {
	return r.Kind == ResultOK || r.Kind == ResultNotFound
}

// Error returns the wrapped error for fatal and transient results.
func (r Result) Error() error {
	if r.Succeeded() {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("%s: %s", r.Kind, r.Msg)
}

func (r Result) String() string {
	if r.Msg == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Msg
}
