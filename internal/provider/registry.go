package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/pkg/resource"
)

// CredentialResolver hands out the credentials of a namespace and kind.
type CredentialResolver interface {
	Source(namespace string, kind resource.Kind) (credentials.Source, error)
}

type registryKey struct {
	namespace string
	kind      resource.Kind
}

// Registry creates one backend per (namespace, kind) on first use and
// closes them on shutdown. It is the only place credentials are resolved.
type Registry struct {
	cfg    *config.Config
	creds  CredentialResolver
	mailer notify.Mailer
	now    func() time.Time

	mu        sync.Mutex
	factories map[resource.Kind]Factory
	instances map[registryKey]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.Config, creds CredentialResolver, mailer notify.Mailer) *Registry {
	return &Registry{
		cfg:       cfg,
		creds:     creds,
		mailer:    mailer,
		now:       time.Now,
		factories: make(map[resource.Kind]Factory),
		instances: make(map[registryKey]Provider),
	}
}

// Register sets the factory for a kind.
func (r *Registry) Register(kind resource.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in stable order.
func (r *Registry) Kinds() []resource.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]resource.Kind, 0, len(r.factories))
	for _, k := range resource.Kinds {
		if _, ok := r.factories[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Get returns the backend for a namespace and kind, constructing it on first use.
func (r *Registry) Get(ctx context.Context, namespace string, kind resource.Kind) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{namespace: namespace, kind: kind}
	if p, ok := r.instances[key]; ok {
		return p, nil
	}

	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", kind, ErrNotSupported)
	}

	src, err := r.creds.Source(namespace, kind)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s/%s: %w", namespace, kind, err)
	}

	p, err := factory(ctx, Env{
		Namespace:   namespace,
		Config:      r.cfg,
		Credentials: src,
		Mailer:      r.mailer,
		Now:         r.now,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s provider for %s: %w", kind, namespace, err)
	}

	log.Debug().Str("provider", string(kind)).Str("namespace", namespace).Msg("provider created")
	r.instances[key] = p
	return p, nil
}

// Close closes every constructed backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, p := range r.instances {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s/%s: %w", key.namespace, key.kind, err))
		}
	}
	r.instances = make(map[registryKey]Provider)
	return errors.Join(errs...)
}
