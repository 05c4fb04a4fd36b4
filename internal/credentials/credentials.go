// Package credentials turns a (namespace, provider kind) pair into secrets
// usable by a cloud SDK.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Source yields the current secret data for one namespace and kind.
type Source interface {
	// Data returns the full secret map, refreshing an expired lease first.
	Data(ctx context.Context) (map[string]string, error)

	// Revoke releases any lease held by the source.
	Revoke(ctx context.Context) error
}

// Field returns a single named value from a source.
func Field(ctx context.Context, src Source, name string) (string, error) {
	data, err := src.Data(ctx)
	if err != nil {
		return "", err
	}
	v, ok := data[name]
	if !ok {
		return "", fmt.Errorf("credential field %q not present", name)
	}
	return v, nil
}

// FileSource reads static credentials from <dir>/<namespace>/<Kind>.json.
type FileSource struct {
	path string
}

// NewFileSource creates a file backed source.
func NewFileSource(dir, namespace string, kind resource.Kind) *FileSource {
	return &FileSource{path: filepath.Join(dir, namespace, string(kind)+".json")}
}

// Path returns the credentials file location.
func (f *FileSource) Path() string {
	return f.path
}

// Data reads and decodes the credentials file. A missing file is an error.
func (f *FileSource) Data(_ context.Context) (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", f.path, err)
	}
	return stringify(obj), nil
}

// Revoke is a no-op for static credentials.
func (f *FileSource) Revoke(context.Context) error {
	return nil
}

// Static is a fixed credential map.
type Static map[string]string

// Data returns a copy of the map.
func (s Static) Data(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Revoke is a no-op.
func (s Static) Revoke(context.Context) error { return nil }

func stringify(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		case float64, bool:
			out[k] = fmt.Sprint(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// Manager hands out one source per (namespace, kind) and revokes them on Close.
type Manager struct {
	cfg      *config.Config
	dir      string
	cacheDir string

	mu      sync.Mutex
	sources map[sourceKey]Source
}

type sourceKey struct {
	namespace string
	kind      resource.Kind
}

// NewManager creates a manager. dir holds the static credential files and
// cacheDir the optional lease cache.
func NewManager(cfg *config.Config, dir, cacheDir string) *Manager {
	return &Manager{
		cfg:      cfg,
		dir:      dir,
		cacheDir: cacheDir,
		sources:  make(map[sourceKey]Source),
	}
}

// Source returns the source for a namespace and kind. The secret service is
// used when vault/url is configured; OpenStack always reads from disk.
func (m *Manager) Source(namespace string, kind resource.Kind) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sourceKey{namespace: namespace, kind: kind}
	if src, ok := m.sources[key]; ok {
		return src, nil
	}

	var src Source
	if m.cfg.String("vault/url", "") != "" && kind != resource.KindOpenStack {
		b, err := NewBroker(BrokerConfig{
			URL:       m.cfg.String("vault/url", ""),
			User:      m.cfg.String("vault/user", ""),
			Password:  m.cfg.String("vault/password", ""),
			CertDir:   m.cfg.String("vault/cert_dir", ""),
			Namespace: namespace,
			Kind:      kind,
			CacheRoot: m.cacheRoot(),
		})
		if err != nil {
			return nil, fmt.Errorf("create broker for %s/%s: %w", namespace, kind, err)
		}
		src = b
	} else {
		src = NewFileSource(m.dir, namespace, kind)
	}

	m.sources[key] = src
	return src, nil
}

func (m *Manager) cacheRoot() string {
	if !m.cfg.Bool("vault/use-file-cache", false) {
		return ""
	}
	return m.cacheDir
}

// Close revokes every source handed out so far.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, src := range m.sources {
		if err := src.Revoke(ctx); err != nil {
			log.Warn().Err(err).
				Str("namespace", key.namespace).
				Str("provider", string(key.kind)).
				Msg("revoke credentials failed")
		}
	}
	m.sources = make(map[sourceKey]Source)
	return nil
}
