// Package config handles TOML configuration for pcw.
//
// Settings are addressed as "section/key". Nested tables flatten into dotted
// section names, so [k8sclusters.namespace.ns1] holds the keys of the
// section "k8sclusters.namespace.ns1".
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/yairfalse/pcw/pkg/resource"
)

// ErrMissingKey is returned when a required setting is absent.
var ErrMissingKey = errors.New("missing config key")

// Features with their own namespace and provider selection.
const (
	FeatureDefault     = "default"
	FeatureCleanup     = "cleanup"
	FeatureClusters    = "clusters"
	FeatureK8sClusters = "k8sclusters"
	FeatureInfluxDB    = "influxdb"
)

// Config is the sectioned key/value store.
type Config struct {
	path     string
	sections map[string]map[string]any

	// OTEL is decoded as a typed section.
	OTEL OTELConfig
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(string(data))
	if err != nil {
		return nil, err
	}
	cfg.path = path

	return cfg, nil
}

// Parse builds a Config from TOML text.
func Parse(data string) (*Config, error) {
	tree := make(map[string]any)
	if err := toml.Unmarshal([]byte(data), &tree); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var typed struct {
		OTEL OTELConfig `toml:"otel"`
	}
	if err := toml.Unmarshal([]byte(data), &typed); err != nil {
		return nil, fmt.Errorf("parse otel section: %w", err)
	}

	cfg := &Config{
		sections: make(map[string]map[string]any),
		OTEL:     typed.OTEL,
	}
	for name, v := range tree {
		if table, ok := v.(map[string]any); ok {
			cfg.flatten(name, table)
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Empty returns a config with no settings; every getter yields its default.
func Empty() *Config {
	cfg := &Config{sections: make(map[string]map[string]any)}
	applyDefaults(cfg)
	return cfg
}

func (c *Config) flatten(section string, table map[string]any) {
	for k, v := range table {
		if sub, ok := v.(map[string]any); ok {
			c.flatten(section+"."+k, sub)
			continue
		}
		if c.sections[section] == nil {
			c.sections[section] = make(map[string]any)
		}
		c.sections[section][k] = v
	}
	if c.sections[section] == nil {
		c.sections[section] = make(map[string]any)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "pcw"
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

func splitPath(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Get returns the raw value at "section/key".
func (c *Config) Get(path string) (any, bool) {
	section, key := splitPath(path)
	s, ok := c.sections[section]
	if !ok {
		return nil, false
	}
	v, ok := s[key]
	return v, ok
}

// Has reports whether a key exists at path. A path without a key tests
// for the presence of the section itself.
func (c *Config) Has(path string) bool {
	if !strings.Contains(path, "/") {
		_, ok := c.sections[path]
		return ok
	}
	_, ok := c.Get(path)
	return ok
}

// String returns the value at path as a string.
func (c *Config) String(path, def string) string {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// RequireString returns the value at path or ErrMissingKey.
func (c *Config) RequireString(path string) (string, error) {
	v := c.String(path, "")
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, path)
	}
	return v, nil
}

// Int returns the value at path as an int.
func (c *Config) Int(path string, def int) int {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	}
	return def
}

// Bool returns the value at path as a bool.
func (c *Config) Bool(path string, def bool) bool {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	}
	return def
}

// List returns the value at path as a string list. Both TOML arrays and
// comma separated strings are accepted.
func (c *Config) List(path string, def []string) []string {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, item := range strings.Split(t, ",") {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	default:
		return def
	}
	return out
}

func namespaceSection(feature, namespace string) string {
	return feature + ".namespace." + namespace
}

// NamespaceKey resolves key in "<section>.namespace.<ns>" before "<section>".
func (c *Config) NamespaceKey(section, namespace, key string) string {
	override := namespaceSection(section, namespace) + "/" + key
	if c.Has(override) {
		return override
	}
	return section + "/" + key
}

// Namespaces returns the namespaces enabled for a feature, falling back to
// default/namespaces. A feature without its own section is disabled.
func (c *Config) Namespaces(feature string) []string {
	if feature != FeatureDefault && !c.Has(feature) {
		return nil
	}
	if ns := c.List(feature+"/namespaces", nil); len(ns) > 0 {
		return ns
	}
	return c.List(FeatureDefault+"/namespaces", nil)
}

// featureKinds are the kinds a feature covers when no providers key is set.
// OpenStack has no instance listing and no managed clusters, so only the
// cleanup features include it.
var featureKinds = map[string][]resource.Kind{
	FeatureDefault:     {resource.KindEC2, resource.KindAzure, resource.KindGCE},
	FeatureK8sClusters: {resource.KindEC2, resource.KindAzure, resource.KindGCE},
	FeatureClusters:    {resource.KindEC2, resource.KindGCE},
}

// DefaultProviders returns the kinds a feature covers when no providers key
// is configured.
func DefaultProviders(feature string) []resource.Kind {
	if kinds, ok := featureKinds[feature]; ok {
		return append([]resource.Kind(nil), kinds...)
	}
	return append([]resource.Kind(nil), resource.Kinds...)
}

// Providers returns the provider kinds enabled for a feature in a namespace.
// Unknown names are skipped; no setting means DefaultProviders(feature).
func (c *Config) Providers(feature, namespace string) []resource.Kind {
	names := c.List(namespaceSection(feature, namespace)+"/providers", nil)
	if names == nil {
		names = c.List(feature+"/providers", nil)
	}
	if names == nil {
		return DefaultProviders(feature)
	}

	seen := make(map[resource.Kind]bool)
	kinds := make([]resource.Kind, 0, len(names))
	for _, name := range names {
		k, err := resource.ParseKind(name)
		if err != nil || seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds
}

// DryRun reports whether mutating calls are disabled for a namespace.
func (c *Config) DryRun(namespace string) bool {
	return c.Bool(c.NamespaceKey(FeatureDefault, namespace, "dry_run"), false)
}

// Cluster identifies a managed Kubernetes cluster by group and name.
type Cluster struct {
	Group string
	Name  string
}

var clusterPair = regexp.MustCompile(`^[\w-]+:[\w-]+$`)

// K8sClusters parses "<kind>-clusters" for a namespace. Every entry must be
// of the form "resource_group:cluster_name".
func (c *Config) K8sClusters(namespace string, kind resource.Kind) ([]Cluster, error) {
	key := c.NamespaceKey(FeatureK8sClusters, namespace, kind.ConfigName()+"-clusters")
	var clusters []Cluster
	for _, pair := range c.List(key, nil) {
		if !clusterPair.MatchString(pair) {
			return nil, fmt.Errorf("invalid cluster %q in %s: want resource_group:cluster_name", pair, key)
		}
		group, name, _ := strings.Cut(pair, ":")
		clusters = append(clusters, Cluster{Group: group, Name: name})
	}
	return clusters, nil
}

// Sections returns all section names, sorted.
func (c *Config) Sections() []string {
	names := make([]string, 0, len(c.sections))
	for name := range c.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the settings whose invalid values would break a feature at startup.
func (c *Config) Validate() error {
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Has(FeatureDefault+"/namespaces") && len(c.Namespaces(FeatureDefault)) == 0 {
		return fmt.Errorf("default: namespaces is empty")
	}
	for _, ns := range c.Namespaces(FeatureK8sClusters) {
		for _, kind := range resource.Kinds {
			if _, err := c.K8sClusters(ns, kind); err != nil {
				return fmt.Errorf("k8sclusters: %w", err)
			}
		}
	}
	return nil
}
