package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/pcw/pkg/resource"
)

const sampleConfig = `
[default]
namespaces = ["ns1", "ns2"]
dry_run = false
ec2_regions = "eu-central-1, us-east-1"

[default.namespace.ns2]
dry_run = true

[updaterun]
default_ttl = 44400
reset_deleting_after = "3600"

[cleanup]
max-age-hours = 168
ec2-max-age-days = 2
vpc_cleanup = true

[cleanup.namespace.ns1]
providers = ["ec2", "azure", "bogus"]

[k8sclusters]
namespaces = ["ns1"]

[k8sclusters.namespace.ns1]
azure-clusters = "rg-one:aks-one, rg_two:aks-two"

[otel]
endpoint = "localhost:4317"
insecure = true

[otel.traces]
enabled = true
sample_rate = 0.5
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, []string{"ns1", "ns2"}, cfg.Namespaces(FeatureDefault))
	assert.Equal(t, []string{"eu-central-1", "us-east-1"}, cfg.List("default/ec2_regions", nil))
	assert.Equal(t, 44400, cfg.Int("updaterun/default_ttl", 0))
	assert.Equal(t, 3600, cfg.Int("updaterun/reset_deleting_after", 0))
	assert.True(t, cfg.Bool("cleanup/vpc_cleanup", false))
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "pcw", cfg.OTEL.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("[default\nnamespaces = ")
	assert.Error(t, err)
}

func TestGetters_Defaults(t *testing.T) {
	cfg := Empty()

	assert.Equal(t, "openqa-upload", cfg.String("cleanup/azure-storage-resourcegroup", "openqa-upload"))
	assert.Equal(t, 168, cfg.Int("cleanup/max-age-hours", 168))
	assert.Equal(t, -1, cfg.Int("cleanup/ec2-max-age-days", -1))
	assert.False(t, cfg.Bool("default/dry_run", false))
	assert.Nil(t, cfg.List("default/namespaces", nil))
	assert.Empty(t, cfg.Namespaces(FeatureDefault))
	assert.False(t, cfg.Has("cleanup"))
}

func TestRequireString(t *testing.T) {
	cfg, err := Parse("[vault]\nurl = \"https://vault\"\n")
	require.NoError(t, err)

	v, err := cfg.RequireString("vault/url")
	require.NoError(t, err)
	assert.Equal(t, "https://vault", v)

	_, err = cfg.RequireString("vault/user")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestNamespaces_FeatureFallback(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	// cleanup has a section but no namespaces list
	assert.Equal(t, []string{"ns1", "ns2"}, cfg.Namespaces(FeatureCleanup))
	assert.Equal(t, []string{"ns1"}, cfg.Namespaces(FeatureK8sClusters))
	// clusters has no section at all
	assert.Nil(t, cfg.Namespaces(FeatureClusters))
}

func TestProviders(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, []resource.Kind{resource.KindEC2, resource.KindAzure}, cfg.Providers(FeatureCleanup, "ns1"))
	assert.Equal(t, resource.Kinds, cfg.Providers(FeatureCleanup, "ns2"))
	assert.Equal(t, []resource.Kind{resource.KindEC2, resource.KindAzure, resource.KindGCE}, cfg.Providers(FeatureDefault, "ns1"))
}

func TestProviders_FeatureDefaults(t *testing.T) {
	cfg, err := Parse(`
[default]
namespaces = ["ns1"]
`)
	require.NoError(t, err)

	listing := []resource.Kind{resource.KindEC2, resource.KindAzure, resource.KindGCE}
	assert.Equal(t, listing, cfg.Providers(FeatureDefault, "ns1"))
	assert.Equal(t, listing, cfg.Providers(FeatureK8sClusters, "ns1"))
	assert.Equal(t, []resource.Kind{resource.KindEC2, resource.KindGCE}, cfg.Providers(FeatureClusters, "ns1"))
	assert.Equal(t, resource.Kinds, cfg.Providers(FeatureCleanup, "ns1"))
	assert.NotContains(t, cfg.Providers(FeatureDefault, "ns1"), resource.KindOpenStack)
}

func TestDryRun_NamespaceOverride(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	assert.False(t, cfg.DryRun("ns1"))
	assert.True(t, cfg.DryRun("ns2"))
}

func TestK8sClusters(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	clusters, err := cfg.K8sClusters("ns1", resource.KindAzure)
	require.NoError(t, err)
	assert.Equal(t, []Cluster{{Group: "rg-one", Name: "aks-one"}, {Group: "rg_two", Name: "aks-two"}}, clusters)

	clusters, err = cfg.K8sClusters("ns1", resource.KindGCE)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestK8sClusters_InvalidPair(t *testing.T) {
	cfg, err := Parse(`
[k8sclusters]
namespaces = ["ns1"]
azure-clusters = "no-colon-here"
`)
	require.NoError(t, err)

	_, err = cfg.K8sClusters("ns1", resource.KindAzure)
	assert.Error(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidate_SampleRate(t *testing.T) {
	cfg, err := Parse("[otel.traces]\nsample_rate = 2.0\n")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcw.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
