package azure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

const baseConfig = `
[default]
namespaces = ["ns1"]
`

func newTestProvider(t *testing.T, cfgText string, arm *mockARM) *Provider {
	t.Helper()
	cfg, err := config.Parse(cfgText)
	require.NoError(t, err)
	return newProvider(provider.NewBase(resource.KindAzure, provider.Env{
		Namespace: "ns1",
		Config:    cfg,
		Now:       func() time.Time { return testNow },
	}), "sub-1", arm)
}

func notFoundError() error {
	req, _ := http.NewRequest(http.MethodGet, "https://management.azure.com/resource", nil)
	return runtime.NewResponseError(&http.Response{
		StatusCode: http.StatusNotFound,
		Status:     "404 Not Found",
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`{"error":{"code":"ResourceGroupNotFound"}}`)),
		Request:    req,
	})
}

func TestListInstances(t *testing.T) {
	arm := &mockARM{
		ListResourceGroupsFunc: func(context.Context) ([]*armresources.ResourceGroup, error) {
			return []*armresources.ResourceGroup{
				{
					Name:     to.Ptr("openqa-vm-1"),
					Location: to.Ptr("westeurope"),
					Tags:     map[string]*string{resource.TagCreatedDate: to.Ptr("2024-05-09T08:00:00Z")},
				},
				{Name: to.Ptr("empty-group"), Location: to.Ptr("northeurope")},
				{Name: to.Ptr("gone-group"), Location: to.Ptr("eastus")},
			}, nil
		},
		ListVMSizesFunc: func(_ context.Context, group string) ([]string, error) {
			switch group {
			case "openqa-vm-1":
				return []string{"Standard_B2s", "Standard_D2s_v3"}, nil
			case "gone-group":
				return nil, notFoundError()
			}
			return nil, nil
		},
	}
	p := newTestProvider(t, baseConfig, arm)

	instances, err := p.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 3)

	assert.Equal(t, "openqa-vm-1", instances[0].ID)
	assert.Equal(t, "westeurope", instances[0].Region)
	assert.Equal(t, "Standard_B2s,Standard_D2s_v3", instances[0].Type)
	assert.Equal(t, time.Date(2024, 5, 9, 8, 0, 0, 0, time.UTC), instances[0].CreatedAt)

	assert.Equal(t, TypeNoVMs, instances[1].Type)
	assert.Equal(t, testNow, instances[1].CreatedAt)
	assert.False(t, instances[1].Vanished)

	assert.True(t, instances[2].Vanished)
}

func TestListInstances_Error(t *testing.T) {
	arm := &mockARM{
		ListResourceGroupsFunc: func(context.Context) ([]*armresources.ResourceGroup, error) {
			return []*armresources.ResourceGroup{{Name: to.Ptr("rg")}}, nil
		},
		ListVMSizesFunc: func(context.Context, string) ([]string, error) {
			return nil, errors.New("throttled")
		},
	}
	p := newTestProvider(t, baseConfig, arm)

	_, err := p.ListInstances(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list vms of rg")
}

func TestCreatedAt(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want time.Time
	}{
		{"rfc3339", "2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"no zone", "2024-01-02T03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"space", "2024-01-02 03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"date only", "2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"garbage", "yesterday", testNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := createdAt(map[string]string{resource.TagCreatedDate: tt.tag}, testNow)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeleteInstance(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want provider.ResultKind
	}{
		{"ok", nil, provider.ResultOK},
		{"not found", notFoundError(), provider.ResultNotFound},
		{"other", errors.New("conflict"), provider.ResultFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arm := &mockARM{DeleteResourceGroupFunc: func(context.Context, string) error { return tt.err }}
			p := newTestProvider(t, baseConfig, arm)

			res := p.DeleteInstance(context.Background(), "westeurope", "openqa-vm-1")
			assert.Equal(t, tt.want, res.Kind)
			assert.Equal(t, []string{"DeleteResourceGroup openqa-vm-1"}, arm.Calls())
		})
	}
}

func TestDeleteInstance_DryRun(t *testing.T) {
	arm := &mockARM{}
	p := newTestProvider(t, baseConfig+"dry_run = true\n", arm)

	res := p.DeleteInstance(context.Background(), "", "openqa-vm-1")
	assert.True(t, res.Succeeded())
	assert.Empty(t, arm.Calls())
}

func expanded(name string, changed time.Time, managedBy string, tags map[string]*string) *armresources.GenericResourceExpanded {
	r := &armresources.GenericResourceExpanded{
		Name:        to.Ptr(name),
		ChangedTime: to.Ptr(changed),
		Tags:        tags,
	}
	if managedBy != "" {
		r.ManagedBy = to.Ptr(managedBy)
	}
	return r
}

func deletes(calls []string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasPrefix(c, "Delete") {
			out = append(out, c)
		}
	}
	return out
}

func TestCleanupImagesAndDisks(t *testing.T) {
	old := testNow.Add(-200 * time.Hour)
	fresh := testNow.Add(-time.Hour)
	arm := &mockARM{
		ListResourcesFunc: func(_ context.Context, group, resourceType string) ([]*armresources.GenericResourceExpanded, error) {
			assert.Equal(t, DefaultStorageGroup, group)
			if resourceType == typeImage {
				return []*armresources.GenericResourceExpanded{
					expanded("img-old", old, "", nil),
					expanded("img-fresh", fresh, "", nil),
					expanded("img-kept", old, "", map[string]*string{resource.TagIgnore: to.Ptr("1")}),
				}, nil
			}
			return []*armresources.GenericResourceExpanded{
				expanded("disk-old", old, "", nil),
				expanded("disk-attached", old, "/subscriptions/x/vm", nil),
			}, nil
		},
	}
	p := newTestProvider(t, baseConfig, arm)

	stats, err := p.CleanupAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats[emitter.FieldImages])
	assert.Equal(t, 2, stats[emitter.FieldDisks])
	assert.Equal(t, []string{"DeleteImage img-old", "DeleteDisk disk-old"}, deletes(arm.Calls()))
}

func TestCleanupImages_MaxAgeHours(t *testing.T) {
	arm := &mockARM{
		ListResourcesFunc: func(_ context.Context, _, resourceType string) ([]*armresources.GenericResourceExpanded, error) {
			if resourceType != typeImage {
				return nil, nil
			}
			return []*armresources.GenericResourceExpanded{
				expanded("img-2h", testNow.Add(-2*time.Hour), "", nil),
			}, nil
		},
	}
	p := newTestProvider(t, baseConfig+"[cleanup]\nmax-age-hours = 1\n", arm)

	_, err := p.CleanupAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DeleteImage img-2h"}, deletes(arm.Calls()))
}

func TestCleanupBlobs(t *testing.T) {
	old := testNow.Add(-200 * time.Hour)
	fresh := testNow.Add(-time.Hour)
	store := &mockBlobStore{
		containers: []Container{
			{Name: "bootdiagnostics-vm1"},
			{Name: "sle-images"},
			{Name: "other"},
			{Name: "bootdiagnostics-kept", Metadata: map[string]string{resource.TagIgnore: "true"}},
		},
		blobs: map[string][]Blob{
			"bootdiagnostics-vm1": {
				{Name: "serial.log", LastModified: old},
				{Name: "screen.bmp", LastModified: fresh},
			},
			"sle-images": {
				{Name: "sles.vhd", Snapshot: "2024-01-01T00:00:00Z", LastModified: old},
			},
			"other":                {{Name: "x", LastModified: old}},
			"bootdiagnostics-kept": {{Name: "y", LastModified: old}},
		},
	}
	arm := &mockARM{
		ListStorageAccountsFunc: func(context.Context, string) ([]string, error) {
			return []string{"openqaupload"}, nil
		},
	}
	p := newTestProvider(t, baseConfig, arm)
	p.newBlobStore = func(account, key string) (BlobStore, error) {
		assert.Equal(t, "openqaupload", account)
		assert.Equal(t, "key-openqaupload", key)
		return store, nil
	}

	stats, err := p.CleanupAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats[emitter.FieldBlobs])
	assert.Equal(t, []string{
		"bootdiagnostics-vm1/serial.log",
		"sle-images/sles.vhd@2024-01-01T00:00:00Z",
	}, store.deleted)
}

func TestCleanupBlobs_DryRun(t *testing.T) {
	store := &mockBlobStore{
		containers: []Container{{Name: "sle-images"}},
		blobs:      map[string][]Blob{"sle-images": {{Name: "a.vhd", LastModified: testNow.AddDate(0, -1, 0)}}},
	}
	arm := &mockARM{
		ListStorageAccountsFunc: func(context.Context, string) ([]string, error) { return []string{"acct"}, nil },
	}
	p := newTestProvider(t, baseConfig+"dry_run = true\n", arm)
	p.newBlobStore = func(string, string) (BlobStore, error) { return store, nil }

	_, err := p.CleanupAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.deleted)
}

func version(name string, published time.Time, state armcompute.GalleryProvisioningState) *armcompute.GalleryImageVersion {
	return &armcompute.GalleryImageVersion{
		Name: to.Ptr(name),
		Properties: &armcompute.GalleryImageVersionProperties{
			ProvisioningState: to.Ptr(state),
			PublishingProfile: &armcompute.GalleryImageVersionPublishingProfile{PublishedDate: to.Ptr(published)},
		},
	}
}

func TestCleanupGallery(t *testing.T) {
	old := testNow.Add(-200 * time.Hour)
	fresh := testNow.Add(-time.Hour)
	arm := &mockARM{
		ListGalleryImagesFunc: func(_ context.Context, _, gallery string) ([]*armcompute.GalleryImage, error) {
			assert.Equal(t, DefaultGallery, gallery)
			return []*armcompute.GalleryImage{
				{Name: to.Ptr("sles-mixed")},
				{Name: to.Ptr("sles-stale")},
				{Name: to.Ptr("sles-kept"), Tags: map[string]*string{resource.TagIgnore: to.Ptr("1")}},
			}, nil
		},
		ListGalleryImageVersionsFunc: func(_ context.Context, _, _, image string) ([]*armcompute.GalleryImageVersion, error) {
			switch image {
			case "sles-mixed":
				return []*armcompute.GalleryImageVersion{
					version("1.0.0", old, armcompute.GalleryProvisioningStateSucceeded),
					version("1.0.1", fresh, armcompute.GalleryProvisioningStateFailed),
					version("1.0.2", fresh, armcompute.GalleryProvisioningStateSucceeded),
				}, nil
			case "sles-stale":
				return []*armcompute.GalleryImageVersion{
					version("2.0.0", old, armcompute.GalleryProvisioningStateSucceeded),
				}, nil
			}
			t.Fatalf("unexpected image %s", image)
			return nil, nil
		},
	}
	p := newTestProvider(t, baseConfig, arm)

	stats, err := p.CleanupAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats[emitter.FieldGallery])
	assert.Equal(t, []string{
		"DeleteGalleryImageVersion sles-mixed/1.0.0",
		"DeleteGalleryImageVersion sles-mixed/1.0.1",
		"DeleteGalleryImageVersion sles-stale/2.0.0",
		"DeleteGalleryImage sles-stale",
	}, deletes(arm.Calls()))
}

func TestCleanupGallery_Skipped(t *testing.T) {
	tests := []struct {
		name string
		tags func(context.Context, string, string) (map[string]*string, error)
	}{
		{"missing", func(context.Context, string, string) (map[string]*string, error) { return nil, notFoundError() }},
		{"ignored", func(context.Context, string, string) (map[string]*string, error) {
			return map[string]*string{resource.TagIgnore: to.Ptr("yes")}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arm := &mockARM{GalleryTagsFunc: tt.tags}
			p := newTestProvider(t, baseConfig, arm)

			n, err := p.cleanupGallery(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Equal(t, []string{"GalleryTags " + DefaultGallery}, arm.Calls())
		})
	}
}

func TestCleanupAll_CollectsErrors(t *testing.T) {
	arm := &mockARM{
		ListResourcesFunc: func(context.Context, string, string) ([]*armresources.GenericResourceExpanded, error) {
			return nil, errors.New("boom")
		},
	}
	p := newTestProvider(t, baseConfig, arm)

	_, err := p.CleanupAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), emitter.FieldImages+": boom")
	assert.Contains(t, err.Error(), emitter.FieldDisks+": boom")
	// blobs and gallery still ran
	assert.Contains(t, arm.Calls(), "GalleryTags "+DefaultGallery)
}

func TestSettings(t *testing.T) {
	p := newTestProvider(t, baseConfig+`
[cleanup]
azure-storage-resourcegroup = "uploads"

[cleanup.namespace.ns1]
azure-gallery-name = "ns1_gallery"
`, &mockARM{})

	assert.Equal(t, "uploads", p.StorageGroup())
	assert.Equal(t, "ns1_gallery", p.Gallery())
}

func fakeClients(client kubernetes.Interface) func(context.Context) (*k8s.Clients, error) {
	return func(context.Context) (*k8s.Clients, error) {
		source := k8s.ConfigSourceFunc(func(context.Context, k8s.Cluster) (*rest.Config, error) {
			return &rest.Config{}, nil
		})
		return k8s.NewClients(source).WithClientFactory(func(*rest.Config) (kubernetes.Interface, error) {
			return client, nil
		}), nil
	}
}

func TestCleanupK8sJobs(t *testing.T) {
	started := metav1.NewTime(time.Now().Add(-48 * time.Hour))
	kube := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "old"},
		Status:     batchv1.JobStatus{StartTime: &started},
	})
	p := newTestProvider(t, baseConfig+"\n[k8sclusters]\nazure-clusters = [\"qa-rg:aks-1\"]\n", &mockARM{})
	p.newKubeClients = fakeClients(kube)

	require.NoError(t, p.CleanupK8sJobs(context.Background()))

	jobs, err := kube.BatchV1().Jobs("").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items)
}

func TestCleanupK8s_NoClusters(t *testing.T) {
	p := newTestProvider(t, baseConfig, &mockARM{})
	p.newKubeClients = func(context.Context) (*k8s.Clients, error) {
		t.Fatal("clients must not be built without clusters")
		return nil, nil
	}
	assert.NoError(t, p.CleanupK8sNamespaces(context.Background()))
}

const kubeconfigYAML = `
apiVersion: v1
kind: Config
clusters:
- name: aks-1
  cluster:
    server: https://aks-1.hcp.westeurope.azmk8s.io:443
contexts:
- name: aks-1
  context:
    cluster: aks-1
    user: admin
current-context: aks-1
users:
- name: admin
  user:
    token: secret
`

func TestRestConfig(t *testing.T) {
	arm := &mockARM{
		AdminKubeconfigFunc: func(context.Context, string, string) ([]byte, error) {
			return []byte(kubeconfigYAML), nil
		},
	}
	p := newTestProvider(t, baseConfig, arm)

	rc, err := p.restConfig(context.Background(), k8s.Cluster{Kind: resource.KindAzure, Group: "qa-rg", Name: "aks-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://aks-1.hcp.westeurope.azmk8s.io:443", rc.Host)
	assert.Equal(t, "secret", rc.BearerToken)
	assert.Equal(t, []string{"AdminKubeconfig qa-rg/aks-1"}, arm.Calls())
}
