package gce

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/rest"

	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/pkg/resource"
)

// ListClusters returns the GKE clusters not labelled pcw_ignore, by zone.
func (p *Provider) ListClusters(ctx context.Context) (map[string][]string, error) {
	zones, err := p.Zones(ctx)
	if err != nil {
		return nil, err
	}

	clusters := make(map[string][]string)
	for _, zone := range zones {
		items, err := p.container.ListClusters(ctx, p.project, zone)
		if err != nil {
			return nil, fmt.Errorf("list gke clusters in %s: %w", zone, err)
		}
		for _, c := range items {
			if resource.Ignored(c.ResourceLabels) {
				continue
			}
			clusters[zone] = append(clusters[zone], c.Name)
		}
	}
	return clusters, nil
}

// CleanupK8sJobs removes old jobs from every GKE cluster.
func (p *Provider) CleanupK8sJobs(ctx context.Context) error {
	return p.eachCluster(ctx, func(ctx context.Context, c *k8s.Cleaner) error {
		_, err := c.CleanupJobs(ctx)
		return err
	})
}

// CleanupK8sNamespaces removes old helm test namespaces from every GKE cluster.
func (p *Provider) CleanupK8sNamespaces(ctx context.Context) error {
	return p.eachCluster(ctx, func(ctx context.Context, c *k8s.Cleaner) error {
		_, err := c.CleanupNamespaces(ctx)
		return err
	})
}

func (p *Provider) eachCluster(ctx context.Context, fn func(context.Context, *k8s.Cleaner) error) error {
	clusters, err := p.ListClusters(ctx)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		return nil
	}
	clients, err := p.kubeClients(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for zone, names := range clusters {
		for _, name := range names {
			cluster := k8s.Cluster{Kind: resource.KindGCE, Name: name, Location: zone, Project: p.project}
			client, err := clients.Get(ctx, cluster)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := fn(ctx, k8s.NewCleaner(client, name, p.DryRun())); err != nil {
				errs = append(errs, fmt.Errorf("cluster %s/%s: %w", zone, name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) kubeClients(ctx context.Context) (*k8s.Clients, error) {
	if p.newKubeClients != nil {
		return p.newKubeClients(ctx)
	}
	if k8s.Strategy(p.Config(), p.Namespace()) == k8s.StrategyCLI {
		dir := p.Config().String("k8sclusters/kubeconfig-dir", "/var/pcw/kube")
		keyFile, err := p.writeKeyFile(ctx, dir)
		if err != nil {
			return nil, err
		}
		env := []string{
			"CLOUDSDK_AUTH_CREDENTIAL_FILE_OVERRIDE=" + keyFile,
			"CLOUDSDK_CORE_PROJECT=" + p.project,
		}
		return k8s.NewClients(k8s.NewCLI(dir, env)), nil
	}
	return k8s.NewClients(k8s.ConfigSourceFunc(p.restConfig)), nil
}

// writeKeyFile stores the service account key for gcloud.
func (p *Provider) writeKeyFile(ctx context.Context, dir string) (string, error) {
	data, err := p.Credentials().Data(ctx)
	if err != nil {
		return "", err
	}
	raw, err := serviceAccountJSON(data)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create kubeconfig dir: %w", err)
	}
	file := filepath.Join(dir, "gce-"+p.Namespace()+".json")
	if err := os.WriteFile(file, raw, 0o600); err != nil {
		return "", fmt.Errorf("write service account key: %w", err)
	}
	return file, nil
}

// restConfig builds a client config from the cluster endpoint and an OAuth2
// token of the service account.
func (p *Provider) restConfig(ctx context.Context, cluster k8s.Cluster) (*rest.Config, error) {
	c, err := p.container.GetCluster(ctx, p.project, cluster.Location, cluster.Name)
	if err != nil {
		return nil, fmt.Errorf("get gke cluster %s: %w", cluster.Name, err)
	}
	if c.MasterAuth == nil {
		return nil, fmt.Errorf("gke cluster %s has no master auth", cluster.Name)
	}
	ca, err := base64.StdEncoding.DecodeString(c.MasterAuth.ClusterCaCertificate)
	if err != nil {
		return nil, fmt.Errorf("decode ca of %s: %w", cluster.Name, err)
	}
	if p.tokenSource == nil {
		return nil, fmt.Errorf("gke cluster %s: no token source", cluster.Name)
	}
	tok, err := p.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("gke token: %w", err)
	}
	return &rest.Config{
		Host:            "https://" + c.Endpoint,
		BearerToken:     tok.AccessToken,
		TLSClientConfig: rest.TLSClientConfig{CAData: ca},
	}, nil
}
