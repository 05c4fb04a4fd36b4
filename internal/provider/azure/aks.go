package azure

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/pkg/resource"
)

// CleanupK8sJobs removes old jobs from the configured AKS clusters.
func (p *Provider) CleanupK8sJobs(ctx context.Context) error {
	return p.eachCluster(ctx, func(ctx context.Context, c *k8s.Cleaner) error {
		_, err := c.CleanupJobs(ctx)
		return err
	})
}

// CleanupK8sNamespaces removes old helm test namespaces from the configured AKS clusters.
func (p *Provider) CleanupK8sNamespaces(ctx context.Context) error {
	return p.eachCluster(ctx, func(ctx context.Context, c *k8s.Cleaner) error {
		_, err := c.CleanupNamespaces(ctx)
		return err
	})
}

func (p *Provider) eachCluster(ctx context.Context, fn func(context.Context, *k8s.Cleaner) error) error {
	clusters, err := p.Config().K8sClusters(p.Namespace(), resource.KindAzure)
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
	for _, cl := range clusters {
		client, err := clients.Get(ctx, k8s.Cluster{Kind: resource.KindAzure, Name: cl.Name, Group: cl.Group})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fn(ctx, k8s.NewCleaner(client, cl.Name, p.DryRun())); err != nil {
			errs = append(errs, fmt.Errorf("cluster %s/%s: %w", cl.Group, cl.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) kubeClients(ctx context.Context) (*k8s.Clients, error) {
	if p.newKubeClients != nil {
		return p.newKubeClients(ctx)
	}
	if k8s.Strategy(p.Config(), p.Namespace()) == k8s.StrategyCLI {
		data, err := p.Credentials().Data(ctx)
		if err != nil {
			return nil, err
		}
		env := []string{
			"AZURE_CLIENT_ID=" + data[fieldClientID],
			"AZURE_CLIENT_SECRET=" + data[fieldClientSecret],
			"AZURE_TENANT_ID=" + data[fieldTenantID],
			"AZURE_SUBSCRIPTION_ID=" + p.subscriptionID,
		}
		dir := p.Config().String("k8sclusters/kubeconfig-dir", "/var/pcw/kube")
		return k8s.NewClients(k8s.NewCLI(dir, env)), nil
	}
	return k8s.NewClients(k8s.ConfigSourceFunc(p.restConfig)), nil
}

// restConfig loads the admin kubeconfig of a cluster from Resource Manager.
func (p *Provider) restConfig(ctx context.Context, cluster k8s.Cluster) (*rest.Config, error) {
	raw, err := p.kubeconfig(ctx, cluster.Group, cluster.Name)
	if err != nil {
		return nil, err
	}
	rc, err := clientcmd.RESTConfigFromKubeConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parse kubeconfig of %s: %w", cluster.Name, err)
	}
	return rc, nil
}
