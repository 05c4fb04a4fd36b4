package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"k8s.io/client-go/rest"

	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Node group teardown polling.
var (
	NodegroupPollInterval = 20 * time.Second
	NodegroupPollTimeout  = 20 * time.Minute
)

const tokenPrefix = "k8s-aws-v1."

// ListClusters returns the EKS clusters not tagged pcw_ignore, by region.
func (p *Provider) ListClusters(ctx context.Context) (map[string][]string, error) {
	regions, err := p.Regions(ctx)
	if err != nil {
		return nil, err
	}

	clusters := make(map[string][]string)
	for _, region := range regions {
		names, err := p.regionClusters(ctx, region)
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			clusters[region] = names
		}
	}
	return clusters, nil
}

func (p *Provider) regionClusters(ctx context.Context, region string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	client := p.eksClient(region)
	paginator := eks.NewListClustersPaginator(client, &eks.ListClustersInput{})
	var names []string
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list eks clusters in %s: %w", region, err)
		}
		for _, name := range output.Clusters {
			desc, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
			if err != nil {
				return nil, fmt.Errorf("describe eks cluster %s: %w", name, err)
			}
			if desc.Cluster != nil && resource.Ignored(desc.Cluster.Tags) {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

// CleanupK8sJobs removes old jobs from every EKS cluster.
func (p *Provider) CleanupK8sJobs(ctx context.Context) error {
	return p.eachCluster(ctx, func(ctx context.Context, c *k8s.Cleaner) error {
		_, err := c.CleanupJobs(ctx)
		return err
	})
}

// CleanupK8sNamespaces removes old helm test namespaces from every EKS cluster.
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
	clients, err := p.kubeClients(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for region, names := range clusters {
		for _, name := range names {
			client, err := clients.Get(ctx, k8s.Cluster{Kind: resource.KindEC2, Name: name, Location: region})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := fn(ctx, k8s.NewCleaner(client, name, p.DryRun())); err != nil {
				errs = append(errs, fmt.Errorf("cluster %s/%s: %w", region, name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// kubeClients returns a fresh client cache; EKS bearer tokens are short lived.
func (p *Provider) kubeClients(ctx context.Context) (*k8s.Clients, error) {
	if p.newKubeClients != nil {
		return p.newKubeClients(ctx)
	}
	if k8s.Strategy(p.Config(), p.Namespace()) == k8s.StrategyCLI {
		env, err := p.Environment(ctx)
		if err != nil {
			return nil, err
		}
		return k8s.NewClients(k8s.NewCLI(p.kubeconfigDir(), env)), nil
	}
	return k8s.NewClients(k8s.ConfigSourceFunc(p.restConfig)), nil
}

func (p *Provider) kubeconfigDir() string {
	return p.Config().String("k8sclusters/kubeconfig-dir", "/var/pcw/kube")
}

// restConfig builds a client config from DescribeCluster and a presigned
// STS token.
func (p *Provider) restConfig(ctx context.Context, cluster k8s.Cluster) (*rest.Config, error) {
	desc, err := p.eksClient(cluster.Location).DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(cluster.Name)})
	if err != nil {
		return nil, fmt.Errorf("describe eks cluster %s: %w", cluster.Name, err)
	}
	if desc.Cluster == nil || desc.Cluster.CertificateAuthority == nil {
		return nil, fmt.Errorf("eks cluster %s has no endpoint", cluster.Name)
	}
	ca, err := base64.StdEncoding.DecodeString(aws.ToString(desc.Cluster.CertificateAuthority.Data))
	if err != nil {
		return nil, fmt.Errorf("decode eks certificate of %s: %w", cluster.Name, err)
	}

	token, err := p.token(ctx, cluster.Location, cluster.Name)
	if err != nil {
		return nil, err
	}
	return &rest.Config{
		Host:            aws.ToString(desc.Cluster.Endpoint),
		BearerToken:     token,
		TLSClientConfig: rest.TLSClientConfig{CAData: ca},
	}, nil
}

func (p *Provider) token(ctx context.Context, region, cluster string) (string, error) {
	req, err := p.newPresign(region).PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(so *sts.Options) {
			so.APIOptions = append(so.APIOptions,
				smithyhttp.SetHeaderValue("x-k8s-aws-id", cluster),
				smithyhttp.SetHeaderValue("X-Amz-Expires", "60"),
			)
		})
	})
	if err != nil {
		return "", fmt.Errorf("presign eks token for %s: %w", cluster, err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(req.URL)), nil
}

// DeleteCluster tears an EKS cluster down: node groups first (waiting until
// none are left), then services so load balancers are released, then the
// cluster.
func (p *Provider) DeleteCluster(ctx context.Context, region, name string) error {
	client := p.eksClient(region)

	groups, err := client.ListNodegroups(ctx, &eks.ListNodegroupsInput{ClusterName: aws.String(name)})
	if err != nil {
		return fmt.Errorf("list node groups of %s: %w", name, err)
	}
	for _, ng := range groups.Nodegroups {
		err := p.Mutate(ctx, "DeleteNodegroup", ng, func(ctx context.Context) error {
			_, err := client.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{ClusterName: aws.String(name), NodegroupName: aws.String(ng)})
			return err
		})
		if err != nil {
			return fmt.Errorf("delete node group %s: %w", ng, err)
		}
	}
	if len(groups.Nodegroups) > 0 && !p.DryRun() {
		if err := p.waitNodegroupsGone(ctx, client, name); err != nil {
			return err
		}
	}

	clients, err := p.kubeClients(ctx)
	if err != nil {
		return err
	}
	kube, err := clients.Get(ctx, k8s.Cluster{Kind: resource.KindEC2, Name: name, Location: region})
	if err != nil {
		return err
	}
	if err := k8s.NewCleaner(kube, name, p.DryRun()).DeleteServices(ctx); err != nil {
		return err
	}

	return p.Mutate(ctx, "DeleteCluster", name, func(ctx context.Context) error {
		_, err := client.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: aws.String(name)})
		if err != nil {
			return fmt.Errorf("delete eks cluster %s: %w", name, err)
		}
		return nil
	})
}

func (p *Provider) waitNodegroupsGone(ctx context.Context, client EKSAPI, cluster string) error {
	ctx, cancel := context.WithTimeout(ctx, NodegroupPollTimeout)
	defer cancel()

	ticker := time.NewTicker(NodegroupPollInterval)
	defer ticker.Stop()
	for {
		out, err := client.ListNodegroups(ctx, &eks.ListNodegroupsInput{ClusterName: aws.String(cluster)})
		if err != nil {
			return fmt.Errorf("list node groups of %s: %w", cluster, err)
		}
		if len(out.Nodegroups) == 0 {
			return nil
		}
		p.Log().Info().Str("cluster", cluster).Int("node_groups", len(out.Nodegroups)).Msg("waiting for node groups")

		select {
		case <-ctx.Done():
			return fmt.Errorf("node groups of %s not gone: %w", cluster, ctx.Err())
		case <-ticker.C:
		}
	}
}
