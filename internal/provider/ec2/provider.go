// Package ec2 implements the AWS backend: EC2 instances and their
// leftovers, VPCs and EKS clusters.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	pcwconfig "github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/k8s"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

// DefaultRegion is used to discover the region list.
const DefaultRegion = "eu-central-1"

// credentialRefresh bounds how long leased keys are used before the
// credential source is consulted again.
const credentialRefresh = 5 * time.Minute

// Provider is the EC2/EKS backend of one namespace.
type Provider struct {
	provider.Base

	awsCfg aws.Config

	newEC2     func(region string) EC2API
	newEKS     func(region string) EKSAPI
	newPresign func(region string) PresignAPI

	newKubeClients func(ctx context.Context) (*k8s.Clients, error)

	mu         sync.Mutex
	regions    []string
	ec2Clients map[string]EC2API
	eksClients map[string]EKSAPI
}

// New builds the backend and probes the credentials with DescribeRegions.
func New(ctx context.Context, env provider.Env) (provider.Provider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(DefaultRegion),
		config.WithCredentialsProvider(credentialsProvider(env.Credentials)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := newProvider(provider.NewBase(resource.KindEC2, env), awsCfg)
	p.newEC2 = func(region string) EC2API {
		return ec2.NewFromConfig(p.awsCfg, func(o *ec2.Options) { o.Region = region })
	}
	p.newEKS = func(region string) EKSAPI {
		return eks.NewFromConfig(p.awsCfg, func(o *eks.Options) { o.Region = region })
	}
	p.newPresign = func(region string) PresignAPI {
		return sts.NewPresignClient(sts.NewFromConfig(p.awsCfg, func(o *sts.Options) { o.Region = region }))
	}

	err = provider.Retry(ctx, "ec2 describe regions", func(ctx context.Context) error {
		_, err := p.Regions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newProvider(base provider.Base, awsCfg aws.Config) *Provider {
	return &Provider{
		Base:       base,
		awsCfg:     awsCfg,
		ec2Clients: make(map[string]EC2API),
		eksClients: make(map[string]EKSAPI),
	}
}

// credentialsProvider reads access keys from the namespace credentials.
// Keys are re-read periodically so rotated leases are picked up.
func credentialsProvider(src credentials.Source) aws.CredentialsProvider {
	return aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		if src == nil {
			return aws.Credentials{}, errors.New("no credentials configured")
		}
		data, err := src.Data(ctx)
		if err != nil {
			return aws.Credentials{}, err
		}
		creds, err := awscreds.NewStaticCredentialsProvider(data["access_key"], data["secret_key"], data["security_token"]).Retrieve(ctx)
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("aws access keys: %w", err)
		}
		creds.CanExpire = true
		creds.Expires = time.Now().Add(credentialRefresh)
		return creds, nil
	}))
}

// Environment returns the credentials as AWS_* variables for the aws CLI.
func (p *Provider) Environment(ctx context.Context) ([]string, error) {
	creds, err := p.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	env := []string{
		"AWS_ACCESS_KEY_ID=" + creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
		"AWS_DEFAULT_REGION=" + DefaultRegion,
	}
	if creds.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+creds.SessionToken)
	}
	return env, nil
}

func (p *Provider) ec2Client(region string) EC2API {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.ec2Clients[region]
	if !ok {
		c = p.newEC2(region)
		p.ec2Clients[region] = c
	}
	return c
}

func (p *Provider) eksClient(region string) EKSAPI {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.eksClients[region]
	if !ok {
		c = p.newEKS(region)
		p.eksClients[region] = c
	}
	return c
}

// Regions returns default/ec2_regions, or every region enabled for the
// account when the key is unset. The result is cached.
func (p *Provider) Regions(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	cached := p.regions
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	regions := p.Config().List(p.Setting(pcwconfig.FeatureDefault, "ec2_regions"), nil)
	if len(regions) == 0 {
		ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
		defer cancel()
		out, err := p.ec2Client(DefaultRegion).DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
		if err != nil {
			return nil, fmt.Errorf("describe regions: %w", err)
		}
		for _, r := range out.Regions {
			regions = append(regions, aws.ToString(r.RegionName))
		}
		sort.Strings(regions)
	}

	p.mu.Lock()
	p.regions = regions
	p.mu.Unlock()
	return regions, nil
}

// ListInstances returns the instances of every region, terminated ones excluded.
func (p *Provider) ListInstances(ctx context.Context) ([]resource.Instance, error) {
	regions, err := p.Regions(ctx)
	if err != nil {
		return nil, err
	}

	var instances []resource.Instance
	for _, region := range regions {
		found, err := p.listRegionInstances(ctx, region)
		if err != nil {
			return nil, err
		}
		instances = append(instances, found...)
	}
	return instances, nil
}

func (p *Provider) listRegionInstances(ctx context.Context, region string) ([]resource.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	paginator := ec2.NewDescribeInstancesPaginator(p.ec2Client(region), &ec2.DescribeInstancesInput{})
	var instances []resource.Instance
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances in %s: %w", region, err)
		}
		for _, reservation := range output.Reservations {
			for _, inst := range reservation.Instances {
				if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameTerminated {
					continue
				}
				instances = append(instances, buildInstance(inst, region))
			}
		}
	}
	return instances, nil
}

func buildInstance(inst ec2types.Instance, region string) resource.Instance {
	return resource.Instance{
		ID:        aws.ToString(inst.InstanceId),
		Region:    region,
		CreatedAt: aws.ToTime(inst.LaunchTime).UTC(),
		Type:      string(inst.InstanceType),
		Tags:      convertTags(inst.Tags),
	}
}

func convertTags(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// DeleteInstance terminates an instance. An unknown id counts as deleted.
func (p *Provider) DeleteInstance(ctx context.Context, region, id string) provider.Result {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	err := p.Mutate(ctx, "TerminateInstances", id, func(ctx context.Context) error {
		_, err := p.ec2Client(region).TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		return err
	})
	return classify(err)
}

// Close is a no-op; SDK clients hold no resources.
func (p *Provider) Close() error {
	return nil
}

// Error codes with special meaning.
const (
	codeInstanceNotFound    = "InvalidInstanceID.NotFound"
	codeSnapshotInUse       = "InvalidSnapshot.InUse"
	codeVolumeInUse         = "VolumeInUse"
	codeDependencyViolation = "DependencyViolation"
)

var transientCodes = map[string]bool{
	codeSnapshotInUse:       true,
	codeVolumeInUse:         true,
	codeDependencyViolation: true,
	"RequestLimitExceeded":  true,
	"Throttling":            true,
	"ThrottlingException":   true,
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func classify(err error) provider.Result {
	if err == nil {
		return provider.OK()
	}
	code := errorCode(err)
	if code == codeInstanceNotFound {
		return provider.NotFound(code)
	}
	if transientCodes[code] || errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(err)
	}
	return provider.Fatal(err)
}
