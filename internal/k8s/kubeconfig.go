package k8s

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Kube-config strategies.
const (
	StrategySDK = "sdk"
	StrategyCLI = "cli"
)

// Strategy returns k8sclusters/kubeconfig-strategy for a namespace.
func Strategy(cfg *config.Config, namespace string) string {
	s := strings.ToLower(cfg.String(cfg.NamespaceKey(config.FeatureK8sClusters, namespace, "kubeconfig-strategy"), StrategySDK))
	if s != StrategyCLI {
		return StrategySDK
	}
	return s
}

// Cluster identifies a managed cluster.
type Cluster struct {
	Kind resource.Kind
	Name string
	// Location is the region (EKS, AKS) or zone (GKE).
	Location string
	// Group is the Azure resource group.
	Group string
	// Project is the GCP project.
	Project string
}

func (c Cluster) key() string {
	return strings.Join([]string{string(c.Kind), c.Project, c.Group, c.Location, c.Name}, "/")
}

// ConfigSource produces a REST config for a cluster.
type ConfigSource interface {
	RESTConfig(ctx context.Context, cluster Cluster) (*rest.Config, error)
}

// ConfigSourceFunc adapts a function to ConfigSource.
type ConfigSourceFunc func(ctx context.Context, cluster Cluster) (*rest.Config, error)

// RESTConfig calls f.
func (f ConfigSourceFunc) RESTConfig(ctx context.Context, cluster Cluster) (*rest.Config, error) {
	return f(ctx, cluster)
}

// RunFunc runs a command with extra environment variables.
type RunFunc func(ctx context.Context, env []string, name string, args ...string) error

// CLI writes a private kubeconfig per cluster using the provider command
// line tools (aws, gcloud, az).
type CLI struct {
	dir string
	env []string
	run RunFunc
}

// NewCLI creates a CLI strategy writing kubeconfigs under dir. env is
// added to the environment of every command, e.g. cloud credentials.
func NewCLI(dir string, env []string) *CLI {
	return &CLI{dir: dir, env: env, run: execRun}
}

// WithRunner replaces the command runner. Used for testing.
func (c *CLI) WithRunner(run RunFunc) *CLI {
	c.run = run
	return c
}

// Path returns the kubeconfig file used for a cluster.
func (c *CLI) Path(cluster Cluster) string {
	scope := cluster.Location
	if cluster.Group != "" {
		scope = cluster.Group
	}
	name := fmt.Sprintf("%s-%s-%s.kubeconfig", strings.ToLower(string(cluster.Kind)), scope, cluster.Name)
	return filepath.Join(c.dir, name)
}

// Command returns the tool invocation that writes the kubeconfig of a cluster.
func (c *CLI) Command(cluster Cluster) (string, []string, error) {
	path := c.Path(cluster)
	switch cluster.Kind {
	case resource.KindEC2:
		return "aws", []string{"eks", "update-kubeconfig", "--region", cluster.Location, "--name", cluster.Name, "--kubeconfig", path}, nil
	case resource.KindGCE:
		return "gcloud", []string{"container", "clusters", "get-credentials", cluster.Name, "--zone", cluster.Location, "--project", cluster.Project}, nil
	case resource.KindAzure:
		return "az", []string{"aks", "get-credentials", "--resource-group", cluster.Group, "--name", cluster.Name, "--file", path, "--overwrite-existing"}, nil
	}
	return "", nil, fmt.Errorf("no kubeconfig command for %s", cluster.Kind)
}

// RESTConfig runs the tool and loads the written kubeconfig.
func (c *CLI) RESTConfig(ctx context.Context, cluster Cluster) (*rest.Config, error) {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create kubeconfig dir: %w", err)
	}
	name, args, err := c.Command(cluster)
	if err != nil {
		return nil, err
	}
	path := c.Path(cluster)
	env := append([]string{"KUBECONFIG=" + path}, c.env...)
	if err := c.run(ctx, env, name, args...); err != nil {
		return nil, fmt.Errorf("%s kubeconfig for %s: %w", name, cluster.Name, err)
	}
	rc, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
	}
	return rc, nil
}

func execRun(ctx context.Context, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	log.Debug().Str("cmd", name).Strs("args", args).Msg("command finished")
	return nil
}

// Clients caches one clientset per cluster.
type Clients struct {
	source    ConfigSource
	newClient func(*rest.Config) (kubernetes.Interface, error)

	mu      sync.Mutex
	clients map[string]kubernetes.Interface
}

// NewClients creates a cache on top of a config source.
func NewClients(source ConfigSource) *Clients {
	return &Clients{
		source: source,
		newClient: func(rc *rest.Config) (kubernetes.Interface, error) {
			return kubernetes.NewForConfig(rc)
		},
		clients: make(map[string]kubernetes.Interface),
	}
}

// WithClientFactory replaces clientset construction. Used for testing.
func (c *Clients) WithClientFactory(fn func(*rest.Config) (kubernetes.Interface, error)) *Clients {
	c.newClient = fn
	return c
}

// Get returns the clientset for a cluster, loading its config once.
func (c *Clients) Get(ctx context.Context, cluster Cluster) (kubernetes.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cluster.key()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	rc, err := c.source.RESTConfig(ctx, cluster)
	if err != nil {
		return nil, err
	}
	client, err := c.newClient(rc)
	if err != nil {
		return nil, fmt.Errorf("create clientset for %s: %w", cluster.Name, err)
	}
	c.clients[key] = client
	return client, nil
}
