package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

var (
	eksNamespace string
	eksRegion    string
	eksName      string
)

// clusterDeleter is implemented by backends able to tear down a managed
// Kubernetes cluster.
type clusterDeleter interface {
	DeleteCluster(ctx context.Context, region, name string) error
}

// deleteEKSCmd represents the delete-eks-cluster command
var deleteEKSCmd = &cobra.Command{
	Use:   "delete-eks-cluster",
	Short: "Delete an EKS cluster with its node groups and services",
	Example: `  pcw delete-eks-cluster --namespace qa-ns1 --region eu-central-1 --name qe-c-1`,
	RunE: runDeleteEKS,
}

func init() {
	rootCmd.AddCommand(deleteEKSCmd)

	deleteEKSCmd.Flags().StringVar(&eksNamespace, "namespace", "", "Namespace whose credentials are used")
	deleteEKSCmd.Flags().StringVar(&eksRegion, "region", "", "AWS region of the cluster")
	deleteEKSCmd.Flags().StringVar(&eksName, "name", "", "Cluster name")
	_ = deleteEKSCmd.MarkFlagRequired("namespace")
	_ = deleteEKSCmd.MarkFlagRequired("region")
	_ = deleteEKSCmd.MarkFlagRequired("name")
}

func runDeleteEKS(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	creds := credentials.NewManager(cfg, credentialsDir, cacheDir)
	registry := newRegistry(cfg, creds, notify.New(cfg))
	ctx := cmd.Context()
	defer func() {
		if err := errors.Join(registry.Close(), creds.Close(context.Background())); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	return deleteCluster(ctx, registry, eksNamespace, eksRegion, eksName)
}

// providerGetter is the part of the registry deleteCluster needs.
type providerGetter interface {
	Get(ctx context.Context, namespace string, kind resource.Kind) (provider.Provider, error)
}

func deleteCluster(ctx context.Context, providers providerGetter, namespace, region, name string) error {
	p, err := providers.Get(ctx, namespace, resource.KindEC2)
	if err != nil {
		return fmt.Errorf("get EC2 provider for %s: %w", namespace, err)
	}
	deleter, ok := p.(clusterDeleter)
	if !ok {
		return fmt.Errorf("delete cluster: %w", provider.ErrNotSupported)
	}

	log.Info().Str("namespace", namespace).Str("region", region).Str("cluster", name).Msg("deleting EKS cluster")
	if err := deleter.DeleteCluster(ctx, region, name); err != nil {
		return fmt.Errorf("delete EKS cluster %s in %s: %w", name, region, err)
	}
	log.Info().Str("cluster", name).Msg("EKS cluster deleted")
	return nil
}
