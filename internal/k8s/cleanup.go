// Package k8s removes leftovers from managed Kubernetes clusters.
package k8s

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// JobMaxAgeDays is the age, in whole days, at which a job is removed.
	JobMaxAgeDays = 1
	// NamespaceMaxAge applies to helm test namespaces.
	NamespaceMaxAge = 7 * 24 * time.Hour
	// HelmTestPrefix marks namespaces created by helm chart tests.
	HelmTestPrefix = "helm-test"
)

// Cleaner deletes old jobs and helm test namespaces from one cluster.
type Cleaner struct {
	client kubernetes.Interface
	dryRun bool
	now    func() time.Time
	log    zerolog.Logger
}

// NewCleaner creates a cleaner. cluster only labels log lines.
func NewCleaner(client kubernetes.Interface, cluster string, dryRun bool) *Cleaner {
	return &Cleaner{
		client: client,
		dryRun: dryRun,
		now:    time.Now,
		log:    log.With().Str("cluster", cluster).Logger(),
	}
}

// WithClock replaces the clock. Used for testing.
func (c *Cleaner) WithClock(now func() time.Time) *Cleaner {
	c.now = now
	return c
}

// CleanupJobs deletes jobs in every namespace that started at least one
// whole day ago. It returns the number of jobs listed.
func (c *Cleaner) CleanupJobs(ctx context.Context) (int, error) {
	jobs, err := c.client.BatchV1().Jobs(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	now := c.now().UTC()
	policy := metav1.DeletePropagationForeground
	for _, job := range jobs.Items {
		if job.Status.StartTime == nil {
			continue
		}
		days := int(now.Sub(job.Status.StartTime.UTC()).Hours() / 24)
		if days < JobMaxAgeDays {
			continue
		}

		logger := c.log.With().Str("job", job.Name).Str("k8s_namespace", job.Namespace).Int("age_days", days).Logger()
		if c.dryRun {
			logger.Info().Bool("dry_run", true).Msg("skipping job deletion")
			continue
		}
		err := c.client.BatchV1().Jobs(job.Namespace).Delete(ctx, job.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
		if err != nil {
			return len(jobs.Items), fmt.Errorf("delete job %s/%s: %w", job.Namespace, job.Name, err)
		}
		logger.Info().Msg("deleted job")
	}
	return len(jobs.Items), nil
}

// CleanupNamespaces deletes helm test namespaces older than seven days.
// It returns the number of namespaces listed.
func (c *Cleaner) CleanupNamespaces(ctx context.Context) (int, error) {
	namespaces, err := c.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list namespaces: %w", err)
	}

	now := c.now().UTC()
	for _, ns := range namespaces.Items {
		if !strings.HasPrefix(ns.Name, HelmTestPrefix) {
			continue
		}
		age := now.Sub(ns.CreationTimestamp.UTC())
		if age <= NamespaceMaxAge {
			continue
		}

		logger := c.log.With().Str("k8s_namespace", ns.Name).Dur("age", age).Logger()
		if c.dryRun {
			logger.Info().Bool("dry_run", true).Msg("skipping namespace deletion")
			continue
		}
		if err := c.client.CoreV1().Namespaces().Delete(ctx, ns.Name, metav1.DeleteOptions{}); err != nil {
			return len(namespaces.Items), fmt.Errorf("delete namespace %s: %w", ns.Name, err)
		}
		logger.Info().Msg("deleted namespace")
	}
	return len(namespaces.Items), nil
}

// DeleteServices removes every service except the API server service in
// the default namespace. Used before tearing a cluster down so cloud load
// balancers are released.
func (c *Cleaner) DeleteServices(ctx context.Context) error {
	services, err := c.client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	for _, svc := range services.Items {
		if svc.Namespace == metav1.NamespaceDefault && svc.Name == "kubernetes" {
			continue
		}
		if c.dryRun {
			c.log.Info().Bool("dry_run", true).Str("service", svc.Name).Msg("skipping service deletion")
			continue
		}
		if err := c.client.CoreV1().Services(svc.Namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{}); err != nil {
			return fmt.Errorf("delete service %s/%s: %w", svc.Namespace, svc.Name, err)
		}
		c.log.Info().Str("service", svc.Name).Str("k8s_namespace", svc.Namespace).Msg("deleted service")
	}
	return nil
}
