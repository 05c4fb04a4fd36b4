package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/pcw/internal/catalog"
	"github.com/yairfalse/pcw/internal/filter"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Output formats of the instances command.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	instancesOutput    string
	instancesNamespace string
	instancesProvider  string
	instancesState     string
	instancesAll       bool
	instancesRegions   []string
	instancesTags      []string
	instancesExclude   []string
)

// instancesCmd represents the instances command
var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List instances tracked in the catalog",
	Example: `  pcw instances                          # Active instances as a table
  pcw instances --namespace qa-ns1       # One namespace
  pcw instances --provider ec2 -o json   # EC2 instances as JSON
  pcw instances --all --state DELETED    # Include rows no longer active
  pcw instances --tag openqa_var_server=openqa.example --exclude-tag pcw_ignore`,
	RunE: runInstances,
}

func init() {
	rootCmd.AddCommand(instancesCmd)

	instancesCmd.Flags().StringVarP(&instancesOutput, "output", "o", outputTable, "Output format: table, json, yaml")
	instancesCmd.Flags().StringVarP(&instancesNamespace, "namespace", "n", "", "Only rows of this namespace")
	instancesCmd.Flags().StringVarP(&instancesProvider, "provider", "p", "", "Only rows of this provider (gce, ec2, azure, openstack)")
	instancesCmd.Flags().StringVar(&instancesState, "state", "", "Only rows in this state (ACTIVE, DELETING, DELETED)")
	instancesCmd.Flags().BoolVar(&instancesAll, "all", false, "Include inactive rows")
	instancesCmd.Flags().StringSliceVar(&instancesRegions, "region", nil, "Only rows of these regions")
	instancesCmd.Flags().StringSliceVar(&instancesTags, "tag", nil, "Only rows carrying key=value (or key)")
	instancesCmd.Flags().StringSliceVar(&instancesExclude, "exclude-tag", nil, "Skip rows carrying key=value (or key)")
}

// instanceRecord is the CLI rendering of a catalog row.
type instanceRecord struct {
	ID         uint64            `json:"id" yaml:"id"`
	Provider   string            `json:"provider" yaml:"provider"`
	InstanceID string            `json:"instance_id" yaml:"instance_id"`
	Namespace  string            `json:"namespace" yaml:"namespace"`
	Region     string            `json:"region" yaml:"region"`
	Type       string            `json:"type,omitempty" yaml:"type,omitempty"`
	State      string            `json:"state" yaml:"state"`
	Active     bool              `json:"active" yaml:"active"`
	Ignore     bool              `json:"ignore" yaml:"ignore"`
	FirstSeen  time.Time         `json:"first_seen" yaml:"first_seen"`
	LastSeen   time.Time         `json:"last_seen" yaml:"last_seen"`
	Age        string            `json:"age" yaml:"age"`
	TTL        string            `json:"ttl" yaml:"ttl"`
	Tags       map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func newInstanceRecord(r catalog.Row) instanceRecord {
	return instanceRecord{
		ID:         r.ID,
		Provider:   string(r.Provider),
		InstanceID: r.InstanceID,
		Namespace:  r.Namespace,
		Region:     r.Region,
		Type:       r.Type,
		State:      string(r.State),
		Active:     r.Active,
		Ignore:     r.Ignore,
		FirstSeen:  r.FirstSeen,
		LastSeen:   r.LastSeen,
		Age:        r.Age.Round(time.Second).String(),
		TTL:        r.TTL.String(),
		Tags:       r.Tags,
	}
}

func instanceFilter(namespace, provider, state string, all bool) (catalog.Filter, error) {
	f := catalog.Filter{
		Namespace:  namespace,
		State:      catalog.State(state),
		ActiveOnly: !all,
	}
	if provider != "" {
		kind, err := resource.ParseKind(provider)
		if err != nil {
			return f, err
		}
		f.Provider = kind
	}
	switch f.State {
	case "", catalog.StateActive, catalog.StateDeleting, catalog.StateDeleted:
	default:
		return f, fmt.Errorf("unknown state %q", state)
	}
	return f, nil
}

func tagFilter(regions, include, exclude []string) (*filter.Filter, error) {
	includeTags, err := filter.ParseTags(include)
	if err != nil {
		return nil, err
	}
	excludeTags, err := filter.ParseTags(exclude)
	if err != nil {
		return nil, err
	}
	return filter.New(regions, includeTags, excludeTags), nil
}

func runInstances(cmd *cobra.Command, args []string) error {
	query, err := instanceFilter(instancesNamespace, instancesProvider, instancesState, instancesAll)
	if err != nil {
		return err
	}
	tags, err := tagFilter(instancesRegions, instancesTags, instancesExclude)
	if err != nil {
		return err
	}

	cat, err := catalog.Open(catalogPath)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", catalogPath, err)
	}
	defer func() { _ = cat.Close() }()

	rows, err := cat.List(query)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	return writeInstances(os.Stdout, tags.Rows(rows), instancesOutput)
}

func writeInstances(w io.Writer, rows []catalog.Row, format string) error {
	records := make([]instanceRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, newInstanceRecord(r))
	}

	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	case outputTable:
		return writeInstanceTable(w, records)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeInstanceTable(w io.Writer, records []instanceRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No instances.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPROVIDER\tNAMESPACE\tREGION\tINSTANCE\tSTATE\tAGE\tTTL")
	for _, r := range records {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Provider, r.Namespace, r.Region, r.InstanceID, r.State, r.Age, r.TTL)
	}
	return tw.Flush()
}
