package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/pcw/internal/journal"
)

var (
	journalSince  time.Duration
	journalOutput string
)

// journalCmd represents the journal command
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the deletion journal",
	Long: `Show the deletions pcw requested, deferred or failed, both automatic
ones and those asked for through POST /delete/{id}.`,
	Example: `  pcw journal                  # Last 24 hours
  pcw journal --since 168h     # Last week
  pcw journal -o json          # One JSON object per line`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().DurationVar(&journalSince, "since", 24*time.Hour, "Show entries recorded within this duration")
	journalCmd.Flags().StringVarP(&journalOutput, "output", "o", outputTable, "Output format: table, json")
}

func runJournal(cmd *cobra.Command, args []string) error {
	if journalDir == "" {
		return fmt.Errorf("journal is disabled (--journal-dir is empty)")
	}
	var entries []journal.Entry
	err := journal.Replay(journalDir, time.Now().Add(-journalSince), func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return err
	}
	return writeJournal(os.Stdout, entries, journalOutput)
}

func writeJournal(w io.Writer, entries []journal.Entry, format string) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case outputTable:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tTRIGGER\tNAMESPACE\tPROVIDER\tINSTANCE\tRESULT")
		for _, e := range entries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Time.Format(time.RFC3339), e.Type, e.Trigger, e.Namespace, e.Provider, e.InstanceID, e.Result)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
