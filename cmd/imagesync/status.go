package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Celdrick/mydocker/internal/reference"
	"github.com/Celdrick/mydocker/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		showPending bool
		showPushed  bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display queue counts and recent sync runs",
		Long: `Display how many queue entries are pending and done, the configured
targets and the most recent sync runs. Use --pending to list the queue and
--pushed to list the latest pushed images.`,
		Example: `  imagesync status
  imagesync status --pending
  imagesync status --pushed --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalStore == nil {
				return fmt.Errorf("store not initialized")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			pending, done, err := globalStore.CountPending(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Queue: %d pending, %d done\n", pending, done)

			fmt.Fprintln(out, "\nTargets:")
			if len(globalCfg.Targets) == 0 {
				fmt.Fprintln(out, "  (none configured)")
			}
			for _, name := range globalCfg.TargetNames() {
				tp := globalCfg.Targets[name]
				ns := tp.NamespacePolicy
				if tp.Namespace != "" {
					ns += " " + tp.Namespace
				}
				fmt.Fprintf(out, "  %-12s %s (%s)\n", name, tp.Host(), ns)
			}

			runs, err := globalStore.ListSyncRuns(ctx, "", limit)
			if err != nil {
				return err
			}
			printRuns(out, runs)

			if showPending {
				entries, err := globalStore.ListPendingByStatus(ctx, store.StatusPending, limit)
				if err != nil {
					return err
				}
				printPending(out, entries)
			}

			if showPushed {
				records, err := globalStore.ListPushed(ctx, "", limit)
				if err != nil {
					return err
				}
				printPushed(out, records)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPending, "pending", false, "list pending queue entries")
	cmd.Flags().BoolVar(&showPushed, "pushed", false, "list pushed images")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum rows per listing")

	return cmd
}

func printRuns(w io.Writer, runs []store.SyncRun) {
	fmt.Fprintln(w, "\nRecent sync runs:")
	if len(runs) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tTARGET\tSTARTED\tSTATUS\tTOTAL\tPUSHED\tSKIPPED\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.Target, r.StartTime.Local().Format(time.DateTime), r.Status,
			r.EntriesTotal, r.Pushed, r.Skipped, r.Failed)
	}
	tw.Flush()
}

func printPending(w io.Writer, entries []store.PendingEntry) {
	fmt.Fprintln(w, "\nPending images:")
	if len(entries) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tIMAGE\tPLATFORM\tQUEUED")
	for _, e := range entries {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n",
			e.ID, sourceRef(e), e.Platform, e.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printPushed(w io.Writer, records []store.PushedRecord) {
	fmt.Fprintln(w, "\nPushed images:")
	if len(records) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  DESTINATION\tSIZE\tDIGEST\tPUSHED")
	for _, r := range records {
		fmt.Fprintf(tw, "  %s\t%.1f MB\t%s\t%s\n",
			r.RegistryImageName, r.ImageSizeMB, shortDigest(r.Digest), r.PushedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func sourceRef(e store.PendingEntry) string {
	return reference.SourceReference(e.SourceRegistry, e.Namespace, e.ImageName)
}

func shortDigest(d string) string {
	if len(d) > 19 {
		return d[:19]
	}
	return d
}
