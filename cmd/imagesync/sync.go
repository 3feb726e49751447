package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/engine"
	"github.com/Celdrick/mydocker/internal/mover"
)

func newSyncCmd() *cobra.Command {
	var (
		targets     []string
		all         bool
		dryRun      bool
		workers     int
		timeout     time.Duration
		failOnError bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror pending images to target registries",
		Long: `Mirror every pending image to one or more target registries.

Each image is pulled, retagged for the target, pushed and recorded. An entry
is marked done once every configured target holds it.`,
		Example: `  imagesync sync --target private
  imagesync sync --all --workers 4
  imagesync sync --target aliyun --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := selectTargets(globalCfg, targets, all)
			if err != nil {
				return err
			}

			mv, err := mover.New(globalCfg.Sync, logger)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("workers") {
				workers = globalCfg.Sync.Workers
			}
			pipe := engine.NewPipeline(globalStore, mv, engine.PipelineOptions{
				Workers: workers,
				DryRun:  dryRun,
				Targets: targetHosts(globalCfg),
			}, logger)

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, profile := range profiles {
				report, err := pipe.RunSync(ctx, profile)
				if err != nil {
					flushMetrics()
					return fmt.Errorf("sync %s: %w", profile.Name, err)
				}
				printSyncReport(out, report)
				failed += report.Failed
			}
			flushMetrics()

			if failOnError && failed > 0 {
				return fmt.Errorf("%d entries failed to sync", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target profile(s) to sync")
	cmd.Flags().BoolVar(&all, "all", false, "sync every configured target")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show planned transfers without pulling or pushing")
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "number of images mirrored concurrently (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the run after this long (0 for no limit)")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "exit non-zero when any entry fails")

	return cmd
}

// selectTargets resolves the --target and --all flags into profiles.
func selectTargets(cfg *config.Config, names []string, all bool) ([]config.TargetProfile, error) {
	if all || (len(names) == 1 && names[0] == "all") {
		names = cfg.TargetNames()
	}
	if len(names) == 0 {
		if len(cfg.Targets) == 1 {
			names = cfg.TargetNames()
		} else {
			return nil, fmt.Errorf("specify --target or --all (configured: %s)", strings.Join(cfg.TargetNames(), ", "))
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}

	profiles := make([]config.TargetProfile, 0, len(names))
	for _, name := range names {
		tp, err := cfg.Target(name)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, tp)
	}
	return profiles, nil
}

// targetHosts lists the registry host of every configured target.
func targetHosts(cfg *config.Config) []string {
	var hosts []string
	for _, name := range cfg.TargetNames() {
		if h := cfg.Targets[name].Host(); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func printSyncReport(w io.Writer, r *engine.SyncReport) {
	label := r.Target
	if r.DryRun {
		label += " (dry run)"
	}
	fmt.Fprintf(w, "\n=== %s -> %s ===\n", label, r.Registry)

	for _, e := range r.Entries {
		switch e.Outcome {
		case engine.EntryPushed:
			fmt.Fprintf(w, "  pushed   %s -> %s (%.1f MB)\n", e.Source, e.Destination, e.SizeMB)
		case engine.EntrySkipped:
			fmt.Fprintf(w, "  skipped  %s\n", e.Source)
		case engine.EntryPlanned:
			fmt.Fprintf(w, "  planned  %s -> %s\n", e.Source, e.Destination)
		case engine.EntryFailed:
			fmt.Fprintf(w, "  FAILED   %s: %s\n", e.Source, e.Error)
		}
	}

	fmt.Fprintln(w, "---")
	fmt.Fprintf(w, "Total:     %d\n", r.Total)
	fmt.Fprintf(w, "Pushed:    %d\n", r.Pushed)
	fmt.Fprintf(w, "Skipped:   %d\n", r.Skipped)
	fmt.Fprintf(w, "Failed:    %d\n", r.Failed)
	fmt.Fprintf(w, "Completed: %d\n", r.Completed)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration().Round(time.Millisecond))
}
