package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/engine"
)

func newEnqueueCmd() *cobra.Command {
	var (
		file         string
		producer     string
		platform     string
		skipPushed   bool
		pendingIsNew bool
		outputFile   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [IMAGE...]",
		Short: "Add image references to the mirror queue",
		Long: `Add image references to the mirror queue.

References come from arguments, from --file, or from stdin when --file is "-".
File input may be a JSON list, a JSON string, or one reference per line.
Prints has_new_images=true|false and appends it to $GITHUB_OUTPUT when set.`,
		Example: `  imagesync enqueue redis:7 quay.io/prometheus/node-exporter:v1.8.0
  echo '["nginx:1.27","bitnami/redis:7.2"]' | imagesync enqueue --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := enqueuePayload(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}

			policy := globalCfg.Policy(producer)
			if cmd.Flags().Changed("skip-pushed") {
				policy.SkipPushed = skipPushed
			}
			if cmd.Flags().Changed("pending-is-new") {
				policy.PendingIsNewWork = pendingIsNew
			}

			enq := engine.NewEnqueuer(globalStore, producer, policy, globalCfg.Sync.DefaultPlatform, logger)
			hasNew, report := enq.EnqueueBatch(cmd.Context(), payload, platform)
			flushMetrics()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Enqueued: %d total, %d new, %d unchanged, %d skipped, %d failed\n",
				report.Total, report.NewWork, report.Unchanged, report.Skipped, report.Failed)
			for _, e := range report.Errors {
				fmt.Fprintf(out, "  error: %s\n", e)
			}
			return writeSignal(out, outputFile, hasNew)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `read references from a file ("-" for stdin)`)
	cmd.Flags().StringVar(&producer, "producer", config.ProducerWebhook, "producer name selecting the enqueue policy")
	cmd.Flags().StringVar(&platform, "platform", "", "platform to record for new entries (default from config)")
	cmd.Flags().BoolVar(&skipPushed, "skip-pushed", false, "skip references that were already pushed (overrides policy)")
	cmd.Flags().BoolVar(&pendingIsNew, "pending-is-new", false, "count already-pending references as new work (overrides policy)")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "append the has_new_images signal here instead of $GITHUB_OUTPUT")

	return cmd
}

// enqueuePayload collects the batch from args or from file. JSON content is
// passed through for the enqueuer to decode; anything else is read as one
// reference per line with blank lines and # comments ignored.
func enqueuePayload(stdin io.Reader, file string, args []string) (any, error) {
	if file == "" {
		if len(args) == 0 {
			return nil, fmt.Errorf("no image references given (pass arguments or --file)")
		}
		return args, nil
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("cannot combine image arguments with --file")
	}

	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", file, err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading references: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if json.Valid([]byte(text)) {
		return text, nil
	}

	var refs []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	return refs, sc.Err()
}
