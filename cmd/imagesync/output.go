package main

import (
	"fmt"
	"io"
	"os"

	"github.com/Celdrick/mydocker/internal/metrics"
)

// signalKey is the step output consumed by CI workflows to decide whether
// a sync job should run.
const signalKey = "has_new_images"

// writeSignal prints the new-work signal to w and appends it to the step
// output file. path falls back to $GITHUB_OUTPUT; nothing is appended when
// both are empty.
func writeSignal(w io.Writer, path string, hasNew bool) error {
	line := fmt.Sprintf("%s=%t", signalKey, hasNew)
	fmt.Fprintln(w, line)

	if path == "" {
		path = os.Getenv("GITHUB_OUTPUT")
	}
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening step output %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("writing step output %s: %w", path, err)
	}
	return nil
}

// flushMetrics writes the metrics textfile when one is configured.
func flushMetrics() {
	if globalCfg == nil || globalCfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(globalCfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics textfile", "path", globalCfg.Metrics.Textfile, "error", err)
	}
}
