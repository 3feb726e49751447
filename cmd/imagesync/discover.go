package main

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/discovery"
	"github.com/Celdrick/mydocker/internal/engine"
)

var (
	discoverOwner      string
	discoverRepo       string
	discoverTagPattern string
	discoverPlatform   string
	discoverOutputFile string
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find new images upstream and enqueue them",
		Long: `Discover images published by upstream GitHub projects and enqueue the ones
that appeared since the previous release. Each subcommand prints the
has_new_images signal and appends it to $GITHUB_OUTPUT when set.`,
	}

	cmd.PersistentFlags().StringVar(&discoverOwner, "owner", "", "GitHub repository owner")
	cmd.PersistentFlags().StringVar(&discoverRepo, "repo", "", "GitHub repository name")
	cmd.PersistentFlags().StringVar(&discoverTagPattern, "tag-pattern", "", "only consider tags matching this regexp")
	cmd.PersistentFlags().StringVar(&discoverPlatform, "platform", "", "platform to record for new entries (default from config)")
	cmd.PersistentFlags().StringVar(&discoverOutputFile, "output-file", "", "append the has_new_images signal here instead of $GITHUB_OUTPUT")
	_ = cmd.MarkPersistentFlagRequired("owner")
	_ = cmd.MarkPersistentFlagRequired("repo")

	cmd.AddCommand(
		newDiscoverComposeCmd(),
		newDiscoverTagsCmd(),
	)
	return cmd
}

func newDiscoverComposeCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Enqueue images added to a compose file in the latest release",
		Example: `  imagesync discover compose --owner langgenius --repo dify \
      --path docker/docker-compose.yaml --tag-pattern '^[0-9]+\.[0-9]+\.[0-9]+$'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, pattern, err := discoveryClient()
			if err != nil {
				return err
			}

			change, err := client.ComposeDiff(cmd.Context(), discoverOwner, discoverRepo, path, pattern)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Comparing %s with %s: %d new images\n", change.LatestTag, change.PreviousTag, len(change.Images))
			for _, img := range change.Images {
				fmt.Fprintf(out, "  %s\n", img)
			}

			return enqueueDiscovered(cmd, config.ProducerCompose, change.Images)
		},
	}

	cmd.Flags().StringVar(&path, "path", "docker-compose.yaml", "compose file path inside the repository")
	return cmd
}

func newDiscoverTagsCmd() *cobra.Command {
	var imagePrefix string

	cmd := &cobra.Command{
		Use:   "github-tags",
		Short: "Enqueue the image for the latest release tag",
		Example: `  imagesync discover github-tags --owner labring --repo sealos \
      --image-prefix labring/sealos --tag-pattern '^v[0-9]+\.[0-9]+\.[0-9]+$'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, pattern, err := discoveryClient()
			if err != nil {
				return err
			}

			image, changed, err := client.LatestTagImage(cmd.Context(), discoverOwner, discoverRepo, imagePrefix, pattern)
			if err != nil {
				return err
			}

			var images []string
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "New release: %s\n", image)
				images = append(images, image)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No new release (latest %s)\n", image)
			}
			return enqueueDiscovered(cmd, config.ProducerGitHubTags, images)
		},
	}

	cmd.Flags().StringVar(&imagePrefix, "image-prefix", "", "image name the tag is appended to, e.g. labring/sealos")
	_ = cmd.MarkFlagRequired("image-prefix")
	return cmd
}

func discoveryClient() (*discovery.GitHubClient, *regexp.Regexp, error) {
	var pattern *regexp.Regexp
	if discoverTagPattern != "" {
		p, err := regexp.Compile(discoverTagPattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --tag-pattern: %w", err)
		}
		pattern = p
	}
	client, err := discovery.NewGitHubClient(globalCfg.Discovery.GitHubAPIURL, globalCfg.Discovery.GitHubToken, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, pattern, nil
}

// enqueueDiscovered runs images through the producer's enqueue policy and
// emits the signal.
func enqueueDiscovered(cmd *cobra.Command, producer string, images []string) error {
	hasNew := false
	if len(images) > 0 {
		enq := engine.NewEnqueuer(globalStore, producer, globalCfg.Policy(producer), globalCfg.Sync.DefaultPlatform, logger)
		var report engine.BatchReport
		hasNew, report = enq.EnqueueBatch(cmd.Context(), images, discoverPlatform)
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued: %d new, %d unchanged, %d skipped, %d failed\n",
			report.NewWork, report.Unchanged, report.Skipped, report.Failed)
		flushMetrics()
	}
	return writeSignal(cmd.OutOrStdout(), discoverOutputFile, hasNew)
}
