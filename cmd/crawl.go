package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

// newCrawlCmd creates the 'crawl' subcommand. Without --url it runs one batch
// cycle over pending URLs; with --url it seeds and crawls that URL only.
func newCrawlCmd() *cobra.Command {
	var target string
	var limit int

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one batch cycle, or crawl a single URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target != "" {
				return runCrawlURL(cmd, target)
			}
			return runCrawlBatch(cmd, limit)
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "crawl this URL instead of a pending batch")
	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (defaults to crawler.batch_size)")
	return cmd
}

func runCrawlURL(cmd *cobra.Command, raw string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	url, err := crawler.NormalizeURL(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", crawler.ErrInvalidInput, raw, err)
	}
	if _, err := a.Store().UpsertPending(cmd.Context(), url); err != nil {
		return fmt.Errorf("seed url: %w", err)
	}

	status := a.Worker().Crawl(cmd.Context(), url)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", status, url)
	if status == crawler.StatusFailed {
		rec, err := a.Store().Get(cmd.Context(), url)
		if err == nil && rec.ErrorMessage != nil {
			return fmt.Errorf("crawl failed: %s", *rec.ErrorMessage)
		}
		return fmt.Errorf("crawl failed")
	}
	return nil
}

func runCrawlBatch(cmd *cobra.Command, limit int) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = a.Config().Crawler.BatchSize
	}

	res, err := a.Dispatcher().RunCycle(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("run batch cycle: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "selected\t%d\n", res.Selected)
	statuses := make([]string, 0, len(res.Statuses))
	for status := range res.Statuses {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(out, "%s\t%d\n", status, res.Statuses[crawler.Status(status)])
	}
	a.Logger().Info("crawl command finished", zap.Int("selected", res.Selected))
	return nil
}
