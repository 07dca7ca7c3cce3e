package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <url>...",
		Short: "Insert URLs into the frontier as pending",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSeed,
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var errs []error
	for _, raw := range args {
		if !crawler.IsValidHTTPURL(raw) {
			errs = append(errs, fmt.Errorf("%w: %q is not an absolute http or https URL", crawler.ErrInvalidInput, raw))
			continue
		}
		url, err := crawler.NormalizeURL(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %q: %w", crawler.ErrInvalidInput, raw, err))
			continue
		}
		inserted, err := a.Store().UpsertPending(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("seed %s: %w", url, err)
		}
		if inserted {
			fmt.Fprintf(out, "inserted\t%s\n", url)
		} else {
			fmt.Fprintf(out, "exists\t%s\n", url)
		}
	}
	return errors.Join(errs...)
}
