package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	var (
		maxPages   int
		output     string
		resetCache bool
		noHeadless bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the tender listing",
		Long: `Walks the configured portal, checks every unvisited tender and writes the
ids of relevant tenders as a JSON array. Interrupting the crawl (Ctrl-C)
checkpoints progress and still writes the ids found so far.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			cfg := s.cfg
			flags := cmd.Flags()
			if flags.Changed("max-pages") {
				cfg.Crawl.MaxPages = maxPages
			}
			if flags.Changed("output") {
				cfg.Output.Path = output
			}
			if noHeadless {
				cfg.Portal.Headless = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg, s.logger)
			if err != nil {
				return fmt.Errorf("initialize crawl: %w", err)
			}
			defer func() {
				if cerr := a.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					s.logger.Warn("close failed", zap.Error(cerr))
				}
			}()

			res, err := a.Crawl(cmd.Context(), cfg.Crawl.MaxPages, resetCache)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					s.logger.Warn("crawl interrupted, progress saved", zap.Int("hits", len(res.Hits)))
					return nil
				}
				return fmt.Errorf("crawl: %w", err)
			}
			s.logger.Info("crawl complete",
				zap.String("run_id", res.RunID),
				zap.Int("hits", len(res.Hits)),
				zap.Int("processed", res.Status.Processed),
				zap.Int("skipped", res.Status.Skipped),
				zap.String("output", cfg.Output.Path),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%d relevant tenders written to %s\n", len(res.Hits), cfg.Output.Path)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after N listing pages (0 means no limit)")
	cmd.Flags().StringVar(&output, "output", "", "path of the JSON array of hit ids")
	cmd.Flags().BoolVar(&resetCache, "reset-cache", false, "forget visited tenders before starting")
	cmd.Flags().BoolVar(&noHeadless, "no-headless", false, "show the browser window")
	return cmd
}
