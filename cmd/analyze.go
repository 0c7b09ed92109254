package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/app"
	"github.com/JakeFAU/tenderscan/internal/crawler"
	"github.com/JakeFAU/tenderscan/internal/intake"
	"github.com/JakeFAU/tenderscan/internal/report"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		input  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Scores already downloaded tender documents",
		Long: `Reads a JSON array of {"tender_id", "files"} entries, evaluates every file
and writes the tenders with matching files, including per-keyword scores.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := report.ReadAnalyzeInput(input)
			if err != nil {
				return err
			}
			evaluator, err := app.NewEvaluator(s.cfg, s.logger)
			if err != nil {
				return err
			}

			results := []crawler.ItemReport{}
			for _, entry := range entries {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				logger := s.logger.With(zap.String("item_id", entry.ItemID))
				var matched []crawler.AttachmentHit
				for _, path := range entry.Files {
					data, err := os.ReadFile(path)
					if err != nil {
						logger.Warn("file not readable, skipping", zap.String("path", path), zap.Error(err))
						continue
					}
					verdict := evaluator.Evaluate(cmd.Context(), data, documentFormat(path, data))
					switch verdict.Outcome {
					case intake.Hit:
						matched = append(matched, crawler.AttachmentHit{Identifier: path, Hits: verdict.Hits})
					case intake.Deferred:
						logger.Warn("memory critical, file skipped", zap.String("path", path))
					}
				}
				if len(matched) > 0 {
					results = append(results, crawler.ItemReport{ItemID: entry.ItemID, MatchedAttachments: matched})
				}
			}

			if err := report.WriteJSON(output, results); err != nil {
				return err
			}
			s.logger.Info("analysis complete", zap.Int("tenders", len(entries)), zap.Int("matched", len(results)), zap.String("output", output))
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d tenders matched, results in %s\n", len(results), len(entries), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON file listing tenders and their local documents")
	cmd.Flags().StringVar(&output, "output", "parsed_results.json", "where to write the matches")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
