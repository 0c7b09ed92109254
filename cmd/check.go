package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/app"
	"github.com/JakeFAU/tenderscan/internal/extract"
	"github.com/JakeFAU/tenderscan/internal/intake"
)

func newCheckCmd() *cobra.Command {
	var keywords string
	cmd := &cobra.Command{
		Use:   "check FILE...",
		Short: "Checks local documents for the keywords",
		Long: `Prints "HIT <name>" for every file containing at least one keyword,
"SKIP <name>" when memory pressure deferred the check and "OK  <name>"
otherwise. Keywords come from the configuration unless --kw lists them.`,
		Example: `  tenderscan check prices.xlsx terms.pdf
  tenderscan check terms.pdf --kw "სარქველი,ურდული"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			cfg := s.cfg
			if keywords != "" {
				cfg.Keywords = splitKeywords(keywords)
			}
			if len(cfg.Keywords) == 0 {
				return errors.New("no keywords to search for")
			}
			evaluator, err := app.NewEvaluator(cfg, s.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					s.logger.Warn("file not readable", zap.String("path", path), zap.Error(err))
					fmt.Fprintf(out, "MISSING  %s\n", filepath.Base(path))
					continue
				}
				verdict := evaluator.Evaluate(cmd.Context(), data, documentFormat(path, data))
				fmt.Fprintf(out, "%s  %s\n", checkStatus(verdict), filepath.Base(path))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keywords, "kw", "", "comma separated keywords overriding the configuration")
	return cmd
}

// checkStatus never reports a deferred document as clean.
func checkStatus(verdict intake.Verdict) string {
	switch verdict.Outcome {
	case intake.Hit:
		return "HIT"
	case intake.Deferred:
		return "SKIP"
	default:
		return "OK "
	}
}

func splitKeywords(raw string) []string {
	var out []string
	for _, kw := range strings.Split(raw, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func documentFormat(path string, data []byte) extract.Format {
	if f := extract.DetectFormat(filepath.Base(path), ""); f != extract.FormatUnknown {
		return f
	}
	return extract.SniffFormat(data)
}
