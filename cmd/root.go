// Package cmd defines the tenderscan command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/app"
	"github.com/JakeFAU/tenderscan/internal/config"
	"github.com/JakeFAU/tenderscan/internal/logging"
)

// sessionKeyType is the key for storing the session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// session carries what every subcommand needs once flags are parsed.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

// crawlApp is the slice of *app.App the crawl command uses. Tests replace
// buildApp to inject a fake.
type crawlApp interface {
	Crawl(ctx context.Context, maxPages int, resetState bool) (app.Result, error)
	Close(ctx context.Context) error
}

var buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawlApp, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "tenderscan",
		Short: "Finds procurement tenders whose documents mention the configured keywords.",
		Long: `tenderscan walks a tender listing page by page, downloads the documents
attached to every tender and reports the tenders whose PDF, XLS or XLSX
attachments contain one of the configured keywords. Progress is checkpointed
so an interrupted crawl resumes where it stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), sessionKey, &session{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if s, ok := cmd.Context().Value(sessionKey).(*session); ok {
				// Sync fails on terminals; nothing to do about it.
				_ = s.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newCrawlCmd(), newCheckCmd(), newAnalyzeCmd())
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(sessionKey).(*session)
	if !ok || s == nil {
		return nil, errors.New("configuration not loaded")
	}
	return s, nil
}

// Execute runs the command line until ctx is canceled.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
