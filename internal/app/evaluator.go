package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/config"
	"github.com/JakeFAU/tenderscan/internal/extract"
	"github.com/JakeFAU/tenderscan/internal/intake"
	"github.com/JakeFAU/tenderscan/internal/match"
	"github.com/JakeFAU/tenderscan/internal/memory"
)

// NewEvaluator builds the memory-gated extraction and matching pipeline used
// by both the crawl and the offline commands.
func NewEvaluator(cfg config.Config, logger *zap.Logger) (*intake.Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	governor, err := memory.NewGovernor(memory.Budget{
		WarningBytes:    cfg.Memory.WarningMB << 20,
		CriticalBytes:   cfg.Memory.CriticalMB << 20,
		ReclaimInterval: cfg.Memory.ReclaimInterval(),
	}, memory.WithLogger(logger.Named("memory")))
	if err != nil {
		return nil, fmt.Errorf("memory governor: %w", err)
	}

	extractCfg := ExtractorConfig(cfg)
	if missing := extract.MissingTools(extractCfg); len(missing) > 0 {
		logger.Warn("pdf tools not found, their strategies will be skipped",
			zap.String("missing", strings.Join(missing, ",")))
	}
	extractor := extract.New(extractCfg,
		extract.WithReclaimer(governor),
		extract.WithLogger(logger.Named("extract")),
	)

	matchOpts := []match.Option{
		match.WithMaxTextRunes(cfg.Matcher.MaxTextRunes),
		match.WithLogger(logger.Named("match")),
	}
	if cfg.Matcher.LemmaLanguage != "" {
		matchOpts = append(matchOpts, match.WithLemmatizer(match.NewSnowballLemmatizer(cfg.Matcher.LemmaLanguage)))
	}
	matcher, err := match.NewMatcher(cfg.Keywords, matchOpts...)
	if err != nil {
		return nil, fmt.Errorf("keyword matcher: %w", err)
	}

	pipeline, err := intake.NewPipeline(extractor, matcher, governor, cfg.Matcher.Threshold, logger.Named("intake"))
	if err != nil {
		return nil, fmt.Errorf("intake pipeline: %w", err)
	}
	return pipeline, nil
}

// ExtractorConfig maps configuration onto extract.Config.
func ExtractorConfig(cfg config.Config) extract.Config {
	return extract.Config{
		MinBytes:          cfg.Download.MinFileBytes,
		MinTextChars:      cfg.Extract.MinTextChars,
		SubprocessTimeout: cfg.Extract.SubprocessTimeout(),
		OCRDPI:            cfg.Extract.OCRDPI,
		OCRLanguages:      cfg.Extract.OCRLanguages,
		PdftotextBin:      cfg.Extract.PdftotextBin,
		PdftoppmBin:       cfg.Extract.PdftoppmBin,
		TesseractBin:      cfg.Extract.TesseractBin,
		TempDir:           cfg.Download.WorkDir,
	}
}
