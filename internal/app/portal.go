package app

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/config"
	"github.com/JakeFAU/tenderscan/internal/crawler"
	"github.com/JakeFAU/tenderscan/internal/portal/headless"
	"github.com/JakeFAU/tenderscan/internal/portal/htmlportal"
)

func newPortal(
	cfg config.PortalConfig,
	userAgent string,
	fetcher crawler.Fetcher,
	policy crawler.RetryPolicy,
	jar http.CookieJar,
	logger *zap.Logger,
) (crawler.Portal, error) {
	switch cfg.Kind {
	case config.PortalHTML:
		p, err := htmlportal.New(htmlportal.Config{
			ListURLTemplate:    cfg.ListURLTemplate,
			RowSelector:        cfg.RowSelector,
			IDSelector:         cfg.IDSelector,
			AttachmentSelector: cfg.AttachmentSelector,
			DetailSelector:     cfg.DetailSelector,
			NextSelector:       cfg.NextSelector,
			Headers:            cfg.Headers,
		}, fetcher, policy, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.PortalHeadless, "":
		p, err := headless.New(HeadlessConfig(cfg, userAgent, jar), logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown portal kind %q", cfg.Kind)
	}
}

// HeadlessConfig overlays the non-empty portal settings on the headless
// adapter's defaults.
func HeadlessConfig(cfg config.PortalConfig, userAgent string, jar http.CookieJar) headless.Config {
	out := headless.DefaultConfig()
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&out.StartURL, cfg.StartURL)
	override(&out.FilterSelector, cfg.FilterSelector)
	override(&out.FilterOption, cfg.FilterOption)
	override(&out.SearchSelector, cfg.SearchSelector)
	override(&out.RowSelector, cfg.RowSelector)
	override(&out.IDSelector, cfg.IDSelector)
	override(&out.DocumentsTabText, cfg.DocumentsTabText)
	override(&out.AttachmentSelector, cfg.AttachmentSelector)
	override(&out.BackSelector, cfg.BackSelector)
	override(&out.NextSelector, cfg.NextSelector)
	override(&out.UserAgent, userAgent)
	if d := cfg.PageTimeout(); d > 0 {
		out.PageTimeout = d
	}
	if d := cfg.AttachmentWait(); d > 0 {
		out.AttachmentWait = d
	}
	out.Headless = cfg.Headless
	out.Jar = jar
	return out
}
