// Package htmlportal walks a server-rendered tender listing with goquery.
// Pages are addressed by URL, so the portal needs no browser.
package htmlportal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

// PagePlaceholder is replaced by the 1-based page number in ListURLTemplate.
const PagePlaceholder = "{page}"

// Config describes the listing markup.
type Config struct {
	// ListURLTemplate contains PagePlaceholder, e.g.
	// "https://portal.example/tenders?page={page}".
	ListURLTemplate string
	// RowSelector matches one listing row per item.
	RowSelector string
	// IDSelector is evaluated inside a row; its text is the item id.
	IDSelector string
	// AttachmentSelector matches attachment anchors, inside a row or on the
	// detail page when DetailSelector is set.
	AttachmentSelector string
	// DetailSelector, when set, is an anchor inside the row leading to a
	// detail page that lists the attachments.
	DetailSelector string
	// NextSelector matches the pagination control. A missing or disabled
	// control ends the crawl.
	NextSelector string
	Headers      map[string]string
}

// Validate reports missing selectors.
func (c Config) Validate() error {
	var errs []error
	if !strings.Contains(c.ListURLTemplate, PagePlaceholder) {
		errs = append(errs, fmt.Errorf("list url template must contain %s", PagePlaceholder))
	}
	if c.RowSelector == "" {
		errs = append(errs, errors.New("row selector is required"))
	}
	if c.IDSelector == "" {
		errs = append(errs, errors.New("id selector is required"))
	}
	if c.AttachmentSelector == "" {
		errs = append(errs, errors.New("attachment selector is required"))
	}
	return errors.Join(errs...)
}

// Portal implements crawler.Portal and crawler.AttachmentResolver.
type Portal struct {
	cfg     Config
	fetcher crawler.Fetcher
	policy  crawler.RetryPolicy
	logger  *zap.Logger

	mu      sync.Mutex
	hasNext bool
}

// New builds a Portal. policy may be nil to disable retries.
func New(cfg Config, fetcher crawler.Fetcher, policy crawler.RetryPolicy, logger *zap.Logger) (*Portal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid html portal config: %w", err)
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portal{cfg: cfg, fetcher: fetcher, policy: policy, logger: logger}, nil
}

// ListPage fetches and parses one listing page.
func (p *Portal) ListPage(ctx context.Context, pageIndex int) ([]crawler.ListingItem, error) {
	pageURL := strings.ReplaceAll(p.cfg.ListURLTemplate, PagePlaceholder, strconv.Itoa(pageIndex+1))
	doc, base, err := p.load(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	var items []crawler.ListingItem
	doc.Find(p.cfg.RowSelector).Each(func(_ int, row *goquery.Selection) {
		id := strings.TrimSpace(row.Find(p.cfg.IDSelector).First().Text())
		if id == "" {
			return
		}
		item := crawler.ListingItem{ID: id}
		if p.cfg.DetailSelector != "" {
			href, ok := row.Find(p.cfg.DetailSelector).First().Attr("href")
			if ok {
				item.Ref = resolveRef(base, href)
				item.Lazy = true
			}
		}
		if !item.Lazy {
			item.Attachments = attachments(base, row.Find(p.cfg.AttachmentSelector))
		}
		items = append(items, item)
	})

	next := p.cfg.NextSelector != "" && enabled(doc.Find(p.cfg.NextSelector).First())
	p.mu.Lock()
	p.hasNext = next
	p.mu.Unlock()

	p.logger.Debug("listing parsed",
		zap.String("url", pageURL),
		zap.Int("items", len(items)),
		zap.Bool("has_next", next),
	)
	return items, nil
}

// AdvancePage reports whether the last listed page offered a next page.
func (p *Portal) AdvancePage(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasNext {
		return false, nil
	}
	p.hasNext = false
	return true, nil
}

// ResolveAttachments loads the item's detail page.
func (p *Portal) ResolveAttachments(ctx context.Context, item crawler.ListingItem) ([]crawler.AttachmentRef, error) {
	if item.Ref == "" {
		return nil, fmt.Errorf("item %s has no detail page", item.ID)
	}
	doc, base, err := p.load(ctx, item.Ref)
	if err != nil {
		return nil, err
	}
	return attachments(base, doc.Find(p.cfg.AttachmentSelector)), nil
}

// Close is a no-op; the fetcher owns the connections.
func (p *Portal) Close() error {
	return nil
}

func (p *Portal) load(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	var resp crawler.FetchResponse
	req := crawler.FetchRequest{URL: rawURL, Headers: p.headers()}
	err := crawler.Retry(ctx, p.policy, func(ctx context.Context, _ int) error {
		r, err := p.fetcher.Fetch(ctx, req)
		resp = r
		return err
	}, func(attempt int, delay time.Duration, err error) {
		p.logger.Debug("retrying portal page",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url %s: %w", finalURL, err)
	}
	return doc, base, nil
}

func (p *Portal) headers() http.Header {
	if len(p.cfg.Headers) == 0 {
		return nil
	}
	out := make(http.Header, len(p.cfg.Headers))
	for k, v := range p.cfg.Headers {
		out.Set(k, v)
	}
	return out
}

func attachments(base *url.URL, links *goquery.Selection) []crawler.AttachmentRef {
	var refs []crawler.AttachmentRef
	seen := map[string]struct{}{}
	links.Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		abs := resolveRef(base, href)
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		mimeType, _ := a.Attr("type")
		refs = append(refs, crawler.AttachmentRef{
			URL:          abs,
			DeclaredName: strings.Join(strings.Fields(a.Text()), " "),
			DeclaredMIME: mimeType,
		})
	})
	return refs
}

func resolveRef(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func enabled(s *goquery.Selection) bool {
	if s.Length() == 0 {
		return false
	}
	if _, disabled := s.Attr("disabled"); disabled {
		return false
	}
	if s.HasClass("disabled") || s.Parent().HasClass("disabled") {
		return false
	}
	if v, ok := s.Attr("aria-disabled"); ok && v == "true" {
		return false
	}
	return true
}
