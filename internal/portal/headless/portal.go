// Package headless drives the JavaScript-only Georgian procurement portal
// with chromedp. Listing rows open their attachments in place, so every item
// is lazy and resolved by clicking through to its documentation tab.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

// Config describes the portal navigation.
type Config struct {
	StartURL string
	// FilterSelector and FilterOption pick the status filter applied before
	// searching. An empty FilterOption skips filtering.
	FilterSelector     string
	FilterOption       string
	SearchSelector     string
	RowSelector        string
	IDSelector         string
	DocumentsTabText   string
	AttachmentSelector string
	BackSelector       string
	NextSelector       string
	PageTimeout        time.Duration
	// AttachmentWait bounds the wait for attachment links; tenders without
	// documents never render any.
	AttachmentWait time.Duration
	Headless       bool
	UserAgent      string
	// Jar receives the browser session cookies so plain HTTP downloads are
	// accepted by the portal.
	Jar http.CookieJar
}

// DefaultConfig targets tenders.procurement.gov.ge with the "winner
// identified" status filter.
func DefaultConfig() Config {
	return Config{
		StartURL:           "https://tenders.procurement.gov.ge/public/?lang=ge",
		FilterSelector:     "#app_donor_id",
		FilterOption:       "გამარჯვებული გამოვლენილია",
		SearchSelector:     "#search_btn",
		RowSelector:        "#list_apps_by_subject tbody tr",
		IDSelector:         "p strong",
		DocumentsTabText:   "დოკუმენტაცია",
		AttachmentSelector: "div.answ-file a",
		BackSelector:       "#back_button_2",
		NextSelector:       "#btn_next",
		PageTimeout:        30 * time.Second,
		AttachmentWait:     10 * time.Second,
		Headless:           true,
	}
}

// Validate reports missing navigation settings.
func (c Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.StartURL); err != nil {
		errs = append(errs, fmt.Errorf("start url: %w", err))
	}
	for name, v := range map[string]string{
		"row selector":        c.RowSelector,
		"id selector":         c.IDSelector,
		"attachment selector": c.AttachmentSelector,
		"back selector":       c.BackSelector,
		"next selector":       c.NextSelector,
		"documents tab text":  c.DocumentsTabText,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.FilterOption != "" && (c.FilterSelector == "" || c.SearchSelector == "") {
		errs = append(errs, errors.New("filter option needs filter and search selectors"))
	}
	return errors.Join(errs...)
}

// Portal implements crawler.Portal and crawler.AttachmentResolver over one
// browser tab. Calls are serialized.
type Portal struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	entered     bool
}

// New prepares the browser. Chrome starts on the first ListPage.
func New(cfg Config, logger *zap.Logger) (*Portal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid headless portal config: %w", err)
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.AttachmentWait <= 0 {
		cfg.AttachmentWait = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portal{cfg: cfg, logger: logger}, nil
}

// ListPage returns the rows of the page currently shown. pageIndex is only
// used for logging; the browser holds the navigation state.
func (p *Portal) ListPage(ctx context.Context, pageIndex int) ([]crawler.ListingItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	var ids []string
	if err := p.run(ctx, p.cfg.PageTimeout,
		p.waitRows(),
		chromedp.Evaluate(rowIDsScript(p.cfg.RowSelector, p.cfg.IDSelector), &ids),
	); err != nil {
		return nil, fmt.Errorf("read listing page %d: %w", pageIndex, err)
	}
	items := rowsToItems(ids)
	p.logger.Debug("listing read", zap.Int("page", pageIndex), zap.Int("items", len(items)))
	return items, nil
}

// ResolveAttachments opens the item's row, reads its documentation tab and
// returns to the listing.
func (p *Portal) ResolveAttachments(ctx context.Context, item crawler.ListingItem) ([]crawler.AttachmentRef, error) {
	idx, err := strconv.Atoi(item.Ref)
	if err != nil {
		return nil, fmt.Errorf("item %s has invalid row ref %q", item.ID, item.Ref)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.entered {
		return nil, errors.New("portal not entered")
	}

	var clicked bool
	if err := p.run(ctx, p.cfg.PageTimeout,
		chromedp.Evaluate(clickRowScript(p.cfg.RowSelector, p.cfg.IDSelector, idx, item.ID), &clicked),
	); err != nil {
		return nil, fmt.Errorf("open item %s: %w", item.ID, err)
	}
	if !clicked {
		return nil, fmt.Errorf("row %d no longer shows item %s", idx, item.ID)
	}

	var ok bool
	if err := p.run(ctx, p.cfg.PageTimeout,
		chromedp.Poll(clickByTextScript("a", p.cfg.DocumentsTabText), &ok),
	); err != nil {
		_ = p.back(ctx)
		return nil, fmt.Errorf("open documents of %s: %w", item.ID, err)
	}

	var links []anchor
	err = p.run(ctx, p.cfg.AttachmentWait,
		chromedp.Poll(presentScript(p.cfg.AttachmentSelector), &ok),
		chromedp.Evaluate(anchorsScript(p.cfg.AttachmentSelector), &links),
	)
	if err != nil && ctx.Err() == nil {
		p.logger.Debug("no attachment links rendered", zap.String("item_id", item.ID), zap.Error(err))
		err = nil
	}
	if err == nil {
		p.syncCookies(ctx)
	}
	if backErr := p.back(ctx); backErr != nil {
		return nil, backErr
	}
	if err != nil {
		return nil, err
	}
	return toRefs(links), nil
}

// AdvancePage clicks the next control and waits for the listing to change.
func (p *Portal) AdvancePage(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.entered {
		return false, errors.New("portal not entered")
	}
	var before string
	var clicked bool
	if err := p.run(ctx, p.cfg.PageTimeout,
		chromedp.Evaluate(firstRowIDScript(p.cfg.RowSelector, p.cfg.IDSelector), &before),
		chromedp.Evaluate(clickNextScript(p.cfg.NextSelector), &clicked),
	); err != nil {
		return false, fmt.Errorf("advance page: %w", err)
	}
	if !clicked {
		return false, nil
	}
	var changed bool
	if err := p.run(ctx, p.cfg.PageTimeout,
		chromedp.Poll(changedScript(p.cfg.RowSelector, p.cfg.IDSelector, before), &changed),
	); err != nil {
		return false, fmt.Errorf("wait for next page: %w", err)
	}
	return true, nil
}

// Close shuts the browser down.
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tabCancel != nil {
		p.tabCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.tabCtx, p.tabCancel, p.allocCancel, p.entered = nil, nil, nil, false
	return nil
}

func (p *Portal) enter(ctx context.Context) error {
	if p.entered {
		return nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", "ka,en-US"),
		chromedp.WindowSize(1920, 1080),
	)
	if p.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(p.logger.Sugar().Debugf),
		chromedp.WithErrorf(p.logger.Sugar().Debugf),
	)
	p.allocCancel, p.tabCtx, p.tabCancel = allocCancel, tabCtx, tabCancel

	actions := []chromedp.Action{
		p.setupAction(),
		chromedp.Navigate(p.cfg.StartURL),
	}
	if p.cfg.FilterOption != "" {
		var selected bool
		actions = append(actions,
			chromedp.WaitVisible(p.cfg.FilterSelector, chromedp.ByQuery),
			chromedp.Poll(selectOptionScript(p.cfg.FilterSelector, p.cfg.FilterOption), &selected),
			chromedp.Click(p.cfg.SearchSelector, chromedp.ByQuery),
		)
	}
	actions = append(actions, p.waitRows())
	if err := p.run(ctx, 2*p.cfg.PageTimeout, actions...); err != nil {
		tabCancel()
		allocCancel()
		p.tabCtx, p.tabCancel, p.allocCancel = nil, nil, nil
		return fmt.Errorf("enter portal %s: %w", p.cfg.StartURL, err)
	}
	p.entered = true
	p.syncCookies(ctx)
	p.logger.Info("portal entered", zap.String("url", p.cfg.StartURL), zap.String("filter", p.cfg.FilterOption))
	return nil
}

func (p *Portal) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (p *Portal) back(ctx context.Context) error {
	if err := p.run(ctx, p.cfg.PageTimeout,
		chromedp.Click(p.cfg.BackSelector, chromedp.ByQuery),
		p.waitRows(),
	); err != nil {
		return fmt.Errorf("return to listing: %w", err)
	}
	return nil
}

func (p *Portal) waitRows() chromedp.Action {
	var ok bool
	return chromedp.Poll(presentScript(p.cfg.RowSelector), &ok)
}

// syncCookies copies the browser session into the shared jar.
func (p *Portal) syncCookies(ctx context.Context) {
	if p.cfg.Jar == nil {
		return
	}
	u, err := url.Parse(p.cfg.StartURL)
	if err != nil {
		return
	}
	var cookies []*network.Cookie
	if err := p.run(ctx, p.cfg.PageTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{p.cfg.StartURL}).Do(ctx)
		return err
	})); err != nil {
		p.logger.Debug("read browser cookies failed", zap.Error(err))
		return
	}
	p.cfg.Jar.SetCookies(u, toHTTPCookies(cookies))
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (p *Portal) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if p.tabCtx == nil {
		return errors.New("browser not started")
	}
	runCtx, cancel := context.WithTimeout(p.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

type anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

func rowsToItems(ids []string) []crawler.ListingItem {
	items := make([]crawler.ListingItem, 0, len(ids))
	for idx, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		items = append(items, crawler.ListingItem{ID: id, Ref: strconv.Itoa(idx), Lazy: true})
	}
	return items
}

func toRefs(links []anchor) []crawler.AttachmentRef {
	refs := make([]crawler.AttachmentRef, 0, len(links))
	seen := map[string]struct{}{}
	for _, l := range links {
		href := strings.TrimSpace(l.Href)
		if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			continue
		}
		if _, dup := seen[href]; dup {
			continue
		}
		seen[href] = struct{}{}
		refs = append(refs, crawler.AttachmentRef{URL: href, DeclaredName: strings.Join(strings.Fields(l.Text), " ")})
	}
	return refs
}

func toHTTPCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

func js(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func presentScript(selector string) string {
	return fmt.Sprintf(`document.querySelectorAll(%s).length > 0`, js(selector))
}

func rowIDsScript(rowSel, idSel string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(r => {
	const el = r.querySelector(%s);
	return el ? el.textContent.trim() : "";
})`, js(rowSel), js(idSel))
}

func firstRowIDScript(rowSel, idSel string) string {
	return fmt.Sprintf(`(() => {
	const r = document.querySelector(%s);
	const el = r && r.querySelector(%s);
	return el ? el.textContent.trim() : "";
})()`, js(rowSel), js(idSel))
}

func changedScript(rowSel, idSel, before string) string {
	return fmt.Sprintf(`(() => {
	const r = document.querySelector(%s);
	const el = r && r.querySelector(%s);
	return !!el && el.textContent.trim() !== %s;
})()`, js(rowSel), js(idSel), js(before))
}

func clickRowScript(rowSel, idSel string, idx int, id string) string {
	return fmt.Sprintf(`(() => {
	const rows = document.querySelectorAll(%s);
	const r = rows[%d];
	if (!r) return false;
	const el = r.querySelector(%s);
	if (!el || el.textContent.trim() !== %s) return false;
	r.scrollIntoView({block: "center"});
	r.click();
	return true;
})()`, js(rowSel), idx, js(idSel), js(id))
}

func clickByTextScript(tag, text string) string {
	return fmt.Sprintf(`(() => {
	const el = Array.from(document.querySelectorAll(%s)).find(a => a.textContent.includes(%s));
	if (!el) return false;
	el.click();
	return true;
})()`, js(tag), js(text))
}

func anchorsScript(selector string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(a => ({href: a.href, text: a.textContent}))`, js(selector))
}

func clickNextScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const b = document.querySelector(%s);
	if (!b || b.disabled || b.classList.contains("disabled") || b.getAttribute("aria-disabled") === "true") return false;
	b.click();
	return true;
})()`, js(selector))
}

func selectOptionScript(selector, option string) string {
	return fmt.Sprintf(`(() => {
	const s = document.querySelector(%s);
	if (!s) return false;
	const o = Array.from(s.options).find(o => o.textContent.includes(%s));
	if (!o) return false;
	s.value = o.value;
	s.dispatchEvent(new Event("change", {bubbles: true}));
	return true;
})()`, js(selector), js(option))
}
