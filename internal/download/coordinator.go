// Package download fetches the attachments of one listing item with a
// bounded worker pool and evaluates each document until the first hit.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tenderscan/internal/crawler"
	"github.com/JakeFAU/tenderscan/internal/extract"
	"github.com/JakeFAU/tenderscan/internal/intake"
	"github.com/JakeFAU/tenderscan/internal/metrics"
	"github.com/JakeFAU/tenderscan/internal/progress"
)

// DefaultMaxParallel is the per-item worker count.
const DefaultMaxParallel = 2

// Evaluator decides whether the document stored at path hits.
type Evaluator interface {
	EvaluateFile(ctx context.Context, path string, format extract.Format) intake.Verdict
}

// Config tunes the coordinator.
type Config struct {
	RunID       string
	MaxParallel int
	// WorkDir is the parent of the per-item scratch directories. Empty means
	// os.TempDir.
	WorkDir string
	// Headers are sent with every attachment request.
	Headers map[string]string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p crawler.RetryPolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithArchive uploads hit attachments to store, keyed by content digest.
func WithArchive(store crawler.BlobStore, hasher crawler.Hasher) Option {
	return func(c *Coordinator) {
		c.archive = store
		c.hasher = hasher
	}
}

// WithProgress emits ATTACHMENT_DONE events.
func WithProgress(e progress.Emitter) Option {
	return func(c *Coordinator) {
		c.progress = e
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator implements crawler.ItemChecker.
type Coordinator struct {
	cfg       Config
	fetcher   crawler.Fetcher
	evaluator Evaluator
	policy    crawler.RetryPolicy
	archive   crawler.BlobStore
	hasher    crawler.Hasher
	progress  progress.Emitter
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds a Coordinator.
func New(fetcher crawler.Fetcher, evaluator Evaluator, cfg Config, opts ...Option) (*Coordinator, error) {
	if fetcher == nil || evaluator == nil {
		return nil, errors.New("fetcher and evaluator are required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	c := &Coordinator{
		cfg:       cfg,
		fetcher:   fetcher,
		evaluator: evaluator,
		policy:    crawler.NewExponentialRetryPolicy(0, 0, 0),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.archive != nil && c.hasher == nil {
		return nil, errors.New("archive requires a hasher")
	}
	return c, nil
}

// itemRun is the shared, mutex-guarded state of one FetchAndCheck call.
type itemRun struct {
	item    crawler.ListingItem
	workDir string
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu      sync.Mutex
	names   nameSet
	outcome crawler.ItemOutcome
	matched map[int]crawler.AttachmentHit
}

// FetchAndCheck downloads and evaluates the item's attachments in order until
// one hits. Attachment failures are counted, never returned; the error is
// reserved for local failures such as an unusable work directory.
func (c *Coordinator) FetchAndCheck(ctx context.Context, item crawler.ListingItem) (crawler.ItemOutcome, error) {
	if len(item.Attachments) == 0 {
		return crawler.ItemOutcome{}, nil
	}
	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "item-*")
	if err != nil {
		return crawler.ItemOutcome{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			c.logger.Warn("remove work dir failed", zap.String("dir", workDir), zap.Error(rmErr))
		}
	}()

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &itemRun{
		item:    item,
		workDir: workDir,
		cancel:  cancel,
		logger:  c.logger.With(zap.String("item_id", item.ID)),
		names:   nameSet{},
		matched: map[int]crawler.AttachmentHit{},
	}

	g, gctx := errgroup.WithContext(itemCtx)
	g.SetLimit(c.cfg.MaxParallel)
	for idx, ref := range item.Attachments {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			c.checkAttachment(gctx, run, idx, ref)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return run.result(), fmt.Errorf("item %s interrupted: %w", item.ID, err)
	}
	return run.result(), nil
}

func (c *Coordinator) checkAttachment(ctx context.Context, run *itemRun, idx int, ref crawler.AttachmentRef) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	logger := run.logger.With(zap.String("url", ref.URL))

	resp, err := c.download(ctx, ref, logger)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ObserveDownload("failed", len(resp.Body))
		run.fail()
		logger.Warn("attachment download failed", zap.Error(err))
		c.emit(run, progress.Event{
			URL:         ref.URL,
			Outcome:     progress.OutcomeFailed,
			StatusClass: statusClass(resp.StatusCode),
			Dur:         time.Since(start),
			Note:        err.Error(),
		})
		return
	}
	metrics.ObserveDownload("ok", len(resp.Body))
	if ctx.Err() != nil {
		return
	}

	name := run.reserve(safeName(resolveName(resp.Headers, ref, resp.URL)))
	format := extract.DetectFormat(name, resp.Headers.Get("Content-Type"))
	if format == extract.FormatUnknown {
		format = extract.SniffFormat(resp.Body)
	}
	logger = logger.With(zap.String("file", name), zap.String("format", string(format)))

	verdict, err := c.persistAndEvaluate(ctx, run.workDir, name, resp.Body, format)
	if err != nil {
		run.fail()
		logger.Warn("attachment not evaluated", zap.Error(err))
		return
	}

	identifier := name
	if verdict.Hit() {
		identifier = c.archiveHit(ctx, run.item.ID, name, resp.Body, logger)
	}
	run.record(idx, identifier, verdict)

	switch verdict.Outcome {
	case intake.Hit:
		logger.Info("attachment hit", zap.Any("hits", verdict.Hits))
	case intake.Deferred:
		logger.Warn("attachment deferred under memory pressure")
	default:
		logger.Debug("attachment no hit")
	}
	c.emit(run, progress.Event{
		URL:         ref.URL,
		Format:      string(format),
		Outcome:     verdict.Outcome.String(),
		Bytes:       int64(len(resp.Body)),
		StatusClass: statusClass(resp.StatusCode),
		Dur:         time.Since(start),
	})
}

func (c *Coordinator) download(ctx context.Context, ref crawler.AttachmentRef, logger *zap.Logger) (crawler.FetchResponse, error) {
	var resp crawler.FetchResponse
	req := crawler.FetchRequest{URL: ref.URL, Headers: c.requestHeaders()}
	err := crawler.Retry(ctx, c.policy, func(ctx context.Context, _ int) error {
		r, err := c.fetcher.Fetch(ctx, req)
		resp = r
		return err
	}, func(attempt int, delay time.Duration, err error) {
		metrics.ObserveDownloadRetry()
		logger.Debug("retrying attachment download",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	return resp, err
}

// persistAndEvaluate writes the document into the item's work dir for the
// duration of the evaluation only.
func (c *Coordinator) persistAndEvaluate(
	ctx context.Context,
	workDir, name string,
	data []byte,
	format extract.Format,
) (intake.Verdict, error) {
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return intake.Verdict{}, fmt.Errorf("persist %s: %w", name, err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("remove attachment failed", zap.String("path", path), zap.Error(err))
		}
	}()
	return c.evaluator.EvaluateFile(ctx, path, format), nil
}

// archiveHit uploads a hit document and returns its URI, or name when no
// archive is configured or the upload fails.
func (c *Coordinator) archiveHit(ctx context.Context, itemID, name string, data []byte, logger *zap.Logger) string {
	if c.archive == nil {
		return name
	}
	digest, err := c.hasher.Hash(data)
	if err != nil {
		logger.Warn("hash attachment failed", zap.Error(err))
		return name
	}
	objectPath := fmt.Sprintf("%s/%s/%s%s", c.cfg.RunID, itemID, digest, splitExt(name))
	// Sibling workers cancel the item context once anything hits.
	uri, err := c.archive.PutObject(context.WithoutCancel(ctx), objectPath, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		logger.Warn("archive attachment failed", zap.String("object", objectPath), zap.Error(err))
		return name
	}
	return uri
}

func (c *Coordinator) requestHeaders() http.Header {
	if len(c.cfg.Headers) == 0 {
		return nil
	}
	out := make(http.Header, len(c.cfg.Headers))
	for k, v := range c.cfg.Headers {
		out.Set(k, v)
	}
	return out
}

func (c *Coordinator) emit(run *itemRun, evt progress.Event) {
	if c.progress == nil {
		return
	}
	evt.Stage = progress.StageAttachmentDone
	evt.RunID = c.cfg.RunID
	evt.ItemID = run.item.ID
	if c.clock != nil {
		evt.TS = c.clock.Now()
	} else {
		evt.TS = time.Now().UTC()
	}
	c.progress.Emit(evt)
}

func statusClass(code int) progress.StatusClass {
	if code == 0 {
		return ""
	}
	return progress.ClassifyStatus(code)
}

func (r *itemRun) reserve(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names.reserve(name)
}

func (r *itemRun) fail() {
	r.mu.Lock()
	r.outcome.Failed++
	r.mu.Unlock()
}

// record folds one verdict into the item outcome. A hit is never undone and
// cancels the remaining work of the item.
func (r *itemRun) record(idx int, identifier string, verdict intake.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch verdict.Outcome {
	case intake.Hit:
		r.outcome.Checked++
		r.outcome.Hit = true
		r.matched[idx] = crawler.AttachmentHit{Identifier: identifier, Hits: verdict.Hits}
		r.cancel()
	case intake.Deferred:
		r.outcome.Deferred++
	default:
		r.outcome.Checked++
	}
}

func (r *itemRun) result() crawler.ItemOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outcome
	indexes := make([]int, 0, len(r.matched))
	for idx := range r.matched {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out.Matched = make([]crawler.AttachmentHit, 0, len(indexes))
	for _, idx := range indexes {
		out.Matched = append(out.Matched, r.matched[idx])
	}
	return out
}
