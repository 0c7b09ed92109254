package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/progress"
)

// ErrPortalUnavailable wraps failures of the portal that abort a run.
var ErrPortalUnavailable = errors.New("portal unavailable")

// ErrStateStore wraps failures to load or checkpoint crawl state.
var ErrStateStore = errors.New("crawl state store failure")

// CoordinatorConfig holds the collaborators of a Coordinator.
type CoordinatorConfig struct {
	RunID     string
	Portal    Portal
	Store     StateStore
	Checker   ItemChecker
	Publisher Publisher
	Progress  progress.Emitter
	Clock     Clock
	Logger    *zap.Logger
}

// Status is a point-in-time view of a running crawl.
type Status struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	Page        int       `json:"page"`
	CurrentItem string    `json:"current_item,omitempty"`
	Visited     int       `json:"visited"`
	Hits        int       `json:"hits"`
	Processed   int       `json:"processed"`
	Skipped     int       `json:"skipped"`
	Deferred    int       `json:"deferred"`
	Running     bool      `json:"running"`
}

// Coordinator drives pages and items strictly in order, delegating each
// unvisited item to the ItemChecker and checkpointing at page boundaries.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger *zap.Logger

	mu      sync.RWMutex
	state   CrawlState
	status  Status
	reports []ItemReport
}

// NewCoordinator validates collaborators and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Portal == nil {
		return nil, fmt.Errorf("portal is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Checker == nil {
		return nil, fmt.Errorf("item checker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", cfg.RunID)),
		state:  NewCrawlState(),
		status: Status{RunID: cfg.RunID},
	}, nil
}

// Run crawls up to pageLimit pages (0 means unbounded) and returns the sorted
// ids of every item that hit, prior runs included. State is checkpointed on
// every exit path.
func (c *Coordinator) Run(ctx context.Context, pageLimit int) (hits []string, err error) {
	loaded, err := c.cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrStateStore, err)
	}
	c.mu.Lock()
	c.state = loaded.Clone()
	c.status.StartedAt = c.now()
	c.status.Running = true
	c.status.Visited = len(c.state.Visited)
	c.status.Hits = len(c.state.Hits)
	c.mu.Unlock()

	c.logger.Info("crawl started",
		zap.Int("page_limit", pageLimit),
		zap.Int("visited", len(loaded.Visited)),
		zap.Int("prior_hits", len(loaded.Hits)),
	)
	c.emit(progress.Event{Stage: progress.StageRunStart})
	start := time.Now()

	defer func() {
		// Checkpoint even if the run was canceled; the save must outlive ctx.
		if saveErr := c.checkpoint(context.WithoutCancel(ctx)); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		c.mu.Lock()
		c.status.Running = false
		c.status.CurrentItem = ""
		hits = c.state.SortedHits()
		c.mu.Unlock()

		evt := progress.Event{Stage: progress.StageRunDone, Dur: time.Since(start)}
		if err != nil {
			evt.Stage = progress.StageRunError
			evt.Note = err.Error()
		}
		c.emit(evt)
		c.logger.Info("crawl finished",
			zap.Int("hits", len(hits)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}()

	return nil, c.crawlPages(ctx, pageLimit)
}

func (c *Coordinator) crawlPages(ctx context.Context, pageLimit int) error {
	for page := 0; pageLimit <= 0 || page < pageLimit; page++ {
		c.setPage(page)
		pageStart := time.Now()

		items, err := c.cfg.Portal.ListPage(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("list page %d: %w", page, ctx.Err())
			}
			return fmt.Errorf("%w: list page %d: %w", ErrPortalUnavailable, page, err)
		}
		c.logger.Info("page loaded", zap.Int("page", page), zap.Int("items", len(items)))

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("crawl interrupted: %w", err)
			}
			if err := c.processItem(ctx, item); err != nil {
				return err
			}
		}

		if err := c.checkpoint(ctx); err != nil {
			return err
		}
		c.emit(progress.Event{Stage: progress.StagePageDone, Page: page, Dur: time.Since(pageStart)})

		if pageLimit > 0 && page+1 >= pageLimit {
			c.logger.Info("page limit reached", zap.Int("page_limit", pageLimit))
			return nil
		}
		more, err := c.cfg.Portal.AdvancePage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("advance page: %w", ctx.Err())
			}
			return fmt.Errorf("%w: advance from page %d: %w", ErrPortalUnavailable, page, err)
		}
		if !more {
			c.logger.Info("no further pages", zap.Int("last_page", page))
			return nil
		}
	}
	return nil
}

func (c *Coordinator) processItem(ctx context.Context, item ListingItem) error {
	logger := c.logger.With(zap.String("item_id", item.ID))
	if item.ID == "" {
		logger.Warn("skipping item without id")
		return nil
	}
	if c.isVisited(item.ID) {
		c.mu.Lock()
		c.status.Skipped++
		c.mu.Unlock()
		logger.Debug("item already visited")
		return nil
	}

	c.setCurrent(item.ID)
	defer c.setCurrent("")
	c.emit(progress.Event{Stage: progress.StageItemStart, ItemID: item.ID})
	itemStart := time.Now()

	if item.Lazy {
		resolver, ok := c.cfg.Portal.(AttachmentResolver)
		if !ok {
			return fmt.Errorf("item %s needs attachment resolution but portal cannot resolve", item.ID)
		}
		refs, err := resolver.ResolveAttachments(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("resolve attachments: %w", ctx.Err())
			}
			// Left unvisited so a later run retries it.
			logger.Warn("attachment resolution failed", zap.Error(err))
			return nil
		}
		item.Attachments = refs
		item.Lazy = false
	}

	outcome, err := c.cfg.Checker.FetchAndCheck(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("check item %s: %w", item.ID, ctx.Err())
		}
		logger.Warn("item check failed", zap.Error(err))
		return nil
	}

	c.record(ctx, item, outcome, logger)
	c.emit(progress.Event{
		Stage:   progress.StageItemDone,
		ItemID:  item.ID,
		Outcome: outcomeLabel(outcome),
		Dur:     time.Since(itemStart),
	})
	return nil
}

func (c *Coordinator) record(ctx context.Context, item ListingItem, outcome ItemOutcome, logger *zap.Logger) {
	c.mu.Lock()
	c.status.Processed++
	switch {
	case outcome.Hit:
		c.state.MarkVisited(item.ID, true)
		c.reports = append(c.reports, ItemReport{ItemID: item.ID, MatchedAttachments: outcome.Matched})
	case outcome.Deferred > 0:
		// Some attachments were never evaluated; keep the item pending.
		c.status.Deferred++
	default:
		c.state.MarkVisited(item.ID, false)
	}
	c.status.Visited = len(c.state.Visited)
	c.status.Hits = len(c.state.Hits)
	c.mu.Unlock()

	switch {
	case outcome.Hit:
		logger.Info("item hit", zap.Int("matched_attachments", len(outcome.Matched)))
		c.publish(ctx, ItemReport{ItemID: item.ID, MatchedAttachments: outcome.Matched}, logger)
	case outcome.Deferred > 0:
		logger.Warn("item deferred under memory pressure",
			zap.Int("deferred", outcome.Deferred),
			zap.Int("checked", outcome.Checked),
		)
	default:
		logger.Info("item no hit",
			zap.Int("checked", outcome.Checked),
			zap.Int("failed", outcome.Failed),
		)
	}
}

func (c *Coordinator) publish(ctx context.Context, report ItemReport, logger *zap.Logger) {
	if c.cfg.Publisher == nil {
		return
	}
	id, err := c.cfg.Publisher.Publish(ctx, report)
	if err != nil {
		logger.Warn("publish hit failed", zap.Error(err))
		return
	}
	logger.Debug("hit published", zap.String("message_id", id))
}

func (c *Coordinator) checkpoint(ctx context.Context) error {
	c.mu.RLock()
	snapshot := c.state.Clone()
	c.mu.RUnlock()
	if err := c.cfg.Store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrStateStore, err)
	}
	c.logger.Debug("checkpoint written",
		zap.Int("visited", len(snapshot.Visited)),
		zap.Int("hits", len(snapshot.Hits)),
	)
	return nil
}

// Reports returns the result records of items that hit during this run.
func (c *Coordinator) Reports() []ItemReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ItemReport(nil), c.reports...)
}

// Status returns a snapshot of the crawl progress.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Coordinator) isVisited(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.IsVisited(id)
}

func (c *Coordinator) setPage(page int) {
	c.mu.Lock()
	c.status.Page = page
	c.mu.Unlock()
}

func (c *Coordinator) setCurrent(id string) {
	c.mu.Lock()
	c.status.CurrentItem = id
	c.mu.Unlock()
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.cfg.Progress == nil {
		return
	}
	evt.RunID = c.cfg.RunID
	evt.TS = c.now()
	c.cfg.Progress.Emit(evt)
}

func (c *Coordinator) now() time.Time {
	if c.cfg.Clock != nil {
		return c.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func outcomeLabel(outcome ItemOutcome) string {
	switch {
	case outcome.Hit:
		return progress.OutcomeHit
	case outcome.Deferred > 0:
		return progress.OutcomeDeferred
	default:
		return progress.OutcomeNoHit
	}
}
