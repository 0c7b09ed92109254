// Package app builds the crawl's collaborators from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http/cookiejar"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/api"
	"github.com/JakeFAU/tenderscan/internal/clock/system"
	"github.com/JakeFAU/tenderscan/internal/config"
	"github.com/JakeFAU/tenderscan/internal/crawler"
	"github.com/JakeFAU/tenderscan/internal/download"
	collyfetcher "github.com/JakeFAU/tenderscan/internal/fetcher/colly"
	"github.com/JakeFAU/tenderscan/internal/hash/sha256"
	"github.com/JakeFAU/tenderscan/internal/id/uuid"
	"github.com/JakeFAU/tenderscan/internal/policy/ratelimit"
	"github.com/JakeFAU/tenderscan/internal/progress"
	progresssinks "github.com/JakeFAU/tenderscan/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/tenderscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/tenderscan/internal/publisher/pubsub"
	"github.com/JakeFAU/tenderscan/internal/report"
	"github.com/JakeFAU/tenderscan/internal/state"
	pgstate "github.com/JakeFAU/tenderscan/internal/state/postgres"
	gcsstorage "github.com/JakeFAU/tenderscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tenderscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/tenderscan/internal/storage/memory"
)

const recentEvents = 200

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	portal     crawler.Portal
	idGen      crawler.IDGenerator
	clock      crawler.Clock
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithPortal replaces the configured portal adapter.
func WithPortal(p crawler.Portal) Option {
	return func(o *buildOptions) { o.portal = p }
}

// WithIDGenerator overrides how the run id is produced.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *buildOptions) { o.idGen = g }
}

// WithClock overrides the time source for events.
func WithClock(c crawler.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// App contains the crawl's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	coordinator *crawler.Coordinator
	store       crawler.StateStore
	hub         *progress.Hub
	recent      *progresssinks.RecentSink
	reporter    crawler.Reporter
	publisher   crawler.Publisher

	closers []func(context.Context) error
}

// Result summarizes a finished crawl.
type Result struct {
	RunID   string
	Hits    []string
	Reports []crawler.ItemReport
	Status  crawler.Status
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{
		registerer: prometheus.DefaultRegisterer,
		idGen:      uuid.New(),
		clock:      system.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	runID, err := o.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	a := &App{cfg: cfg, logger: logger.With(zap.String("run_id", runID)), runID: runID}
	defer func() {
		if err != nil {
			if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
				a.logger.Warn("cleanup after failed build", zap.Error(closeErr))
			}
		}
	}()
	a.logger.Info("building application dependencies")

	evaluator, err := NewEvaluator(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	if err = a.setupProgress(o.registerer); err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	fetcher := ratelimit.Wrap(
		collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Download.UserAgent,
			Timeout:     cfg.Download.Timeout(),
			MaxBodySize: cfg.Download.MaxFileBytes,
			Jar:         jar,
		}),
		ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Download.RequestsPerSecond,
			Burst:             cfg.Download.Burst,
		}),
	)
	initial, maxDelay := cfg.Download.Backoff()
	policy := crawler.NewExponentialRetryPolicy(cfg.Download.MaxRetries, initial, maxDelay)

	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	downloadOpts := []download.Option{
		download.WithRetryPolicy(policy),
		download.WithProgress(a.hub),
		download.WithClock(o.clock),
		download.WithLogger(a.logger.Named("download")),
	}
	if archive != nil {
		downloadOpts = append(downloadOpts, download.WithArchive(archive, sha256.New()))
	}
	checker, err := download.New(fetcher, evaluator, download.Config{
		RunID:       runID,
		MaxParallel: cfg.Download.MaxParallel,
		WorkDir:     cfg.Download.WorkDir,
		Headers:     cfg.Portal.Headers,
	}, downloadOpts...)
	if err != nil {
		return nil, fmt.Errorf("download coordinator: %w", err)
	}

	portal := o.portal
	if portal == nil {
		portal, err = newPortal(cfg.Portal, cfg.Download.UserAgent, fetcher, policy, jar, a.logger.Named("portal"))
		if err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, func(context.Context) error { return portal.Close() })

	if err = a.setupState(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if cfg.Output.ReportPath != "" {
		if a.reporter, err = report.NewFileReporter(cfg.Output.ReportPath); err != nil {
			return nil, err
		}
	}

	a.coordinator, err = crawler.NewCoordinator(crawler.CoordinatorConfig{
		RunID:     runID,
		Portal:    portal,
		Store:     a.store,
		Checker:   checker,
		Publisher: a.publisher,
		Progress:  a.hub,
		Clock:     o.clock,
		Logger:    a.logger.Named("crawler"),
	})
	if err != nil {
		return nil, fmt.Errorf("crawl coordinator: %w", err)
	}
	return a, nil
}

// RunID identifies this crawl in events, archive paths and notifications.
func (a *App) RunID() string {
	return a.runID
}

// Crawl runs one crawl. The hit ids are written to output.path even when the
// crawl stops early, so an interrupted run still reports what it found.
func (a *App) Crawl(ctx context.Context, maxPages int, resetState bool) (Result, error) {
	if resetState {
		if err := a.store.Reset(ctx); err != nil {
			return Result{}, fmt.Errorf("reset crawl state: %w", err)
		}
		a.logger.Info("crawl state reset")
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	serverDone := a.startServer(serverCtx)
	defer func() {
		stopServer()
		<-serverDone
	}()

	hits, runErr := a.coordinator.Run(ctx, maxPages)
	res := Result{
		RunID:   a.runID,
		Hits:    hits,
		Reports: a.coordinator.Reports(),
		Status:  a.coordinator.Status(),
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := report.WriteIDs(a.cfg.Output.Path, hits); err != nil {
		errs = append(errs, err)
	} else {
		a.logger.Info("hit ids written", zap.String("path", a.cfg.Output.Path), zap.Int("hits", len(hits)))
	}
	if a.reporter != nil {
		if err := a.reporter.Write(context.WithoutCancel(ctx), res.Reports); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (a *App) startServer(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if a.cfg.Server.Addr == "" {
		close(done)
		return done
	}
	srv := api.NewServer(a.coordinator, a.recent, a.logger.Named("api"))
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(ctx, a.cfg.Server.Addr); err != nil {
			a.logger.Warn("status server stopped", zap.Error(err))
		}
	}()
	return done
}

// Close releases resources in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	a.recent = progresssinks.NewRecentSink(recentEvents)
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress")),
		a.recent,
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("progress metrics: %w", err)
		}
		a.logger.Debug("progress collectors already registered", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinks...)
	a.closers = append(a.closers, a.hub.Close)
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Kind {
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		a.logger.Info("archiving hits locally", zap.String("dir", store.BaseDir()))
		return store, nil
	case config.ArchiveMemory:
		return memorystorage.NewBlobStore(), nil
	case config.ArchiveGCS:
		store, err := gcsstorage.Connect(ctx, gcsstorage.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("archiving hits to gcs", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupState(ctx context.Context) error {
	switch a.cfg.State.Backend {
	case config.StatePostgres:
		store, err := pgstate.New(ctx, pgstate.Config{
			DSN:      a.cfg.State.DSN,
			Table:    a.cfg.State.Table,
			MaxConns: a.cfg.State.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres state: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres state schema: %w", err)
		}
		a.store = store
	default:
		store, err := state.NewFileStore(a.cfg.State.Dir, a.logger.Named("state"))
		if err != nil {
			return fmt.Errorf("file state: %w", err)
		}
		a.store = store
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Kind {
	case config.PublisherPubSub:
		pub, err := gcppublisher.Connect(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.TopicID, a.runID)
		if err != nil {
			return fmt.Errorf("pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		a.publisher = pub
		a.logger.Info("publishing hits to pubsub",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.TopicID),
		)
	case config.PublisherMemory:
		a.publisher = memorypublisher.New()
	}
	return nil
}
