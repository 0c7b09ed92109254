package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tenderscan/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors: runs,
// pages, items by outcome and attachment downloads by format.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pagesDone    prometheus.Counter
	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram

	attachments        *prometheus.CounterVec
	attachmentBytes    *prometheus.CounterVec
	attachmentDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenderscan_runs_started_total",
			Help: "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenderscan_runs_completed_total",
			Help: "Crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tenderscan_runs_active",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenderscan_run_duration_seconds",
			Help:    "Wall time per crawl run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		pagesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenderscan_pages_completed_total",
			Help: "Listing pages fully processed and checkpointed.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenderscan_items_total",
			Help: "Items checked partitioned by outcome.",
		}, []string{"outcome"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenderscan_item_duration_seconds",
			Help:    "Time spent checking one item.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenderscan_attachments_total",
			Help: "Attachments processed partitioned by format and outcome.",
		}, []string{"format", "outcome"}),
		attachmentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenderscan_attachment_bytes_total",
			Help: "Attachment bytes downloaded partitioned by format.",
		}, []string{"format"}),
		attachmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenderscan_attachment_duration_seconds",
			Help:    "Download plus evaluation time per attachment.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.pagesDone,
		s.items,
		s.itemDuration,
		s.attachments,
		s.attachmentBytes,
		s.attachmentDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			s.handleRunEvent(evt)
		case progress.StagePageDone:
			s.pagesDone.Inc()
		case progress.StageItemDone:
			s.items.WithLabelValues(evt.Outcome).Inc()
			if evt.Dur > 0 {
				s.itemDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageAttachmentDone:
			s.handleAttachmentEvent(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	if evt.Stage == progress.StageRunStart {
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
		return
	}
	result := "success"
	if evt.Stage == progress.StageRunError {
		result = "error"
	}
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) handleAttachmentEvent(evt progress.Event) {
	format := evt.Format
	if format == "" {
		format = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.attachments.WithLabelValues(format, evt.Outcome).Inc()
	if evt.Bytes > 0 {
		s.attachmentBytes.WithLabelValues(format).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.attachmentDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
