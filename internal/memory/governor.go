// Package memory implements cooperative memory backpressure. The Governor
// compares resident memory against a warning and a critical threshold,
// triggers reclamation and tells callers whether new work may start.
package memory

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/metrics"
)

// Budget holds the thresholds enforced by a Governor.
type Budget struct {
	WarningBytes    uint64
	CriticalBytes   uint64
	ReclaimInterval time.Duration
}

// DefaultBudget mirrors the shipped configuration: 1000 MB warning, 1500 MB
// critical, reclaim at most once a minute between the two.
func DefaultBudget() Budget {
	return Budget{
		WarningBytes:    1000 << 20,
		CriticalBytes:   1500 << 20,
		ReclaimInterval: time.Minute,
	}
}

// Validate rejects inconsistent thresholds.
func (b Budget) Validate() error {
	if b.CriticalBytes == 0 {
		return fmt.Errorf("critical threshold must be positive")
	}
	if b.WarningBytes > b.CriticalBytes {
		return fmt.Errorf("warning threshold %d exceeds critical threshold %d", b.WarningBytes, b.CriticalBytes)
	}
	if b.ReclaimInterval < 0 {
		return fmt.Errorf("reclaim interval must be >= 0")
	}
	return nil
}

// UsageReader returns the current resident memory in bytes.
type UsageReader func() (uint64, error)

// Option customizes a Governor.
type Option func(*Governor)

// WithUsageReader overrides how resident memory is measured.
func WithUsageReader(read UsageReader) Option {
	return func(g *Governor) {
		if read != nil {
			g.read = read
		}
	}
}

// WithReclaimer overrides the reclamation routine.
func WithReclaimer(reclaim func()) Option {
	return func(g *Governor) {
		if reclaim != nil {
			g.reclaim = reclaim
		}
	}
}

// WithClock overrides the time source used for rate limiting.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Governor is safe for concurrent use by the download workers of an item.
type Governor struct {
	budget  Budget
	read    UsageReader
	reclaim func()
	now     func() time.Time
	logger  *zap.Logger

	mu            sync.Mutex
	lastReclaimAt time.Time
}

// NewGovernor validates the budget and returns a Governor reading RSS from
// procfs.
func NewGovernor(budget Budget, opts ...Option) (*Governor, error) {
	if err := budget.Validate(); err != nil {
		return nil, fmt.Errorf("memory budget: %w", err)
	}
	g := &Governor{
		budget:  budget,
		read:    ReadRSS,
		reclaim: freeMemory,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Admit reports whether a new unit of memory-heavy work may start. Above the
// critical threshold it reclaims and refuses; between the thresholds it
// reclaims at most once per interval and admits.
func (g *Governor) Admit() bool {
	usage := g.Usage()
	switch {
	case usage >= g.budget.CriticalBytes:
		g.logger.Warn("memory above critical threshold, deferring work",
			zap.Uint64("rss_bytes", usage),
			zap.Uint64("critical_bytes", g.budget.CriticalBytes),
		)
		g.reclaimNow("critical")
		metrics.ObserveAdmission(false)
		return false
	case usage >= g.budget.WarningBytes:
		if g.claimInterval() {
			g.logger.Info("memory above warning threshold, reclaiming",
				zap.Uint64("rss_bytes", usage),
				zap.Uint64("warning_bytes", g.budget.WarningBytes),
			)
			g.reclaim()
			metrics.ObserveReclaim("warning")
		}
	}
	metrics.ObserveAdmission(true)
	return true
}

// Reclaim forces a reclamation pass and records its time.
func (g *Governor) Reclaim() {
	g.reclaimNow("forced")
}

// Usage returns the current resident memory in bytes, or 0 when it cannot be
// measured.
func (g *Governor) Usage() uint64 {
	usage, err := g.read()
	if err != nil {
		g.logger.Debug("read resident memory", zap.Error(err))
		return 0
	}
	metrics.SetMemoryUsage(usage)
	return usage
}

// LastReclaim returns when reclamation last ran.
func (g *Governor) LastReclaim() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReclaimAt
}

func (g *Governor) reclaimNow(trigger string) {
	g.mu.Lock()
	g.lastReclaimAt = g.now()
	g.mu.Unlock()
	g.reclaim()
	metrics.ObserveReclaim(trigger)
}

// claimInterval records a reclaim and returns true when the interval since
// the previous one has elapsed.
func (g *Governor) claimInterval() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.lastReclaimAt.IsZero() && now.Sub(g.lastReclaimAt) < g.budget.ReclaimInterval {
		return false
	}
	g.lastReclaimAt = now
	return true
}

// ReadRSS reads the resident set size of the current process from procfs and
// falls back to the Go runtime's view of obtained memory.
func ReadRSS() (uint64, error) {
	if proc, err := procfs.Self(); err == nil {
		if stat, statErr := proc.Stat(); statErr == nil && stat.ResidentMemory() > 0 {
			return uint64(stat.ResidentMemory()), nil
		}
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Sys, nil
}

func freeMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
