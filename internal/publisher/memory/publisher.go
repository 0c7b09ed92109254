// Package memory contains an in-memory hit publisher.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

// Publisher stores published reports for inspection.
type Publisher struct {
	mu      sync.RWMutex
	reports []crawler.ItemReport
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the report and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, report crawler.ItemReport) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
	return fmt.Sprintf("memory-%d", len(p.reports)), nil
}

// Reports returns the recorded reports.
func (p *Publisher) Reports() []crawler.ItemReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.ItemReport, len(p.reports))
	copy(out, p.reports)
	return out
}
