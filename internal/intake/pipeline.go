// Package intake answers "does this document hit?" by gating on the memory
// governor, extracting text and scoring it against the keyword set.
package intake

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/extract"
	"github.com/JakeFAU/tenderscan/internal/match"
	"github.com/JakeFAU/tenderscan/internal/metrics"
)

// Outcome of evaluating one document.
type Outcome int

// Outcomes. Deferred is inconclusive and never a confirmed negative.
const (
	NoHit Outcome = iota
	Hit
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Deferred:
		return "deferred"
	default:
		return "no_hit"
	}
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Outcome Outcome
	Hits    match.Result
}

// Hit reports whether the document matched.
func (v Verdict) Hit() bool {
	return v.Outcome == Hit
}

// TextExtractor converts a document to text, from memory or from disk.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, format extract.Format) string
	ExtractFile(ctx context.Context, path string, format extract.Format) string
}

// Scorer scores text against the keyword set.
type Scorer interface {
	Score(text string, threshold int) match.Result
}

// Admitter gates memory-heavy work.
type Admitter interface {
	Admit() bool
}

// Pipeline composes extraction and matching under memory backpressure.
type Pipeline struct {
	extractor TextExtractor
	scorer    Scorer
	admitter  Admitter
	threshold int
	logger    *zap.Logger
}

// NewPipeline wires the collaborators. admitter may be nil to admit all work.
func NewPipeline(extractor TextExtractor, scorer Scorer, admitter Admitter, threshold int, logger *zap.Logger) (*Pipeline, error) {
	if extractor == nil || scorer == nil {
		return nil, fmt.Errorf("extractor and scorer are required")
	}
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("threshold %d outside 0-100", threshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		extractor: extractor,
		scorer:    scorer,
		admitter:  admitter,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// Evaluate decides whether data hits. Panics from extraction or scoring are
// recovered and reported as NoHit.
func (p *Pipeline) Evaluate(ctx context.Context, data []byte, format extract.Format) Verdict {
	return p.evaluate(format, func() string {
		return p.extractor.Extract(ctx, data, format)
	})
}

// EvaluateFile is Evaluate for a document stored at path.
func (p *Pipeline) EvaluateFile(ctx context.Context, path string, format extract.Format) Verdict {
	return p.evaluate(format, func() string {
		return p.extractor.ExtractFile(ctx, path, format)
	})
}

func (p *Pipeline) evaluate(format extract.Format, extractText func() string) (verdict Verdict) {
	if p.admitter != nil && !p.admitter.Admit() {
		return Verdict{Outcome: Deferred}
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("document evaluation panicked",
				zap.String("format", string(format)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			verdict = Verdict{Outcome: NoHit}
		}
	}()

	text := extractText()
	if text == "" {
		return Verdict{Outcome: NoHit}
	}
	hits := p.scorer.Score(text, p.threshold)
	if len(hits) == 0 {
		return Verdict{Outcome: NoHit}
	}
	for kw := range hits {
		metrics.ObserveKeywordHit(kw)
	}
	return Verdict{Outcome: Hit, Hits: hits}
}
