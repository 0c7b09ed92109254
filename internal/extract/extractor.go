// Package extract turns attachment bytes into plain text. PDFs go through an
// ordered chain of strategies (embedded text, pdftotext, OCR); spreadsheets
// are serialized row by row. Extraction never fails: a document that cannot
// be decoded yields empty text.
package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/metrics"
)

const (
	defaultMinTextChars      = 50
	defaultSubprocessTimeout = 60 * time.Second
	defaultOCRDPI            = 300
	defaultOCRLanguages      = "kat+eng"
)

// Config tunes the extractor.
type Config struct {
	// MinBytes is the smallest input worth decoding; 0-byte input is always skipped.
	MinBytes int
	// MinTextChars is the acceptance bar for a PDF strategy's output.
	MinTextChars      int
	SubprocessTimeout time.Duration
	OCRDPI            int
	OCRLanguages      string
	PdftotextBin      string
	PdftoppmBin       string
	TesseractBin      string
	// TempDir hosts scoped temp files; empty means os.TempDir().
	TempDir string
}

func (c Config) withDefaults() Config {
	if c.MinTextChars <= 0 {
		c.MinTextChars = defaultMinTextChars
	}
	if c.SubprocessTimeout <= 0 {
		c.SubprocessTimeout = defaultSubprocessTimeout
	}
	if c.OCRDPI <= 0 {
		c.OCRDPI = defaultOCRDPI
	}
	if c.OCRLanguages == "" {
		c.OCRLanguages = defaultOCRLanguages
	}
	if c.PdftotextBin == "" {
		c.PdftotextBin = "pdftotext"
	}
	if c.PdftoppmBin == "" {
		c.PdftoppmBin = "pdftoppm"
	}
	if c.TesseractBin == "" {
		c.TesseractBin = "tesseract"
	}
	return c
}

// Reclaimer releases memory between strategies.
type Reclaimer interface {
	Reclaim()
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithStrategies replaces the PDF strategy chain.
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Extractor) {
		e.pdfChain = append([]Strategy(nil), strategies...)
	}
}

// WithReclaimer runs r after every PDF strategy.
func WithReclaimer(r Reclaimer) Option {
	return func(e *Extractor) {
		e.reclaimer = r
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Extractor holds no per-document state, so repeated calls on the same
// input return the same text.
type Extractor struct {
	cfg       Config
	pdfChain  []Strategy
	reclaimer Reclaimer
	logger    *zap.Logger
}

// New builds an Extractor with the default PDF chain.
func New(cfg Config, opts ...Option) *Extractor {
	cfg = cfg.withDefaults()
	e := &Extractor{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	e.pdfChain = DefaultPDFChain(cfg, ExecRunner)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultPDFChain returns native, pdftotext and OCR strategies in that order.
func DefaultPDFChain(cfg Config, run CommandRunner) []Strategy {
	cfg = cfg.withDefaults()
	return []Strategy{
		NativePDF{},
		LayoutTool{Bin: cfg.PdftotextBin, Timeout: cfg.SubprocessTimeout, Run: run},
		OCR{
			RasterBin:    cfg.PdftoppmBin,
			TesseractBin: cfg.TesseractBin,
			DPI:          cfg.OCRDPI,
			Languages:    cfg.OCRLanguages,
			TempDir:      cfg.TempDir,
			Run:          run,
		},
	}
}

// MissingTools lists configured external binaries not found on PATH.
func MissingTools(cfg Config) []string {
	cfg = cfg.withDefaults()
	var missing []string
	for _, bin := range []string{cfg.PdftotextBin, cfg.PdftoppmBin, cfg.TesseractBin} {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

// Extract returns the plain text of data interpreted as format. It returns
// "" for empty or undersized input, unknown formats and undecodable files.
func (e *Extractor) Extract(ctx context.Context, data []byte, format Format) string {
	if len(data) == 0 || len(data) < e.cfg.MinBytes {
		return ""
	}
	switch format {
	case FormatPDF:
		return e.extractPDF(ctx, data)
	case FormatXLSX:
		return e.extractSheet(format, data, readXLSX)
	case FormatXLS:
		return e.extractSheet(format, data, readXLS)
	default:
		return ""
	}
}

// ExtractFile is Extract for a document already on disk. PDF strategies read
// path directly instead of staging a copy.
func (e *Extractor) ExtractFile(ctx context.Context, path string, format Format) string {
	info, err := os.Stat(path)
	if err != nil {
		e.logger.Warn("stat document", zap.String("path", path), zap.Error(err))
		return ""
	}
	if info.Size() == 0 || info.Size() < int64(e.cfg.MinBytes) {
		return ""
	}
	switch format {
	case FormatPDF:
		return e.runPDFChain(ctx, path)
	case FormatXLSX, FormatXLS:
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("read document", zap.String("path", path), zap.Error(err))
			return ""
		}
		if format == FormatXLSX {
			return e.extractSheet(format, data, readXLSX)
		}
		return e.extractSheet(format, data, readXLS)
	default:
		return ""
	}
}

func (e *Extractor) extractSheet(format Format, data []byte, read func([]byte) (string, error)) string {
	start := time.Now()
	text, err := read(data)
	if err != nil {
		e.logger.Warn("spreadsheet extraction failed", zap.String("format", string(format)), zap.Error(err))
		metrics.ObserveExtraction(string(format), "sheet", OutcomeFailed.String(), time.Since(start))
		return ""
	}
	metrics.ObserveExtraction(string(format), "sheet", OutcomeText.String(), time.Since(start))
	return text
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) string {
	path, cleanup, err := e.spill(data)
	if err != nil {
		e.logger.Warn("stage pdf for extraction", zap.Error(err))
		return ""
	}
	defer cleanup()
	return e.runPDFChain(ctx, path)
}

func (e *Extractor) runPDFChain(ctx context.Context, path string) string {
	for _, strategy := range e.pdfChain {
		if ctx.Err() != nil {
			return ""
		}
		out := e.runStrategy(ctx, strategy, path)
		if out.Kind == OutcomeText {
			return out.Text
		}
	}
	return ""
}

func (e *Extractor) runStrategy(ctx context.Context, strategy Strategy, path string) Outcome {
	start := time.Now()
	out := settle(strategy.Extract(ctx, path), e.cfg.MinTextChars)
	if e.reclaimer != nil {
		e.reclaimer.Reclaim()
	}
	metrics.ObserveExtraction(string(FormatPDF), strategy.Name(), out.Kind.String(), time.Since(start))

	fields := []zap.Field{
		zap.String("strategy", strategy.Name()),
		zap.String("outcome", out.Kind.String()),
		zap.Duration("elapsed", time.Since(start)),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	e.logger.Debug("pdf strategy finished", fields...)
	return out
}

// spill stages in-memory input for the path-based strategies; the returned
// cleanup removes it.
func (e *Extractor) spill(data []byte) (string, func(), error) {
	tmp, err := os.CreateTemp(e.cfg.TempDir, "tenderscan-*.pdf")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	path := tmp.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return path, cleanup, nil
}
