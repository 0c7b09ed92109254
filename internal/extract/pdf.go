package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	pdflib "github.com/ledongthuc/pdf"
)

// NativePDF reads embedded text with the pure Go PDF decoder.
type NativePDF struct{}

// Name implements Strategy.
func (NativePDF) Name() string { return "native" }

// Extract implements Strategy. The decoder panics on some malformed files;
// that is reported as a failed outcome.
func (NativePDF) Extract(ctx context.Context, path string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("pdf decoder panic: %v", r)}
		}
	}()

	f, reader, err := pdflib.Open(path)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("open pdf: %w", err)}
	}
	defer f.Close()

	var buf strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeFailed, Err: err}
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(text)
	}
	return textOutcome(buf.String(), nil)
}

// LayoutTool shells out to pdftotext with layout preservation under a hard
// timeout.
type LayoutTool struct {
	Bin     string
	Timeout time.Duration
	Run     CommandRunner
}

// Name implements Strategy.
func (LayoutTool) Name() string { return "pdftotext" }

// Extract implements Strategy.
func (t LayoutTool) Extract(ctx context.Context, path string) Outcome {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultSubprocessTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := t.Run(ctx, t.Bin, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return textOutcome(string(out), nil)
}

// OCR rasterizes every page with pdftoppm and recognizes it with tesseract.
// Pages are joined with newlines.
type OCR struct {
	RasterBin    string
	TesseractBin string
	DPI          int
	Languages    string
	TempDir      string
	Run          CommandRunner
}

// Name implements Strategy.
func (OCR) Name() string { return "ocr" }

// Extract implements Strategy.
func (o OCR) Extract(ctx context.Context, path string) Outcome {
	dir, err := os.MkdirTemp(o.TempDir, "tenderscan-ocr-*")
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("create ocr dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	dpi := o.DPI
	if dpi <= 0 {
		dpi = defaultOCRDPI
	}
	prefix := filepath.Join(dir, "page")
	if _, err := o.Run(ctx, o.RasterBin, "-r", strconv.Itoa(dpi), "-png", path, prefix); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("rasterize: %w", err)}
	}
	pages, err := filepath.Glob(prefix + "*.png")
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("list pages: %w", err)}
	}
	sortPages(pages)

	texts := make([]string, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeFailed, Err: err}
		}
		out, err := o.Run(ctx, o.TesseractBin, page, "stdout", "-l", o.Languages, "--psm", "6")
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("recognize %s: %w", filepath.Base(page), err)}
		}
		texts = append(texts, string(out))
	}
	return textOutcome(strings.Join(texts, "\n"), nil)
}

// sortPages orders pdftoppm output (page-1.png, page-2.png, ... page-10.png)
// by page number.
func sortPages(pages []string) {
	num := func(p string) int {
		base := strings.TrimSuffix(filepath.Base(p), ".png")
		idx := strings.LastIndexByte(base, '-')
		n, err := strconv.Atoi(base[idx+1:])
		if err != nil {
			return 0
		}
		return n
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return num(pages[i]) < num(pages[j])
	})
}
