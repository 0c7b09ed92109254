package intake

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/tenderscan/internal/extract"
	"github.com/JakeFAU/tenderscan/internal/match"
)

type fakeExtractor struct {
	text  string
	calls int
	panic bool
}

func (f *fakeExtractor) Extract(context.Context, []byte, extract.Format) string {
	f.calls++
	if f.panic {
		panic("decoder exploded")
	}
	return f.text
}

func (f *fakeExtractor) ExtractFile(context.Context, string, extract.Format) string {
	f.calls++
	if f.panic {
		panic("decoder exploded")
	}
	return f.text
}

type scorerFunc func(text string, threshold int) match.Result

func (f scorerFunc) Score(text string, threshold int) match.Result { return f(text, threshold) }

type admitFunc func() bool

func (f admitFunc) Admit() bool { return f() }

func newMatcher(t *testing.T) *match.Matcher {
	t.Helper()
	m, err := match.NewMatcher([]string{"თუჯის სარქველი", "ურდული"})
	require.NoError(t, err)
	return m
}

func TestNewPipelineValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(nil, newMatcher(t), nil, 90, nil)
	require.Error(t, err)
	_, err = NewPipeline(&fakeExtractor{}, newMatcher(t), nil, 101, nil)
	require.Error(t, err)
}

func TestEvaluateHit(t *testing.T) {
	t.Parallel()

	ext := &fakeExtractor{text: "მოწოდება: თუჯის სარქველი DN100"}
	p, err := NewPipeline(ext, newMatcher(t), admitFunc(func() bool { return true }), 90, nil)
	require.NoError(t, err)

	v := p.Evaluate(context.Background(), []byte("doc"), extract.FormatPDF)
	assert.True(t, v.Hit())
	assert.Equal(t, match.Result{"თუჯის სარქველი": 100}, v.Hits)
}

func TestEvaluateNoText(t *testing.T) {
	t.Parallel()

	scored := false
	p, err := NewPipeline(&fakeExtractor{}, scorerFunc(func(string, int) match.Result {
		scored = true
		return nil
	}), nil, 90, nil)
	require.NoError(t, err)

	v := p.Evaluate(context.Background(), []byte("doc"), extract.FormatPDF)
	assert.Equal(t, NoHit, v.Outcome)
	assert.False(t, scored)
}

func TestEvaluateDeferredUnderPressure(t *testing.T) {
	t.Parallel()

	ext := &fakeExtractor{text: "ურდული"}
	p, err := NewPipeline(ext, newMatcher(t), admitFunc(func() bool { return false }), 90, nil)
	require.NoError(t, err)

	v := p.Evaluate(context.Background(), []byte("doc"), extract.FormatPDF)
	assert.Equal(t, Deferred, v.Outcome)
	assert.False(t, v.Hit())
	assert.Equal(t, 0, ext.calls, "no extraction attempted")
}

func TestEvaluateRecoversPanics(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(&fakeExtractor{panic: true}, newMatcher(t), nil, 90, nil)
	require.NoError(t, err)
	assert.Equal(t, NoHit, p.Evaluate(context.Background(), []byte("doc"), extract.FormatPDF).Outcome)

	p, err = NewPipeline(&fakeExtractor{text: "ურდული"}, scorerFunc(func(string, int) match.Result {
		panic("index out of range")
	}), nil, 90, nil)
	require.NoError(t, err)
	assert.Equal(t, NoHit, p.Evaluate(context.Background(), []byte("doc"), extract.FormatPDF).Outcome)
}

func TestEvaluateEmptyAttachment(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(extract.New(extract.Config{}), newMatcher(t), nil, 90, nil)
	require.NoError(t, err)
	assert.Equal(t, NoHit, p.Evaluate(context.Background(), nil, extract.FormatPDF).Outcome)
}

func TestEvaluateSpreadsheetEndToEnd(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "ურდული"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", 4))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	p, err := NewPipeline(extract.New(extract.Config{}), newMatcher(t), nil, 90, nil)
	require.NoError(t, err)
	v := p.Evaluate(context.Background(), buf.Bytes(), extract.FormatXLSX)
	assert.True(t, v.Hit())
	assert.Equal(t, 100, v.Hits["ურდული"])
	assert.Equal(t, "hit", v.Outcome.String())
}

func TestEvaluateFileReadsDocumentFromDisk(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "თუჯის სარქველი"))
	path := filepath.Join(t.TempDir(), "prices.xlsx")
	require.NoError(t, f.SaveAs(path))

	p, err := NewPipeline(extract.New(extract.Config{}), newMatcher(t), nil, 90, nil)
	require.NoError(t, err)
	v := p.EvaluateFile(context.Background(), path, extract.FormatXLSX)
	assert.True(t, v.Hit())
	assert.Equal(t, 100, v.Hits["თუჯის სარქველი"])

	require.NoError(t, os.Remove(path))
	assert.Equal(t, NoHit, p.EvaluateFile(context.Background(), path, extract.FormatXLSX).Outcome)
}

func TestEvaluateFileDefersUnderPressure(t *testing.T) {
	t.Parallel()

	ext := &fakeExtractor{text: "ურდული"}
	p, err := NewPipeline(ext, newMatcher(t), admitFunc(func() bool { return false }), 90, nil)
	require.NoError(t, err)
	assert.Equal(t, Deferred, p.EvaluateFile(context.Background(), "unused.pdf", extract.FormatPDF).Outcome)
	assert.Zero(t, ext.calls)
}
