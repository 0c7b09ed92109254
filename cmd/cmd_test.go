package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/app"
	"github.com/JakeFAU/tenderscan/internal/config"
	"github.com/JakeFAU/tenderscan/internal/crawler"
	"github.com/JakeFAU/tenderscan/internal/intake"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeWorkbook(t *testing.T, dir, name, text string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", text))
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestCheckReportsHitsPerFile(t *testing.T) {
	dir := t.TempDir()
	hit := writeWorkbook(t, dir, "prices.xlsx", "ურდული DN100")
	miss := writeWorkbook(t, dir, "other.xlsx", "ბეტონის ფილა")

	out, err := run(t, "check", hit, miss, filepath.Join(dir, "gone.pdf"), "--kw", "სარქველი, ურდული", "--log", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "HIT  prices.xlsx\n")
	assert.Contains(t, out, "OK   other.xlsx\n")
	assert.Contains(t, out, "MISSING  gone.pdf\n")
}

func TestCheckNeedsFiles(t *testing.T) {
	_, err := run(t, "check")
	require.Error(t, err)
}

func TestAnalyzeWritesMatches(t *testing.T) {
	dir := t.TempDir()
	hit := writeWorkbook(t, dir, "a.xlsx", "მიწოდება: დანისებრი სარქველი")
	miss := writeWorkbook(t, dir, "b.xlsx", "ბეტონის ფილა")

	input := filepath.Join(dir, "tenders.json")
	raw, err := json.Marshal([]map[string]any{
		{"tender_id": "SPA1", "files": []string{hit, filepath.Join(dir, "missing.pdf")}},
		{"tender_id": "SPA2", "files": []string{miss}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(input, raw, 0o600))
	output := filepath.Join(dir, "parsed.json")

	out, err := run(t, "analyze", "--input", input, "--output", output, "--log", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 2 tenders matched")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var reports []crawler.ItemReport
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "SPA1", reports[0].ItemID)
	require.Len(t, reports[0].MatchedAttachments, 1)
	assert.Equal(t, hit, reports[0].MatchedAttachments[0].Identifier)
	assert.Equal(t, 100, reports[0].MatchedAttachments[0].Hits["დანისებრი სარქველი"])
}

func TestAnalyzeRequiresInput(t *testing.T) {
	_, err := run(t, "analyze")
	require.ErrorContains(t, err, "input")
}

type fakeApp struct {
	maxPages int
	reset    bool
	result   app.Result
	err      error
	closed   bool
}

func (f *fakeApp) Crawl(_ context.Context, maxPages int, reset bool) (app.Result, error) {
	f.maxPages = maxPages
	f.reset = reset
	return f.result, f.err
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func stubApp(t *testing.T, fake *fakeApp) *config.Config {
	t.Helper()
	var got config.Config
	orig := buildApp
	buildApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (crawlApp, error) {
		got = cfg
		return fake, nil
	}
	t.Cleanup(func() { buildApp = orig })
	return &got
}

func TestCrawlAppliesFlags(t *testing.T) {
	fake := &fakeApp{result: app.Result{RunID: "r", Hits: []string{"SPA1", "SPA2"}}}
	got := stubApp(t, fake)
	output := filepath.Join(t.TempDir(), "ids.json")

	out, err := run(t, "crawl", "--max-pages", "3", "--output", output, "--reset-cache", "--no-headless", "--log", "error")
	require.NoError(t, err)
	assert.Equal(t, 3, fake.maxPages)
	assert.True(t, fake.reset)
	assert.True(t, fake.closed)
	assert.Equal(t, output, got.Output.Path)
	assert.False(t, got.Portal.Headless)
	assert.Contains(t, out, "2 relevant tenders written to "+output)
}

func TestCrawlInterruptedIsNotAnError(t *testing.T) {
	fake := &fakeApp{err: context.Canceled}
	stubApp(t, fake)

	_, err := run(t, "crawl", "--log", "error")
	require.NoError(t, err)
	assert.True(t, fake.closed)
}

func TestCrawlFailurePropagates(t *testing.T) {
	fake := &fakeApp{err: crawler.ErrPortalUnavailable}
	stubApp(t, fake)

	_, err := run(t, "crawl", "--log", "error")
	require.ErrorIs(t, err, crawler.ErrPortalUnavailable)
}

func TestCrawlBuildFailure(t *testing.T) {
	orig := buildApp
	buildApp = func(context.Context, config.Config, *zap.Logger) (crawlApp, error) {
		return nil, errors.New("no browser")
	}
	t.Cleanup(func() { buildApp = orig })

	_, err := run(t, "crawl", "--log", "error")
	require.ErrorContains(t, err, "no browser")
}

func TestBadConfigFileFails(t *testing.T) {
	_, err := run(t, "check", "x.pdf", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestSplitKeywords(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b c"}, splitKeywords(" a, ,b c,"))
	assert.Nil(t, splitKeywords(" , "))
}

func TestCheckStatusKeepsDeferralsApart(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HIT", checkStatus(intake.Verdict{Outcome: intake.Hit}))
	assert.Equal(t, "SKIP", checkStatus(intake.Verdict{Outcome: intake.Deferred}))
	assert.Equal(t, "OK ", checkStatus(intake.Verdict{Outcome: intake.NoHit}))
}
