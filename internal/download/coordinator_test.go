package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tenderscan/internal/crawler"
	"github.com/JakeFAU/tenderscan/internal/extract"
	"github.com/JakeFAU/tenderscan/internal/hash/sha256"
	"github.com/JakeFAU/tenderscan/internal/intake"
	"github.com/JakeFAU/tenderscan/internal/match"
	"github.com/JakeFAU/tenderscan/internal/progress"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error
	bodies   map[string]string
	headers  map[string]http.Header
	delay    map[string]time.Duration
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		calls:    map[string]int{},
		failures: map[string][]error{},
		bodies:   map[string]string{},
		headers:  map[string]http.Header{},
		delay:    map[string]time.Duration{},
	}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	var failure error
	if queue := f.failures[req.URL]; len(queue) > 0 {
		failure = queue[0]
		f.failures[req.URL] = queue[1:]
	}
	delay := f.delay[req.URL]
	body := f.bodies[req.URL]
	headers := f.headers[req.URL]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		var statusErr *crawler.StatusError
		if errors.As(failure, &statusErr) {
			return crawler.FetchResponse{URL: req.URL, StatusCode: statusErr.Code}, failure
		}
		return crawler.FetchResponse{}, failure
	}
	if headers == nil {
		headers = http.Header{}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Headers: headers, Body: []byte(body)}, nil
}

func (f *scriptedFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *scriptedFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type evaluatorFunc func(ctx context.Context, path string, format extract.Format) intake.Verdict

func (f evaluatorFunc) EvaluateFile(ctx context.Context, path string, format extract.Format) intake.Verdict {
	return f(ctx, path, format)
}

// bodyVerdicts hits on files containing "HIT" and defers on "DEFER".
func bodyVerdicts() evaluatorFunc {
	return func(_ context.Context, path string, _ extract.Format) intake.Verdict {
		data, err := os.ReadFile(path)
		if err != nil {
			return intake.Verdict{Outcome: intake.NoHit}
		}
		switch {
		case strings.Contains(string(data), "HIT"):
			return intake.Verdict{Outcome: intake.Hit, Hits: match.Result{"ურდული": 100}}
		case strings.Contains(string(data), "DEFER"):
			return intake.Verdict{Outcome: intake.Deferred}
		default:
			return intake.Verdict{Outcome: intake.NoHit}
		}
	}
}

type recordingStore struct {
	mu    sync.Mutex
	paths []string
}

func (s *recordingStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return "mem://" + path, nil
}

func fastRetry() Option {
	return WithRetryPolicy(crawler.NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond))
}

func refs(urls ...string) []crawler.AttachmentRef {
	out := make([]crawler.AttachmentRef, 0, len(urls))
	for _, u := range urls {
		out = append(out, crawler.AttachmentRef{URL: u})
	}
	return out
}

func newCoordinator(t *testing.T, f crawler.Fetcher, e Evaluator, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	c, err := New(f, e, cfg, append([]Option{fastRetry()}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, bodyVerdicts(), Config{})
	require.Error(t, err)
	_, err = New(newScriptedFetcher(), bodyVerdicts(), Config{}, WithArchive(&recordingStore{}, nil))
	require.Error(t, err)
}

func TestFetchAndCheckNoAttachments(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, newScriptedFetcher(), bodyVerdicts(), Config{})
	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-1"})
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Zero(t, out.Checked)
}

func TestFetchAndCheckFirstHitStopsItem(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/1"] = "HIT"
	for _, u := range []string{"u/2", "u/3", "u/4"} {
		f.bodies[u] = "plain"
	}
	c := newCoordinator(t, f, bodyVerdicts(), Config{MaxParallel: 1})

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{
		ID:          "T-1",
		Attachments: refs("u/1", "u/2", "u/3", "u/4"),
	})
	require.NoError(t, err)
	assert.True(t, out.Hit)
	require.Len(t, out.Matched, 1)
	assert.Equal(t, map[string]int{"ურდული": 100}, out.Matched[0].Hits)
	assert.Equal(t, 1, f.totalCalls(), "remaining attachments are never fetched")
}

func TestFetchAndCheckHitIsNeverOverwritten(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/a"] = "HIT"
	f.bodies["u/b"] = "plain"
	f.delay["u/b"] = 20 * time.Millisecond

	var evaluated atomic.Int32
	eval := func(ctx context.Context, path string, format extract.Format) intake.Verdict {
		evaluated.Add(1)
		return bodyVerdicts()(ctx, path, format)
	}
	c := newCoordinator(t, f, evaluatorFunc(eval), Config{MaxParallel: 2})

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-2", Attachments: refs("u/a", "u/b")})
	require.NoError(t, err)
	assert.True(t, out.Hit)
	assert.Len(t, out.Matched, 1)
	assert.LessOrEqual(t, evaluated.Load(), int32(2))
}

func TestFetchAndCheckNoHit(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/1"] = "plain"
	f.bodies["u/2"] = "other"
	c := newCoordinator(t, f, bodyVerdicts(), Config{})

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-3", Attachments: refs("u/1", "u/2")})
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, 2, out.Checked)
	assert.Empty(t, out.Matched)
}

func TestFetchAndCheckRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/1"] = "HIT"
	f.failures["u/1"] = []error{
		&crawler.StatusError{URL: "u/1", Code: http.StatusServiceUnavailable},
		io.ErrUnexpectedEOF,
	}
	c := newCoordinator(t, f, bodyVerdicts(), Config{})

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-4", Attachments: refs("u/1")})
	require.NoError(t, err)
	assert.True(t, out.Hit)
	assert.Equal(t, 3, f.callCount("u/1"))
}

func TestFetchAndCheckPermanentFailureSkipsAttachment(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.failures["u/1"] = []error{&crawler.StatusError{URL: "u/1", Code: http.StatusNotFound}}
	f.bodies["u/2"] = "plain"
	var events []progress.Event
	var mu sync.Mutex
	sink := progress.EmitterFunc(func(evt progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	})
	c := newCoordinator(t, f, bodyVerdicts(), Config{RunID: "run-1", MaxParallel: 1}, WithProgress(sink))

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-5", Attachments: refs("u/1", "u/2")})
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount("u/1"), "404 is not retried")
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Checked)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, progress.OutcomeFailed, events[0].Outcome)
	assert.Equal(t, progress.Status4xx, events[0].StatusClass)
	assert.Equal(t, progress.OutcomeNoHit, events[1].Outcome)
	for _, evt := range events {
		assert.Equal(t, progress.StageAttachmentDone, evt.Stage)
		assert.NoError(t, evt.Validate())
	}
}

func TestFetchAndCheckCountsDeferred(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/1"] = "DEFER"
	f.bodies["u/2"] = "plain"
	c := newCoordinator(t, f, bodyVerdicts(), Config{})

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-6", Attachments: refs("u/1", "u/2")})
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, 1, out.Deferred)
	assert.Equal(t, 1, out.Checked)
}

func TestFetchAndCheckCleansWorkDir(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/1"] = "plain"
	f.headers["u/1"] = http.Header{"Content-Disposition": {`attachment; filename="spec.pdf"`}}
	workDir := t.TempDir()

	var seen, seenPath string
	eval := func(_ context.Context, path string, format extract.Format) intake.Verdict {
		assert.Equal(t, extract.FormatPDF, format)
		entries, err := os.ReadDir(workDir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		inner, err := os.ReadDir(filepath.Join(workDir, entries[0].Name()))
		require.NoError(t, err)
		require.Len(t, inner, 1)
		seen = inner[0].Name()
		seenPath = filepath.Join(workDir, entries[0].Name(), seen)
		assert.Equal(t, seenPath, path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "plain", string(data))
		return intake.Verdict{Outcome: intake.NoHit}
	}
	c := newCoordinator(t, f, evaluatorFunc(eval), Config{WorkDir: workDir})

	_, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{ID: "T-7", Attachments: refs("u/1")})
	require.NoError(t, err)
	assert.Equal(t, "spec.pdf", seen)
	assert.NoFileExists(t, seenPath)
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchAndCheckArchivesHits(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["https://portal/get?file=spec.pdf"] = "HIT"
	store := &recordingStore{}
	c := newCoordinator(t, f, bodyVerdicts(), Config{RunID: "run-9"}, WithArchive(store, sha256.New()))

	out, err := c.FetchAndCheck(context.Background(), crawler.ListingItem{
		ID:          "T-8",
		Attachments: refs("https://portal/get?file=spec.pdf"),
	})
	require.NoError(t, err)
	require.Len(t, out.Matched, 1)
	digest, err := sha256.New().Hash([]byte("HIT"))
	require.NoError(t, err)
	want := "run-9/T-8/" + digest + ".pdf"
	assert.Equal(t, []string{want}, store.paths)
	assert.Equal(t, "mem://"+want, out.Matched[0].Identifier)
}

func TestFetchAndCheckOuterCancellation(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.bodies["u/1"] = "plain"
	f.delay["u/1"] = time.Second
	c := newCoordinator(t, f, bodyVerdicts(), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := c.FetchAndCheck(ctx, crawler.ListingItem{ID: "T-9", Attachments: refs("u/1")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, out.Hit)
	assert.Zero(t, out.Failed, "cancellation is not an attachment failure")
}
