package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "tenderscan-test", Timeout: time.Second, MaxBodySize: 1024})
	req := crawler.FetchRequest{URL: "https://example.com"}

	collector := f.buildCollector(req, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	assert.Equal(t, "tenderscan-test", collector.UserAgent)
	assert.True(t, collector.AllowURLRevisit)
	assert.True(t, collector.ParseHTTPErrorResponse)
	assert.Equal(t, 1024, collector.MaxBodySize)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"Referer": {"https://example.com/list"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "https://example.com/list", collyReq.Headers.Get("Referer"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("%PDF"),
		Headers:    &http.Header{"Content-Type": {"application/pdf"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/doc")},
	})
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "%PDF", string(result.Body))
	assert.Equal(t, "application/pdf", result.Headers.Get("Content-Type"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(crawler.FetchRequest{}, collyReq)
	assert.Empty(t, *collyReq.Headers)
}

func TestFetchDownloadsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tenderscan-test", r.UserAgent())
		w.Header().Set("Content-Disposition", `attachment; filename="spec.pdf"`)
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "tenderscan-test", Timeout: 5 * time.Second})
	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/file"})
		require.NoError(t, err, "revisits are allowed")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "%PDF-1.4", string(resp.Body))
		assert.Contains(t, resp.Headers.Get("Content-Disposition"), "spec.pdf")
	}
}

func TestFetchReturnsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, crawler.IsTransient(err))
}

func TestFetchSharesCookieJar(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u := mustParseURL(t, srv.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc"}})

	f := New(Config{Timeout: 5 * time.Second, Jar: jar})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chunked" {
			w.(http.Flusher).Flush()
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second, MaxBodySize: 1024})
	for _, path := range []string{"/sized", "/chunked"} {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + path})
		require.ErrorIs(t, err, ErrBodyTooLarge, path)
		assert.False(t, crawler.IsTransient(err), path)
		assert.Len(t, resp.Body, 1024, path)
	}

	resp, err := New(Config{Timeout: 5 * time.Second, MaxBodySize: 8192}).
		Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/sized"})
	require.NoError(t, err)
	assert.Equal(t, body, string(resp.Body))
}
