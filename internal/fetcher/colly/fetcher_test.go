package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

func newTestServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>" + r.UserAgent() + "</p></body></html>"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(hits, 1)
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "text/html")
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		http.Redirect(w, r, "/page", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.Header().Set("Content-Type", "text/html")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{UserAgent: "kb-ingester-test", Timeout: time.Second})

	res := f.Fetch(context.Background(), srv.URL+"/page")
	require.Equal(t, crawler.FetchOK, res.Outcome)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, srv.URL+"/page", res.FinalURL)
	require.Contains(t, res.ContentType, "text/html")
	require.Contains(t, string(res.Body), "kb-ingester-test")
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: time.Second})

	for i := 0; i < 2; i++ {
		require.Equal(t, crawler.FetchOK, f.Fetch(context.Background(), srv.URL+"/page").Outcome)
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetchSkipsNon2xx(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: time.Second})

	res := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Equal(t, crawler.FetchSkipped, res.Outcome)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Empty(t, res.Body)

	res = f.Fetch(context.Background(), srv.URL+"/broken")
	require.Equal(t, crawler.FetchSkipped, res.Outcome)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestFetchSkipsNonTextContent(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: time.Second})

	res := f.Fetch(context.Background(), srv.URL+"/image")
	require.Equal(t, crawler.FetchSkipped, res.Outcome)
	require.Contains(t, res.Reason, "image/png")
}

func TestFetchSkipsExcludedResourceWithoutRequest(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: time.Second})

	res := f.Fetch(context.Background(), srv.URL+"/logo.png")
	require.Equal(t, crawler.FetchSkipped, res.Outcome)
	require.Equal(t, "excluded resource", res.Reason)
	require.Zero(t, atomic.LoadInt32(&hits))
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: time.Second})

	res := f.Fetch(context.Background(), srv.URL+"/old")
	require.Equal(t, crawler.FetchOK, res.Outcome)
	require.Equal(t, srv.URL+"/old", res.URL)
	require.Equal(t, srv.URL+"/page", res.FinalURL)
}

func TestFetchTransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	res := f.Fetch(context.Background(), addr+"/page")
	require.Equal(t, crawler.FetchError, res.Outcome)
	require.NotEmpty(t, res.Reason)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: 50 * time.Millisecond})

	res := f.Fetch(context.Background(), srv.URL+"/slow")
	require.Equal(t, crawler.FetchError, res.Outcome)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTestServer(t, &hits)
	f := New(Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := f.Fetch(ctx, srv.URL+"/slow")
	require.Equal(t, crawler.FetchError, res.Outcome)
	require.Less(t, time.Since(start), time.Second)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	state := &fetchState{}
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com/a", time.Now(), state)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, acceptHeader, collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<p>body</p>"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/b")},
	})
	require.True(t, state.responded)
	require.Equal(t, crawler.FetchOK, state.result.Outcome)
	require.Equal(t, "https://example.com/a", state.result.URL)
	require.Equal(t, "https://example.com/b", state.result.FinalURL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, state.err, "boom")
}

func TestIsTextual(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"":                                 true,
		"text/html; charset=utf-8":         true,
		"TEXT/PLAIN":                       true,
		"application/xhtml+xml":            true,
		"application/xml":                  true,
		"application/json":                 false,
		"image/png":                        false,
		"application/pdf":                  false,
		"application/octet-stream; x=\"y": false,
	}
	for contentType, want := range cases {
		require.Equal(t, want, isTextual(contentType), contentType)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
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
