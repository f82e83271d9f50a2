// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
	acceptHeader        = "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.1"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each Fetch
// runs on a clone of the base collector so concurrent fetches never share
// callbacks.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the collector callbacks observed for one URL.
type fetchState struct {
	result    crawler.FetchResult
	responded bool
	err       error
}

// New builds a Fetcher. robots.txt is never consulted and the collector keeps
// no visited set; deduplication belongs to the crawl frontier.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// Fetch executes a single HTTP GET. Excluded resources are skipped without a
// request, non-2xx and non-text responses are skipped, and transport failures
// are reported as errors. Fetch never retries.
func (f *Fetcher) Fetch(ctx context.Context, url string) crawler.FetchResult {
	if crawler.IsExcludedResource(url) {
		return crawler.Skipped(url, 0, "excluded resource")
	}

	state := &fetchState{}
	start := time.Now()
	collector := f.buildCollector(ctx, url, start, state)

	if err := f.runCollector(ctx, collector, url); err != nil {
		return crawler.Errored(url, err.Error())
	}
	switch {
	case state.err != nil:
		return crawler.Errored(url, fmt.Sprintf("colly response failed: %v", state.err))
	case !state.responded:
		return crawler.Errored(url, "no response received")
	}
	return state.result
}

func (f *Fetcher) buildCollector(ctx context.Context, url string, start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, url, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, url string, start time.Time, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.responded = true
		state.result = classifyResponse(url, r, time.Since(start))
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.err = err
	})
}

func classifyResponse(url string, r *colly.Response, elapsed time.Duration) crawler.FetchResult {
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return crawler.Skipped(url, r.StatusCode, fmt.Sprintf("status %d", r.StatusCode))
	}
	contentType := ""
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
	}
	if contentType == "" && len(r.Body) > 0 {
		contentType = http.DetectContentType(r.Body)
	}
	if !isTextual(contentType) {
		return crawler.Skipped(url, r.StatusCode, fmt.Sprintf("unsupported content type %q", contentType))
	}
	finalURL := url
	if r.Request != nil && r.Request.URL != nil {
		finalURL = r.Request.URL.String()
	}
	return crawler.Body(url, finalURL, r.StatusCode, contentType, append([]byte(nil), r.Body...), elapsed)
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/xhtml+xml", mediaType == "application/xml":
		return true
	default:
		return false
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
