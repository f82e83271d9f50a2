package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObservePageCountsOutcomeAndBytes(t *testing.T) {
	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("pages.test", "ok"))
	bytesBefore := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("pages.test"))

	ObservePage("https://Pages.test/a", "ok", 128)
	ObservePage("https://pages.test/b", "ok", 0)

	if got := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("pages.test", "ok")) - before; got != 2 {
		t.Errorf("expected 2 pages observed, got %f", got)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("pages.test")) - bytesBefore; got != 128 {
		t.Errorf("expected 128 bytes observed, got %f", got)
	}
}

func TestObserveSubmissionLabels(t *testing.T) {
	okBefore := testutil.ToFloat64(kbSubmissionsTotal.WithLabelValues("success"))
	failBefore := testutil.ToFloat64(kbSubmissionsTotal.WithLabelValues("failure"))

	ObserveSubmission(true)
	ObserveSubmission(false)
	ObserveSubmission(false)

	if got := testutil.ToFloat64(kbSubmissionsTotal.WithLabelValues("success")) - okBefore; got != 1 {
		t.Errorf("expected 1 success, got %f", got)
	}
	if got := testutil.ToFloat64(kbSubmissionsTotal.WithLabelValues("failure")) - failBefore; got != 2 {
		t.Errorf("expected 2 failures, got %f", got)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	before := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(crawlerActiveWorkers) - before; got != 1 {
		t.Errorf("expected gauge delta 1, got %f", got)
	}
}

func TestObserveRateLimitDelay(t *testing.T) {
	ObserveRateLimitDelay("limits.test", 250*time.Millisecond)
	if val := testutil.CollectAndCount(crawlerRateLimitDelaysSeconds); val <= 0 {
		t.Errorf("expected rate limit histogram to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
