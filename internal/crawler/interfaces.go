package crawler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned by job stores for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// PageRecorder receives per-page outcomes while a job runs.
type PageRecorder interface {
	RecordPage(ctx context.Context, page PageRecord) error
}

// JobStore persists job and page metadata.
type JobStore interface {
	PageRecorder
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL. Ordinary failures are reported in the result, never as errors.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// Extractor turns a page body into text fragments and absolute outbound links.
type Extractor interface {
	Extract(pageURL string, body []byte) (Extraction, error)
}

// Submitter forwards extracted text to the knowledge base.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) SubmissionOutcome
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(result FetchResult, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Crawler runs one crawl job to completion.
type Crawler interface {
	Crawl(ctx context.Context, job CrawlJob, recorder PageRecorder) (JobCounters, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
