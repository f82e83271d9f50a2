// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobParameters captures per-job knobs requested by the client.
type JobParameters struct {
	SeedURL           string `json:"seed_url"`
	DatasetID         string `json:"dataset_id"`
	IndexingTechnique string `json:"indexing_technique"`
	Concurrency       int    `json:"concurrency"`
	MaxPages          int    `json:"max_pages"`
	BudgetSeconds     int    `json:"budget_seconds"`
}

// Budget returns the wall-clock cap for the job, zero meaning unbounded.
func (p JobParameters) Budget() time.Duration {
	if p.BudgetSeconds <= 0 {
		return 0
	}
	return time.Duration(p.BudgetSeconds) * time.Second
}

// CrawlJob is the immutable unit handed to the scheduler.
type CrawlJob struct {
	ID        string        `json:"id"`
	Params    JobParameters `json:"parameters"`
	CreatedAt time.Time     `json:"created_at"`
}

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// JobCounters tracks per-job progress.
type JobCounters struct {
	PagesFetched      int  `json:"pages_fetched"`
	PagesSkipped      int  `json:"pages_skipped"`
	PagesFailed       int  `json:"pages_failed"`
	LinksDiscovered   int  `json:"links_discovered"`
	Submissions       int  `json:"submissions"`
	SubmissionsFailed int  `json:"submissions_failed"`
	Retries           int  `json:"retries"`
	Truncated         bool `json:"truncated"`
}

// FetchOutcome classifies a single fetch attempt.
type FetchOutcome string

// Fetch outcomes. Skipped and Error are handled identically by the scheduler.
const (
	FetchOK      FetchOutcome = "ok"
	FetchSkipped FetchOutcome = "skipped"
	FetchError   FetchOutcome = "error"
)

// FetchResult is what a Fetcher returns for one URL. Only FetchOK carries a body.
type FetchResult struct {
	Outcome     FetchOutcome
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Reason      string
}

// Body wraps a successful fetch.
func Body(url, finalURL string, status int, contentType string, body []byte, d time.Duration) FetchResult {
	return FetchResult{
		Outcome:     FetchOK,
		URL:         url,
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: contentType,
		Body:        body,
		Duration:    d,
	}
}

// Skipped reports a URL that was reachable but not usable.
func Skipped(url string, status int, reason string) FetchResult {
	return FetchResult{Outcome: FetchSkipped, URL: url, StatusCode: status, Reason: reason}
}

// Errored reports a transport-level failure.
func Errored(url string, reason string) FetchResult {
	return FetchResult{Outcome: FetchError, URL: url, Reason: reason}
}

// Extraction is the typed output of the content extractor.
type Extraction struct {
	Fragments []string
	Links     []string
}

// Submission is a single document handed to the KB.
type Submission struct {
	URL               string
	Text              string
	DatasetID         string
	IndexingTechnique string
}

// SubmissionOutcome reports the result of one KB submission.
type SubmissionOutcome struct {
	URL          string `json:"url"`
	DocumentName string `json:"document_name"`
	Success      bool   `json:"success"`
	StatusCode   int    `json:"status_code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PageRecord is persisted for each visited page. It never carries page text.
type PageRecord struct {
	JobID        string             `json:"job_id"`
	URL          string             `json:"url"`
	FinalURL     string             `json:"final_url,omitempty"`
	Outcome      FetchOutcome       `json:"outcome"`
	StatusCode   int                `json:"status_code,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Fragments    int                `json:"fragments"`
	Links        int                `json:"links"`
	Attempts     int                `json:"attempts"`
	FetchedAt    time.Time          `json:"fetched_at"`
	DurationMs   int64              `json:"duration_ms"`
	Submission   *SubmissionOutcome `json:"submission,omitempty"`
	ExtractError string             `json:"extract_error,omitempty"`
}

// JobResult is returned by the API result endpoint.
type JobResult struct {
	Job   Job          `json:"job"`
	Pages []PageRecord `json:"pages"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	Job     CrawlJob
	Attempt int
}
