package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/kb-ingester/internal/metrics"
)

// SchedulerConfig holds the crawl-wide defaults a job may override.
type SchedulerConfig struct {
	Policy             URLPolicy
	DefaultConcurrency int
	MaxConcurrency     int
	MaxPages           int
	Budget             time.Duration
}

// Scheduler drives the fetch-extract-submit loop for one job at a time over a
// private Frontier. A single Scheduler may run many jobs concurrently.
type Scheduler struct {
	fetcher   Fetcher
	extractor Extractor
	submitter Submitter
	limiter   Limiter
	retry     RetryPolicy
	clock     Clock
	cfg       SchedulerConfig
	logger    *zap.Logger
}

// NewScheduler constructs a Scheduler. limiter and retry may be nil.
func NewScheduler(
	fetcher Fetcher,
	extractor Extractor,
	submitter Submitter,
	limiter Limiter,
	retry RetryPolicy,
	clock Clock,
	cfg SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 1
	}
	return &Scheduler{
		fetcher:   fetcher,
		extractor: extractor,
		submitter: submitter,
		limiter:   limiter,
		retry:     retry,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
	}
}

// crawlRun is the per-job state shared by the page workers.
type crawlRun struct {
	job        CrawlJob
	classifier *Classifier
	frontier   *Frontier
	recorder   PageRecorder
	logger     *zap.Logger

	mu       sync.Mutex
	counters JobCounters
}

func (r *crawlRun) update(fn func(c *JobCounters)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.counters)
}

func (r *crawlRun) snapshot() JobCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Crawl traverses the site reachable from the job's seed until the frontier is
// drained, ctx is canceled, or the page cap or wall-clock budget is hit.
// Per-page failures are recorded and never returned. The returned error is
// either a setup error (ErrInvalidSeed) or ErrFrontierCorrupted.
func (s *Scheduler) Crawl(ctx context.Context, job CrawlJob, recorder PageRecorder) (JobCounters, error) {
	classifier, err := NewClassifier(job.Params.SeedURL, s.cfg.Policy)
	if err != nil {
		return JobCounters{}, err
	}
	seed, err := classifier.Normalize("", job.Params.SeedURL)
	if err != nil {
		return JobCounters{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	run := &crawlRun{
		job:        job,
		classifier: classifier,
		frontier:   NewFrontier(s.maxPages(job.Params)),
		recorder:   recorder,
		logger:     s.logger.With(zap.String("job_id", job.ID), zap.String("scope", classifier.Host())),
	}
	run.frontier.Add(seed)

	crawlCtx, cancel := s.withBudget(ctx, job.Params)
	defer cancel()

	workers := s.concurrency(job.Params)
	run.logger.Info("crawl started", zap.String("seed", seed), zap.Int("concurrency", workers))

	g, gctx := errgroup.WithContext(crawlCtx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.work(gctx, run)
		})
	}
	err = g.Wait()

	counters := run.snapshot()
	stats := run.frontier.Stats()
	budgetHit := ctx.Err() == nil && errors.Is(crawlCtx.Err(), context.DeadlineExceeded)
	counters.Truncated = stats.Capped || budgetHit

	fields := []zap.Field{
		zap.Int("visited", stats.Visited),
		zap.Int("pending", stats.Pending),
		zap.Int("pages_fetched", counters.PagesFetched),
		zap.Int("pages_skipped", counters.PagesSkipped),
		zap.Int("pages_failed", counters.PagesFailed),
		zap.Int("submissions_failed", counters.SubmissionsFailed),
		zap.Bool("truncated", counters.Truncated),
	}
	if err != nil {
		run.logger.Error("crawl aborted", append(fields, zap.Error(err))...)
		return counters, err
	}
	if ctx.Err() != nil {
		run.logger.Warn("crawl canceled", fields...)
		return counters, nil
	}
	run.logger.Info("crawl finished", fields...)
	return counters, nil
}

func (s *Scheduler) maxPages(params JobParameters) int {
	if params.MaxPages > 0 {
		return params.MaxPages
	}
	return s.cfg.MaxPages
}

func (s *Scheduler) concurrency(params JobParameters) int {
	n := params.Concurrency
	if n <= 0 {
		n = s.cfg.DefaultConcurrency
	}
	if s.cfg.MaxConcurrency > 0 && n > s.cfg.MaxConcurrency {
		n = s.cfg.MaxConcurrency
	}
	return n
}

func (s *Scheduler) withBudget(ctx context.Context, params JobParameters) (context.Context, context.CancelFunc) {
	budget := params.Budget()
	if budget <= 0 {
		budget = s.cfg.Budget
	}
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// work claims URLs until the frontier reports no more work. A panic inside a
// page visit leaves the frontier in an unknown state and aborts the job.
func (s *Scheduler) work(ctx context.Context, run *crawlRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrFrontierCorrupted, r)
		}
	}()
	for {
		url, ok, nextErr := run.frontier.Next(ctx)
		if nextErr != nil {
			return nextErr
		}
		if !ok {
			return nil
		}
		if err := s.visit(ctx, run, url); err != nil {
			return err
		}
	}
}

func (s *Scheduler) visit(ctx context.Context, run *crawlRun, url string) error {
	if ctx.Err() != nil {
		return run.frontier.Complete(url)
	}

	startedAt := s.clock.Now()
	result, attempts := s.fetch(ctx, url)
	record := PageRecord{
		JobID:      run.job.ID,
		URL:        url,
		FinalURL:   result.FinalURL,
		StatusCode: result.StatusCode,
		Reason:     result.Reason,
		Attempts:   attempts,
		FetchedAt:  startedAt,
		DurationMs: result.Duration.Milliseconds(),
	}

	base := url
	if result.Outcome == FetchOK && result.FinalURL != "" && result.FinalURL != url {
		result, base = s.followRedirect(run, url, result)
		record.FinalURL = result.FinalURL
		record.Reason = result.Reason
	}
	record.Outcome = result.Outcome
	metrics.ObservePage(url, string(result.Outcome), len(result.Body))

	var added int
	if result.Outcome == FetchOK {
		extraction, err := s.extractor.Extract(base, result.Body)
		if err != nil {
			record.ExtractError = err.Error()
			extraction = Extraction{}
			run.logger.Warn("extraction failed", zap.String("url", url), zap.Error(err))
		}
		for _, link := range extraction.Links {
			normalized, ok := run.classifier.Admit(base, link)
			if ok && run.frontier.Add(normalized) {
				added++
			}
		}
		record.Fragments = len(extraction.Fragments)
		record.Links = added

		if len(extraction.Fragments) > 0 && ctx.Err() == nil {
			outcome := s.submitter.Submit(ctx, Submission{
				URL:               url,
				Text:              strings.Join(extraction.Fragments, "\n"),
				DatasetID:         run.job.Params.DatasetID,
				IndexingTechnique: run.job.Params.IndexingTechnique,
			})
			record.Submission = &outcome
			if !outcome.Success {
				run.logger.Warn("kb submission failed",
					zap.String("url", url),
					zap.Int("status", outcome.StatusCode),
					zap.String("error", outcome.Error),
				)
			}
		}
	} else {
		run.logger.Debug("page not usable",
			zap.String("url", url),
			zap.String("outcome", string(result.Outcome)),
			zap.String("reason", result.Reason),
		)
	}

	run.update(func(c *JobCounters) {
		switch result.Outcome {
		case FetchOK:
			c.PagesFetched++
		case FetchSkipped:
			c.PagesSkipped++
		default:
			c.PagesFailed++
		}
		c.LinksDiscovered += added
		c.Retries += attempts - 1
		if record.Submission != nil {
			c.Submissions++
			if !record.Submission.Success {
				c.SubmissionsFailed++
			}
		}
	})

	if err := run.frontier.Complete(url); err != nil {
		return err
	}

	if run.recorder != nil {
		if err := run.recorder.RecordPage(context.WithoutCancel(ctx), record); err != nil {
			run.logger.Warn("record page failed", zap.String("url", url), zap.Error(err))
		}
	}
	return nil
}

// followRedirect checks where an in-flight URL landed. The landing URL joins
// the frontier as visited so it is never fetched or submitted again; a
// landing page that is out of scope or already known is skipped.
func (s *Scheduler) followRedirect(run *crawlRun, url string, result FetchResult) (FetchResult, string) {
	skip := func(finalURL, reason string) (FetchResult, string) {
		skipped := Skipped(url, result.StatusCode, reason)
		skipped.FinalURL = finalURL
		return skipped, url
	}
	if !run.classifier.InScope(result.FinalURL) {
		return skip(result.FinalURL, "redirected out of scope")
	}
	final, err := run.classifier.Normalize("", result.FinalURL)
	if err != nil {
		return skip(result.FinalURL, "invalid redirect target")
	}
	result.FinalURL = final
	if final == url {
		return result, url
	}
	if !run.frontier.MarkVisited(final) {
		return skip(final, "redirect target already crawled")
	}
	return result, final
}

// fetch applies the politeness limiter and retry policy around one URL and
// reports how many attempts were made.
func (s *Scheduler) fetch(ctx context.Context, url string) (FetchResult, int) {
	attempt := 0
	for {
		attempt++
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, url); err != nil {
				return Errored(url, fmt.Sprintf("rate limiter: %v", err)), attempt
			}
		}
		result := s.fetcher.Fetch(ctx, url)
		if s.retry == nil || ctx.Err() != nil || !s.retry.ShouldRetry(result, attempt) {
			return result, attempt
		}
		timer := time.NewTimer(s.retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, attempt
		case <-timer.C:
		}
	}
}
