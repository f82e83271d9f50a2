// Package worker implements the crawl job execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
	"github.com/JakeFAU/kb-ingester/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// Topic receives one completion event per job. Empty disables publishing.
	Topic string
}

// Worker consumes queue items and runs each crawl job to completion.
type Worker struct {
	queue     crawler.Queue
	jobStore  crawler.JobStore
	audit     crawler.PageRecorder
	runner    crawler.Crawler
	publisher crawler.Publisher
	clock     crawler.Clock
	registry  *Registry
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. audit and publisher may be nil.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	audit crawler.PageRecorder,
	runner crawler.Crawler,
	publisher crawler.Publisher,
	clock crawler.Clock,
	registry *Registry,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		audit:     audit,
		runner:    runner,
		publisher: publisher,
		clock:     clock,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.Job.ID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	job := item.Job
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("seed_url", job.Params.SeedURL))
	// Status writes must land even when shutdown cancels ctx.
	storeCtx := context.WithoutCancel(ctx)

	jobCtx, release, ok := w.registry.Start(ctx, job.ID)
	defer release()
	if !ok {
		logger.Info("job canceled before start")
		w.finish(storeCtx, job, crawler.JobStatusCanceled, "canceled before start", crawler.JobCounters{}, logger)
		return
	}

	if w.runner == nil {
		logger.Error("no crawler configured")
		w.finish(storeCtx, job, crawler.JobStatusFailed, "no crawler configured", crawler.JobCounters{}, logger)
		return
	}

	if err := w.jobStore.UpdateJobStatus(storeCtx, job.ID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		w.finish(storeCtx, job, crawler.JobStatusFailed, "mark running: "+err.Error(), crawler.JobCounters{}, logger)
		return
	}

	metrics.IncActiveWorkers()
	counters, crawlErr := w.runner.Crawl(jobCtx, job, w.recorder())
	metrics.DecActiveWorkers()

	status, errText := w.deriveFinalStatus(jobCtx, crawlErr)
	w.finish(storeCtx, job, status, errText, counters, logger)
}

func (w *Worker) finish(
	ctx context.Context,
	job crawler.CrawlJob,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
	logger *zap.Logger,
) {
	if err := w.jobStore.UpdateJobStatus(ctx, job.ID, status, errText, counters); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	metrics.ObserveJob(string(status))
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.String("error", errText),
		zap.Int("pages_fetched", counters.PagesFetched),
		zap.Int("submissions_failed", counters.SubmissionsFailed),
		zap.Bool("truncated", counters.Truncated),
	)
	if err := w.publishCompletion(ctx, job, status, errText, counters); err != nil {
		logger.Warn("publish completion failed", zap.Error(err))
	}
}

// recorder fans page records out to the job store and the optional audit store.
func (w *Worker) recorder() crawler.PageRecorder {
	if w.audit == nil {
		return w.jobStore
	}
	return pageRecorders{w.jobStore, w.audit}
}

type pageRecorders []crawler.PageRecorder

func (rs pageRecorders) RecordPage(ctx context.Context, page crawler.PageRecord) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordPage(ctx, page); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CompletionEvent is published once per finished job.
type CompletionEvent struct {
	JobID      string              `json:"job_id"`
	SeedURL    string              `json:"seed_url"`
	DatasetID  string              `json:"dataset_id"`
	Status     crawler.JobStatus   `json:"status"`
	Error      string              `json:"error,omitempty"`
	Counters   crawler.JobCounters `json:"counters"`
	FinishedAt string              `json:"finished_at"`
}

func (w *Worker) publishCompletion(
	ctx context.Context,
	job crawler.CrawlJob,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	finished := time.Now().UTC()
	if w.clock != nil {
		finished = w.clock.Now().UTC()
	}
	event := CompletionEvent{
		JobID:      job.ID,
		SeedURL:    job.Params.SeedURL,
		DatasetID:  job.Params.DatasetID,
		Status:     status,
		Error:      errText,
		Counters:   counters,
		FinishedAt: finished.Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		return err
	}
	return nil
}

func (w *Worker) deriveFinalStatus(jobCtx context.Context, crawlErr error) (crawler.JobStatus, string) {
	switch {
	case crawlErr != nil:
		return crawler.JobStatusFailed, crawlErr.Error()
	case jobCtx.Err() != nil:
		return crawler.JobStatusCanceled, "job canceled"
	default:
		return crawler.JobStatusSucceeded, ""
	}
}
