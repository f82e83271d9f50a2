package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
	"github.com/JakeFAU/kb-ingester/internal/kb"
	"github.com/JakeFAU/kb-ingester/internal/worker"
)

const (
	enqueueTimeout = 2 * time.Second
	maxRequestBody = 1 << 20
)

type crawlRequest struct {
	SeedURL           string `json:"seed_url"`
	WebsiteURL        string `json:"website_url"`
	DatasetID         string `json:"dataset_id"`
	IndexingTechnique string `json:"indexing_technique"`
	MaxPages          *int   `json:"max_pages"`
	Concurrency       *int   `json:"concurrency"`
	BudgetSeconds     *int   `json:"budget_seconds"`
}

type crawlResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type datasetRequest struct {
	Name string `json:"name"`
}

type datasetResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", err.Error())
		return
	}
	if s.kb == nil || s.kb.Validate() != nil {
		writeError(w, http.StatusServiceUnavailable, "kb_not_configured",
			"Knowledge base is not configured", "Set kb.base_url and kb.api_key")
		return
	}
	params, err := s.toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid crawl request", err.Error())
		return
	}

	jobID, err := s.enqueueJob(r.Context(), params)
	if err != nil {
		s.logger.Warn("enqueue crawl failed", zap.String("seed_url", params.SeedURL), zap.Error(err))
		if errors.Is(err, errQueueUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "queue_full", "Crawl queue is full", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not start crawl", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, crawlResponse{
		JobID: jobID,
		Message: fmt.Sprintf("Scraping %s to Knowledge Base %s initiated. Check dataset for updates.",
			params.SeedURL, params.DatasetID),
	})
}

func (s *Server) toJobParameters(req crawlRequest) (crawler.JobParameters, error) {
	seed := strings.TrimSpace(req.SeedURL)
	if seed == "" {
		seed = strings.TrimSpace(req.WebsiteURL)
	}
	if seed == "" {
		return crawler.JobParameters{}, errors.New("seed_url is required")
	}
	if _, err := crawler.NewClassifier(seed, s.policy); err != nil {
		return crawler.JobParameters{}, err
	}
	datasetID := strings.TrimSpace(req.DatasetID)
	if datasetID == "" {
		return crawler.JobParameters{}, errors.New("dataset_id is required")
	}
	for name, v := range map[string]*int{
		"max_pages":      req.MaxPages,
		"concurrency":    req.Concurrency,
		"budget_seconds": req.BudgetSeconds,
	} {
		if v != nil && *v < 0 {
			return crawler.JobParameters{}, fmt.Errorf("%s must be >= 0", name)
		}
	}

	technique := strings.TrimSpace(req.IndexingTechnique)
	if technique == "" {
		technique = s.kb.DefaultIndexingTechnique()
	}
	return crawler.JobParameters{
		SeedURL:           seed,
		DatasetID:         datasetID,
		IndexingTechnique: technique,
		Concurrency:       valueOrDefault(req.Concurrency, s.cfg.Crawler.PageConcurrency),
		MaxPages:          valueOrDefault(req.MaxPages, s.cfg.Crawler.MaxPagesDefault),
		BudgetSeconds:     valueOrDefault(req.BudgetSeconds, s.cfg.Crawler.BudgetSecondsDefault),
	}, nil
}

func valueOrDefault[T comparable](ptr *T, def T) T {
	var zero T
	if ptr == nil || *ptr == zero {
		return def
	}
	return *ptr
}

var errQueueUnavailable = errors.New("queue unavailable")

func (s *Server) enqueueJob(ctx context.Context, params crawler.JobParameters) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		Job:     crawler.CrawlJob{ID: jobID, Params: params, CreatedAt: now},
		Attempt: 1,
	}
	if err := s.jobs.Enqueue(queueCtx, item); err != nil {
		storeCtx := context.WithoutCancel(ctx)
		if upErr := s.jobStore.UpdateJobStatus(storeCtx, jobID, crawler.JobStatusFailed, "enqueue failed: "+err.Error(), crawler.JobCounters{}); upErr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(upErr))
		}
		return "", fmt.Errorf("%w: %v", errQueueUnavailable, err)
	}
	return jobID, nil
}

func (s *Server) createDataset(w http.ResponseWriter, r *http.Request) {
	var req datasetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid dataset request", "name is required")
		return
	}
	if s.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "kb_not_configured", "Knowledge base is not configured", "")
		return
	}

	id, err := s.kb.CreateDataset(r.Context(), name)
	if err != nil {
		var upstream *kb.UpstreamError
		switch {
		case errors.Is(err, kb.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "kb_not_configured",
				"Knowledge base is not configured", "Set kb.base_url and kb.api_key")
		case errors.As(err, &upstream):
			writeError(w, upstream.StatusCode, "upstream_error",
				"API request failed to create the KB", upstream.Body)
		default:
			s.logger.Warn("create dataset failed", zap.String("name", name), zap.Error(err))
			writeError(w, http.StatusBadGateway, "upstream_unreachable",
				"API request failed to create the KB", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, datasetResponse{
		Message: fmt.Sprintf("Knowledge Base '%s' created successfully.", name),
		ID:      id,
	})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job_not_found", "Job not found", jobID)
			return crawler.Job{}, false
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load job", err.Error())
		return crawler.Job{}, false
	}
	return job, true
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	pages, err := s.jobStore.ListPages(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to fetch job pages", err.Error())
		return
	}
	if pages == nil {
		pages = []crawler.PageRecord{}
	}
	writeJSON(w, http.StatusOK, crawler.JobResult{Job: job, Pages: pages})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job_finished", "Job already finished", string(job.Status))
		return
	}
	if s.jobs.Cancel(job.ID) == worker.CancelNotFound {
		// finished between the status read and the cancel
		writeError(w, http.StatusConflict, "job_finished", "Job already finished", string(job.Status))
		return
	}
	s.logger.Info("job cancel requested", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  job.ID,
		"message": "Cancellation requested",
	})
}
