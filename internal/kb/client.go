// Package kb talks to the external knowledge-base ingestion API.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
	"github.com/JakeFAU/kb-ingester/internal/metrics"
)

// ErrNotConfigured is returned when the base URL or API key is missing.
var ErrNotConfigured = errors.New("knowledge base is not configured")

const (
	defaultTimeout           = 30 * time.Second
	defaultIndexingTechnique = "high_quality"
	defaultProcessMode       = "automatic"
	maxErrorBody             = 4 << 10
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Config holds the ingestion endpoint settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	IndexingTechnique string
	ProcessMode       string
}

// Client submits documents and creates datasets.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.IndexingTechnique == "" {
		cfg.IndexingTechnique = defaultIndexingTechnique
	}
	if cfg.ProcessMode == "" {
		cfg.ProcessMode = defaultProcessMode
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("kb")}
}

var _ crawler.Submitter = (*Client)(nil)

// Validate reports ErrNotConfigured when the client cannot reach the KB.
func (c *Client) Validate() error {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" {
		return ErrNotConfigured
	}
	return nil
}

// DefaultIndexingTechnique returns the technique used when a job names none.
func (c *Client) DefaultIndexingTechnique() string {
	return c.cfg.IndexingTechnique
}

type processRule struct {
	Mode string `json:"mode"`
}

type createByTextRequest struct {
	Name              string      `json:"name"`
	Text              string      `json:"text"`
	IndexingTechnique string      `json:"indexing_technique"`
	ProcessRule       processRule `json:"process_rule"`
}

type createDatasetRequest struct {
	Name string `json:"name"`
}

type createDatasetResponse struct {
	ID string `json:"id"`
}

// Submit posts the text as one document. It never returns an error: every
// failure is described by the outcome.
func (c *Client) Submit(ctx context.Context, sub crawler.Submission) crawler.SubmissionOutcome {
	outcome := crawler.SubmissionOutcome{URL: sub.URL, DocumentName: DocumentName(sub.URL)}
	defer func() {
		metrics.ObserveSubmission(outcome.Success)
	}()

	if err := c.Validate(); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	technique := sub.IndexingTechnique
	if technique == "" {
		technique = c.cfg.IndexingTechnique
	}
	endpoint := fmt.Sprintf("%s/v1/datasets/%s/document/create_by_text", c.cfg.BaseURL, url.PathEscape(sub.DatasetID))
	payload := createByTextRequest{
		Name:              outcome.DocumentName,
		Text:              sub.Text,
		IndexingTechnique: technique,
		ProcessRule:       processRule{Mode: c.cfg.ProcessMode},
	}

	status, body, err := c.post(ctx, endpoint, payload)
	outcome.StatusCode = status
	switch {
	case err != nil:
		outcome.Error = err.Error()
	case status != http.StatusOK:
		outcome.Error = fmt.Sprintf("kb returned status %d: %s", status, body)
	default:
		outcome.Success = true
	}
	if !outcome.Success {
		c.logger.Debug("submission rejected",
			zap.String("url", sub.URL),
			zap.String("dataset_id", sub.DatasetID),
			zap.Int("status", status),
			zap.String("error", outcome.Error),
		)
	}
	return outcome
}

// UpstreamError carries a non-200 answer from the KB.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("kb returned status %d: %s", e.StatusCode, e.Body)
}

// CreateDataset creates an empty dataset and returns its identifier.
func (c *Client) CreateDataset(ctx context.Context, name string) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	status, body, err := c.post(ctx, c.cfg.BaseURL+"/v1/datasets", createDatasetRequest{Name: name})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &UpstreamError{StatusCode: status, Body: string(body)}
	}
	var resp createDatasetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode dataset response: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	limit := int64(maxErrorBody)
	if resp.StatusCode == http.StatusOK {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, bytes.TrimSpace(body), nil
}

// DocumentName derives a stable document name from the URL path. Runs of
// non-alphanumeric characters become "_"; an empty result falls back to the
// host.
func DocumentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return sanitizeName(rawURL)
	}
	if name := sanitizeName(u.Path); name != "" {
		return name
	}
	if host := u.Hostname(); host != "" {
		return host
	}
	return sanitizeName(rawURL)
}

func sanitizeName(s string) string {
	return strings.Trim(unsafeNameChars.ReplaceAllString(s, "_"), "_")
}
