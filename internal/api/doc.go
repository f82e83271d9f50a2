// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /v1/kb/crawl starts a site crawl into a knowledge-base dataset.
//   - POST /v1/kb/datasets creates an empty dataset.
//   - GET /v1/jobs/{job_id}/status and /result, POST /v1/jobs/{job_id}/cancel.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//
// Errors are JSON objects of the form {status, code, message, details}.
package api
