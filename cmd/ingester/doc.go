// Package main hosts the kb-ingester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts crawl requests, validates the seed and the knowledge-base
//     configuration, persists a queued job in the JobStore and enqueues it. It also creates datasets and
//     reports job status, per-page results and cancellation.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by crawler.queue_depth and are
//     fanned out to a fixed worker pool sized by crawler.workers. A shared registry lets the API cancel a
//     running job or stop a queued one from starting.
//   - Crawl pipeline: each job runs the frontier scheduler. Pages are fetched with the Colly fetcher, text
//     and links are extracted with goquery, in-scope links feed the frontier and each page's text is posted
//     to the knowledge base as one document.
//   - Persistence & fanout: page outcomes are kept in memory for the result endpoint and optionally audited
//     to Postgres. A completion event is published per job when pubsub.topic_name is set (Pub/Sub when
//     pubsub.project_id is set, otherwise an in-process publisher).
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: INGESTER_KB_BASE_URL and INGESTER_KB_API_KEY (or KB_BASE_URL / KB_API_KEY),
//     INGESTER_AUTH_ENABLED with INGESTER_AUTH_API_KEY (or API_KEY), INGESTER_DB_DSN for the audit table.
//   - Run locally: go run ./cmd/ingester -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM by draining HTTP, canceling running crawls and closing the queue.
package main
