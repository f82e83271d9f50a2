// Package crawler implements the site traversal engine behind knowledge-base
// ingestion: URL classification and scoping, the per-job frontier, the
// frontier scheduler, and the ports (fetcher, extractor, submitter, stores)
// the rest of the service plugs into.
package crawler
