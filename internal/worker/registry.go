package worker

import (
	"context"
	"sync"
)

// CancelResult describes what a cancel request did.
type CancelResult int

// Cancel outcomes.
const (
	// CancelQueued means the job had not started and will be skipped.
	CancelQueued CancelResult = iota
	// CancelRunning means the running job's context was canceled.
	CancelRunning
	// CancelNotFound means the job is neither queued nor running, usually
	// because it finished before the request arrived.
	CancelNotFound
)

// Registry tracks queued jobs, cancel functions for running jobs, and cancel
// requests for jobs still waiting in the queue. It is shared by all workers.
type Registry struct {
	mu       sync.Mutex
	queued   map[string]struct{}
	running  map[string]context.CancelFunc
	canceled map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		queued:   make(map[string]struct{}),
		running:  make(map[string]context.CancelFunc),
		canceled: make(map[string]struct{}),
	}
}

// Track records that jobID is about to be enqueued. Call it before the queue
// write so a fast worker cannot start the job first.
func (r *Registry) Track(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued[jobID] = struct{}{}
}

// Forget drops every record of jobID. It undoes Track when the enqueue fails.
func (r *Registry) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queued, jobID)
	delete(r.canceled, jobID)
}

// Start derives the job context. ok is false when the job was canceled before
// it started; release must be called once the job finishes.
func (r *Registry) Start(ctx context.Context, jobID string) (jobCtx context.Context, release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queued, jobID)
	if _, canceled := r.canceled[jobID]; canceled {
		delete(r.canceled, jobID)
		return ctx, func() {}, false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.running[jobID] = cancel
	release = func() {
		r.mu.Lock()
		delete(r.running, jobID)
		r.mu.Unlock()
		cancel()
	}
	return jobCtx, release, true
}

// Cancel stops a running job or marks a queued one so it never starts. Jobs
// the registry does not know about leave no state behind.
func (r *Registry) Cancel(jobID string) CancelResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.running[jobID]; ok {
		cancel()
		return CancelRunning
	}
	if _, ok := r.queued[jobID]; ok {
		r.canceled[jobID] = struct{}{}
		return CancelQueued
	}
	return CancelNotFound
}

// Running reports whether jobID currently holds a worker.
func (r *Registry) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[jobID]
	return ok
}

// Pending reports how many cancel requests are waiting for their job to be
// dequeued.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.canceled)
}
