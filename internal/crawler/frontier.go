package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFrontierCorrupted signals a broken pending/in-flight/visited invariant.
// It is the only per-job error that aborts a crawl.
var ErrFrontierCorrupted = errors.New("frontier invariant violated")

// FrontierStats is a point-in-time view of the frontier.
type FrontierStats struct {
	Pending  int
	InFlight int
	Visited  int
	Claimed  int
	Capped   bool
}

// Frontier owns the crawl state of one job. A URL moves
// Pending -> InFlight -> Visited and is claimed at most once.
type Frontier struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	inFlight  map[string]struct{}
	visited   map[string]struct{}
	claimed   int
	maxClaims int
	capped    bool
	changed   chan struct{}
}

// NewFrontier builds an empty frontier. maxClaims <= 0 disables the page cap.
func NewFrontier(maxClaims int) *Frontier {
	return &Frontier{
		pending:   make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
		visited:   make(map[string]struct{}),
		maxClaims: maxClaims,
		changed:   make(chan struct{}),
	}
}

// Add inserts url into Pending unless it is already known. It returns true
// when the URL was newly added.
func (f *Frontier) Add(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known(url) {
		return false
	}
	f.pending[url] = struct{}{}
	f.broadcast()
	return true
}

// Next claims a pending URL and moves it to InFlight. It blocks while Pending
// is empty but other URLs are still in flight. ok is false once the frontier
// is drained or ctx is done. It is also false when work remains but the page
// cap was reached; Stats().Capped reports that case.
func (f *Frontier) Next(ctx context.Context) (string, bool, error) {
	for {
		f.mu.Lock()
		if ctx.Err() != nil {
			f.mu.Unlock()
			return "", false, nil
		}
		if len(f.pending) > 0 && f.maxClaims > 0 && f.claimed >= f.maxClaims {
			f.capped = true
			f.mu.Unlock()
			return "", false, nil
		}
		for url := range f.pending {
			delete(f.pending, url)
			if _, dup := f.inFlight[url]; dup {
				f.mu.Unlock()
				return "", false, fmt.Errorf("%w: %s claimed twice", ErrFrontierCorrupted, url)
			}
			if _, done := f.visited[url]; done {
				f.mu.Unlock()
				return "", false, fmt.Errorf("%w: %s already visited", ErrFrontierCorrupted, url)
			}
			f.inFlight[url] = struct{}{}
			f.claimed++
			f.mu.Unlock()
			return url, true, nil
		}
		if len(f.inFlight) == 0 {
			f.mu.Unlock()
			return "", false, nil
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, nil
		case <-wait:
		}
	}
}

// Complete marks an in-flight URL as visited, whatever its fetch outcome.
func (f *Frontier) Complete(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inFlight[url]; !ok {
		return fmt.Errorf("%w: %s completed while not in flight", ErrFrontierCorrupted, url)
	}
	delete(f.inFlight, url)
	f.visited[url] = struct{}{}
	f.broadcast()
	return nil
}

// MarkVisited records url as visited without claiming it. It returns false,
// changing nothing, when url is already pending, in flight, or visited. It is
// used for redirect targets reached through another URL's fetch.
func (f *Frontier) MarkVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known(url) {
		return false
	}
	f.visited[url] = struct{}{}
	return true
}

// Visited reports whether url reached the terminal state.
func (f *Frontier) Visited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// Stats returns current set sizes.
func (f *Frontier) Stats() FrontierStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FrontierStats{
		Pending:  len(f.pending),
		InFlight: len(f.inFlight),
		Visited:  len(f.visited),
		Claimed:  f.claimed,
		Capped:   f.capped,
	}
}

func (f *Frontier) known(url string) bool {
	if _, ok := f.visited[url]; ok {
		return true
	}
	if _, ok := f.pending[url]; ok {
		return true
	}
	_, ok := f.inFlight[url]
	return ok
}

// broadcast wakes every waiter in Next. Callers hold f.mu.
func (f *Frontier) broadcast() {
	close(f.changed)
	f.changed = make(chan struct{})
}
