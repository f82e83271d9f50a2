// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
	"github.com/JakeFAU/kb-ingester/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil)

	err := dispatch.Enqueue(context.Background(), crawler.QueueItem{Job: crawler.CrawlJob{ID: "job"}})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

// TestDispatcherCancelUsesSharedRegistry checks that cancel reaches the workers' registry.
func TestDispatcherCancelUsesSharedRegistry(t *testing.T) {
	t.Parallel()

	registry := worker.NewRegistry()
	dispatch := New(&errorQueue{}, nil, registry)

	ctx, release, ok := registry.Start(context.Background(), "running")
	require.True(t, ok)
	defer release()

	require.Equal(t, worker.CancelRunning, dispatch.Cancel("running"))
	require.Error(t, ctx.Err())
	require.NoError(t, dispatch.Enqueue(context.Background(), crawler.QueueItem{Job: crawler.CrawlJob{ID: "queued"}}))
	require.Equal(t, worker.CancelQueued, dispatch.Cancel("queued"))

	_, _, ok = registry.Start(context.Background(), "queued")
	require.False(t, ok)
	require.Equal(t, worker.CancelNotFound, dispatch.Cancel("unknown"))
}

// TestDispatcherEnqueueFailureForgetsJob ensures a rejected job leaves nothing to cancel.
func TestDispatcherEnqueueFailureForgetsJob(t *testing.T) {
	t.Parallel()

	registry := worker.NewRegistry()
	dispatch := New(&errorQueue{err: errors.New("full")}, nil, registry)

	require.Error(t, dispatch.Enqueue(context.Background(), crawler.QueueItem{Job: crawler.CrawlJob{ID: "job"}}))
	require.Equal(t, worker.CancelNotFound, dispatch.Cancel("job"))
	require.Zero(t, registry.Pending())
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ crawler.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, nil
}
