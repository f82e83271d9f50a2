package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore(&stepClock{t: time.Unix(0, 0)})
	ctx := context.Background()
	job := crawler.Job{ID: "job-1"}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), ErrJobExists)

	queued, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, queued.Status)

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusRunning, "", crawler.JobCounters{}))
	record := crawler.PageRecord{JobID: job.ID, URL: "https://example.com"}
	require.NoError(t, store.RecordPage(ctx, record))

	pages, err := store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	pages[0].URL = "modified"
	require.Equal(t, "https://example.com", store.pages[job.ID][0].URL, "ListPages must return a copy")

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusSucceeded, "",
		crawler.JobCounters{PagesFetched: 1, Truncated: true}))
	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSucceeded, final.Status)
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)
	require.True(t, final.Finished.After(*final.Started))
	require.Equal(t, 1, final.Counters.PagesFetched)
	require.True(t, final.Counters.Truncated)
}

func TestJobStoreTerminalStatusIsFinal(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job"}))
	require.NoError(t, store.UpdateJobStatus(ctx, "job", crawler.JobStatusCanceled, "canceled before start", crawler.JobCounters{}))
	require.NoError(t, store.UpdateJobStatus(ctx, "job", crawler.JobStatusRunning, "", crawler.JobCounters{}))

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
	require.Nil(t, job.Started)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()

	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	_, err = store.ListPages(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJobStatus(ctx, "missing", crawler.JobStatusRunning, "", crawler.JobCounters{}), crawler.ErrJobNotFound)
	require.ErrorIs(t, store.RecordPage(ctx, crawler.PageRecord{JobID: "missing"}), crawler.ErrJobNotFound)
}
