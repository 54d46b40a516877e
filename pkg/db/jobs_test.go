package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJobsDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(Config{Path: filepath.Join(t.TempDir(), "jobs.db"), EmbeddingDim: 8, SkipVecTable: true})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestEnqueueJob_SkipsUnchangedContent(t *testing.T) {
	d := openJobsDB(t)
	ctx := context.Background()

	queued, err := d.EnqueueJob(ctx, "p", "chunks.json", "h1")
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = d.EnqueueJob(ctx, "p", "chunks.json", "h1")
	require.NoError(t, err)
	assert.False(t, queued, "same hash is not queued twice")

	queued, err = d.EnqueueJob(ctx, "p", "chunks.json", "h2")
	require.NoError(t, err)
	assert.True(t, queued)

	job, err := d.GetJob(ctx, "p", "chunks.json")
	require.NoError(t, err)
	assert.Equal(t, "h2", job.ContentHash)
	assert.Equal(t, JobPending, job.Status)

	// A failed job is retried even when unchanged
	require.NoError(t, d.MarkJobFailed(ctx, job.ID, "boom", 3))
	queued, err = d.EnqueueJob(ctx, "p", "chunks.json", "h2")
	require.NoError(t, err)
	assert.True(t, queued)

	job, err = d.GetJob(ctx, "p", "chunks.json")
	require.NoError(t, err)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)

	_, err = d.GetJob(ctx, "p", "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobLifecycle(t *testing.T) {
	d := openJobsDB(t)
	ctx := context.Background()

	for _, p := range []string{"a.json", "b.json", "c.json"} {
		_, err := d.EnqueueJob(ctx, "p", p, p)
		require.NoError(t, err)
	}

	claimed, err := d.ClaimJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a.json", claimed[0].Path)
	assert.Equal(t, "b.json", claimed[1].Path)
	assert.Equal(t, JobProcessing, claimed[0].Status)

	rest, err := d.ClaimJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c.json", rest[0].Path)

	none, err := d.ClaimJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, d.MarkJobDone(ctx, claimed[0].ID))
	require.NoError(t, d.RequeueJob(ctx, claimed[1].ID, "transient", 1))

	counts, err := d.JobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[JobStatus]int{JobDone: 1, JobPending: 1, JobProcessing: 1}, counts)

	requeued, err := d.GetJob(ctx, "p", "b.json")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, "transient", requeued.ErrorMessage)

	n, err := d.ResetStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err = d.JobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[JobStatus]int{JobDone: 1, JobPending: 2}, counts)
}
