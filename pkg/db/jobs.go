package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// JobStatus is the state of an ingest job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job is a queued request to ingest one chunk record file into a project
type Job struct {
	ID           int64
	Project      string
	Path         string
	ContentHash  string // SHA256 hex of the record file
	Status       JobStatus
	ErrorMessage string
	RetryCount   int
	QueuedAt     *time.Time
}

func (j *Job) Scan(rows *sql.Rows) error {
	var status string
	var queuedAt sql.NullTime
	err := rows.Scan(&j.ID, &j.Project, &j.Path, &j.ContentHash, &status, &j.ErrorMessage, &j.RetryCount, &queuedAt)
	if err != nil {
		return err
	}
	j.Status = JobStatus(status)
	if queuedAt.Valid {
		t := queuedAt.Time
		j.QueuedAt = &t
	}
	return nil
}

// EnqueueJob queues a record file for ingestion. A file already ingested
// with the same content hash is not queued again; the result reports
// whether a job was queued.
func (db *DB) EnqueueJob(ctx context.Context, project, path, contentHash string) (bool, error) {
	var status, hash string
	err := db.conn.QueryRowContext(ctx,
		"SELECT status, content_hash FROM ingest_jobs WHERE project = ? AND path = ?", project, path,
	).Scan(&status, &hash)
	if err != nil && err != sql.ErrNoRows {
		return false, storageErr("look up job", err)
	}
	if err == nil && hash == contentHash && contentHash != "" && JobStatus(status) != JobFailed {
		slog.Debug("Record file unchanged, not queued", "project", project, "path", path)
		return false, nil
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO ingest_jobs (project, path, content_hash, status, queued_at, retry_count)
		VALUES (?, ?, ?, 'pending', ?, 0)
		ON CONFLICT(project, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			status = 'pending',
			queued_at = excluded.queued_at,
			retry_count = 0,
			error_message = NULL
	`, project, path, contentHash, time.Now().UTC())
	if err != nil {
		return false, storageErr("enqueue job", err)
	}
	return true, nil
}

// ClaimJobs moves up to limit pending jobs to processing, oldest first
func (db *DB) ClaimJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}

	var jobs []*Job
	err := db.withTx(ctx, "claim jobs", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, project, path, content_hash, status, COALESCE(error_message, ''), retry_count, queued_at
			FROM ingest_jobs
			WHERE status = 'pending'
			ORDER BY queued_at ASC, id ASC
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		jobs, err = scanRows[Job](rows)
		if err != nil {
			return err
		}

		for _, j := range jobs {
			if _, err := tx.ExecContext(ctx, "UPDATE ingest_jobs SET status = 'processing' WHERE id = ?", j.ID); err != nil {
				return err
			}
			j.Status = JobProcessing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkJobDone marks a job as successfully ingested
func (db *DB) MarkJobDone(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = 'done',
		    finished_at = ?,
		    error_message = NULL,
		    retry_count = 0
		WHERE id = ?
	`, time.Now().UTC(), id)
	return storageErr("mark job done", err)
}

// MarkJobFailed marks a job as failed for good
func (db *DB) MarkJobFailed(ctx context.Context, id int64, errorMsg string, retryCount int) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = 'failed',
		    error_message = ?,
		    retry_count = ?,
		    finished_at = ?
		WHERE id = ?
	`, errorMsg, retryCount, time.Now().UTC(), id)
	return storageErr("mark job failed", err)
}

// RequeueJob puts a job back in the queue after a failed attempt
func (db *DB) RequeueJob(ctx context.Context, id int64, errorMsg string, retryCount int) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = 'pending',
		    error_message = ?,
		    retry_count = ?,
		    queued_at = ?
		WHERE id = ?
	`, errorMsg, retryCount, time.Now().UTC(), id)
	return storageErr("requeue job", err)
}

// ResetStuckJobs resets jobs stuck in "processing" state.
// This should be called on daemon startup to recover from crashes.
func (db *DB) ResetStuckJobs(ctx context.Context) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = 'pending'
		WHERE status = 'processing'
	`)
	if err != nil {
		return 0, storageErr("reset stuck jobs", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		slog.Info("Reset stuck ingest jobs", "count", rows)
	}
	return rows, nil
}

// GetJob returns a job by project and path, or ErrNotFound
func (db *DB) GetJob(ctx context.Context, project, path string) (*Job, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, project, path, content_hash, status, COALESCE(error_message, ''), retry_count, queued_at
		FROM ingest_jobs
		WHERE project = ? AND path = ?`, project, path)
	if err != nil {
		return nil, storageErr("get job", err)
	}
	jobs, err := scanRows[Job](rows)
	if err != nil {
		return nil, storageErr("get job", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %s/%s: %w", project, path, ErrNotFound)
	}
	return jobs[0], nil
}

// JobCounts returns the number of jobs per status
func (db *DB) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT status, COUNT(*) as count
		FROM ingest_jobs
		GROUP BY status
	`)
	if err != nil {
		return nil, storageErr("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("scan job count", err)
		}
		counts[JobStatus(status)] = count
	}
	return counts, storageErr("iterate job counts", rows.Err())
}
