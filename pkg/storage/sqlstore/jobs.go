package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/platinummonkey/voicescribe/pkg/jobs"
)

const staleJobReason = "timed out waiting for transcription"

// CreateJob inserts a job. A second job for the same messaging message
// returns jobs.ErrDuplicate.
func (s *SQLStore) CreateJob(ctx context.Context, job *jobs.Job) (err error) {
	ctx, done := s.begin(ctx, "CreateJob")
	defer done(&err)

	now := s.stamp()
	if job.Status == "" {
		job.Status = jobs.StatusPending
	}
	_, err = s.exec(ctx, `
		INSERT INTO jobs (id, account_id, source, external_ref, media_ref, content_type,
			duration_seconds, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		job.ID, job.AccountID, string(job.Source), nullString(job.ExternalRef), job.MediaRef,
		nullString(job.ContentType), job.DurationSeconds, string(job.Status), now,
	)
	if isUniqueViolation(err) {
		return jobs.ErrDuplicate
	}
	if err != nil {
		return wrapErr("create job", err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetJob loads a job by id.
func (s *SQLStore) GetJob(ctx context.Context, id string) (_ *jobs.Job, err error) {
	ctx, done := s.begin(ctx, "GetJob")
	defer done(&err)

	return s.getJob(ctx, id)
}

func (s *SQLStore) getJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return job, nil
}

// MarkJobProcessing records the provider request id of a submitted job.
func (s *SQLStore) MarkJobProcessing(ctx context.Context, id, providerRequestID string) (err error) {
	ctx, done := s.begin(ctx, "MarkJobProcessing")
	defer done(&err)

	res, err := s.exec(ctx, `
		UPDATE jobs SET status = $1, provider_request_id = $2, updated_at = $3
		WHERE id = $4 AND status IN ('pending', 'processing')`,
		string(jobs.StatusProcessing), nullString(providerRequestID), s.stamp(), id,
	)
	if err != nil {
		return wrapErr("mark job processing", err)
	}
	return s.expectOpenJob(ctx, res, id)
}

// CompleteJob stores the provider's result. Failed results mark the job failed.
func (s *SQLStore) CompleteJob(ctx context.Context, id string, result jobs.Result) (err error) {
	ctx, done := s.begin(ctx, "CompleteJob")
	defer done(&err)

	if result.Failed() {
		return s.failJob(ctx, id, result.Error)
	}

	var confidence, wordCount any
	if result.Confidence != nil {
		confidence = *result.Confidence
	}
	if result.WordCount != nil {
		wordCount = int64(*result.WordCount)
	}
	now := s.stamp()
	res, err := s.exec(ctx, `
		UPDATE jobs SET status = $1, transcript = $2, confidence = $3, word_count = $4,
			updated_at = $5, completed_at = $5
		WHERE id = $6 AND status IN ('pending', 'processing')`,
		string(jobs.StatusCompleted), result.Text, confidence, wordCount, now, id,
	)
	if err != nil {
		return wrapErr("complete job", err)
	}
	return s.expectOpenJob(ctx, res, id)
}

// FailJob marks an open job failed with reason.
func (s *SQLStore) FailJob(ctx context.Context, id, reason string) (err error) {
	ctx, done := s.begin(ctx, "FailJob")
	defer done(&err)

	return s.failJob(ctx, id, reason)
}

func (s *SQLStore) failJob(ctx context.Context, id, reason string) error {
	now := s.stamp()
	res, err := s.exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND status IN ('pending', 'processing')`,
		string(jobs.StatusFailed), reason, now, id,
	)
	if err != nil {
		return wrapErr("fail job", err)
	}
	return s.expectOpenJob(ctx, res, id)
}

// FailStaleJobs fails open jobs not touched since olderThan.
func (s *SQLStore) FailStaleJobs(ctx context.Context, olderThan time.Time) (_ int64, err error) {
	ctx, done := s.begin(ctx, "FailStaleJobs")
	defer done(&err)

	now := s.stamp()
	res, err := s.exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, updated_at = $3, completed_at = $3
		WHERE status IN ('pending', 'processing') AND updated_at < $4`,
		string(jobs.StatusFailed), staleJobReason, now, olderThan.UTC(),
	)
	if err != nil {
		return 0, wrapErr("fail stale jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("rows affected", err)
	}
	return n, nil
}

// expectOpenJob tells a missing job apart from one that already finished.
func (s *SQLStore) expectOpenJob(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.getJob(ctx, id); err != nil {
		return err
	}
	return jobs.ErrFinished
}
