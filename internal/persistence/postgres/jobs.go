package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
)

// JobStore keeps synchronization jobs in the sync_jobs table.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Create implements domain.JobRepository.
func (s *JobStore) Create(ctx context.Context, job domain.SyncJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_jobs (job_id, user_email, state, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5)`,
		job.ID, normalize(job.UserEmail), string(job.State), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// Get implements domain.JobRepository.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.SyncJob, error) {
	const query = `SELECT job_id, user_email, state, progress_status, progress_current, progress_total,
            new_activities, total_activities, error, cancel_requested, created_at, started_at, updated_at, finished_at
        FROM sync_jobs WHERE job_id=$1`

	var (
		job        domain.SyncJob
		state      string
		newCount   *int
		totalCount *int
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.UserEmail,
		&state,
		&job.Progress.Status,
		&job.Progress.Current,
		&job.Progress.Total,
		&newCount,
		&totalCount,
		&job.Error,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.StartedAt,
		&job.UpdatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	job.State = domain.JobState(state)
	if newCount != nil && totalCount != nil {
		job.Result = &domain.SyncResult{NewActivities: *newCount, TotalActivities: *totalCount}
	}
	return &job, nil
}

// Claim implements domain.JobRepository.
func (s *JobStore) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET state='STARTED', progress_status='', progress_current=0, progress_total=0, started_at=$2, updated_at=$2
          WHERE job_id=$1
            AND NOT cancel_requested
            AND (state IN ('PENDING','RETRY') OR (state IN ('STARTED','PROGRESS') AND updated_at < $3))`,
		id, now, staleBefore,
	)
	return s.applied(ctx, id, tag, err)
}

// Touch implements domain.JobRepository.
func (s *JobStore) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx,
		`UPDATE sync_jobs
            SET updated_at = CASE WHEN state IN ('SUCCESS','FAILURE','REVOKED') THEN updated_at ELSE $2 END
          WHERE job_id=$1
        RETURNING cancel_requested`,
		id, now,
	).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrJobNotFound
	}
	return cancelled, err
}

// UpdateProgress implements domain.JobRepository.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress domain.Progress, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET state='PROGRESS', progress_status=$2, progress_current=$3, progress_total=$4, updated_at=$5
          WHERE job_id=$1 AND state IN ('STARTED','PROGRESS') AND progress_current <= $3`,
		id, progress.Status, progress.Current, progress.Total, now,
	)
	_, err = s.applied(ctx, id, tag, err)
	return err
}

// Complete implements domain.JobRepository.
func (s *JobStore) Complete(ctx context.Context, id string, result domain.SyncResult, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET state='SUCCESS', new_activities=$2, total_activities=$3, updated_at=$4, finished_at=$4
          WHERE job_id=$1 AND state NOT IN ('SUCCESS','FAILURE','REVOKED')`,
		id, result.NewActivities, result.TotalActivities, now,
	)
	done, err := s.applied(ctx, id, tag, err)
	if done {
		observability.RecordSyncCompleted(now)
	}
	return err
}

// Fail implements domain.JobRepository.
func (s *JobStore) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET state='FAILURE', error=$2, updated_at=$3, finished_at=$3
          WHERE job_id=$1 AND state NOT IN ('SUCCESS','FAILURE','REVOKED')`,
		id, reason, now,
	)
	_, err = s.applied(ctx, id, tag, err)
	return err
}

// MarkRevoked implements domain.JobRepository.
func (s *JobStore) MarkRevoked(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET state='REVOKED', cancel_requested=TRUE, updated_at=$2, finished_at=$2
          WHERE job_id=$1 AND state NOT IN ('SUCCESS','FAILURE','REVOKED')`,
		id, now,
	)
	_, err = s.applied(ctx, id, tag, err)
	return err
}

// Requeue implements domain.JobRepository.
func (s *JobStore) Requeue(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET state='RETRY', progress_status='', progress_current=0, progress_total=0, updated_at=$2
          WHERE job_id=$1 AND state IN ('STARTED','PROGRESS')`,
		id, now,
	)
	_, err = s.applied(ctx, id, tag, err)
	return err
}

// RequestCancel implements domain.JobRepository.
func (s *JobStore) RequestCancel(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
            SET cancel_requested=TRUE,
                finished_at = CASE WHEN state IN ('PENDING','RETRY') THEN $2 ELSE finished_at END,
                state = CASE WHEN state IN ('PENDING','RETRY') THEN 'REVOKED' ELSE state END,
                updated_at=$2
          WHERE job_id=$1 AND state NOT IN ('SUCCESS','FAILURE','REVOKED')`,
		id, now,
	)
	_, err = s.applied(ctx, id, tag, err)
	return err
}

// PruneFinished implements domain.JobRepository.
func (s *JobStore) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sync_jobs WHERE state IN ('SUCCESS','FAILURE','REVOKED') AND finished_at < $1`,
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QueuedJobs implements domain.JobRepository.
func (s *JobStore) QueuedJobs(ctx context.Context) ([]domain.SyncJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, user_email, state, created_at, updated_at
           FROM sync_jobs
          WHERE state IN ('PENDING','RETRY') AND NOT cancel_requested
          ORDER BY created_at, job_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queued []domain.SyncJob
	for rows.Next() {
		var (
			job   domain.SyncJob
			state string
		)
		if err := rows.Scan(&job.ID, &job.UserEmail, &state, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		job.State = domain.JobState(state)
		queued = append(queued, job)
	}
	return queued, rows.Err()
}

// applied reports whether a guarded update touched the job. A miss on an
// unknown id becomes domain.ErrJobNotFound; a miss on a known job is not an error.
func (s *JobStore) applied(ctx context.Context, id string, tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE job_id=$1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}
