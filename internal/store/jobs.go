package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

const jobColumns = `id, type, payload, priority, retry_limit, retry_delay_seconds, retry_backoff,
	expire_after_seconds, uniqueness_key, state, retry_count, principal_id, start_after, output,
	started_at, completed_at, created_at, updated_at`

// liveStates are the states covered by the uniqueness index.
const liveStates = `('created', 'retry', 'active')`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j       models.Job
		payload []byte
		output  []byte
	)
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Priority, &j.RetryLimit, &j.RetryDelaySeconds,
		&j.RetryBackoff, &j.ExpireAfterSeconds, &j.UniquenessKey, &j.State, &j.RetryCount,
		&j.PrincipalID, &j.StartAfter, &output, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Output = output
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) (uuid.UUID, bool, error) {
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	// A live duplicate can finish between the insert and the lookup; one
	// more insert attempt covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		var id uuid.UUID
		err := s.pool.QueryRow(ctx,
			`INSERT INTO jobs (id, type, payload, priority, retry_limit, retry_delay_seconds, retry_backoff,
			                   expire_after_seconds, uniqueness_key, state, retry_count, principal_id,
			                   start_after, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $13)
			 ON CONFLICT (uniqueness_key) WHERE uniqueness_key IS NOT NULL AND state IN `+liveStates+`
			 DO NOTHING
			 RETURNING id`,
			job.ID, job.Type, payload, job.Priority, job.RetryLimit, job.RetryDelaySeconds, job.RetryBackoff,
			job.ExpireAfterSeconds, job.UniquenessKey, models.JobStateCreated, job.PrincipalID,
			job.StartAfter, job.CreatedAt,
		).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			if isDuplicateKeyError(err) {
				return uuid.Nil, false, ErrDuplicateKey
			}
			return uuid.Nil, false, fmt.Errorf("create job: %w", err)
		}

		err = s.pool.QueryRow(ctx,
			`SELECT id FROM jobs WHERE uniqueness_key = $1 AND state IN `+liveStates+` LIMIT 1`,
			job.UniquenessKey,
		).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, fmt.Errorf("find live job by uniqueness key: %w", err)
		}
	}
	return uuid.Nil, false, fmt.Errorf("create job: uniqueness key %q is contended", *job.UniquenessKey)
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobType models.JobType, now time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET state = 'active', started_at = $2, updated_at = $2
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE type = $1 AND state IN ('created', 'retry') AND start_after <= $2
		     ORDER BY priority DESC, created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 ) AND state IN ('created', 'retry')
		 RETURNING `+jobColumns,
		jobType, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, output []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'completed', output = $2, completed_at = $3, updated_at = $3
		 WHERE id = $1 AND state = 'active'`, id, output, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotActive
	}
	return nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID, startAfter time.Time, output []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'retry', retry_count = retry_count + 1, start_after = $2, output = $3,
		                 updated_at = $4
		 WHERE id = $1 AND state = 'active'`, id, startAfter, output, now)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotActive
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, output []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'failed', output = $2, completed_at = $3, updated_at = $3
		 WHERE id = $1 AND state = 'active'`, id, output, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotActive
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (*models.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET state = 'cancelled', completed_at = $2, updated_at = $2
		 WHERE id = $1 AND state IN `+liveStates+`
		 RETURNING `+jobColumns, id, now))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("cancel job: %w", err)
	}

	j, err = s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return j, false, nil
}

func (s *PostgresStore) ExpireJobs(ctx context.Context, now time.Time, output []byte) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET state = 'failed', output = $2, completed_at = $1, updated_at = $1
		 WHERE state IN `+liveStates+`
		   AND created_at + expire_after_seconds * INTERVAL '1 second' <= $1
		 RETURNING `+jobColumns, now, output)
	if err != nil {
		return nil, fmt.Errorf("expire jobs: %w", err)
	}
	defer rows.Close()

	var expired []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		expired = append(expired, j)
	}
	return expired, rows.Err()
}
